package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried in API tokens. Admin may do everything; producers submit
// and manage calculations; workers claim and report. Every valid token may
// read and export.
const (
	roleAdmin    = "admin"
	roleProducer = "producer"
	roleWorker   = "worker"
)

// Roles lists the roles a token may carry.
var Roles = []string{roleAdmin, roleProducer, roleWorker}

type principal struct {
	Subject string
	Role    string
}

type ctxKey string

const ctxPrincipalKey ctxKey = "auth_principal"

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 API token for subject with the given role. A
// zero ttl issues a token that does not expire.
func IssueToken(secret, subject, role string, ttl time.Duration, now time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("missing signing secret")
	}
	if !validRole(role) {
		return "", fmt.Errorf("unknown role %q (valid: %v)", role, Roles)
	}
	c := claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		c.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
}

// parseToken verifies an HS256 token and returns its principal.
func parseToken(token string, secret []byte, now time.Time) (principal, error) {
	c := claims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), &c, func(t *jwt.Token) (any, error) {
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm")
		}
		return secret, nil
	}, jwt.WithLeeway(time.Minute), jwt.WithTimeFunc(func() time.Time { return now.UTC() }))
	if err != nil {
		return principal{}, fmt.Errorf("validate token: %w", err)
	}
	if !parsed.Valid {
		return principal{}, fmt.Errorf("invalid token")
	}
	if !validRole(c.Role) {
		return principal{}, fmt.Errorf("token has unknown role %q", c.Role)
	}
	return principal{Subject: c.Subject, Role: c.Role}, nil
}

func validRole(role string) bool {
	for _, r := range Roles {
		if r == role {
			return true
		}
	}
	return false
}

// authMiddleware resolves the caller. Without a configured secret every
// caller is an anonymous admin.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.jwtSecret) == 0 {
			ctx := context.WithValue(r.Context(), ctxPrincipalKey, principal{Subject: "anonymous", Role: roleAdmin})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "UNAUTHORIZED")
			return
		}
		p, err := parseToken(token, s.jwtSecret, time.Now())
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error(), "UNAUTHORIZED")
			return
		}
		ctx := context.WithValue(r.Context(), ctxPrincipalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFromContext(ctx context.Context) principal {
	if p, ok := ctx.Value(ctxPrincipalKey).(principal); ok {
		return p
	}
	return principal{Subject: "anonymous", Role: roleAdmin}
}

// requireRole admits admins and callers holding role.
func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFromContext(r.Context())
			if p.Role != roleAdmin && p.Role != role {
				writeError(w, http.StatusForbidden, "role "+p.Role+" may not call this endpoint", "FORBIDDEN")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
