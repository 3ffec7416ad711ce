package workerclient

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/corvohq/fitq/internal/molecule"
	"github.com/corvohq/fitq/internal/store"
)

// Client is a typed client for the fitq HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		if c != nil {
			cl.httpClient = c
		}
	}
}

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = strings.TrimSpace(token) }
}

// New creates a client for a fitq server base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: defaultHTTPClient(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// defaultHTTPClient speaks cleartext HTTP/2 so long exports share one
// connection with claims and reports.
func defaultHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	tr := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: 30 * time.Second,
		PingTimeout:     10 * time.Second,
	}
	return &http.Client{
		// Exports stream for as long as the store has rows; callers bound
		// requests with their contexts.
		Timeout:   0,
		Transport: tr,
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
}

// Submission queues molecules at one model.
type Submission struct {
	Molecules []*molecule.Molecule
	Model     store.Model
	Tags      []string
	Optimized bool
}

// Submit queues every sub-calculation of the given molecules.
func (c *Client) Submit(ctx context.Context, sub Submission) (int, error) {
	body := map[string]any{
		"molecules": sub.Molecules,
		"method":    sub.Model.Method,
		"basis":     sub.Model.Basis,
		"cp":        sub.Model.CP,
		"tags":      sub.Tags,
		"optimized": sub.Optimized,
	}
	var resp struct {
		Submitted int `json:"submitted"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/calculations", body, &resp); err != nil {
		return 0, err
	}
	return resp.Submitted, nil
}

// Import stores molecules with precomputed energies in each molecule's own
// fragment order. NaN energies are sent as null and stay pending.
func (c *Client) Import(ctx context.Context, req store.ImportRequest) (int, error) {
	entries := make([]map[string]any, len(req.Calculations))
	optimized := false
	for i, calc := range req.Calculations {
		energies := make([]*float64, len(calc.Energies))
		for j := range calc.Energies {
			if !math.IsNaN(calc.Energies[j]) {
				energies[j] = &calc.Energies[j]
			}
		}
		entries[i] = map[string]any{"molecule": calc.Molecule, "energies": energies}
		optimized = optimized || calc.Optimized
	}
	body := map[string]any{
		"entries":   entries,
		"method":    req.Model.Method,
		"basis":     req.Model.Basis,
		"cp":        req.Model.CP,
		"tags":      req.Tags,
		"optimized": optimized,
	}
	var resp struct {
		Imported int `json:"imported"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/calculations/import", body, &resp); err != nil {
		return 0, err
	}
	return resp.Imported, nil
}

// Claim moves up to req.Count pending jobs to dispatched for this client.
// An empty result means no work is pending.
func (c *Client) Claim(ctx context.Context, req store.ClaimRequest) ([]store.Job, error) {
	var resp struct {
		Jobs []store.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/claim", req, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Report sends job outcomes and returns how many were applied.
func (c *Client) Report(ctx context.Context, results []store.Result) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}
	var resp struct {
		Applied int `json:"applied"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/report", map[string]any{"results": results}, &resp); err != nil {
		return 0, err
	}
	return resp.Applied, nil
}

// Reset moves jobs in scope back to pending.
func (c *Client) Reset(ctx context.Context, scope store.ResetScope, tags []string) (int64, error) {
	var resp struct {
		Reset int64 `json:"reset"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/reset", map[string]any{"scope": scope, "tags": tags}, &resp); err != nil {
		return 0, err
	}
	return resp.Reset, nil
}

// AddTags adds tags to a stored calculation.
func (c *Client) AddTags(ctx context.Context, hash string, model store.Model, tags []string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/tags", map[string]any{"hash": hash, "model": model, "tags": tags}, nil)
}

// Status returns job counts by state.
func (c *Client) Status(ctx context.Context) (map[store.Status]int, error) {
	var out map[store.Status]int
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Models lists the models with stored calculations.
func (c *Client) Models(ctx context.Context) ([]store.Model, error) {
	var out []store.Model
	if err := c.do(ctx, http.MethodGet, "/api/v1/models", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Molecule fetches a stored molecule by hash.
func (c *Client) Molecule(ctx context.Context, hash string) (*molecule.Molecule, error) {
	var out molecule.Molecule
	if err := c.do(ctx, http.MethodGet, "/api/v1/molecules/"+hash, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Symmetry returns the symmetry string of a registered shape.
func (c *Client) Symmetry(ctx context.Context, shape string) (string, error) {
	var out struct {
		Symmetry string `json:"symmetry"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/shapes/"+shape+"/symmetry", nil, &out); err != nil {
		return "", err
	}
	return out.Symmetry, nil
}

// Export streams raw NDJSON lines of an export kind (1b, 2b, nb,
// calculations, failed). A trailing error line from the server is returned
// as an *APIError.
func (c *Client) Export(ctx context.Context, kind string, req store.TrainingSetRequest) iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		body := map[string]any{
			"names":  req.Names,
			"method": req.Model.Method,
			"basis":  req.Model.Basis,
			"cp":     req.Model.CP,
			"tags":   req.Tags,
		}
		resp, err := c.send(ctx, http.MethodPost, "/api/v1/export/"+kind, body)
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 64*1024), 64<<20)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			if apiErr := trailingError(line); apiErr != nil {
				yield(nil, apiErr)
				return
			}
			if !yield(json.RawMessage(bytes.Clone(line)), nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield(nil, fmt.Errorf("read export stream: %w", err))
		}
	}
}

// ExportItems decodes an export stream into typed items.
func ExportItems[T any](seq iter.Seq2[json.RawMessage, error]) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		for raw, err := range seq {
			if err != nil {
				yield(zero, err)
				return
			}
			var item T
			if err := json.Unmarshal(raw, &item); err != nil {
				yield(zero, fmt.Errorf("decode export item: %w", err))
				return
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

func trailingError(line []byte) *APIError {
	if !bytes.HasPrefix(line, []byte(`{"code"`)) && !bytes.HasPrefix(line, []byte(`{"error"`)) {
		return nil
	}
	var e struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(line, &e); err != nil || e.Error == "" {
		return nil
	}
	return &APIError{Status: http.StatusOK, Code: e.Code, Message: e.Error}
}

func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if result == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// send performs a request and turns non-2xx responses into *APIError.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{Status: resp.StatusCode}
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			apiErr.Code, apiErr.Message = e.Code, e.Error
		} else {
			apiErr.Code, apiErr.Message = http.StatusText(resp.StatusCode), strings.TrimSpace(string(data))
		}
		return nil, apiErr
	}
	return resp, nil
}
