package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const definitions = `"definitions": {
	"atom": {
		"type": "object",
		"required": ["symbol", "symmetry_class", "x", "y", "z"],
		"properties": {
			"symbol": {"type": "string", "minLength": 1},
			"symmetry_class": {"type": "string", "minLength": 1},
			"x": {"type": "number"},
			"y": {"type": "number"},
			"z": {"type": "number"}
		}
	},
	"fragment": {
		"type": "object",
		"required": ["name", "atoms"],
		"properties": {
			"name": {"type": "string", "minLength": 1, "pattern": "^[^-]+$"},
			"charge": {"type": "integer"},
			"spin_multiplicity": {"type": "integer", "minimum": 1},
			"smiles": {"type": "string"},
			"atoms": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/atom"}}
		}
	},
	"molecule": {
		"type": "object",
		"required": ["fragments"],
		"properties": {
			"fragments": {"type": "array", "minItems": 1, "items": {"$ref": "#/definitions/fragment"}}
		}
	},
	"model": {
		"type": "object",
		"required": ["method", "basis"],
		"properties": {
			"method": {"type": "string", "minLength": 1},
			"basis": {"type": "string", "minLength": 1},
			"cp": {"type": "boolean"}
		}
	},
	"tags": {"type": "array", "items": {"type": "string", "minLength": 1}},
	"requiredTags": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}}
}`

var schemas = map[string]string{
	"submit": `{
		"type": "object",
		"required": ["molecules", "method", "basis", "tags"],
		"properties": {
			"molecules": {"type": "array", "items": {"$ref": "#/definitions/molecule"}},
			"method": {"type": "string", "minLength": 1},
			"basis": {"type": "string", "minLength": 1},
			"cp": {"type": "boolean"},
			"tags": {"$ref": "#/definitions/requiredTags"},
			"optimized": {"type": "boolean"}
		},
		` + definitions + `
	}`,
	"import": `{
		"type": "object",
		"required": ["entries", "method", "basis", "tags"],
		"properties": {
			"entries": {"type": "array", "items": {
				"type": "object",
				"required": ["molecule", "energies"],
				"properties": {
					"molecule": {"$ref": "#/definitions/molecule"},
					"energies": {"type": "array", "minItems": 1, "items": {"type": ["number", "null"]}}
				}
			}},
			"method": {"type": "string", "minLength": 1},
			"basis": {"type": "string", "minLength": 1},
			"cp": {"type": "boolean"},
			"tags": {"$ref": "#/definitions/requiredTags"},
			"optimized": {"type": "boolean"}
		},
		` + definitions + `
	}`,
	"claim": `{
		"type": "object",
		"required": ["tags", "count"],
		"properties": {
			"client": {"type": "string"},
			"tags": {"$ref": "#/definitions/requiredTags"},
			"count": {"type": "integer", "minimum": 1},
			"strict": {"type": "boolean"}
		},
		` + definitions + `
	}`,
	"report": `{
		"type": "object",
		"required": ["results"],
		"properties": {
			"results": {"type": "array", "items": {
				"type": "object",
				"required": ["key", "success"],
				"properties": {
					"key": {
						"type": "object",
						"required": ["model", "frag_indices"],
						"properties": {
							"hash": {"type": "string"},
							"model": {"type": "string", "pattern": "^[^/]+/[^/]+/(True|False)$"},
							"frag_indices": {"type": "array", "minItems": 1, "items": {"type": "integer", "minimum": 0}},
							"use_cp": {"type": "boolean"}
						}
					},
					"molecule": {"$ref": "#/definitions/molecule"},
					"success": {"type": "boolean"},
					"energy": {"type": ["number", "null"]},
					"log": {"type": "string"}
				}
			}}
		},
		` + definitions + `
	}`,
	"reset": `{
		"type": "object",
		"required": ["scope"],
		"properties": {
			"scope": {"enum": ["all", "dispatched", "failed"]},
			"tags": {"$ref": "#/definitions/tags"}
		},
		` + definitions + `
	}`,
	"tags": `{
		"type": "object",
		"required": ["hash", "model", "tags"],
		"properties": {
			"hash": {"type": "string", "minLength": 1},
			"model": {"$ref": "#/definitions/model"},
			"tags": {"$ref": "#/definitions/requiredTags"}
		},
		` + definitions + `
	}`,
	"export": `{
		"type": "object",
		"required": ["names", "method", "basis", "tags"],
		"properties": {
			"names": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1, "pattern": "^[^-]+$"}},
			"method": {"type": "string", "minLength": 1},
			"basis": {"type": "string", "minLength": 1},
			"cp": {"type": "boolean"},
			"tags": {"$ref": "#/definitions/requiredTags"}
		},
		` + definitions + `
	}`,
}

var compiled = mustCompile(schemas)

func mustCompile(src map[string]string) map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(src))
	for name, s := range src {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(s))
		if err != nil {
			panic(fmt.Sprintf("compile %s schema: %v", name, err))
		}
		out[name] = schema
	}
	return out
}

// ValidationErrorItem is one schema violation in a request body.
type ValidationErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Value   any    `json:"value,omitempty"`
}

type validationError struct {
	Errors []ValidationErrorItem `json:"validation_errors"`
	Msg    string                `json:"error"`
	Code   string                `json:"code"`
}

func (e *validationError) Error() string {
	return e.Msg
}

// validate checks a body against a named schema.
func validate(name string, body []byte) error {
	res, err := compiled[name].Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &validationError{Msg: "invalid JSON: " + err.Error(), Code: "PARSE_ERROR"}
	}
	if res.Valid() {
		return nil
	}
	items := make([]ValidationErrorItem, 0, len(res.Errors()))
	msgs := make([]string, 0, len(res.Errors()))
	for _, item := range res.Errors() {
		items = append(items, ValidationErrorItem{
			Path:    item.Field(),
			Message: item.Description(),
			Value:   item.Value(),
		})
		msgs = append(msgs, item.Field()+": "+item.Description())
	}
	return &validationError{
		Errors: items,
		Msg:    "request does not match " + name + " schema: " + strings.Join(msgs, "; "),
		Code:   "VALIDATION_ERROR",
	}
}

// decodeBody reads the request body, validates it against the named schema
// and decodes it into v. On failure it writes the response and returns false.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, schema string, v any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err.Error(), "PAYLOAD_TOO_LARGE")
		return false
	}
	if err := validate(schema, body); err != nil {
		writeJSON(w, http.StatusBadRequest, err)
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error(), "PARSE_ERROR")
		return false
	}
	return true
}
