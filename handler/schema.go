package handler

import (
	"github.com/xeipuuv/gojsonschema"
)

// requestSchema compiles a gojsonschema document once and validates raw
// request bodies against it, grounded on the validator pattern in the
// example pack's gojsonschema usage (schema as a Go literal, document as
// raw bytes — no struct round-trip before the boundary check).
type requestSchema struct {
	schema *gojsonschema.Schema
}

func mustCompileSchema(literal map[string]interface{}) *requestSchema {
	loader := gojsonschema.NewGoLoader(literal)
	compiled, err := gojsonschema.NewSchema(loader)
	if err != nil {
		panic("gateway: invalid request schema literal: " + err.Error())
	}
	return &requestSchema{schema: compiled}
}

// Validate reports the first validation error, or nil if body conforms.
func (s *requestSchema) Validate(body []byte) error {
	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return err
	}
	if !result.Valid() {
		return schemaError{errs: result.Errors()}
	}
	return nil
}

type schemaError struct {
	errs []gojsonschema.ResultError
}

func (e schemaError) Error() string {
	if len(e.errs) == 0 {
		return "request body does not match schema"
	}
	return e.errs[0].String()
}

var chatCompletionsSchema = mustCompileSchema(map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"model", "messages"},
	"properties": map[string]interface{}{
		"model": map[string]interface{}{"type": "string", "minLength": 1},
		"messages": map[string]interface{}{
			"type":     "array",
			"minItems": 1,
			"items": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"role"},
				"properties": map[string]interface{}{
					"role": map[string]interface{}{"type": "string"},
				},
			},
		},
	},
})

var completionsSchema = mustCompileSchema(map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"model", "prompt"},
	"properties": map[string]interface{}{
		"model": map[string]interface{}{"type": "string", "minLength": 1},
		"prompt": map[string]interface{}{
			"type": []interface{}{"string", "array"},
		},
	},
})

var embeddingsSchema = mustCompileSchema(map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"model", "input"},
	"properties": map[string]interface{}{
		"model": map[string]interface{}{"type": "string", "minLength": 1},
		"input": map[string]interface{}{
			"type": []interface{}{"string", "array"},
		},
	},
})

var rerankSchema = mustCompileSchema(map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"model", "query", "documents"},
	"properties": map[string]interface{}{
		"model": map[string]interface{}{"type": "string", "minLength": 1},
		"query": map[string]interface{}{"type": "string"},
		"documents": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
	},
})

var ttsSchema = mustCompileSchema(map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"model", "input"},
	"properties": map[string]interface{}{
		"model": map[string]interface{}{"type": "string", "minLength": 1},
		"input": map[string]interface{}{"type": "string", "minLength": 1},
		"voice": map[string]interface{}{"type": "string"},
		"speed": map[string]interface{}{"type": "number"},
	},
})
