package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

var ErrInvalidInput = errors.New("invalid run input")

// RunInput is the run trigger document. KnowledgeBaseID and Temperature hold
// either one value or the list swept by a benchmark run.
type RunInput struct {
	ExperimentDescription string   `json:"experiment_description,omitempty"`
	RunMode               string   `json:"runMode"`
	ExperimentParam       string   `json:"experiment_param,omitempty"`
	ApplicationName       string   `json:"application_name,omitempty"`
	KnowledgeBaseID       any      `json:"kb_id,omitempty"`
	GenModelID            string   `json:"gen_model_id,omitempty"`
	JudgeModelID          string   `json:"judge_model_id,omitempty"`
	EmbedModelID          string   `json:"embed_model_id,omitempty"`
	MaxToken              *int     `json:"max_token,omitempty"`
	Temperature           any      `json:"temperature,omitempty"`
	TopP                  *float64 `json:"top_p,omitempty"`
	NumRetrieverResults   *int     `json:"num_retriever_results,omitempty"`
	CustomTag             string   `json:"custom_tag,omitempty"`
}

// Map returns the input as the JSON object the engine runs on.
func (r RunInput) Map() (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}

	var out map[string]any

	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}

	return out, nil
}

var inputSchema = map[string]any{
	"type":     "object",
	"required": []any{"runMode"},
	"properties": map[string]any{
		"experiment_description": map[string]any{"type": "string"},
		"runMode":                map[string]any{"type": "string", "enum": []any{"benchmark", "validation"}},
		"experiment_param":       map[string]any{"type": "string"},
		"application_name":       map[string]any{"type": "string", "minLength": 1},
		"kb_id": map[string]any{"oneOf": []any{
			map[string]any{"type": "string"},
			map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		}},
		"gen_model_id":   map[string]any{"type": "string"},
		"judge_model_id": map[string]any{"type": "string"},
		"embed_model_id": map[string]any{"type": "string"},
		"max_token":      map[string]any{"type": "integer", "minimum": 1},
		"temperature": map[string]any{"oneOf": []any{
			map[string]any{"type": "number"},
			map[string]any{"type": "array", "items": map[string]any{"type": "number"}},
		}},
		"top_p":                 map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"num_retriever_results": map[string]any{"type": "integer", "minimum": 1},
		"custom_tag":            map[string]any{"type": "string"},
	},
}

var schemaLoader = gojsonschema.NewGoLoader(inputSchema)

// ValidateInput checks a run input document against the trigger schema.
func ValidateInput(input map[string]any) error {
	if input == nil {
		return fmt.Errorf("%w: input is required", ErrInvalidInput)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(input))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(messages, "; "))
	}

	return nil
}
