package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CompleteJSON implements the "complete_json(prompt, schema, model_id) →
// object" provider contract (spec.md section 6): it issues a normal
// completion, parses the response as JSON, and validates it against schema
// before returning the decoded value. One retry is attempted with a
// stricter prompt if parsing or validation fails, matching the
// structured-response-parse-failure error kind's retry policy (spec.md
// section 7); a second failure is returned to the caller to mark the
// owning task SKIPPED.
func CompleteJSON(ctx context.Context, client LLMClient, prompt string, schema *jsonschema.Schema, params map[string]interface{}) (map[string]interface{}, error) {
	result, err := tryCompleteJSON(ctx, client, prompt, schema, params)
	if err == nil {
		return result, nil
	}

	strictPrompt := prompt + "\n\nYour previous response did not parse as valid JSON matching the required schema. Respond with ONLY the JSON object, no surrounding prose or markdown fences."
	result, retryErr := tryCompleteJSON(ctx, client, strictPrompt, schema, params)
	if retryErr != nil {
		return nil, Wrap(retryErr, client.GetModelName(), "complete_json: structured response parse failure after retry", CategoryInvalidRequest)
	}
	return result, nil
}

func tryCompleteJSON(ctx context.Context, client LLMClient, prompt string, s *jsonschema.Schema, params map[string]interface{}) (map[string]interface{}, error) {
	resp, err := client.GenerateContent(ctx, prompt, params)
	if err != nil {
		return nil, fmt.Errorf("complete_json: generate content: %w", err)
	}

	cleaned := stripJSONFences(resp.Content)

	var value interface{}
	if err := json.Unmarshal([]byte(cleaned), &value); err != nil {
		return nil, fmt.Errorf("complete_json: unmarshal response: %w", err)
	}

	if s != nil {
		if err := s.Validate(value); err != nil {
			return nil, fmt.Errorf("complete_json: schema validation: %w", err)
		}
	}

	obj, ok := value.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("complete_json: response is not a JSON object")
	}
	return obj, nil
}

// stripJSONFences removes a leading/trailing ```json or ``` markdown fence,
// a common LLM habit this core's prompts explicitly discourage but must
// still tolerate defensively.
func stripJSONFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	start := strings.IndexByte(trimmed, '\n')
	if start == -1 {
		return trimmed
	}
	trimmed = trimmed[start+1:]
	if end := strings.LastIndex(trimmed, "```"); end != -1 {
		trimmed = trimmed[:end]
	}
	return strings.TrimSpace(trimmed)
}
