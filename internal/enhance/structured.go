package enhance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// summarySchema is the response shape requested from the model and checked
// locally before a summary is accepted.
var summarySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"summary": map[string]any{
			"type":      "string",
			"minLength": 1,
		},
		"key_points": map[string]any{
			"type":     "array",
			"items":    map[string]any{"type": "string"},
			"maxItems": 8,
		},
	},
	"required":             []string{"summary", "key_points"},
	"additionalProperties": false,
}

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	raw, err := json.Marshal(summarySchema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode summary schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("summary.json", bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to load summary schema: %w", err)
	}
	schema, err := compiler.Compile("summary.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile summary schema: %w", err)
	}
	return schema, nil
})

// ParseSummary decodes model output into a SummaryResult. Markdown fences
// and surrounding prose are tolerated; anything that still fails to parse or
// validate is reported as ErrInvalidOutput.
func ParseSummary(content string) (*SummaryResult, error) {
	parsed, err := parseStructuredJSON(content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(parsed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: structured output does not match schema: %v", ErrInvalidOutput, err)
	}

	var res SummaryResult
	if err := json.Unmarshal(parsed, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if strings.TrimSpace(res.Summary) == "" {
		return nil, fmt.Errorf("%w: empty summary", ErrInvalidOutput)
	}
	return &res, nil
}

// parseStructuredJSON parses JSON from model output, with lightweight recovery
// for markdown code fences and surrounding text.
func parseStructuredJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty structured output")
	}

	candidates := []string{content}
	if stripped := stripCodeFences(content); stripped != "" && stripped != content {
		candidates = append(candidates, stripped)
	}
	if extracted := extractJSONObject(content); extracted != "" && extracted != content {
		candidates = append(candidates, extracted)
	}

	for _, candidate := range candidates {
		var parsed any
		if err := json.Unmarshal([]byte(candidate), &parsed); err == nil {
			normalized, mErr := json.Marshal(parsed)
			if mErr != nil {
				return nil, fmt.Errorf("failed to normalize structured output: %w", mErr)
			}
			return normalized, nil
		}
	}
	return nil, fmt.Errorf("failed to parse structured JSON")
}

func stripCodeFences(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return ""
	}
	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return ""
	}
	// Drop the opening fence and its language tag.
	lines = lines[1:]
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// extractJSONObject returns the outermost {...} span of content.
func extractJSONObject(content string) string {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return ""
	}
	return strings.TrimSpace(content[start : end+1])
}
