package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/real2ai/contract-cli/internal/model"
)

// ValidateText decodes an LLM response and validates it. Markdown fences
// and prose around the JSON object are tolerated.
func ValidateText(raw string, s *Schema) (*model.AnalyzerOutput, error) {
	text := CleanJSON(raw)
	if text == "" {
		return nil, mismatch(s.ID, "$", "empty response")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, mismatch(s.ID, "$", "response is not a JSON object: %v", err)
	}
	return Validate(payload, s)
}

// CleanJSON strips Markdown code fences and keeps the outermost {...} span.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// Validate checks payload against s and returns the coerced output. Unknown
// payload keys are ignored. The returned output has no NodeID; callers set it.
func Validate(payload map[string]any, s *Schema) (*model.AnalyzerOutput, error) {
	if payload == nil {
		return nil, mismatch(s.ID, "$", "payload is null")
	}

	confidence, err := validateConfidence(s.ID, payload)
	if err != nil {
		return nil, err
	}
	risks, err := validateRisks(s.ID, payload[KeyRisks])
	if err != nil {
		return nil, err
	}
	fields, err := validateObject(s.ID, "", payload, s.Fields)
	if err != nil {
		return nil, err
	}

	return &model.AnalyzerOutput{
		Fields:     fields,
		Confidence: confidence,
		Risks:      risks,
	}, nil
}

func validateConfidence(schemaID string, payload map[string]any) (float64, error) {
	raw, ok := payload[KeyConfidence]
	if !ok || raw == nil {
		return 0, mismatch(schemaID, KeyConfidence, "required field is missing")
	}
	c, ok := ParseAmount(raw)
	if !ok {
		return 0, mismatch(schemaID, KeyConfidence, "expected number, got %T", raw)
	}
	if c < 0 || c > 1 {
		return 0, mismatch(schemaID, KeyConfidence, "value %v outside [0,1]", c)
	}
	return c, nil
}

func validateRisks(schemaID string, raw any) ([]model.RiskIndicator, error) {
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, mismatch(schemaID, KeyRisks, "expected list, got %T", raw)
	}
	risks := make([]model.RiskIndicator, 0, len(list))
	for i, item := range list {
		path := fmt.Sprintf("%s[%d]", KeyRisks, i)
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, mismatch(schemaID, path, "expected object, got %T", item)
		}
		sevRaw, _ := obj["severity"].(string)
		sev, ok := model.ParseSeverity(sevRaw)
		if !ok {
			return nil, mismatch(schemaID, path+".severity", "value %v not in {low, medium, high, critical}", obj["severity"])
		}
		desc, ok := obj["description"].(string)
		if !ok || strings.TrimSpace(desc) == "" {
			return nil, mismatch(schemaID, path+".description", "required field is missing")
		}
		ev, _ := obj["evidence"].(string)
		risks = append(risks, model.RiskIndicator{
			Severity:    sev,
			Description: strings.TrimSpace(desc),
			Evidence:    strings.TrimSpace(ev),
		})
	}
	return risks, nil
}

func validateObject(schemaID, prefix string, obj map[string]any, fields []Field) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		path := joinPath(prefix, f.Name)
		raw, present := obj[f.Name]
		if !present {
			if f.Required {
				return nil, mismatch(schemaID, path, "required field is missing")
			}
			continue
		}
		v, err := validateValue(schemaID, path, raw, f)
		if err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	return out, nil
}

func validateValue(schemaID, path string, raw any, f Field) (any, error) {
	if raw == nil {
		if !f.allowsNull() {
			return nil, mismatch(schemaID, path, "null is not allowed")
		}
		return nil, nil
	}

	switch f.Type {
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return nil, mismatch(schemaID, path, "expected string, got %T", raw)
		}
		return s, nil

	case TypeNumber:
		n, ok := ParseAmount(raw)
		if !ok {
			return nil, mismatch(schemaID, path, "expected number, got %v", raw)
		}
		return n, nil

	case TypeInteger:
		n, ok := coerceInteger(raw)
		if !ok {
			return nil, mismatch(schemaID, path, "expected integer, got %v", raw)
		}
		return n, nil

	case TypeBoolean:
		b, ok := coerceBool(raw)
		if !ok {
			return nil, mismatch(schemaID, path, "expected boolean, got %v", raw)
		}
		return b, nil

	case TypeEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, mismatch(schemaID, path, "expected enum string, got %T", raw)
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if !enumContains(f.Values, s) {
			return nil, mismatch(schemaID, path, "value %q not in %v", s, f.Values)
		}
		return s, nil

	case TypeDate:
		d, ok := coerceDate(raw)
		if !ok {
			return nil, mismatch(schemaID, path, "unrecognized date %v", raw)
		}
		return d, nil

	case TypeList:
		list, ok := raw.([]any)
		if !ok {
			return nil, mismatch(schemaID, path, "expected list, got %T", raw)
		}
		out := make([]any, 0, len(list))
		for i, item := range list {
			if f.Items == nil {
				out = append(out, item)
				continue
			}
			itemField := *f.Items
			itemField.Required = true
			v, err := validateValue(schemaID, fmt.Sprintf("%s[%d]", path, i), item, itemField)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil

	case TypeObject:
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, mismatch(schemaID, path, "expected object, got %T", raw)
		}
		return validateObject(schemaID, path, obj, f.Fields)

	default:
		return nil, mismatch(schemaID, path, "unknown field type %q", f.Type)
	}
}
