package classifier

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nugget/voicetask/internal/model"
	"github.com/nugget/voicetask/internal/prompts"
)

const defaultConfidence = 0.5

// rawResponse mirrors the response contract loosely; every field is
// coerced separately so one malformed field does not sink the rest.
type rawResponse struct {
	Action                any   `json:"action"`
	Params                any   `json:"params"`
	Confidence            any   `json:"confidence"`
	Priority              any   `json:"priority"`
	ClarificationNeeded   any   `json:"clarificationNeeded"`
	ClarificationQuestion any   `json:"clarificationQuestion"`
	ClarificationOptions  []any `json:"clarificationOptions"`
}

// parseResponse validates a model response against the offered action
// names.
func parseResponse(content string, actionNames []string) (*model.ClassifiedTask, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("%w: no JSON object found", ErrParse)
	}

	var r rawResponse
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	action, ok := r.Action.(string)
	if !ok {
		return nil, fmt.Errorf("%w: action must be a string", ErrParse)
	}

	t := &model.ClassifiedTask{
		Params:     toParams(r.Params),
		Confidence: toConfidence(r.Confidence, defaultConfidence),
		Priority:   toPriority(r.Priority),
	}
	if name, ok := resolveAction(action, actionNames); ok {
		t.Action = name
	} else {
		t.Action = prompts.UnknownAction
		t.Confidence = 0
	}

	t.ClarificationNeeded, _ = r.ClarificationNeeded.(bool)
	t.ClarificationQuestion, _ = r.ClarificationQuestion.(string)
	for _, item := range r.ClarificationOptions {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		optAction, _ := obj["action"].(string)
		name, ok := resolveAction(optAction, actionNames)
		if !ok {
			continue
		}
		label, _ := obj["label"].(string)
		if label == "" {
			label = name
		}
		t.ClarificationOptions = append(t.ClarificationOptions, model.ClarificationOption{
			Label:      label,
			Action:     name,
			Params:     toParams(obj["params"]),
			Confidence: toConfidence(obj["confidence"], 0),
		})
	}
	return t, nil
}

// resolveAction matches name exactly, then case-insensitively.
func resolveAction(name string, actionNames []string) (string, bool) {
	if name == "" || name == prompts.UnknownAction {
		return "", false
	}
	for _, n := range actionNames {
		if n == name {
			return n, true
		}
	}
	for _, n := range actionNames {
		if strings.EqualFold(n, name) {
			return n, true
		}
	}
	return "", false
}

func toParams(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

func toConfidence(v any, def float64) float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return def
		}
		f = parsed
	default:
		return def
	}
	return min(max(f, 0), 1)
}

func toPriority(v any) model.Priority {
	var n int
	switch x := v.(type) {
	case float64:
		n = int(x)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return model.PriorityNormal
		}
		n = parsed
	default:
		return model.PriorityNormal
	}
	return model.Priority(n).OrDefault()
}

// extractJSON finds the first balanced JSON object in response,
// skipping markdown fences or prose around it. Braces inside string
// literals are ignored.
func extractJSON(response string) string {
	start := strings.Index(response, "{")
	if start == -1 {
		return ""
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(response); i++ {
		ch := response[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return ""
}
