package prompts

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/voicetask/internal/model"
)

// Limits applied when rendering the context section.
const (
	MaxSelectedTextChars = 100
	MaxMetadataChars     = 500
)

// UnknownAction is the sentinel action name the classifier returns
// when nothing fits.
const UnknownAction = "unknown"

// classifyPrefix opens every classification prompt.
const classifyPrefix = `You are an intent classifier for a voice assistant.
Map the user's spoken request to exactly one of the available actions and
extract its parameters. Respond with a single JSON object and nothing else.`

// classifySuffix describes the response contract.
const classifySuffix = `RESPONSE FORMAT:
Return JSON with this shape:
{"action": "<action name>", "params": {...}, "confidence": <0.0-1.0>, "priority": <1|2|3>}

priority: 1 = low, 2 = normal, 3 = high. Use 2 unless the user signals urgency.

If confidence is 0.7 or higher, return the shape above.

If confidence is below 0.7 and several actions or parameter sets are
plausible, also include:
"clarificationNeeded": true,
"clarificationQuestion": "<short question for the user>",
"clarificationOptions": [{"label": "<what the user would say>", "action": "<action name>", "params": {...}, "confidence": <0.0-1.0>}]
Offer at most 5 options.

If no action fits, return:
{"action": "unknown", "params": {}, "confidence": 0, "priority": 2}`

// ClassifyConfig controls the optional parts of the prompt.
type ClassifyConfig struct {
	// IncludeHistory adds the RECENT CONVERSATION section.
	IncludeHistory bool
	// MaxHistoryLength bounds the number of history entries rendered.
	// Zero renders all of them.
	MaxHistoryLength int
}

// ClassifyPrompt is the rendered classifier input.
type ClassifyPrompt struct {
	System string
	User   string
	// ActionNames lists the enabled actions offered to the model, in
	// prompt order.
	ActionNames []string
}

// BuildClassifyPrompt renders the classifier prompt for transcript.
// Only enabled actions are offered; they are rendered sorted by name.
func BuildClassifyPrompt(transcript string, actions []model.Action, ctx model.AppContext, cfg ClassifyConfig) ClassifyPrompt {
	offered := make([]model.Action, 0, len(actions))
	for _, a := range actions {
		if a.Enabled {
			offered = append(offered, a)
		}
	}
	sort.SliceStable(offered, func(i, j int) bool { return offered[i].Name < offered[j].Name })

	var sb strings.Builder
	sb.WriteString(classifyPrefix)
	sb.WriteString("\n\n")

	names := make([]string, len(offered))
	sb.WriteString("AVAILABLE ACTIONS:\n")
	for i, a := range offered {
		names[i] = a.Name
		writeAction(&sb, a)
	}

	if section := contextSection(ctx); section != "" {
		sb.WriteString("\nCURRENT CONTEXT:\n")
		sb.WriteString(section)
	}

	if cfg.IncludeHistory {
		if section := historySection(ctx.ConversationHistory, cfg.MaxHistoryLength); section != "" {
			sb.WriteString("\nRECENT CONVERSATION:\n")
			sb.WriteString(section)
		}
	}

	sb.WriteString("\n")
	sb.WriteString(classifySuffix)

	return ClassifyPrompt{
		System:      sb.String(),
		User:        fmt.Sprintf("Classify this request: %q", transcript),
		ActionNames: names,
	}
}

func writeAction(sb *strings.Builder, a model.Action) {
	fmt.Fprintf(sb, "- %s: %s\n", a.Name, a.Description)
	if len(a.Params) > 0 {
		sb.WriteString("  Parameters:\n")
		for _, p := range a.Params {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(sb, "    - %s (%s, %s)", p.Name, p.Type, req)
			if p.Default != nil {
				fmt.Fprintf(sb, " default=%s", compactJSON(p.Default))
			}
			if p.Description != "" {
				fmt.Fprintf(sb, ": %s", p.Description)
			}
			sb.WriteString("\n")
		}
	}
	if len(a.Examples) > 0 {
		quoted := make([]string, len(a.Examples))
		for i, ex := range a.Examples {
			quoted[i] = fmt.Sprintf("%q", ex)
		}
		fmt.Fprintf(sb, "  Examples: %s\n", strings.Join(quoted, ", "))
	}
}

func contextSection(ctx model.AppContext) string {
	var sb strings.Builder
	if ctx.ActiveDocument != "" {
		fmt.Fprintf(&sb, "Active document: %s\n", ctx.ActiveDocument)
	}
	if ctx.SelectedText != "" {
		fmt.Fprintf(&sb, "Selected text: %q\n", truncate(ctx.SelectedText, MaxSelectedTextChars))
	}
	if u := ctx.CurrentUser; u != nil && u.ID != "" {
		if u.Role != "" {
			fmt.Fprintf(&sb, "Current user: %s (%s)\n", u.ID, u.Role)
		} else {
			fmt.Fprintf(&sb, "Current user: %s\n", u.ID)
		}
	}

	switch {
	case len(ctx.Summaries) > 0:
		keys := make([]string, 0, len(ctx.Summaries))
		for k := range ctx.Summaries {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s: %s\n", k, ctx.Summaries[k])
		}
	case len(ctx.Metadata) > 0:
		// encoding/json sorts map keys, so this is stable.
		if meta := compactJSON(ctx.Metadata); len(meta) <= MaxMetadataChars {
			fmt.Fprintf(&sb, "Metadata: %s\n", meta)
		}
	}
	return sb.String()
}

func historySection(history []model.Message, limit int) string {
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	var sb strings.Builder
	for _, m := range history {
		role := "User"
		if m.Role == model.RoleAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, m.Content)
	}
	return sb.String()
}

// truncate shortens s to at most n runes, adding an ellipsis when cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
