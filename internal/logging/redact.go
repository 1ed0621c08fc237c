package logging

import (
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
)

// Redacted replaces the value of every redacted key.
const Redacted = "[REDACTED]"

// Redact selects which data keys are masked. Matching applies to keys
// at any depth of nested maps, slices and slog groups. Nested maps and
// slices of any element type are copied as map[string]any and []any.
type Redact struct {
	// Transcripts masks transcript, content and text keys.
	Transcripts bool
	// Params masks params keys.
	Params bool
	// Patterns are regular expressions matched against keys.
	Patterns []string
}

var (
	transcriptKeys = regexp.MustCompile(`(?i)^(transcript|content|text)$`)
	paramsKeys     = regexp.MustCompile(`(?i)^params$`)
)

type redactor struct {
	patterns []*regexp.Regexp
}

func newRedactor(r Redact) (*redactor, error) {
	out := &redactor{}
	if r.Transcripts {
		out.patterns = append(out.patterns, transcriptKeys)
	}
	if r.Params {
		out.patterns = append(out.patterns, paramsKeys)
	}
	for _, p := range r.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", p, err)
		}
		out.patterns = append(out.patterns, re)
	}
	return out, nil
}

func (r *redactor) matches(key string) bool {
	for _, re := range r.patterns {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

// apply returns a deep copy of data with matching keys masked.
func (r *redactor) apply(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if r.matches(k) {
			out[k] = Redacted
			continue
		}
		out[k] = r.value(v)
	}
	return out
}

func (r *redactor) value(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return r.apply(x)
	case slog.Value:
		return r.value(attrValue(x))
	case []slog.Attr:
		return r.apply(groupMap(x))
	case []byte:
		return x
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			if r.matches(k) {
				out[k] = Redacted
				continue
			}
			out[k] = r.value(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = r.value(rv.Index(i).Interface())
		}
		return out
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return v
		}
		if e := rv.Elem(); e.Kind() == reflect.Map || e.Kind() == reflect.Slice || e.Kind() == reflect.Array {
			return r.value(e.Interface())
		}
	}
	return v
}

// attrValue resolves v, turning groups into nested maps.
func attrValue(v slog.Value) any {
	v = v.Resolve()
	if v.Kind() == slog.KindGroup {
		return groupMap(v.Group())
	}
	return v.Any()
}

func groupMap(attrs []slog.Attr) map[string]any {
	out := make(map[string]any, len(attrs))
	for _, a := range attrs {
		out[a.Key] = attrValue(a.Value)
	}
	return out
}
