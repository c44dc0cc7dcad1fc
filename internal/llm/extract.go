package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON pulls a single JSON value out of model text. Strategies, in order:
// the whole text, the first fenced code block, then the widest {...} or [...]
// span (whichever opens first is tried first).
func ExtractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("empty content: %w", ErrServiceMalformed)
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}
	if block, ok := fencedBlock(trimmed); ok && json.Valid([]byte(block)) {
		return json.RawMessage(block), nil
	}
	for _, span := range widestSpans(trimmed) {
		if json.Valid([]byte(span)) {
			return json.RawMessage(span), nil
		}
	}
	return nil, fmt.Errorf("no JSON value in %q: %w", clip(trimmed, 80), ErrServiceMalformed)
}

// fencedBlock returns the body of the first ``` fence, with or without a
// language tag.
func fencedBlock(s string) (string, bool) {
	open := strings.Index(s, "```")
	if open < 0 {
		return "", false
	}
	rest := s[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 && !strings.ContainsAny(rest[:nl], "{[") {
		rest = rest[nl+1:] // drop the info string, e.g. "json"
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

func widestSpans(s string) []string {
	var spans []string
	objStart, objEnd := strings.IndexByte(s, '{'), strings.LastIndexByte(s, '}')
	arrStart, arrEnd := strings.IndexByte(s, '['), strings.LastIndexByte(s, ']')
	obj := objStart >= 0 && objEnd > objStart
	arr := arrStart >= 0 && arrEnd > arrStart

	switch {
	case obj && arr && arrStart < objStart:
		spans = append(spans, s[arrStart:arrEnd+1], s[objStart:objEnd+1])
	case obj && arr:
		spans = append(spans, s[objStart:objEnd+1], s[arrStart:arrEnd+1])
	case obj:
		spans = append(spans, s[objStart:objEnd+1])
	case arr:
		spans = append(spans, s[arrStart:arrEnd+1])
	}
	return spans
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
