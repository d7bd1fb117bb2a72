package dispatch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// TextRenderer is the default Renderer: a plain key/value rendering of
// the payload. Deployments with real templates supply their own
// Renderer; this keeps every channel usable without one.
type TextRenderer struct{}

func NewTextRenderer() *TextRenderer {
	return &TextRenderer{}
}

func (r *TextRenderer) Render(eventType string, payload json.RawMessage) (Content, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return Content{}, fmt.Errorf("payload is not a JSON object: %w", err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", eventType)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, fields[k])
	}

	return Content{
		Subject: eventType,
		Body:    b.String(),
	}, nil
}
