// Package stdio drives non-interactive CLI children: it turns chat requests
// into prompts and argument vectors, parses the CLI's JSON output into typed
// events, and yields OpenAI-shaped completions or streaming chunks.
package stdio

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Event types the CLI emits on stdout. Anything else is ignored.
const (
	EventResult    = "result"
	EventAssistant = "assistant"
	EventPartial   = "partial"

	subtypeSuccess = "success"
)

// Event is one parsed CLI output event.
type Event struct {
	Type    string        `json:"type"`
	SubType string        `json:"subtype,omitempty"`
	Result  string        `json:"result,omitempty"`
	Content string        `json:"content,omitempty"`
	Message *EventMessage `json:"message,omitempty"`
}

// EventMessage is the message body of an assistant event.
type EventMessage struct {
	Content []ContentBlock `json:"content"`
}

// ContentBlock is one block of an assistant message; only text blocks
// contribute to extracted content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ParseError carries diagnostic breadcrumbs when CLI output could not be
// interpreted: a prefix of the raw bytes and the first parsed events.
type ParseError struct {
	RawPrefix string
	Events    []Event
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not interpret CLI output (parsed %d events, raw prefix %q)", len(e.Events), e.RawPrefix)
}

const rawPrefixLimit = 200

// NewParseError builds a ParseError from raw output and whatever events did
// parse.
func NewParseError(raw []byte, events []Event) *ParseError {
	prefix := string(raw)
	if len(prefix) > rawPrefixLimit {
		prefix = prefix[:rawPrefixLimit]
	}
	const breadcrumbs = 5
	if len(events) > breadcrumbs {
		events = events[:breadcrumbs]
	}
	return &ParseError{RawPrefix: prefix, Events: events}
}

// ParseOutput parses raw CLI output into events. Three shapes are accepted:
// a single JSON value, a singly-nested single-element array (flattened to its
// inner array), or newline-delimited JSON. Invalid lines are skipped.
func ParseOutput(raw []byte) []Event {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil
	}

	if trimmed[0] == '[' {
		var outer []json.RawMessage
		if err := json.Unmarshal(trimmed, &outer); err == nil {
			// A top-level array of length one whose only element is itself
			// an array is unwrapped.
			if len(outer) == 1 {
				inner := bytes.TrimSpace(outer[0])
				if len(inner) > 0 && inner[0] == '[' {
					var unwrapped []json.RawMessage
					if err := json.Unmarshal(inner, &unwrapped); err == nil {
						outer = unwrapped
					}
				}
			}
			var events []Event
			for _, item := range outer {
				var ev Event
				if err := json.Unmarshal(item, &ev); err == nil {
					events = append(events, ev)
				}
			}
			return events
		}
	}

	// A single JSON object (json.Unmarshal only succeeds when the whole
	// input is one value, so NDJSON falls through).
	if trimmed[0] == '{' {
		var ev Event
		if err := json.Unmarshal(trimmed, &ev); err == nil {
			return []Event{ev}
		}
	}

	// Newline-delimited JSON; invalid lines are skipped, not fatal.
	var events []Event
	for _, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events
}

// ParseLine parses a single output line into an event.
func ParseLine(line string) (Event, bool) {
	var ev Event
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return Event{}, false
	}
	return ev, true
}

// ExtractContent picks the answer out of an event sequence. Preference:
// the first successful result event; else the first assistant event with
// text blocks, concatenated by newline; else the partial chunks joined in
// order.
func ExtractContent(events []Event) (string, bool) {
	for _, ev := range events {
		if ev.Type == EventResult && ev.SubType == subtypeSuccess {
			return ev.Result, true
		}
	}
	for _, ev := range events {
		if ev.Type != EventAssistant || ev.Message == nil {
			continue
		}
		if text, ok := assistantText(ev); ok {
			return text, true
		}
	}
	partial := ""
	found := false
	for _, ev := range events {
		if ev.Type == EventPartial && ev.Content != "" {
			partial += ev.Content
			found = true
		}
	}
	return partial, found
}

// ContentFromEvent derives streamable content from one event: result text,
// assistant text blocks, or a partial chunk.
func ContentFromEvent(ev Event) (string, bool) {
	switch ev.Type {
	case EventResult:
		if ev.SubType == subtypeSuccess {
			return ev.Result, true
		}
	case EventAssistant:
		return assistantText(ev)
	case EventPartial:
		return ev.Content, true
	}
	return "", false
}

func assistantText(ev Event) (string, bool) {
	if ev.Message == nil {
		return "", false
	}
	var parts []string
	for _, block := range ev.Message.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "\n"), true
}

// Truncate clamps content to a max-token cap using the four-characters-per-
// token approximation. A nil cap is a no-op.
func Truncate(content string, maxTokens *int) string {
	if maxTokens == nil {
		return content
	}
	budget := *maxTokens * 4
	if budget < 0 {
		budget = 0
	}
	if len(content) <= budget {
		return content
	}
	return content[:budget]
}
