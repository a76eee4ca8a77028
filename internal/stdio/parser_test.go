package stdio

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseOutput_SingleObject(t *testing.T) {
	raw := []byte(`{"type":"result","subtype":"success","result":"OK"}`)
	events := ParseOutput(raw)
	require.Len(t, events, 1)
	require.Equal(t, EventResult, events[0].Type)
	require.Equal(t, "OK", events[0].Result)
}

func TestParseOutput_NDJSON(t *testing.T) {
	raw := []byte(`{"type":"partial","content":"Hel"}
{"type":"partial","content":"lo"}
{"type":"result","subtype":"success","result":"Hello"}`)
	events := ParseOutput(raw)
	require.Len(t, events, 3)
	require.Equal(t, "Hel", events[0].Content)
	require.Equal(t, "lo", events[1].Content)
	require.Equal(t, "Hello", events[2].Result)
}

func TestParseOutput_InvalidLinesSkipped(t *testing.T) {
	raw := []byte(`not json
{"type":"partial","content":"ok"}
{broken`)
	events := ParseOutput(raw)
	require.Len(t, events, 1)
	require.Equal(t, "ok", events[0].Content)
}

func TestParseOutput_Array(t *testing.T) {
	raw := []byte(`[{"type":"partial","content":"a"},{"type":"partial","content":"b"}]`)
	events := ParseOutput(raw)
	require.Len(t, events, 2)
}

func TestParseOutput_NestedSingleElementArrayFlattened(t *testing.T) {
	raw := []byte(`[[{"type":"result","subtype":"success","result":"inner"}]]`)
	events := ParseOutput(raw)
	require.Len(t, events, 1)
	require.Equal(t, "inner", events[0].Result)
}

func TestParseOutput_Empty(t *testing.T) {
	require.Empty(t, ParseOutput(nil))
	require.Empty(t, ParseOutput([]byte("  \n ")))
}

func TestParseOutput_Idempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		raw := []byte(rapid.String().Draw(t, "raw"))
		first := ParseOutput(raw)
		second := ParseOutput(raw)
		require.Equal(t, first, second)
	})
}

func TestExtractContent_PrefersResult(t *testing.T) {
	events := []Event{
		{Type: EventPartial, Content: "partial"},
		{Type: EventAssistant, Message: &EventMessage{Content: []ContentBlock{{Type: "text", Text: "assistant"}}}},
		{Type: EventResult, SubType: "success", Result: "result"},
	}
	content, ok := ExtractContent(events)
	require.True(t, ok)
	require.Equal(t, "result", content)
}

func TestExtractContent_AssistantFallback(t *testing.T) {
	events := []Event{
		{Type: EventResult, SubType: "error"},
		{Type: EventAssistant, Message: &EventMessage{Content: []ContentBlock{
			{Type: "text", Text: "first"},
			{Type: "tool_use"},
			{Type: "text", Text: "second"},
		}}},
	}
	content, ok := ExtractContent(events)
	require.True(t, ok)
	require.Equal(t, "first\nsecond", content)
}

func TestExtractContent_PartialFallback(t *testing.T) {
	events := []Event{
		{Type: EventPartial, Content: "Hi "},
		{Type: EventPartial, Content: "there"},
	}
	content, ok := ExtractContent(events)
	require.True(t, ok)
	require.Equal(t, "Hi there", content)
}

func TestExtractContent_None(t *testing.T) {
	_, ok := ExtractContent(nil)
	require.False(t, ok)

	_, ok = ExtractContent([]Event{{Type: "system"}})
	require.False(t, ok)
}

func TestContentFromEvent(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		want    string
		wantOK  bool
	}{
		{"result success", Event{Type: EventResult, SubType: "success", Result: "done"}, "done", true},
		{"result failure ignored", Event{Type: EventResult, SubType: "error"}, "", false},
		{"partial", Event{Type: EventPartial, Content: "chunk"}, "chunk", true},
		{"assistant text", Event{Type: EventAssistant, Message: &EventMessage{Content: []ContentBlock{{Type: "text", Text: "hi"}}}}, "hi", true},
		{"unknown ignored", Event{Type: "system"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ContentFromEvent(tt.event)
			require.Equal(t, tt.wantOK, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestTruncate(t *testing.T) {
	two := 2
	zero := 0
	require.Equal(t, "12345678", Truncate("123456789abc", &two))
	require.Equal(t, "", Truncate("anything", &zero))
	require.Equal(t, "short", Truncate("short", &two))
	require.Equal(t, "untouched", Truncate("untouched", nil))
}

func TestNewParseError_Breadcrumbs(t *testing.T) {
	raw := make([]byte, 500)
	for i := range raw {
		raw[i] = 'x'
	}
	events := make([]Event, 10)
	err := NewParseError(raw, events)
	require.Len(t, err.RawPrefix, rawPrefixLimit)
	require.Len(t, err.Events, 5)
	require.Contains(t, err.Error(), "5 events")
}
