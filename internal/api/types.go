// Package api defines the wire types claudebridge exchanges with clients:
// the OpenAI chat-completion request/response shapes and the agent event
// protocol used by interactive sessions.
package api

import (
	"encoding/json"
	"fmt"
)

// Message roles accepted in a chat request.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ValidRole reports whether role is one of the accepted chat roles.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// ChatRequest is an OpenAI-compatible chat completion request.
// Sampling parameters are accepted for compatibility but the underlying
// CLI does not expose them; they are logged and discarded.
type ChatRequest struct {
	Model            string    `json:"model,omitempty"`
	Messages         []Message `json:"messages"`
	Stream           bool      `json:"stream,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	Stop             StopList  `json:"stop,omitempty"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
}

// HasSamplingParams reports whether the request carries any of the sampling
// parameters the CLI cannot honor.
func (r *ChatRequest) HasSamplingParams() bool {
	return r.Temperature != nil || r.TopP != nil ||
		r.PresencePenalty != nil || r.FrequencyPenalty != nil
}

// StopList accepts the OpenAI "stop" field as either a single string or a
// list of strings.
type StopList []string

// UnmarshalJSON implements json.Unmarshaler.
func (s *StopList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StopList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("stop must be a string or a list of strings")
	}
	*s = list
	return nil
}

// Message is a single chat message. Content is either a plain string or a
// list of content parts of which only text parts contribute.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent holds the polymorphic content field of a chat message.
type MessageContent struct {
	// Text is set when content arrived as a plain string.
	Text string
	// Parts is set when content arrived as a part list.
	Parts []ContentPart
	// present records whether the content field was supplied at all.
	present bool
}

// ContentPart is one element of a multi-part message content list.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// UnmarshalJSON implements json.Unmarshaler for the string-or-parts shape.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	c.present = true
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		c.Text = text
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content must be a string or a list of parts")
	}
	c.Parts = parts
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// Present reports whether the content field was supplied.
func (c MessageContent) Present() bool {
	return c.present
}

// Flatten returns the textual content: the plain string, or the text parts
// concatenated by newline.
func (c MessageContent) Flatten() string {
	if c.Parts == nil {
		return c.Text
	}
	out := ""
	for _, p := range c.Parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}

// ChatCompletion is the non-streaming response shape.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

// AssistantMessage is the assistant's reply inside a completion choice.
type AssistantMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionChunk is one element of a streaming response.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
	Error   *ErrorDetail  `json:"error,omitempty"`
}

// ChunkChoice is a single choice inside a streaming chunk.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta carries the incremental fields of a streaming chunk.
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// Usage holds token accounting for a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamElement is one element of the stdio adapter's streaming sequence.
// Either Chunk is set, or Done is true (the end-of-stream sentinel).
type StreamElement struct {
	Chunk *ChatCompletionChunk
	Done  bool
}

// ErrorDetail is the OpenAI error object embedded in error responses and
// terminal stream chunks.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ErrorResponse is the OpenAI error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// Model is one entry of the model listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the OpenAI list envelope for models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
