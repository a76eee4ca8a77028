package stdio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"claudebridge/internal/api"
	"claudebridge/internal/log"
	"claudebridge/internal/pool"
)

// ErrInvalidRequest is the base error for request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// Adapter orchestrates one non-interactive CLI child per chat request. It
// owns its process handle for exactly one request and releases it on every
// terminal path.
type Adapter struct {
	pool *pool.Pool
}

// NewAdapter creates a stdio adapter backed by the given pool.
func NewAdapter(p *pool.Pool) *Adapter {
	return &Adapter{pool: p}
}

// Process handles one chat request. Exactly one of the completion or the
// stream is non-nil on success, selected by req.Stream. The stream is a lazy
// sequence of chunks ending in a Done sentinel.
func (a *Adapter) Process(ctx context.Context, req *api.ChatRequest) (*api.ChatCompletion, <-chan api.StreamElement, error) {
	if err := validate(req); err != nil {
		return nil, nil, err
	}
	if req.HasSamplingParams() {
		log.Warn(log.CatStdio, "Ignoring unsupported sampling parameters", "model", req.Model)
	}

	prompt, systemPrompt := buildPrompt(req.Messages)
	args := buildArgs(req.Model, systemPrompt, req.Stream)

	h, err := a.pool.AcquireStdio(args)
	if err != nil {
		return nil, nil, err
	}

	if _, err := h.Write([]byte(prompt)); err != nil {
		a.pool.Release(h)
		return nil, nil, fmt.Errorf("write prompt: %w", err)
	}
	if err := h.CloseInput(); err != nil {
		a.pool.Release(h)
		return nil, nil, fmt.Errorf("close prompt input: %w", err)
	}

	id := "chatcmpl-" + uuid.NewString()
	model := echoModel(req.Model)
	created := time.Now().Unix()

	if req.Stream {
		out := make(chan api.StreamElement, 64)
		go a.streamLoop(ctx, h, req, prompt, id, model, created, out)
		return nil, out, nil
	}

	completion, err := a.collect(ctx, h, req, prompt, id, model, created)
	return completion, nil, err
}

// validate enforces the request preconditions: a non-empty message list, at
// least one user message, known roles, and a content field on every message.
func validate(req *api.ChatRequest) error {
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	hasUser := false
	for i, m := range req.Messages {
		if !api.ValidRole(m.Role) {
			return fmt.Errorf("%w: messages[%d] has invalid role %q", ErrInvalidRequest, i, m.Role)
		}
		if !m.Content.Present() {
			return fmt.Errorf("%w: messages[%d] is missing content", ErrInvalidRequest, i)
		}
		if m.Role == api.RoleUser {
			hasUser = true
		}
	}
	if !hasUser {
		return fmt.Errorf("%w: at least one user message is required", ErrInvalidRequest)
	}
	return nil
}

// buildPrompt serializes the conversation as "role: content" lines. A
// leading system message is extracted and returned separately for the CLI's
// dedicated system-prompt argument.
func buildPrompt(messages []api.Message) (prompt, systemPrompt string) {
	start := 0
	if messages[0].Role == api.RoleSystem {
		systemPrompt = messages[0].Content.Flatten()
		start = 1
	}

	var lines []string
	for _, m := range messages[start:] {
		lines = append(lines, m.Role+": "+m.Content.Flatten())
	}
	return strings.Join(lines, "\n"), systemPrompt
}

// buildArgs constructs the CLI argument vector: non-interactive JSON output,
// no session persistence, tools disabled, permission gating bypassed.
func buildArgs(model, systemPrompt string, streaming bool) []string {
	args := []string{"--print"}
	if streaming {
		args = append(args, "--output-format", "stream-json", "--verbose")
	} else {
		args = append(args, "--output-format", "json")
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	if systemPrompt != "" {
		args = append(args, "--append-system-prompt", systemPrompt)
	}
	args = append(args,
		"--dangerously-skip-permissions",
		"--disallowed-tools", "*",
	)
	return args
}

func echoModel(model string) string {
	if model == "" {
		return "claude"
	}
	return "claude-" + model
}

// collect runs the non-streaming path: read all output, parse, extract,
// apply stop-sequence trimming then the max-output clamp.
func (a *Adapter) collect(ctx context.Context, h *pool.Handle, req *api.ChatRequest, prompt, id, model string, created int64) (*api.ChatCompletion, error) {
	defer a.pool.Release(h)

	var lines []string
	for {
		select {
		case line, ok := <-h.Lines():
			if !ok {
				goto done
			}
			lines = append(lines, line)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
done:

	select {
	case <-h.Exited():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	raw := strings.Join(lines, "\n")
	events := ParseOutput([]byte(raw))
	content, ok := ExtractContent(events)
	if !ok {
		if err := h.ExitErr(); err != nil {
			return nil, fmt.Errorf("CLI exited abnormally: %w", err)
		}
		return nil, NewParseError([]byte(raw), events)
	}

	// Stop-sequence trimming first (first occurrence wins, inclusive of the
	// sequence), then the character clamp.
	content = trimAtStop(content, req.Stop)
	content = Truncate(content, req.MaxTokens)

	log.Debug(log.CatStdio, "Completed request", "id", id, "contentLen", len(content))

	return &api.ChatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []api.Choice{{
			Index:        0,
			Message:      api.AssistantMessage{Role: api.RoleAssistant, Content: content},
			FinishReason: "stop",
		}},
		Usage: usage(prompt, content),
	}, nil
}

// trimAtStop truncates content at the first occurrence of any stop sequence,
// inclusive of the sequence. Earliest occurrence across sequences wins.
func trimAtStop(content string, stops []string) string {
	cut := -1
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if idx := strings.Index(content, stop); idx >= 0 {
			end := idx + len(stop)
			if cut < 0 || end < cut {
				cut = end
			}
		}
	}
	if cut < 0 {
		return content
	}
	return content[:cut]
}

// containsStop reports whether any stop sequence appears in the cumulative
// buffer. Checked after each append so sequences split across chunk
// boundaries are still caught.
func containsStop(buf string, stops []string) bool {
	for _, stop := range stops {
		if stop != "" && strings.Contains(buf, stop) {
			return true
		}
	}
	return false
}

func usage(prompt, completion string) api.Usage {
	p := api.EstimateTokens(prompt)
	c := api.EstimateTokens(completion)
	return api.Usage{PromptTokens: p, CompletionTokens: c, TotalTokens: p + c}
}

// streamLoop runs the streaming path: a role opener, one content delta per
// parsed output line, then finish, usage and the Done sentinel. Max-output
// and stop-sequence triggers close the stream early and signal the child.
func (a *Adapter) streamLoop(ctx context.Context, h *pool.Handle, req *api.ChatRequest, prompt, id, model string, created int64, out chan<- api.StreamElement) {
	defer close(out)
	defer a.pool.Release(h)

	chunk := func(c api.ChatCompletionChunk) bool {
		c.ID = id
		c.Object = "chat.completion.chunk"
		c.Created = created
		c.Model = model
		select {
		case out <- api.StreamElement{Chunk: &c}:
			return true
		case <-ctx.Done():
			return false
		}
	}
	sentinel := func() {
		select {
		case out <- api.StreamElement{Done: true}:
		case <-ctx.Done():
		}
	}

	// Role-only opener.
	empty := ""
	if !chunk(api.ChatCompletionChunk{Choices: []api.ChunkChoice{{
		Delta: api.Delta{Role: api.RoleAssistant, Content: &empty},
	}}}) {
		return
	}

	budget := -1
	if req.MaxTokens != nil {
		budget = api.TokenBudgetChars(*req.MaxTokens)
	}

	emitted := ""
	stopped := false

	for !stopped {
		select {
		case line, ok := <-h.Lines():
			if !ok {
				goto tail
			}
			ev, ok := ParseLine(line)
			if !ok {
				continue
			}
			content, ok := ContentFromEvent(ev)
			if !ok || content == "" {
				continue
			}

			if budget >= 0 {
				remaining := budget - len(emitted)
				if remaining <= 0 {
					stopped = true
					break
				}
				if len(content) > remaining {
					content = content[:remaining]
					stopped = true
				}
			}

			emitted += content
			if !chunk(api.ChatCompletionChunk{Choices: []api.ChunkChoice{{
				Delta: api.Delta{Content: &content},
			}}}) {
				return
			}

			// Cumulative check catches stop sequences that straddle chunks.
			if containsStop(emitted, req.Stop) {
				stopped = true
			}
		case <-ctx.Done():
			return
		}
	}

	// Early termination: signal the child to exit.
	log.Debug(log.CatStdio, "Stream closed early", "id", id, "emittedLen", len(emitted))
	a.pool.Release(h)

tail:
	if !stopped {
		// Natural end of output; surface an abnormal child exit.
		select {
		case <-h.Exited():
			if err := h.ExitErr(); err != nil {
				chunk(api.ChatCompletionChunk{Error: &api.ErrorDetail{
					Message: fmt.Sprintf("CLI exited abnormally: %v", err),
					Type:    "server_error",
				}})
				sentinel()
				return
			}
		case <-ctx.Done():
			return
		}
	}

	finish := "stop"
	if !chunk(api.ChatCompletionChunk{Choices: []api.ChunkChoice{{
		Delta:        api.Delta{},
		FinishReason: &finish,
	}}}) {
		return
	}

	u := usage(prompt, emitted)
	if !chunk(api.ChatCompletionChunk{Choices: []api.ChunkChoice{}, Usage: &u}) {
		return
	}

	sentinel()
}
