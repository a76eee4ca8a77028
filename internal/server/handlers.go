package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sergi/go-diff/diffmatchpatch"

	"claudebridge/internal/agent"
	"claudebridge/internal/api"
	"claudebridge/internal/log"
	"claudebridge/internal/pool"
	"claudebridge/internal/session"
	"claudebridge/internal/stdio"
)

// handleChatCompletions serves POST /v1/chat/completions, streaming or not
// depending on the request's stream flag.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req api.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, api.ErrorDetail{
			Message: fmt.Sprintf("invalid request body: %v", err),
			Type:    "invalid_request_error",
		})
		return
	}

	completion, stream, err := s.chat.Process(r.Context(), &req)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	if stream != nil {
		s.streamChat(w, r, stream)
		return
	}
	writeJSON(w, http.StatusOK, completion)
}

// streamChat relays chat chunks as server-sent events, terminated by the
// [DONE] sentinel.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, stream <-chan api.StreamElement) {
	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	ctx := r.Context()
	for {
		select {
		case el, open := <-stream:
			if !open {
				return
			}
			if el.Done {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			writeSSEJSON(w, el.Chunk)
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// handleAgent serves POST /v1/agent: establish or reuse a session, dispatch
// the content, then stream agent events until done.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	var req api.AgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, api.ErrorDetail{
			Message: fmt.Sprintf("invalid request body: %v", err),
			Type:    "invalid_request_error",
		})
		return
	}
	if req.Content == "" {
		writeAPIError(w, http.StatusBadRequest, api.ErrorDetail{
			Message: "content is required",
			Type:    "invalid_request_error",
		})
		return
	}

	sess, err := s.agent.GetOrCreateSession(r.Context(), req.SessionID, req.Options)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if err := s.agent.Send(sess, req.Content); err != nil {
		writeMappedError(w, err)
		return
	}
	events, err := s.agent.Stream(r.Context(), sess)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			writeSSEJSON(w, ev)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// handleListSessions serves GET /v1/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	views := s.agent.ListSessions()
	if views == nil {
		views = []session.SessionView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// sessionDetail is the single-session response, with the retained screen
// snapshots and a patch describing how the screen changed between the last
// two of them.
type sessionDetail struct {
	session.SessionView
	ScreenHistory []string `json:"screen_history,omitempty"`
	ScreenDiff    string   `json:"screen_diff,omitempty"`
}

// handleGetSession serves GET /v1/sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, err := s.agent.GetSession(id)
	if err != nil {
		writeAPIError(w, http.StatusNotFound, api.ErrorDetail{
			Message: fmt.Sprintf("session %q not found", id),
			Type:    "invalid_request_error",
			Code:    "session_not_found",
		})
		return
	}

	view := sess.Snapshot()
	detail := sessionDetail{SessionView: view, ScreenHistory: sess.RecentScreens()}
	if view.PreviousScreen != view.CurrentScreen {
		dmp := diffmatchpatch.New()
		detail.ScreenDiff = dmp.PatchToText(dmp.PatchMake(view.PreviousScreen, view.CurrentScreen))
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleDeleteSession serves DELETE /v1/sessions/{id}.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.agent.DeleteSession(id) {
		writeAPIError(w, http.StatusNotFound, api.ErrorDetail{
			Message: fmt.Sprintf("session %q not found", id),
			Type:    "invalid_request_error",
			Code:    "session_not_found",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}

// handleModels serves GET /v1/models.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	created := s.started.Unix()
	ids := []string{"claude", "claude-sonnet", "claude-opus", "claude-haiku"}
	models := make([]api.Model, 0, len(ids))
	for _, id := range ids {
		models = append(models, api.Model{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: "anthropic",
		})
	}
	writeJSON(w, http.StatusOK, api.ModelList{Object: "list", Data: models})
}

// handleHealth serves GET /health. Degraded when the pool reports zombies
// or is at capacity.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.pool.HealthCheck()
	status := "ok"
	code := http.StatusOK
	if !health.Healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"pool":      health,
		"processes": s.pool.Stats(),
		"sessions":  s.sessions.StatsSnapshot(),
	})
}

// writeMappedError translates adapter and pool failures into the OpenAI
// error envelope with an appropriate status code.
func writeMappedError(w http.ResponseWriter, err error) {
	var spawnErr *pool.SpawnError
	var parseErr *stdio.ParseError

	switch {
	case errors.Is(err, stdio.ErrInvalidRequest):
		writeAPIError(w, http.StatusBadRequest, api.ErrorDetail{
			Message: err.Error(),
			Type:    "invalid_request_error",
		})
	case errors.Is(err, pool.ErrPoolExhausted):
		w.Header().Set("Retry-After", "5")
		writeAPIError(w, http.StatusTooManyRequests, api.ErrorDetail{
			Message: err.Error(),
			Type:    "rate_limit_error",
			Code:    "pool_exhausted",
		})
	case errors.Is(err, pool.ErrPoolClosed):
		writeAPIError(w, http.StatusServiceUnavailable, api.ErrorDetail{
			Message: err.Error(),
			Type:    "api_error",
			Code:    "shutting_down",
		})
	case errors.As(err, &spawnErr):
		writeAPIError(w, http.StatusBadGateway, api.ErrorDetail{
			Message: err.Error(),
			Type:    "api_error",
			Code:    "spawn_failed",
		})
	case errors.Is(err, agent.ErrPromptTimeout):
		writeAPIError(w, http.StatusGatewayTimeout, api.ErrorDetail{
			Message: err.Error(),
			Type:    "api_error",
			Code:    "prompt_timeout",
		})
	case errors.As(err, &parseErr):
		writeAPIError(w, http.StatusInternalServerError, api.ErrorDetail{
			Message: err.Error(),
			Type:    "api_error",
			Code:    "parse_failed",
		})
	default:
		log.ErrorErr(log.CatHTTP, "Unmapped request failure", err)
		writeAPIError(w, http.StatusInternalServerError, api.ErrorDetail{
			Message: err.Error(),
			Type:    "api_error",
		})
	}
}

// --- Response helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.ErrorErr(log.CatHTTP, "Encoding response", err)
	}
}

func writeAPIError(w http.ResponseWriter, status int, detail api.ErrorDetail) {
	writeJSON(w, status, api.ErrorResponse{Error: detail})
}

// beginSSE switches the response to a server-sent event stream.
func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, api.ErrorDetail{
			Message: "streaming not supported",
			Type:    "api_error",
		})
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeSSEJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.ErrorErr(log.CatHTTP, "Encoding stream event", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
