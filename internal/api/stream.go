package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vendra-ai/vendra/internal/llm"
)

// SSE event names on /api/chat/stream.
const (
	sseToken    = "token"
	sseToolCall = "tool_call"
	sseToolDone = "tool_done"
	sseDone     = "done"
	sseError    = "error"
)

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChatRequest(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Track if any tokens were streamed; a reply that arrived without
	// incremental tokens still gets sent before done.
	streamed := false

	rc := http.NewResponseController(w)

	callback := func(event llm.StreamEvent) {
		switch event.Kind {
		case llm.KindToken:
			streamed = true
			s.writeSSE(w, sseToken, map[string]any{"token": event.Token})
		case llm.KindToolCallStart:
			name := ""
			if event.ToolCall != nil {
				name = event.ToolCall.Function.Name
			}
			s.writeSSE(w, sseToolCall, map[string]any{"tool": name})
		case llm.KindToolCallDone:
			s.writeSSE(w, sseToolDone, map[string]any{
				"tool":  event.ToolName,
				"error": event.ToolError,
			})
		default:
			return
		}
		flusher.Flush()

		// Reset write deadline after every event so long tool rounds do
		// not trip the server write timeout.
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	result, err := s.agent.ProcessMessageStream(r.Context(), req.SessionID, req.Message, callback)
	if err != nil {
		// Headers already went out; report the failure in-stream.
		s.logger.Error("streaming chat failed", "error", err)
		s.writeSSE(w, sseError, map[string]any{"message": "assistant request failed"})
		flusher.Flush()
		return
	}

	if !streamed && result.Content != "" {
		s.writeSSE(w, sseToken, map[string]any{"token": result.Content})
	}
	s.writeSSE(w, sseDone, chatResponseFrom(req.SessionID, result))
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Debug("failed to marshal SSE payload", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}
