package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"concierge/internal/gateway"
	"concierge/internal/logging"
	"concierge/internal/orchestrator"
)

const maxRequestBytes = 10 << 20

type modelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

type modelList struct {
	Object string      `json:"object"`
	Data   []modelInfo `json:"data"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatCompletion struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type chunkChoice struct {
	Index        int        `json:"index"`
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, modelList{
		Object: "list",
		Data: []modelInfo{{
			ID:      s.publicModelID(),
			Object:  "model",
			Created: s.started.Unix(),
			OwnedBy: "concierge",
		}},
	})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "invalid_request_error")
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return
	}

	// Decode into a map first: the raw payload feeds session derivation and
	// the turn's idempotency hash, not just the typed fields below.
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON", "invalid_request_error")
		return
	}

	history := decodeMessages(payload["messages"])
	if len(history) == 0 {
		writeError(w, http.StatusBadRequest, "messages field is required", "invalid_request_error")
		return
	}

	userKey := resolveUserKey(payload, r)
	stream, _ := payload["stream"].(bool)
	req := orchestrator.Request{UserKey: userKey, History: history, Payload: payload}

	// One completion ID per turn, shared by every chunk and audit event.
	id := "chatcmpl-" + uuid.NewString()
	audit := logging.AuditForTurn("", id, userKey)
	audit.Log(logging.AuditEvent{
		EventType: logging.AuditTurnStart,
		Success:   true,
		Fields:    map[string]interface{}{"stream": stream},
	})
	start := time.Now()

	if stream {
		s.streamChat(w, r, req, id, audit, start)
		return
	}

	resp, err := s.orch.ProcessTurn(r.Context(), req)
	if err != nil {
		logging.Server("turn failed: %v", err)
		audit.Log(logging.AuditEvent{
			EventType:  logging.AuditTurnEnd,
			DurationMs: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "failed to generate a response", "server_error")
		return
	}
	audit.Log(logging.AuditEvent{
		EventType:  logging.AuditTurnEnd,
		SessionKey: resp.SessionKey,
		Domain:     resp.Domain,
		Success:    true,
		DurationMs: time.Since(start).Milliseconds(),
	})
	writeJSON(w, http.StatusOK, chatCompletion{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   s.publicModelID(),
		Choices: []chatChoice{{
			Message:      chatMessage{Role: gateway.RoleAssistant, Content: resp.Content},
			FinishReason: "stop",
		}},
	})
}

// streamChat answers first, then emits SSE chunks while the state path runs.
// The attribution rides the first delta and the footer the last content chunk,
// so a client rendering progressively sees answer text before state results.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, req orchestrator.Request, id string, audit *logging.AuditLogger, start time.Time) {
	answer, err := s.orch.Answer(r.Context(), req)
	if err != nil {
		logging.Server("turn failed: %v", err)
		audit.Log(logging.AuditEvent{
			EventType:  logging.AuditTurnEnd,
			DurationMs: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "failed to generate a response", "server_error")
		return
	}
	rl := logging.WithRequestID(logging.CategoryServer, id)
	rl.Info("streaming turn session=%s domain=%s model=%s", answer.SessionKey, answer.Domain, answer.Model)

	defer func() {
		audit.Log(logging.AuditEvent{
			EventType:  logging.AuditTurnEnd,
			SessionKey: answer.SessionKey,
			Domain:     answer.Domain,
			Success:    true,
			DurationMs: time.Since(start).Milliseconds(),
		})
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		// No streaming support on this connection; fall back to one shot.
		footer := s.orch.CaptureState(answer)
		content := answer.Content
		if footer != "" {
			content += "\n\n" + footer
		}
		writeJSON(w, http.StatusOK, chatCompletion{
			ID:      id,
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   s.publicModelID(),
			Choices: []chatChoice{{
				Message:      chatMessage{Role: gateway.RoleAssistant, Content: content},
				FinishReason: "stop",
			}},
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	created := time.Now().Unix()

	// State capture runs alongside the answer chunks; both must finish before
	// the footer chunk and [DONE] go out.
	var footer string
	var g errgroup.Group
	g.Go(func() error {
		footer = s.orch.CaptureState(answer)
		return nil
	})

	s.writeChunk(w, flusher, chatChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: s.publicModelID(),
		Choices: []chunkChoice{{Delta: chunkDelta{Role: gateway.RoleAssistant, Content: answer.Attribution}}},
	})
	s.writeChunk(w, flusher, chatChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: s.publicModelID(),
		Choices: []chunkChoice{{Delta: chunkDelta{Content: answer.Text}}},
	})

	_ = g.Wait()
	if footer != "" {
		s.writeChunk(w, flusher, chatChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: s.publicModelID(),
			Choices: []chunkChoice{{Delta: chunkDelta{Content: "\n\n" + footer}}},
		})
	}

	stop := "stop"
	s.writeChunk(w, flusher, chatChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: s.publicModelID(),
		Choices: []chunkChoice{{FinishReason: &stop}},
	})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeChunk(w http.ResponseWriter, flusher http.Flusher, chunk chatChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		logging.ServerDebug("failed to marshal chunk: %v", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

// resolveUserKey picks the caller identity: explicit payload user field, then
// the forwarded identity headers, else empty (anonymous downstream).
func resolveUserKey(payload map[string]interface{}, r *http.Request) string {
	if u, ok := payload["user"].(string); ok && strings.TrimSpace(u) != "" {
		return strings.TrimSpace(u)
	}
	if v := strings.TrimSpace(r.Header.Get("X-OpenWebUI-User-Name")); v != "" {
		return v
	}
	if v := strings.TrimSpace(r.Header.Get("X-OpenWebUI-User-Id")); v != "" {
		return v
	}
	return ""
}

// decodeMessages converts the wire messages array into gateway messages.
// Content may be a plain string or a multi-part array; only text parts
// survive, joined by newlines.
func decodeMessages(raw interface{}) []gateway.Message {
	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}
	msgs := make([]gateway.Message, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		if role == "" {
			continue
		}
		msgs = append(msgs, gateway.Message{Role: role, Content: flattenContent(m["content"])})
	}
	return msgs
}

func flattenContent(raw interface{}) string {
	switch v := raw.(type) {
	case string:
		return v
	case []interface{}:
		var parts []string
		for _, p := range v {
			pm, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if kind, _ := pm["type"].(string); kind != "" && kind != "text" {
				continue
			}
			if text, ok := pm["text"].(string); ok && text != "" {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}
