// Package rpc serves one agent over newline-delimited JSON on a
// reader/writer pair, stdio in practice. Each input line is a request;
// output lines are command responses, streamed agent events, or errors.
package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/tillerlabs/tiller/internal/agent"
	"github.com/tillerlabs/tiller/internal/config"
	"github.com/tillerlabs/tiller/internal/observability"
	"github.com/tillerlabs/tiller/pkg/models"
)

// Request is one line received on the harness input.
type Request struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`

	// Message is the text for prompt, steer, and follow_up.
	Message string `json:"message,omitempty"`

	// Model is a "provider/model" reference for set_model.
	Model string `json:"model,omitempty"`

	// Level is the reasoning effort for set_thinking_level.
	Level string `json:"level,omitempty"`
}

// Response is one line written to the harness output. Type is
// "response" for command results, "event" for streamed agent events,
// and "error" for failures.
type Response struct {
	Type    string             `json:"type"`
	ID      string             `json:"id,omitempty"`
	Data    map[string]any     `json:"data,omitempty"`
	Message string             `json:"message,omitempty"`
	Event   *models.AgentEvent `json:"event,omitempty"`
}

// Options wires a Server to its host.
type Options struct {
	Agent *agent.Agent

	// NewSession rotates the agent onto a fresh session and returns the
	// new session id. When nil, the new_session request is rejected.
	NewSession func() (string, error)

	// ExtraState merges host fields (session path, cwd) into state
	// responses.
	ExtraState func() map[string]any

	Logger *observability.Logger
}

// Server dispatches requests against one agent, interleaving run events
// with command responses on the output.
type Server struct {
	agent      *agent.Agent
	newSession func() (string, error)
	extraState func() map[string]any
	logger     *observability.Logger

	mu  sync.Mutex
	enc *json.Encoder
}

// NewServer returns a server for the given agent and hooks.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Server{
		agent:      opts.Agent,
		newSession: opts.NewSession,
		extraState: opts.ExtraState,
		logger:     logger,
	}
}

// maxLineBytes caps one request line. Prompts can carry inlined file
// content, so the cap is generous.
const maxLineBytes = 8 * 1024 * 1024

// Run serves until r is exhausted or ctx is canceled. On EOF an
// in-flight run is allowed to finish, so its tail events still reach
// the output before Run returns.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	s.mu.Lock()
	s.enc = json.NewEncoder(w)
	s.enc.SetEscapeHTML(false)
	s.mu.Unlock()

	unsubscribe := s.agent.Subscribe(func(ev models.AgentEvent) {
		s.write(&Response{Type: "event", Event: &ev})
	})
	defer unsubscribe()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			s.agent.Abort()
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError("", fmt.Sprintf("invalid request: %v", err))
			continue
		}
		s.dispatch(ctx, &req)
	}

	if err := s.agent.WaitIdle(ctx); err != nil {
		s.agent.Abort()
		return err
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) {
	switch req.Type {
	case "prompt":
		s.handlePrompt(ctx, req)
	case "steer":
		if req.Message == "" {
			s.writeError(req.ID, "steer requires a message")
			return
		}
		s.agent.SteerText(req.Message)
		s.writeResponse(req.ID, nil)
	case "follow_up":
		if req.Message == "" {
			s.writeError(req.ID, "follow_up requires a message")
			return
		}
		s.agent.FollowUpText(req.Message)
		s.writeResponse(req.ID, nil)
	case "abort":
		s.agent.Abort()
		s.writeResponse(req.ID, nil)
	case "state":
		s.writeResponse(req.ID, s.state())
	case "messages":
		s.writeResponse(req.ID, map[string]any{"messages": s.agent.Messages()})
	case "new_session":
		s.handleNewSession(req)
	case "set_model":
		s.handleSetModel(req)
	case "set_thinking_level":
		s.handleSetThinkingLevel(req)
	default:
		s.writeError(req.ID, fmt.Sprintf("unknown request type %q", req.Type))
	}
}

func (s *Server) handlePrompt(ctx context.Context, req *Request) {
	if req.Message == "" {
		s.writeError(req.ID, "prompt requires a message")
		return
	}
	st, err := s.agent.SendText(ctx, req.Message)
	if err != nil {
		s.writeError(req.ID, err.Error())
		return
	}
	// Events reach the output through the subscription; the run's own
	// stream still has to be drained or the run stalls on a full buffer.
	go func() {
		for range st.Events() {
		}
	}()
	s.writeResponse(req.ID, nil)
}

func (s *Server) handleNewSession(req *Request) {
	if s.newSession == nil {
		s.writeError(req.ID, "new_session is not available")
		return
	}
	if s.agent.IsStreaming() {
		s.writeError(req.ID, "cannot start a new session while a run is active")
		return
	}
	id, err := s.newSession()
	if err != nil {
		s.writeError(req.ID, err.Error())
		return
	}
	s.writeResponse(req.ID, map[string]any{"sessionId": id})
}

func (s *Server) handleSetModel(req *Request) {
	provider, id, err := config.ParseModelRef(req.Model)
	if err != nil {
		s.writeError(req.ID, err.Error())
		return
	}
	model, err := models.GetModel(provider, id)
	if err != nil {
		s.writeError(req.ID, err.Error())
		return
	}
	s.agent.SetModel(model)
	s.writeResponse(req.ID, map[string]any{"model": req.Model})
}

func (s *Server) handleSetThinkingLevel(req *Request) {
	level := models.ThinkingLevel(req.Level)
	switch level {
	case models.ThinkingOff, models.ThinkingMinimal, models.ThinkingLow,
		models.ThinkingMedium, models.ThinkingHigh, models.ThinkingXHigh:
	default:
		s.writeError(req.ID, fmt.Sprintf("unknown thinking level %q", req.Level))
		return
	}
	s.agent.SetThinkingLevel(level)
	s.writeResponse(req.ID, map[string]any{"thinkingLevel": req.Level})
}

// state snapshots the agent for the state request.
func (s *Server) state() map[string]any {
	model := s.agent.Model()
	data := map[string]any{
		"streaming":        s.agent.IsStreaming(),
		"model":            model.Provider + "/" + model.ID,
		"thinkingLevel":    string(s.agent.ThinkingLevel()),
		"sessionId":        s.agent.SessionID(),
		"messageCount":     len(s.agent.Messages()),
		"pendingToolCalls": s.agent.PendingToolCalls(),
	}
	if lastErr := s.agent.LastError(); lastErr != "" {
		data["lastError"] = lastErr
	}
	if s.extraState != nil {
		for key, value := range s.extraState() {
			data[key] = value
		}
	}
	return data
}

func (s *Server) writeResponse(id string, data map[string]any) {
	s.write(&Response{Type: "response", ID: id, Data: data})
}

func (s *Server) writeError(id, message string) {
	s.write(&Response{Type: "error", ID: id, Message: message})
}

func (s *Server) write(resp *Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return
	}
	if err := s.enc.Encode(resp); err != nil {
		s.logger.Error(context.Background(), "rpc write failed", "error", err)
	}
}
