package server

import (
	stdliberrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/deckhand-sh/deckhand/pkg/request"
	"github.com/deckhand-sh/deckhand/pkg/runner"
	"github.com/deckhand-sh/deckhand/pkg/stream"
)

type assistantStreamRequest struct {
	RequestID       string   `json:"requestId"`
	Prompt          string   `json:"prompt"`
	SessionID       string   `json:"sessionId"`
	AllowedTools    []string `json:"allowedTools"`
	Dir             string   `json:"dir"`
	ReasoningBudget int      `json:"reasoningBudget"`
}

type terminalStreamRequest struct {
	RequestID string `json:"requestId"`
	Command   string `json:"command"`
	Shell     string `json:"shell"`
	Dir       string `json:"dir"`
}

func (s *Server) handleAssistantStream(w http.ResponseWriter, r *http.Request) {
	bodyLimit := s.cfg.Limits.MaxBodyBytes
	if bodyLimit <= 0 {
		bodyLimit = maxBodyBytesSmall
	}
	var req assistantStreamRequest
	if status, err := decodeJSONBody(w, r, &req, bodyLimit, false); status != 0 {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("prompt is required"))
		return
	}

	rnr := runner.NewAssistantRunner(s.cfg.Assistant.Binary, s.cfg.Assistant.BaseArgs, runner.AssistantQuery{
		Prompt:          req.Prompt,
		SessionID:       strings.TrimSpace(req.SessionID),
		AllowedTools:    req.AllowedTools,
		Dir:             req.Dir,
		ReasoningBudget: req.ReasoningBudget,
	})
	s.runStream(w, r, "assistant", req.RequestID, rnr)
}

func (s *Server) handleTerminalStream(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Terminal.Enabled {
		respondError(w, http.StatusForbidden, fmt.Errorf("terminal streaming is disabled"))
		return
	}
	var req terminalStreamRequest
	if status, err := decodeJSONBody(w, r, &req, maxBodyBytesTiny, false); status != 0 {
		respondError(w, status, err)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("command is required"))
		return
	}

	shell := req.Shell
	if shell == "" {
		shell = s.cfg.Terminal.Shell
	}
	rnr := runner.NewShellRunner(runner.ShellSpec{
		Command: req.Command,
		Shell:   shell,
		Dir:     req.Dir,
	})
	s.runStream(w, r, "terminal", req.RequestID, rnr)
}

// runStream drives one request through the lifecycle manager and drains its
// events onto the wire as NDJSON.
func (s *Server) runStream(w http.ResponseWriter, r *http.Request, kind, requestID string, rnr request.Runner) {
	if !s.allow(w, r, s.limiter) {
		return
	}
	if !s.streamConns.tryAcquire() {
		respondError(w, http.StatusTooManyRequests, fmt.Errorf("too many concurrent streams"))
		return
	}
	defer s.streamConns.release()

	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	events, err := s.manager.Start(r.Context(), requestID, rnr)
	if err != nil {
		respondAppError(w, err)
		return
	}

	metricStreamRequests.WithLabelValues(kind).Inc()
	metricActiveStreams.Inc()
	defer metricActiveStreams.Dec()

	stream.PrepareHeaders(w)
	w.WriteHeader(http.StatusOK)
	enc := stream.NewEncoder(w)

	// Drain fully even when the client is gone so the runner's release path
	// always completes.
	for ev := range events {
		ev.RequestID = requestID
		enc.Encode(ev)
	}
	if enc.Failed() {
		s.logger.Printf("stream %s: client disconnected mid-stream", requestID)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(chi.URLParam(r, "requestID"))
	if requestID == "" {
		respondError(w, http.StatusBadRequest, stdliberrors.New("missing request id"))
		return
	}
	// Cancellation is idempotent: an unknown id means the request already
	// finished (or never existed), which is not an error for the caller.
	if s.manager.Cancel(requestID) {
		metricCancelled.Inc()
		respondJSON(w, map[string]string{"requestId": requestID, "status": "cancelled"})
		return
	}
	respondJSON(w, map[string]string{"requestId": requestID, "status": "not_found"})
}
