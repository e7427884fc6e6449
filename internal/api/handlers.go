package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CarePipe/internal/flow"
	"github.com/BTreeMap/CarePipe/internal/models"
)

type chatRequest struct {
	SessionID string                `json:"session_id"`
	Text      string                `json:"text"`
	Feedback  models.FeedbackSignal `json:"feedback,omitempty"`
	Debug     bool                  `json:"debug,omitempty"`
}

type chatResponse struct {
	flow.TurnResult
	Debug string `json:"debug,omitempty"`
}

type feedbackRequest struct {
	Feedback models.FeedbackSignal `json:"feedback"`
}

type styleRequest struct {
	Style string `json:"style"`
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.chatHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
		slog.Debug("Server.chatHandler: assigned session id", "sessionID", req.SessionID)
	}

	ctx := r.Context()
	if req.Debug {
		ctx = flow.SetDebugModeInContext(ctx, true)
	}
	res, err := s.engine.HandleTurn(ctx, flow.TurnRequest{SessionID: req.SessionID, Text: req.Text, Feedback: req.Feedback})
	if err != nil {
		writeError(w, "chatHandler", err)
		return
	}
	out := chatResponse{TurnResult: res}
	if flow.GetDebugModeFromContext(ctx) {
		out.Debug = flow.DebugSummary(res)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(out))
}

func (s *Server) feedbackHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req feedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.feedbackHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	res, err := s.engine.SubmitFeedback(r.Context(), r.PathValue("id"), req.Feedback)
	if err != nil {
		writeError(w, "feedbackHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) cardHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.GenerateCard(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "cardHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) styleHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req styleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.styleHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	st, err := s.engine.SetStylePreference(r.Context(), r.PathValue("id"), req.Style)
	if err != nil {
		writeError(w, "styleHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(st))
}

func (s *Server) stateHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.State(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "stateHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(st))
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	limit := DefaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > MaxHistoryLimit {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(fmt.Sprintf("limit must be between 1 and %d", MaxHistoryLimit)))
			return
		}
		limit = n
	}
	msgs, err := s.engine.History(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, "historyHandler", err)
		return
	}
	if msgs == nil {
		msgs = []models.MessageRecord{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Reset(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, "resetHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) stylesHandler(w http.ResponseWriter, r *http.Request) {
	styles := make([]models.StyleProfile, 0)
	for _, st := range s.engine.Styles() {
		if !st.Internal {
			styles = append(styles, st)
		}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(styles))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if s.opts.HealthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.opts.HealthCheck(ctx); err != nil {
			slog.Warn("Health check: storage probe failed", "error", err)
			healthData["status"] = "degraded"
			healthData["error"] = "Storage unavailable"
		}
	}

	statusCode := http.StatusOK
	if healthData["status"] == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, statusCode, healthData)
}
