package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/khjohns/unified-timeline-sub000/internal/errors"
	"github.com/khjohns/unified-timeline-sub000/internal/event"
	"github.com/khjohns/unified-timeline-sub000/internal/logger"
	"github.com/khjohns/unified-timeline-sub000/internal/service"
)

// HTTPHandler handles HTTP requests.
//
// Actor identity is taken from the X-Actor-Id and X-Actor-Role headers, which
// the API gateway in front of this service populates from the verified token.
type HTTPHandler struct {
	service *service.CaseService
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(service *service.CaseService, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: service,
		log:     log,
	}
}

// Register mounts all routes on the given mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/cases", h.ListCases)
	mux.HandleFunc("GET /api/cases/{caseID}", h.GetState)
	mux.HandleFunc("GET /api/cases/{caseID}/timeline", h.GetTimeline)
	mux.HandleFunc("POST /api/cases/{caseID}/events", h.SubmitEvent)
	mux.HandleFunc("POST /api/cases/{caseID}/events/batch", h.SubmitBatch)
	mux.HandleFunc("POST /api/admin/index/rebuild", h.RebuildIndex)
	mux.HandleFunc("GET /healthz", h.Health)
}

type submitEventBody struct {
	Type            string          `json:"type"`
	ExpectedVersion int             `json:"expected_version"`
	Payload         json.RawMessage `json:"payload"`
}

type submitBatchBody struct {
	ExpectedVersion int `json:"expected_version"`
	Events          []struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	} `json:"events"`
}

// SubmitEvent handles single event submissions.
func (h *HTTPHandler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	actorID, actorRole, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body submitEventBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errors.New(errors.ErrCodeValidation, "invalid request body"))
		return
	}

	result, err := h.service.SubmitEvent(r.Context(), &service.SubmitEventRequest{
		CaseID:          r.PathValue("caseID"),
		Type:            event.Type(body.Type),
		ActorID:         actorID,
		ActorRole:       actorRole,
		ExpectedVersion: body.ExpectedVersion,
		Payload:         body.Payload,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"event_id": result.EventIDs[0],
		"version":  result.Version,
		"state":    result.State,
	})
}

// SubmitBatch handles atomic multi-event submissions.
func (h *HTTPHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	actorID, actorRole, ok := h.actor(w, r)
	if !ok {
		return
	}

	var body submitBatchBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, r, errors.New(errors.ErrCodeValidation, "invalid request body"))
		return
	}

	req := &service.SubmitBatchRequest{
		CaseID:          r.PathValue("caseID"),
		ActorID:         actorID,
		ActorRole:       actorRole,
		ExpectedVersion: body.ExpectedVersion,
	}
	for _, e := range body.Events {
		req.Events = append(req.Events, service.BatchEventRequest{
			Type:    event.Type(e.Type),
			Payload: e.Payload,
		})
	}

	result, err := h.service.SubmitBatch(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"event_ids": result.EventIDs,
		"version":   result.Version,
		"state":     result.State,
	})
}

// GetState handles case state reads.
func (h *HTTPHandler) GetState(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.GetState(r.Context(), r.PathValue("caseID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": result.Version,
		"state":   result.State,
	})
}

// GetTimeline handles timeline reads.
func (h *HTTPHandler) GetTimeline(w http.ResponseWriter, r *http.Request) {
	entries, err := h.service.GetTimeline(r.Context(), r.PathValue("caseID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timeline": entries,
	})
}

// ListCases handles case listing with optional status filter and pagination.
func (h *HTTPHandler) ListCases(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	var statusPtr *string
	if status != "" {
		statusPtr = &status
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	cases, total, err := h.service.ListCases(r.Context(), statusPtr, limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cases": cases,
		"total": total,
	})
}

// RebuildIndex handles full index rebuilds from the event log.
func (h *HTTPHandler) RebuildIndex(w http.ResponseWriter, r *http.Request) {
	count, err := h.service.RebuildIndex(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cases_indexed": count,
	})
}

// Health is the liveness endpoint.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (string, event.Role, bool) {
	actorID := r.Header.Get("X-Actor-Id")
	actorRole := r.Header.Get("X-Actor-Role")
	if actorID == "" || actorRole == "" {
		h.writeError(w, r, errors.New(errors.ErrCodeValidation, "X-Actor-Id and X-Actor-Role headers are required"))
		return "", "", false
	}
	return actorID, event.Role(actorRole), true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("failed to write response")
	}
}

type errorBody struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	Rule            string `json:"rule,omitempty"`
	Field           string `json:"field,omitempty"`
	ExpectedVersion *int   `json:"expected_version,omitempty"`
	ActualVersion   *int   `json:"actual_version,omitempty"`
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)

	body := errorBody{
		Code:    string(errors.ErrCodeInternal),
		Message: "internal error",
	}
	if e := errors.AsError(err); e != nil {
		body.Code = string(e.Code)
		body.Message = e.Message
		body.Rule = e.Rule
		body.Field = e.Field
		if e.Code == errors.ErrCodeConcurrency {
			expected, actual := e.ExpectedVersion, e.ActualVersion
			body.ExpectedVersion = &expected
			body.ActualVersion = &actual
		}
	}

	if status >= 500 {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	} else {
		h.log.Debug().Err(err).Str("path", r.URL.Path).Msg("request rejected")
	}

	h.writeJSON(w, status, map[string]errorBody{"error": body})
}
