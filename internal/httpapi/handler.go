package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"qflow/internal/hub"
	"qflow/internal/models"
	"qflow/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store        store.QueueStore
	hub          *hub.Hub
	callLogLimit int
}

type Options struct {
	CallLogLimit int
}

func NewHandler(store store.QueueStore, eventHub *hub.Hub, options Options) *Handler {
	limit := options.CallLogLimit
	if limit <= 0 {
		limit = 100
	}
	return &Handler{store: store, hub: eventHub, callLogLimit: limit}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/queues", h.handleQueues)
	mux.HandleFunc("/api/queues/", h.handleQueueSubtree)
	mux.HandleFunc("/api/tickets/", h.handleTicketSubtree)
	return mux
}

type createQueueRequest struct {
	Name string `json:"name"`
}

type updateQueueRequest struct {
	Name   *string `json:"name"`
	IsOpen *bool   `json:"is_open"`
}

type claimTicketRequest struct {
	HolderName string `json:"holder_name"`
	HolderCode string `json:"holder_code"`
	Token      string `json:"token"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type cancelTicketRequest struct {
	Token string `json:"token"`
}

type queueDetailResponse struct {
	models.Queue
	Tickets []models.Ticket `json:"tickets"`
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListQueues(w, r)
	case http.MethodPost:
		h.handleCreateQueue(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleListQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := h.store.ListQueues(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if !isStaff(r.Context()) {
		for i := range queues {
			queues[i].Token = ""
		}
	}
	if queues == nil {
		queues = []models.QueueSummary{}
	}
	writeJSON(w, http.StatusOK, queues)
}

func (h *Handler) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	if !h.requireStaff(w, r) {
		return
	}
	var req createQueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}

	queue, err := h.store.CreateQueue(r.Context(), req.Name)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, queue)
}

func (h *Handler) handleQueueSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/queues/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	queueID := parts[0]
	if !isValidUUID(queueID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "queue_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleQueue(w, r, queueID)
	case len(parts) == 2 && parts[1] == "tickets":
		h.handleClaimTicket(w, r, queueID)
	case len(parts) == 2 && parts[1] == "call-logs":
		h.handleCallLogs(w, r, queueID)
	case len(parts) == 3 && parts[1] == "actions":
		h.handleQueueAction(w, r, queueID, parts[2])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request, queueID string) {
	switch r.Method {
	case http.MethodGet:
		h.handleQueueDetail(w, r, queueID)
	case http.MethodPut:
		h.handleUpdateQueue(w, r, queueID)
	case http.MethodDelete:
		h.handleDeleteQueue(w, r, queueID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleQueueDetail(w http.ResponseWriter, r *http.Request, queueID string) {
	queue, tickets, err := h.store.GetQueue(r.Context(), queueID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	// the claim token gates ticket creation; only staff viewers see it
	if !isStaff(r.Context()) {
		queue.Token = ""
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	writeJSON(w, http.StatusOK, queueDetailResponse{Queue: queue, Tickets: tickets})
}

func (h *Handler) handleUpdateQueue(w http.ResponseWriter, r *http.Request, queueID string) {
	if !h.requireStaff(w, r) {
		return
	}
	var req updateQueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == nil && req.IsOpen == nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "name or is_open is required")
		return
	}
	if req.Name != nil {
		trimmed := strings.TrimSpace(*req.Name)
		if trimmed == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "name must not be empty")
			return
		}
		req.Name = &trimmed
	}

	queue, err := h.store.UpdateQueue(r.Context(), store.UpdateQueueInput{
		QueueID: queueID,
		Name:    req.Name,
		IsOpen:  req.IsOpen,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleDeleteQueue(w http.ResponseWriter, r *http.Request, queueID string) {
	if !h.requireStaff(w, r) {
		return
	}
	if err := h.store.DeleteQueue(r.Context(), queueID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleQueueAction(w http.ResponseWriter, r *http.Request, queueID, action string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	switch action {
	case "reset":
		h.handleResetQueue(w, r, queueID)
	case "rotate-token":
		h.handleRotateToken(w, r, queueID)
	case "call-next":
		h.handleCallNext(w, r, queueID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleResetQueue(w http.ResponseWriter, r *http.Request, queueID string) {
	if !h.requireStaff(w, r) {
		return
	}
	queue, err := h.store.ResetQueue(r.Context(), queueID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	h.hub.Publish(queueID, hub.EventQueueReset, queueRef{QueueID: queueID})
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleRotateToken(w http.ResponseWriter, r *http.Request, queueID string) {
	if !h.requireStaff(w, r) {
		return
	}
	queue, err := h.store.RotateQueueToken(r.Context(), queueID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	// never broadcast the new token; subscribers only learn a rotation happened
	h.hub.Publish(queueID, hub.EventQueueTokenRotated, queueRef{QueueID: queueID})
	writeJSON(w, http.StatusOK, queue)
}

func (h *Handler) handleClaimTicket(w http.ResponseWriter, r *http.Request, queueID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req claimTicketRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.HolderName = strings.TrimSpace(req.HolderName)
	req.HolderCode = strings.TrimSpace(req.HolderCode)
	req.Token = strings.TrimSpace(req.Token)
	if req.HolderName == "" || req.HolderCode == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "holder_name and holder_code are required")
		return
	}

	ticket, err := h.store.ClaimTicket(r.Context(), store.ClaimTicketInput{
		QueueID:    queueID,
		HolderName: req.HolderName,
		HolderCode: req.HolderCode,
		Token:      req.Token,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	h.hub.Publish(queueID, hub.EventTicketCreated, ticket)
	writeJSON(w, http.StatusCreated, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request, queueID string) {
	session, ok := h.requireStaffSession(w, r)
	if !ok {
		return
	}

	result, err := h.store.CallNext(r.Context(), store.CallNextInput{
		QueueID: queueID,
		StaffID: session.StaffID,
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if result.Resolved != nil {
		h.hub.Publish(queueID, hub.EventTicketUpdated, *result.Resolved)
	}
	h.hub.Publish(queueID, hub.EventTicketCalled, result.Called)
	writeJSON(w, http.StatusOK, result.Called)
}

func (h *Handler) handleCallLogs(w http.ResponseWriter, r *http.Request, queueID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.requireStaff(w, r) {
		return
	}

	limit := h.callLogLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	logs, err := h.store.ListCallLogs(r.Context(), queueID, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if logs == nil {
		logs = []models.CallLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) handleTicketSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "status":
		h.handleUpdateStatus(w, r, ticketID)
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "cancel":
		h.handleGuestCancel(w, r, ticketID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleUpdateStatus(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := h.requireStaffSession(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Status = strings.TrimSpace(req.Status)
	if req.Status != models.StatusDone && req.Status != models.StatusSkipped {
		writeError(w, http.StatusBadRequest, "invalid_request", "status must be done or skipped")
		return
	}

	ticket, err := h.store.UpdateTicketStatus(r.Context(), store.UpdateStatusInput{
		TicketID: ticketID,
		StaffID:  session.StaffID,
		Status:   req.Status,
		Reason:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	h.hub.Publish(ticket.QueueID, hub.EventTicketUpdated, ticket)
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleGuestCancel(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req cancelTicketRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ticket, err := h.store.CancelTicket(r.Context(), store.CancelTicketInput{
		TicketID: ticketID,
		Token:    strings.TrimSpace(req.Token),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	h.hub.Publish(ticket.QueueID, hub.EventTicketUpdated, ticket)
	writeJSON(w, http.StatusOK, ticket)
}

type queueRef struct {
	QueueID string `json:"queue_id"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrQueueNotFound):
		return http.StatusNotFound, "queue_not_found", "queue not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrQueueClosed):
		return http.StatusConflict, "queue_closed", "queue is closed"
	case errors.Is(err, store.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token", "access token is invalid or expired"
	case errors.Is(err, store.ErrInvalidState):
		return http.StatusConflict, "invalid_state", "ticket state does not allow this action"
	case errors.Is(err, store.ErrNoTicket):
		return http.StatusConflict, "queue_empty", "no pending tickets"
	case store.IsTransient(err):
		return http.StatusServiceUnavailable, "transient", "temporary store contention, retry the request"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
