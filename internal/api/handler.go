package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sahajm/courier/internal/circuitbreaker"
	"github.com/sahajm/courier/internal/db"
	"github.com/sahajm/courier/internal/notify"
	"github.com/sahajm/courier/internal/queue"
)

// Dispatcher is the coordinator surface the API exposes.
type Dispatcher interface {
	SendToUser(ctx context.Context, userID uuid.UUID, trig notify.Trigger) notify.Result
	SendToUsers(ctx context.Context, userIDs []uuid.UUID, trig notify.Trigger) []notify.Result
	SendToRole(ctx context.Context, role string, trig notify.Trigger) []notify.Result
	SendToEmail(ctx context.Context, to, subject, body string) notify.Result
	SendFromTemplate(ctx context.Context, userID uuid.UUID, name string, vars map[string]string) notify.Result
}

// CampaignProducer enqueues bulk campaigns onto the durable queue.
type CampaignProducer interface {
	EnqueueEmailCampaign(ctx context.Context, campaignID uuid.UUID, recipients []string, subject, body string) (int, error)
	EnqueueSMSCampaign(ctx context.Context, campaignID uuid.UUID, recipients []string, message string) (int, error)
}

// NotificationRepository defines the read-side database operations.
type NotificationRepository interface {
	GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error)
	MarkNotificationRead(ctx context.Context, id uuid.UUID) error
}

// DispatchRequest is the body for the dispatch endpoints.
type DispatchRequest struct {
	UserID   string          `json:"user_id,omitempty"`
	UserIDs  []string        `json:"user_ids,omitempty"`
	Role     string          `json:"role,omitempty"`
	Type     string          `json:"type"`
	Title    string          `json:"title"`
	Message  string          `json:"message"`
	Channels []db.Channel    `json:"channels"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// DispatchResponse summarizes what the coordinator did.
type DispatchResponse struct {
	Dispatched int      `json:"dispatched"`
	Suppressed int      `json:"suppressed"`
	Failed     int      `json:"failed"`
	Records    []string `json:"records,omitempty"`
}

// EmailRequest is the body for the raw email endpoint.
type EmailRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateRequest is the body for the template dispatch endpoint.
type TemplateRequest struct {
	UserID   string            `json:"user_id"`
	Template string            `json:"template"`
	Vars     map[string]string `json:"vars,omitempty"`
}

// CampaignRequest is the body for the campaign endpoints.
type CampaignRequest struct {
	CampaignID string   `json:"campaign_id"`
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject,omitempty"`
	Message    string   `json:"message,omitempty"`
	Body       string   `json:"body,omitempty"`
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger     *zap.Logger
	dispatcher Dispatcher
	producer   CampaignProducer
	repo       NotificationRepository
	breakers   []*circuitbreaker.CircuitBreaker
}

// NewHandler creates a new API handler. breakers may be empty; the stats
// endpoint then returns an empty list.
func NewHandler(
	logger *zap.Logger,
	dispatcher Dispatcher,
	producer CampaignProducer,
	repo NotificationRepository,
	breakers ...*circuitbreaker.CircuitBreaker,
) *Handler {
	return &Handler{
		logger:     logger,
		dispatcher: dispatcher,
		producer:   producer,
		repo:       repo,
		breakers:   breakers,
	}
}

// Routes mounts all handler routes on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/v1/dispatch/user", h.DispatchToUser)
	r.Post("/v1/dispatch/users", h.DispatchToUsers)
	r.Post("/v1/dispatch/role", h.DispatchToRole)
	r.Post("/v1/dispatch/email", h.DispatchEmail)
	r.Post("/v1/dispatch/template", h.DispatchTemplate)
	r.Post("/v1/campaigns/email", h.CreateEmailCampaign)
	r.Post("/v1/campaigns/sms", h.CreateSMSCampaign)
	r.Get("/v1/notifications/{id}", h.GetNotification)
	r.Get("/v1/notifications", h.ListNotifications)
	r.Post("/v1/notifications/{id}/read", h.MarkRead)
	r.Get("/v1/breakers", h.BreakerStats)
}

func (h *Handler) decodeDispatch(w http.ResponseWriter, r *http.Request) (*DispatchRequest, bool) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return nil, false
	}
	if req.Type == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing type", "type is required")
		return nil, false
	}
	if len(req.Channels) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing channels", "at least one channel is required")
		return nil, false
	}
	for _, ch := range req.Channels {
		if ch != db.ChannelInApp && ch != db.ChannelEmail && ch != db.ChannelSMS {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel",
				"channel must be in_app, email, or sms")
			return nil, false
		}
	}
	return &req, true
}

func (req *DispatchRequest) trigger() notify.Trigger {
	return notify.Trigger{
		Type:     req.Type,
		Title:    req.Title,
		Message:  req.Message,
		Channels: req.Channels,
		Data:     req.Data,
	}
}

func summarize(results []notify.Result) DispatchResponse {
	var resp DispatchResponse
	for _, result := range results {
		switch {
		case result.Suppressed:
			resp.Suppressed++
		case result.Err != nil:
			resp.Failed++
		default:
			resp.Dispatched++
		}
		if result.NotificationID != uuid.Nil {
			resp.Records = append(resp.Records, result.NotificationID.String())
		}
	}
	return resp
}

// DispatchToUser handles POST /v1/dispatch/user.
func (h *Handler) DispatchToUser(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeDispatch(w, r)
	if !ok {
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	result := h.dispatcher.SendToUser(r.Context(), userID, req.trigger())
	h.writeJSON(w, http.StatusAccepted, summarize([]notify.Result{result}))
}

// DispatchToUsers handles POST /v1/dispatch/users.
func (h *Handler) DispatchToUsers(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeDispatch(w, r)
	if !ok {
		return
	}
	if len(req.UserIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_ids", "user_ids is required")
		return
	}

	ids := make([]uuid.UUID, 0, len(req.UserIDs))
	for _, raw := range req.UserIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user id",
				"every entry of user_ids must be a valid UUID")
			return
		}
		ids = append(ids, id)
	}

	results := h.dispatcher.SendToUsers(r.Context(), ids, req.trigger())
	h.writeJSON(w, http.StatusAccepted, summarize(results))
}

// DispatchToRole handles POST /v1/dispatch/role.
func (h *Handler) DispatchToRole(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeDispatch(w, r)
	if !ok {
		return
	}
	if req.Role == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing role", "role is required")
		return
	}

	results := h.dispatcher.SendToRole(r.Context(), req.Role, req.trigger())
	h.writeJSON(w, http.StatusAccepted, summarize(results))
}

// DispatchEmail handles POST /v1/dispatch/email: a one-off email to a
// raw address, bypassing user lookup and preferences.
func (h *Handler) DispatchEmail(w http.ResponseWriter, r *http.Request) {
	var req EmailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.To == "" || req.Subject == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "to and subject are required")
		return
	}

	result := h.dispatcher.SendToEmail(r.Context(), req.To, req.Subject, req.Body)
	h.writeJSON(w, http.StatusAccepted, summarize([]notify.Result{result}))
}

// DispatchTemplate handles POST /v1/dispatch/template.
func (h *Handler) DispatchTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.Template == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing template", "template is required")
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	result := h.dispatcher.SendFromTemplate(r.Context(), userID, req.Template, req.Vars)
	if errors.Is(result.Err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Template not found", "")
		return
	}
	h.writeJSON(w, http.StatusAccepted, summarize([]notify.Result{result}))
}

// CreateEmailCampaign handles POST /v1/campaigns/email. The campaign is
// chunked into queue jobs; delivery happens asynchronously in the worker.
func (h *Handler) CreateEmailCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	campaignID, ok := h.validateCampaign(w, &req)
	if !ok {
		return
	}
	if req.Subject == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing subject", "subject is required")
		return
	}

	jobs, err := h.producer.EnqueueEmailCampaign(r.Context(), campaignID, req.Recipients, req.Subject, req.Body)
	if err != nil {
		h.campaignError(w, err, campaignID)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"campaign_id": campaignID.String(),
		"recipients":  len(req.Recipients),
		"jobs":        jobs,
	})
}

// CreateSMSCampaign handles POST /v1/campaigns/sms.
func (h *Handler) CreateSMSCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	campaignID, ok := h.validateCampaign(w, &req)
	if !ok {
		return
	}
	if req.Message == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing message", "message is required")
		return
	}

	jobs, err := h.producer.EnqueueSMSCampaign(r.Context(), campaignID, req.Recipients, req.Message)
	if err != nil {
		h.campaignError(w, err, campaignID)
		return
	}

	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"campaign_id": campaignID.String(),
		"recipients":  len(req.Recipients),
		"jobs":        jobs,
	})
}

func (h *Handler) validateCampaign(w http.ResponseWriter, req *CampaignRequest) (uuid.UUID, bool) {
	if len(req.Recipients) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipients", "recipients is required")
		return uuid.Nil, false
	}
	campaignID, err := uuid.Parse(req.CampaignID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign_id", "campaign_id must be a valid UUID")
		return uuid.Nil, false
	}
	return campaignID, true
}

func (h *Handler) campaignError(w http.ResponseWriter, err error, campaignID uuid.UUID) {
	if errors.Is(err, queue.ErrQueueDisabled) {
		h.writeError(w, http.StatusServiceUnavailable, "queue_disabled",
			"Campaign queue is disabled", "Enable QUEUE_ENABLED in the settings store")
		return
	}
	h.logger.Error("failed to enqueue campaign",
		zap.Error(err),
		zap.String("campaign_id", campaignID.String()),
	)
	h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue campaign", "")
}

// GetNotification handles GET /v1/notifications/{id}.
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.repo.GetNotification(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	if err != nil {
		h.logger.Error("failed to get notification", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get notification", "")
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// ListNotifications handles GET /v1/notifications?user_id=xxx&limit=20&offset=0.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userIDStr := r.URL.Query().Get("user_id")
	if userIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing user_id", "user_id query parameter is required")
		return
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid user_id", "user_id must be a valid UUID")
		return
	}

	limit := 20
	offset := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.repo.ListNotificationsByUser(r.Context(), userID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err), zap.String("user_id", userIDStr))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"notifications": notifications,
		"limit":         limit,
		"offset":        offset,
		"count":         len(notifications),
	})
}

// MarkRead handles POST /v1/notifications/{id}/read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	if err := h.repo.MarkNotificationRead(r.Context(), id); err != nil {
		h.logger.Error("failed to mark notification read", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notification read", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// BreakerStats handles GET /v1/breakers.
func (h *Handler) BreakerStats(w http.ResponseWriter, r *http.Request) {
	stats := make([]circuitbreaker.Stats, 0, len(h.breakers))
	for _, b := range h.breakers {
		stats = append(stats, b.Stats())
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"breakers": stats})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
