package notifications

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/bissquit/referral-notifier/internal/pkg/ctxlog"
	"github.com/bissquit/referral-notifier/internal/pkg/httputil"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrQueueItemNotFound, Status: http.StatusNotFound, Message: "notification not found"},
	{Error: ErrQueueItemNotCancellable, Status: http.StatusConflict, Message: "only pending notifications can be cancelled"},
	{Error: ErrInvalidPayload, Status: http.StatusBadRequest},
	{Error: ErrUnknownEventType, Status: http.StatusBadRequest},
	{Error: ErrUnknownChannel, Status: http.StatusBadRequest},
}

var errEmptyAudience = errors.New("audience must contain users, addresses or an organization")

// Handler handles HTTP requests for the notifications module.
type Handler struct {
	service   *Service
	validator *validator.Validate
}

// NewHandler creates a new notifications handler.
func NewHandler(service *Service) *Handler {
	return &Handler{
		service:   service,
		validator: validator.New(),
	}
}

// RegisterServiceRoutes registers routes used by other backend services.
func (h *Handler) RegisterServiceRoutes(r chi.Router) {
	r.Post("/notifications", h.Enqueue)
	r.Post("/events", h.PublishEvent)
	r.Get("/users/{userID}/preferences", h.GetPreferences)
	r.Put("/users/{userID}/preferences", h.SetPreference)
}

// RegisterUserRoutes registers routes for the authenticated user.
func (h *Handler) RegisterUserRoutes(r chi.Router) {
	r.Get("/me/notifications", h.ListMyNotifications)
}

// RegisterAdminRoutes registers queue administration routes.
func (h *Handler) RegisterAdminRoutes(r chi.Router) {
	r.Route("/admin/notifications", func(r chi.Router) {
		r.Get("/stats", h.Stats)
		r.Post("/purge", h.Purge)
		r.Post("/process", h.Process)
		r.Get("/{id}", h.GetItem)
		r.Post("/{id}/cancel", h.CancelItem)
	})
}

// EnqueueRequestBody represents request body for queueing a single notification.
type EnqueueRequestBody struct {
	RecipientUserID *string         `json:"recipient_user_id" validate:"omitempty,uuid"`
	Channel         string          `json:"channel" validate:"required,oneof=email push in_app"`
	EventType       string          `json:"event_type" validate:"required,oneof=new_referral_request referral_verified support_reply payment_received"`
	Payload         json.RawMessage `json:"payload" validate:"required"`
	ScheduledAt     *time.Time      `json:"scheduled_at"`
	MaxRetries      int             `json:"max_retries" validate:"omitempty,min=1,max=10"`
}

// RecipientUserBody identifies a platform user in an audience.
type RecipientUserBody struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Email  string `json:"email" validate:"omitempty,email"`
	Name   string `json:"name"`
}

// RecipientAddressBody is a non-user email address in an audience.
type RecipientAddressBody struct {
	To   string `json:"to" validate:"required,email"`
	Name string `json:"name"`
}

// PublishEventRequest represents request body for fanning out an event.
type PublishEventRequest struct {
	EventType    string                 `json:"event_type" validate:"required,oneof=new_referral_request referral_verified support_reply payment_received"`
	Payload      json.RawMessage        `json:"payload" validate:"required"`
	Users        []RecipientUserBody    `json:"users" validate:"dive"`
	Addresses    []RecipientAddressBody `json:"addresses" validate:"dive"`
	Organization *OrganizationAudience  `json:"organization"`
	ScheduledAt  *time.Time             `json:"scheduled_at"`
}

// SetPreferenceRequest represents request body for storing a preference flag.
type SetPreferenceRequest struct {
	EventType string `json:"event_type" validate:"required,oneof=new_referral_request referral_verified support_reply payment_received"`
	Channel   string `json:"channel" validate:"required,oneof=email push in_app"`
	Enabled   *bool  `json:"enabled" validate:"required"`
}

// PurgeRequest represents request body for purging terminal items.
type PurgeRequest struct {
	OlderThanDays *int `json:"older_than_days" validate:"required,min=0"`
}

// Enqueue handles POST /notifications.
func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	payload, err := DecodePayload(EventType(req.EventType), req.Payload)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	item, err := h.service.Enqueue(r.Context(), EnqueueRequest{
		RecipientUserID: req.RecipientUserID,
		Channel:         domain.Channel(req.Channel),
		Payload:         payload,
		ScheduledAt:     req.ScheduledAt,
		MaxRetries:      req.MaxRetries,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusCreated, item)
}

// PublishEvent handles POST /events.
func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var req PublishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	if len(req.Users) == 0 && len(req.Addresses) == 0 && req.Organization == nil {
		httputil.ValidationError(w, errEmptyAudience)
		return
	}

	payload, err := DecodePayload(EventType(req.EventType), req.Payload)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	event := Event{
		Payload:     payload,
		ScheduledAt: req.ScheduledAt,
		Audience: Audience{
			Organization: req.Organization,
		},
	}
	for _, u := range req.Users {
		event.Audience.Users = append(event.Audience.Users, domain.RecipientUser{UserID: u.UserID, Email: u.Email, Name: u.Name})
	}
	for _, a := range req.Addresses {
		event.Audience.Addresses = append(event.Audience.Addresses, Recipient{To: a.To, Name: a.Name})
	}

	result, err := h.service.Publish(r.Context(), event)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	ctxlog.FromContext(r.Context()).Info("event accepted",
		"event_type", req.EventType,
		"enqueued", result.Enqueued,
	)
	httputil.Success(w, http.StatusAccepted, result)
}

// Stats handles GET /admin/notifications/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	windowDays := 0
	if v := r.URL.Query().Get("window_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.Error(w, http.StatusBadRequest, "window_days must be a non-negative integer")
			return
		}
		windowDays = n
	}

	stats, err := h.service.Stats(r.Context(), windowDays)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]interface{}{
		"window_days": windowDays,
		"pending":     stats.Pending,
		"processing":  stats.Processing,
		"sent":        stats.Sent,
		"failed":      stats.Failed,
		"cancelled":   stats.Cancelled,
		"total":       stats.Total(),
	})
}

// Purge handles POST /admin/notifications/purge.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	var req PurgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	deleted, err := h.service.Purge(r.Context(), *req.OlderThanDays)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// Process handles POST /admin/notifications/process.
func (h *Handler) Process(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ProcessNow(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, result)
}

// GetItem handles GET /admin/notifications/{id}.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}

// CancelItem handles POST /admin/notifications/{id}/cancel.
func (h *Handler) CancelItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.CancelItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, item)
}

// GetPreferences handles GET /users/{userID}/preferences.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.validator.Var(userID, "uuid"); err != nil {
		httputil.Error(w, http.StatusBadRequest, "user id must be a uuid")
		return
	}

	views, err := h.service.Preferences(r.Context(), userID)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, views)
}

// SetPreference handles PUT /users/{userID}/preferences.
func (h *Handler) SetPreference(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if err := h.validator.Var(userID, "uuid"); err != nil {
		httputil.Error(w, http.StatusBadRequest, "user id must be a uuid")
		return
	}

	var req SetPreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	err := h.service.SetPreference(r.Context(), userID, EventType(req.EventType), domain.Channel(req.Channel), *req.Enabled)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// ListMyNotifications handles GET /me/notifications.
func (h *Handler) ListMyNotifications(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			httputil.Error(w, http.StatusBadRequest, "limit must be between 1 and 200")
			return
		}
		limit = n
	}

	userID := httputil.GetSubject(r.Context())
	if err := h.validator.Var(userID, "required,uuid"); err != nil {
		httputil.Error(w, http.StatusForbidden, "token subject is not a user id")
		return
	}

	items, err := h.service.ListInApp(r.Context(), userID, limit)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, items)
}
