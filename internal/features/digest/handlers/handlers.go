package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest/models"
	"github.com/megatera/review-feed/internal/features/digest/services"
)

// Registry is the read and manual-run side of the task registry
type Registry interface {
	Get(appID string) (models.SubscriptionView, bool)
	List() []models.SubscriptionView
	RunNow(ctx context.Context, appID string) (*models.DigestResult, error)
}

// CommandHandler validates and applies subscriber commands
type CommandHandler interface {
	Handle(ctx context.Context, req models.CommandRequest) (models.Command, error)
}

// Handlers contains all digest feature HTTP handlers
type Handlers struct {
	logger     *core.Logger
	registry   Registry
	controller CommandHandler
}

// NewHandlers creates a new handlers instance
func NewHandlers(logger *core.Logger, registry Registry, controller CommandHandler) *Handlers {
	return &Handlers{
		logger:     logger,
		registry:   registry,
		controller: controller,
	}
}

// SubscriptionResponse acknowledges an applied command
type SubscriptionResponse struct {
	Success      bool                     `json:"success"`
	Message      string                   `json:"message"`
	Subscription *models.SubscriptionView `json:"subscription,omitempty"`
}

// ListResponse wraps the subscription listing
type ListResponse struct {
	Success       bool                      `json:"success"`
	Subscriptions []models.SubscriptionView `json:"subscriptions"`
}

// DigestResponse reports a manual digest run
type DigestResponse struct {
	Success bool                 `json:"success"`
	Result  *models.DigestResult `json:"result"`
	Body    string               `json:"body"`
}

// Subscription handles POST /subscription. Parameters come from the query
// string or a form body.
func (h *Handlers) Subscription(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		core.HandleError(w, core.NewValidationError("malformed request", err))
		return
	}

	req := models.CommandRequest{
		AppID:   r.Form.Get("appId"),
		Command: r.Form.Get("command"),
		Minute:  formValue(r, "minute"),
		Hour:    formValue(r, "hour"),
		Limit:   formValue(r, "limit"),
	}

	cmd, err := h.controller.Handle(r.Context(), req)
	if err != nil {
		h.logger.WithContext(r.Context()).Warn("Subscription command not applied", "app_id", req.AppID, "error", err)
		core.HandleError(w, err)
		return
	}

	resp := SubscriptionResponse{
		Success: true,
		Message: services.Acknowledgment(cmd),
	}
	if view, ok := h.registry.Get(cmd.AppID); ok {
		resp.Subscription = &view
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListSubscriptions handles GET /subscriptions
func (h *Handlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ListResponse{
		Success:       true,
		Subscriptions: h.registry.List(),
	})
}

// GetSubscription handles GET /subscriptions/{appId}
func (h *Handlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appId")
	if !models.IsAppID(appID) {
		core.HandleError(w, core.NewValidationError(services.ReasonInvalidAppID, nil))
		return
	}

	view, ok := h.registry.Get(appID)
	if !ok {
		core.HandleError(w, core.NewNotFoundError(fmt.Sprintf("no subscription for %s", appID), nil))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// RunDigest handles POST /digest/{appId}: one digest run with the stored limit
func (h *Handlers) RunDigest(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appId")
	if !models.IsAppID(appID) {
		core.HandleError(w, core.NewValidationError(services.ReasonInvalidAppID, nil))
		return
	}

	result, err := h.registry.RunNow(r.Context(), appID)
	if err != nil {
		h.logger.WithContext(r.Context()).Error("Manual digest run failed", "app_id", appID, "error", err)
		core.HandleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, DigestResponse{
		Success: true,
		Result:  result,
		Body:    result.Body,
	})
}

func formValue(r *http.Request, key string) *string {
	values, ok := r.Form[key]
	if !ok || len(values) == 0 {
		return nil
	}
	v := values[0]
	return &v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
