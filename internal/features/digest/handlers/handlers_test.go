package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest/models"
	"github.com/megatera/review-feed/internal/features/digest/services"
)

const testApp = "123456789"

type fakeRegistry struct {
	views  map[string]models.SubscriptionView
	result *models.DigestResult
	runErr error
}

func (f *fakeRegistry) Get(appID string) (models.SubscriptionView, bool) {
	v, ok := f.views[appID]
	return v, ok
}

func (f *fakeRegistry) List() []models.SubscriptionView {
	out := make([]models.SubscriptionView, 0, len(f.views))
	for _, v := range f.views {
		out = append(out, v)
	}
	return out
}

func (f *fakeRegistry) RunNow(ctx context.Context, appID string) (*models.DigestResult, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}
	if _, ok := f.views[appID]; !ok {
		return nil, core.NewNotFoundError("unknown app", nil)
	}
	return f.result, nil
}

// fakeController validates for real and records what it was asked to apply
type fakeController struct {
	last *models.CommandRequest
	err  error
}

func (f *fakeController) Handle(ctx context.Context, req models.CommandRequest) (models.Command, error) {
	f.last = &req
	cmd, err := services.ValidateCommand(req)
	if err != nil {
		return cmd, err
	}
	return cmd, f.err
}

func newRouter(reg *fakeRegistry, ctrl *fakeController) http.Handler {
	h := NewHandlers(core.NopLogger(), reg, ctrl)
	r := chi.NewRouter()
	r.Post("/subscription", h.Subscription)
	r.Get("/subscriptions", h.ListSubscriptions)
	r.Get("/subscriptions/{appId}", h.GetSubscription)
	r.Post("/digest/{appId}", h.RunDigest)
	return r
}

func do(t *testing.T, h http.Handler, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Success {
		t.Error("Expected success=false")
	}
	return resp.Error.Message
}

func TestSubscriptionRejections(t *testing.T) {
	tests := []struct {
		name   string
		target string
		reason string
	}{
		{"missing app id", "/subscription?command=start&minute=0&hour=9&limit=5", services.ReasonInvalidAppID},
		{"short app id", "/subscription?appId=12345&command=stop", services.ReasonInvalidAppID},
		{"bad command", "/subscription?appId=123456789&command=restart", services.ReasonInvalidCommand},
		{"no limit", "/subscription?appId=123456789&command=start&minute=0&hour=9", services.ReasonMissingParams},
		{"minute 75", "/subscription?appId=123456789&command=start&minute=75&hour=9&limit=5", services.ReasonInvalidMinute},
		{"hour abc", "/subscription?appId=123456789&command=start&minute=0&hour=abc&limit=5", services.ReasonInvalidHour},
		{"limit negative", "/subscription?appId=123456789&command=start&minute=0&hour=9&limit=-2", services.ReasonInvalidLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &fakeController{}
			rec := do(t, newRouter(&fakeRegistry{}, ctrl), http.MethodPost, tt.target, "")

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d", rec.Code)
			}
			if msg := errorMessage(t, rec); msg != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, msg)
			}
		})
	}
}

func TestSubscriptionStart(t *testing.T) {
	reg := &fakeRegistry{views: map[string]models.SubscriptionView{
		testApp: {AppID: testApp, Minute: 30, Hour: 9, Limit: 5, Scheduled: true, Running: true, Spec: "30 9 * * *"},
	}}
	ctrl := &fakeController{}

	rec := do(t, newRouter(reg, ctrl), http.MethodPost, "/subscription", "appId=123456789&command=start&minute=30&hour=9&limit=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp SubscriptionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Message != "Subscription to 123456789 started." {
		t.Errorf("Unexpected response %+v", resp)
	}
	if resp.Subscription == nil || resp.Subscription.Spec != "30 9 * * *" {
		t.Errorf("Expected subscription view, got %+v", resp.Subscription)
	}
	if ctrl.last == nil || ctrl.last.Limit == nil || *ctrl.last.Limit != "5" {
		t.Errorf("Expected form values forwarded, got %+v", ctrl.last)
	}
}

func TestSubscriptionStopIgnoresExtras(t *testing.T) {
	ctrl := &fakeController{}
	rec := do(t, newRouter(&fakeRegistry{}, ctrl), http.MethodPost, "/subscription?appId=123456789&command=stop&minute=bogus", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp SubscriptionResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Message != "Subscription to 123456789 paused." {
		t.Errorf("Unexpected message %q", resp.Message)
	}
}

func TestSubscriptionApplyFailure(t *testing.T) {
	ctrl := &fakeController{err: core.NewPersistenceError("disk full", nil)}
	rec := do(t, newRouter(&fakeRegistry{}, ctrl), http.MethodPost, "/subscription?appId=123456789&command=stop", "")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "An error occurred" {
		t.Errorf("Expected masked message, got %q", msg)
	}
}

func TestGetSubscription(t *testing.T) {
	reg := &fakeRegistry{views: map[string]models.SubscriptionView{
		testApp: {AppID: testApp, Minute: 1, Hour: 2, Limit: 3},
	}}
	router := newRouter(reg, &fakeController{})

	rec := do(t, router, http.MethodGet, "/subscriptions/123456789", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var view models.SubscriptionView
	json.NewDecoder(rec.Body).Decode(&view)
	if view.AppID != testApp || view.Limit != 3 {
		t.Errorf("Unexpected view %+v", view)
	}

	if rec := do(t, router, http.MethodGet, "/subscriptions/987654321", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodGet, "/subscriptions/abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestListSubscriptions(t *testing.T) {
	reg := &fakeRegistry{views: map[string]models.SubscriptionView{
		testApp: {AppID: testApp},
	}}
	rec := do(t, newRouter(reg, &fakeController{}), http.MethodGet, "/subscriptions", "")

	var resp ListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || len(resp.Subscriptions) != 1 {
		t.Errorf("Unexpected list %+v", resp)
	}
}

func TestRunDigest(t *testing.T) {
	reg := &fakeRegistry{
		views:  map[string]models.SubscriptionView{testApp: {AppID: testApp}},
		result: &models.DigestResult{AppID: testApp, Body: models.NoNewReviews},
	}
	router := newRouter(reg, &fakeController{})

	rec := do(t, router, http.MethodPost, "/digest/123456789", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp DigestResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Body != models.NoNewReviews {
		t.Errorf("Unexpected body %q", resp.Body)
	}

	if rec := do(t, router, http.MethodPost, "/digest/987654321", ""); rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}

	reg.runErr = core.NewFetchError("feed returned status 503", nil)
	rec = do(t, router, http.MethodPost, "/digest/123456789", "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", rec.Code)
	}
}
