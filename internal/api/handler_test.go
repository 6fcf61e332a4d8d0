package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sahajm/courier/internal/db"
	"github.com/sahajm/courier/internal/notify"
	"github.com/sahajm/courier/internal/queue"
)

type fakeDispatcher struct {
	userCalls     int
	lastUserID    uuid.UUID
	lastTrigger   notify.Trigger
	roleCalls     int
	lastRole      string
	emailCalls    int
	lastEmailTo   string
	templateCalls int
	lastTemplate  string
	lastVars      map[string]string

	userResult      notify.Result
	usersResults    []notify.Result
	roleResults     []notify.Result
	templateResult  notify.Result
}

func (f *fakeDispatcher) SendToUser(ctx context.Context, userID uuid.UUID, trig notify.Trigger) notify.Result {
	f.userCalls++
	f.lastUserID = userID
	f.lastTrigger = trig
	return f.userResult
}

func (f *fakeDispatcher) SendToUsers(ctx context.Context, userIDs []uuid.UUID, trig notify.Trigger) []notify.Result {
	f.lastTrigger = trig
	return f.usersResults
}

func (f *fakeDispatcher) SendToRole(ctx context.Context, role string, trig notify.Trigger) []notify.Result {
	f.roleCalls++
	f.lastRole = role
	f.lastTrigger = trig
	return f.roleResults
}

func (f *fakeDispatcher) SendToEmail(ctx context.Context, to, subject, body string) notify.Result {
	f.emailCalls++
	f.lastEmailTo = to
	return notify.Result{Channels: []notify.ChannelOutcome{{Channel: db.ChannelEmail, Sent: true}}}
}

func (f *fakeDispatcher) SendFromTemplate(ctx context.Context, userID uuid.UUID, name string, vars map[string]string) notify.Result {
	f.templateCalls++
	f.lastTemplate = name
	f.lastVars = vars
	return f.templateResult
}

type fakeProducer struct {
	emailCampaigns int
	smsCampaigns   int
	lastRecipients []string
	err            error
}

func (f *fakeProducer) EnqueueEmailCampaign(ctx context.Context, campaignID uuid.UUID, recipients []string, subject, body string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.emailCampaigns++
	f.lastRecipients = recipients
	return 2, nil
}

func (f *fakeProducer) EnqueueSMSCampaign(ctx context.Context, campaignID uuid.UUID, recipients []string, message string) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.smsCampaigns++
	f.lastRecipients = recipients
	return 1, nil
}

type fakeAPIRepo struct {
	notifications map[uuid.UUID]*db.Notification
	read          map[uuid.UUID]bool
}

func newFakeAPIRepo() *fakeAPIRepo {
	return &fakeAPIRepo{
		notifications: make(map[uuid.UUID]*db.Notification),
		read:          make(map[uuid.UUID]bool),
	}
}

func (f *fakeAPIRepo) GetNotification(ctx context.Context, id uuid.UUID) (*db.Notification, error) {
	notif, ok := f.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, db.ErrNotFound)
	}
	return notif, nil
}

func (f *fakeAPIRepo) ListNotificationsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*db.Notification, error) {
	var out []*db.Notification
	for _, n := range f.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeAPIRepo) MarkNotificationRead(ctx context.Context, id uuid.UUID) error {
	f.read[id] = true
	return nil
}

func newTestRouter(d *fakeDispatcher, p *fakeProducer, repo *fakeAPIRepo) chi.Router {
	h := NewHandler(zap.NewNop(), d, p, repo)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestDispatchToUser(t *testing.T) {
	d := &fakeDispatcher{userResult: notify.Result{NotificationID: uuid.New()}}
	router := newTestRouter(d, &fakeProducer{}, newFakeAPIRepo())
	userID := uuid.New()

	rec := postJSON(t, router, "/v1/dispatch/user", map[string]any{
		"user_id":  userID.String(),
		"type":     "welcome",
		"title":    "Hi",
		"message":  "Welcome aboard",
		"channels": []string{"in_app", "email"},
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if d.userCalls != 1 || d.lastUserID != userID {
		t.Fatalf("dispatcher calls = %d, user = %s", d.userCalls, d.lastUserID)
	}
	if d.lastTrigger.Type != "welcome" || len(d.lastTrigger.Channels) != 2 {
		t.Errorf("trigger = %+v", d.lastTrigger)
	}

	var resp DispatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Dispatched != 1 || len(resp.Records) != 1 {
		t.Errorf("response = %+v", resp)
	}
}

func TestDispatchToUser_Validation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing type", map[string]any{"user_id": uuid.New().String(), "channels": []string{"email"}}},
		{"missing channels", map[string]any{"user_id": uuid.New().String(), "type": "x"}},
		{"bad channel", map[string]any{"user_id": uuid.New().String(), "type": "x", "channels": []string{"pigeon"}}},
		{"bad user id", map[string]any{"user_id": "nope", "type": "x", "channels": []string{"email"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{}
			router := newTestRouter(d, &fakeProducer{}, newFakeAPIRepo())

			rec := postJSON(t, router, "/v1/dispatch/user", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if d.userCalls != 0 {
				t.Error("invalid request must not dispatch")
			}
		})
	}
}

func TestDispatchToRole(t *testing.T) {
	d := &fakeDispatcher{roleResults: []notify.Result{
		{NotificationID: uuid.New()},
		{Suppressed: true, Reason: "disabled"},
	}}
	router := newTestRouter(d, &fakeProducer{}, newFakeAPIRepo())

	rec := postJSON(t, router, "/v1/dispatch/role", map[string]any{
		"role":     "admin",
		"type":     "announce",
		"title":    "t",
		"message":  "m",
		"channels": []string{"in_app"},
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if d.lastRole != "admin" {
		t.Errorf("role = %s", d.lastRole)
	}

	var resp DispatchResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Dispatched != 1 || resp.Suppressed != 1 {
		t.Errorf("response = %+v", resp)
	}
}

func TestDispatchEmail(t *testing.T) {
	d := &fakeDispatcher{}
	router := newTestRouter(d, &fakeProducer{}, newFakeAPIRepo())

	rec := postJSON(t, router, "/v1/dispatch/email", map[string]any{
		"to":      "ops@example.com",
		"subject": "Report",
		"body":    "All green",
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if d.emailCalls != 1 || d.lastEmailTo != "ops@example.com" {
		t.Errorf("calls = %d, to = %s", d.emailCalls, d.lastEmailTo)
	}
}

func TestDispatchTemplate(t *testing.T) {
	d := &fakeDispatcher{templateResult: notify.Result{NotificationID: uuid.New()}}
	router := newTestRouter(d, &fakeProducer{}, newFakeAPIRepo())

	rec := postJSON(t, router, "/v1/dispatch/template", map[string]any{
		"user_id":  uuid.New().String(),
		"template": "order-shipped",
		"vars":     map[string]string{"order_id": "A-1"},
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if d.lastTemplate != "order-shipped" || d.lastVars["order_id"] != "A-1" {
		t.Errorf("template = %s vars = %v", d.lastTemplate, d.lastVars)
	}
}

func TestDispatchTemplate_NotFound(t *testing.T) {
	d := &fakeDispatcher{templateResult: notify.Result{
		Err: fmt.Errorf("template %q: %w", "nope", db.ErrNotFound),
	}}
	router := newTestRouter(d, &fakeProducer{}, newFakeAPIRepo())

	rec := postJSON(t, router, "/v1/dispatch/template", map[string]any{
		"user_id":  uuid.New().String(),
		"template": "nope",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCreateEmailCampaign(t *testing.T) {
	p := &fakeProducer{}
	router := newTestRouter(&fakeDispatcher{}, p, newFakeAPIRepo())

	rec := postJSON(t, router, "/v1/campaigns/email", map[string]any{
		"campaign_id": uuid.New().String(),
		"recipients":  []string{"a@b.c", "d@e.f"},
		"subject":     "Sale",
		"body":        "Everything half off",
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if p.emailCampaigns != 1 || len(p.lastRecipients) != 2 {
		t.Errorf("campaigns = %d, recipients = %v", p.emailCampaigns, p.lastRecipients)
	}
}

func TestCreateCampaign_QueueDisabled(t *testing.T) {
	p := &fakeProducer{err: queue.ErrQueueDisabled}
	router := newTestRouter(&fakeDispatcher{}, p, newFakeAPIRepo())

	rec := postJSON(t, router, "/v1/campaigns/sms", map[string]any{
		"campaign_id": uuid.New().String(),
		"recipients":  []string{"+358401234567"},
		"message":     "hi",
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestGetNotification(t *testing.T) {
	repo := newFakeAPIRepo()
	notif := &db.Notification{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		Type:     "welcome",
		Status:   db.StatusSent,
		Channels: []db.Channel{db.ChannelInApp},
	}
	repo.notifications[notif.ID] = notif
	router := newTestRouter(&fakeDispatcher{}, &fakeProducer{}, repo)

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications/"+notif.ID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got db.Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.ID != notif.ID || got.Status != db.StatusSent {
		t.Errorf("got = %+v", got)
	}
}

func TestGetNotification_NotFound(t *testing.T) {
	router := newTestRouter(&fakeDispatcher{}, &fakeProducer{}, newFakeAPIRepo())

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %s", ct)
	}
}

func TestListNotifications_RequiresUserID(t *testing.T) {
	router := newTestRouter(&fakeDispatcher{}, &fakeProducer{}, newFakeAPIRepo())

	req := httptest.NewRequest(http.MethodGet, "/v1/notifications", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestMarkRead(t *testing.T) {
	repo := newFakeAPIRepo()
	router := newTestRouter(&fakeDispatcher{}, &fakeProducer{}, repo)
	id := uuid.New()

	req := httptest.NewRequest(http.MethodPost, "/v1/notifications/"+id.String()+"/read", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if !repo.read[id] {
		t.Error("read_at not stamped")
	}
}

func TestBreakerStats_Empty(t *testing.T) {
	router := newTestRouter(&fakeDispatcher{}, &fakeProducer{}, newFakeAPIRepo())

	req := httptest.NewRequest(http.MethodGet, "/v1/breakers", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}
