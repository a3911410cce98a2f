package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hardhatlabs/sitepulse/internal/alerting"
	"github.com/hardhatlabs/sitepulse/internal/audit"
	"github.com/hardhatlabs/sitepulse/internal/circuitbreaker"
	"github.com/hardhatlabs/sitepulse/internal/db"
	"github.com/hardhatlabs/sitepulse/internal/delivery"
	"github.com/hardhatlabs/sitepulse/internal/redis"
)

func testLogger() *zap.Logger {
	logger, _ := zap.NewDevelopment()
	return logger
}

type fakeCoordinator struct {
	mu       sync.Mutex
	requests []delivery.CreateRequest
	result   *delivery.CreateResult
	ackErr   error
	acks     []uuid.UUID
}

func (c *fakeCoordinator) Create(_ context.Context, req delivery.CreateRequest) (*delivery.CreateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.result != nil {
		return c.result, nil
	}
	created := make([]delivery.RecipientOutcome, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		created = append(created, delivery.RecipientOutcome{RecipientID: r, NotificationID: uuid.New()})
	}
	return &delivery.CreateResult{
		Created: created,
		Skipped: []delivery.RecipientOutcome{},
		Failed:  []delivery.RecipientOutcome{},
	}, nil
}

func (c *fakeCoordinator) Acknowledge(_ context.Context, id uuid.UUID, _ uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ackErr != nil {
		return c.ackErr
	}
	c.acks = append(c.acks, id)
	return nil
}

func (c *fakeCoordinator) createCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

type fakeReader struct {
	notifications map[uuid.UUID]*db.Notification
	listed        []*db.Notification
	lastFilter    db.Filter
}

func (r *fakeReader) GetNotification(_ context.Context, id uuid.UUID) (*db.Notification, error) {
	n, ok := r.notifications[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", db.ErrNotFound, id)
	}
	return n, nil
}

func (r *fakeReader) ListByRecipient(_ context.Context, _ uuid.UUID, f db.Filter) ([]*db.Notification, error) {
	r.lastFilter = f
	return r.listed, nil
}

type apiFixture struct {
	router      *chi.Mux
	coordinator *fakeCoordinator
	reader      *fakeReader
	breakers    *circuitbreaker.Manager
	tracker     *alerting.Tracker
	recorder    *audit.MemoryRecorder
}

func newAPIFixture(t *testing.T, idempotency *redis.IdempotencyService) *apiFixture {
	t.Helper()

	logger := testLogger()
	recorder := audit.NewMemoryRecorder()
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig(),
		[]string{circuitbreaker.ServicePush, circuitbreaker.ServiceSMS}, recorder, logger)
	tracker := alerting.NewTracker(alerting.DefaultConfig(), breakers, recorder, nil, logger)
	coordinator := &fakeCoordinator{}
	reader := &fakeReader{notifications: make(map[uuid.UUID]*db.Notification)}

	h := NewHandler(logger, coordinator, reader, breakers, tracker, recorder, idempotency)

	router := chi.NewRouter()
	router.Route("/v1", func(r chi.Router) {
		r.Use(Authenticate(logger))
		r.Post("/notifications", h.CreateNotification)
		r.Get("/notifications", h.ListNotifications)
		r.Get("/notifications/{id}", h.GetNotification)
		r.Post("/notifications/{id}/ack", h.AcknowledgeNotification)
		r.Route("/ops", func(r chi.Router) {
			r.Use(RequireOperator)
			r.Get("/circuit-breakers", h.CircuitBreakerStatus)
			r.Post("/circuit-breakers/{service}/reset", h.ResetCircuitBreaker)
			r.Get("/health", h.HealthSummary)
			r.Get("/alerts", h.RecentAlerts)
			r.Post("/alerts/{id}/ack", h.AcknowledgeAlert)
			r.Get("/errors", h.ErrorStatistics)
		})
	})

	return &apiFixture{
		router:      router,
		coordinator: coordinator,
		reader:      reader,
		breakers:    breakers,
		tracker:     tracker,
		recorder:    recorder,
	}
}

type caller struct {
	userID    uuid.UUID
	role      Role
	companyID uuid.UUID
}

func newCaller(role Role) caller {
	return caller{userID: uuid.New(), role: role, companyID: uuid.New()}
}

func (c caller) apply(req *http.Request) {
	req.Header.Set("X-User-ID", c.userID.String())
	req.Header.Set("X-User-Role", string(c.role))
	req.Header.Set("X-Company-ID", c.companyID.String())
}

func (f *apiFixture) do(t *testing.T, c caller, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	c.apply(req)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func validCreateBody(recipients ...uuid.UUID) map[string]any {
	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		ids = append(ids, r.String())
	}
	return map[string]any{
		"type":       db.TypeTaskUpdate,
		"priority":   db.PriorityNormal,
		"channel":    db.ChannelPush,
		"recipients": ids,
		"title":      "Crane inspection at 14:00",
		"message":    "Report to gate B before the inspection starts",
	}
}

func TestCreateNotification_RequiresElevatedRole(t *testing.T) {
	f := newAPIFixture(t, nil)

	for _, role := range []Role{RoleWorker, RoleDriver} {
		rec := f.do(t, newCaller(role), http.MethodPost, "/v1/notifications", validCreateBody(uuid.New()))
		if rec.Code != http.StatusForbidden {
			t.Fatalf("role %s: status = %d, want 403", role, rec.Code)
		}
	}
	if f.coordinator.createCount() != 0 {
		t.Fatal("coordinator must not be called for forbidden requests")
	}
}

func TestCreateNotification_Validation(t *testing.T) {
	f := newAPIFixture(t, nil)
	supervisor := newCaller(RoleSupervisor)

	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"missing title", func(b map[string]any) { b["title"] = "" }},
		{"no recipients", func(b map[string]any) { b["recipients"] = []string{} }},
		{"bad type", func(b map[string]any) { b["type"] = "SHOUTING" }},
		{"bad priority", func(b map[string]any) { b["priority"] = "URGENT" }},
		{"bad channel", func(b map[string]any) { b["channel"] = "fax" }},
		{"bad recipient uuid", func(b map[string]any) { b["recipients"] = []string{"not-a-uuid"} }},
		{"expires in the past", func(b map[string]any) {
			b["expires_at"] = time.Now().Add(-time.Hour).Format(time.RFC3339)
		}},
	}

	for _, tc := range cases {
		body := validCreateBody(uuid.New())
		tc.mutate(body)
		rec := f.do(t, supervisor, http.MethodPost, "/v1/notifications", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want 400", tc.name, rec.Code)
		}
	}
	if f.coordinator.createCount() != 0 {
		t.Fatal("coordinator must not be called for invalid requests")
	}
}

func TestCreateNotification_Success(t *testing.T) {
	f := newAPIFixture(t, nil)
	supervisor := newCaller(RoleSupervisor)
	recipient := uuid.New()

	rec := f.do(t, supervisor, http.MethodPost, "/v1/notifications", validCreateBody(recipient))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var result delivery.CreateResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(result.Created) != 1 || result.Created[0].RecipientID != recipient {
		t.Fatalf("unexpected result: %+v", result)
	}

	// Sender and company come from the identity headers, not the body.
	req := f.coordinator.requests[0]
	if req.SenderID != supervisor.userID {
		t.Fatalf("sender = %s, want caller %s", req.SenderID, supervisor.userID)
	}
	if req.CompanyID != supervisor.companyID {
		t.Fatalf("company = %s, want caller's %s", req.CompanyID, supervisor.companyID)
	}
}

func newIdempotencyService(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	if err != nil {
		t.Fatalf("parse miniredis port: %v", err)
	}
	client, err := redis.New(context.Background(), redis.Config{Host: mr.Host(), Port: port}, testLogger())
	if err != nil {
		t.Fatalf("connect to miniredis: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return redis.NewIdempotencyService(client, testLogger())
}

func TestCreateNotification_IdempotencyReplay(t *testing.T) {
	f := newAPIFixture(t, newIdempotencyService(t))
	supervisor := newCaller(RoleSupervisor)
	body := validCreateBody(uuid.New())

	send := func() *httptest.ResponseRecorder {
		var buf bytes.Buffer
		_ = json.NewEncoder(&buf).Encode(body)
		req := httptest.NewRequest(http.MethodPost, "/v1/notifications", &buf)
		supervisor.apply(req)
		req.Header.Set("Idempotency-Key", "retry-after-cell-dropout")
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("first request status = %d, want 201", first.Code)
	}

	second := send()
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status = %d, want 201", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Fatal("replay must be marked with X-Idempotency-Replayed")
	}
	if second.Body.String() != first.Body.String() {
		t.Fatal("replay must return the original body verbatim")
	}
	if f.coordinator.createCount() != 1 {
		t.Fatalf("coordinator called %d times, want 1", f.coordinator.createCount())
	}
}

func TestCreateNotification_IdempotencyInFlightConflict(t *testing.T) {
	idem := newIdempotencyService(t)
	f := newAPIFixture(t, idem)
	supervisor := newCaller(RoleSupervisor)

	// Reserve the key without storing a result, as a still-running request would.
	if _, err := idem.CheckOrReserve(context.Background(), supervisor.companyID.String(), "slow-request"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(validCreateBody(uuid.New()))
	req := httptest.NewRequest(http.MethodPost, "/v1/notifications", &buf)
	supervisor.apply(req)
	req.Header.Set("Idempotency-Key", "slow-request")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestGetNotification_HidesForeignNotifications(t *testing.T) {
	f := newAPIFixture(t, nil)
	worker := newCaller(RoleWorker)

	id := uuid.New()
	f.reader.notifications[id] = &db.Notification{
		ID:          id,
		RecipientID: uuid.New(), // someone else's
		Status:      db.StatusDelivered,
	}

	rec := f.do(t, worker, http.MethodGet, "/v1/notifications/"+id.String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, non-recipients must get 404", rec.Code)
	}
}

func TestGetNotification_RecipientAndSupervisorAccess(t *testing.T) {
	f := newAPIFixture(t, nil)
	worker := newCaller(RoleWorker)

	id := uuid.New()
	f.reader.notifications[id] = &db.Notification{
		ID:          id,
		RecipientID: worker.userID,
		Status:      db.StatusDelivered,
	}

	if rec := f.do(t, worker, http.MethodGet, "/v1/notifications/"+id.String(), nil); rec.Code != http.StatusOK {
		t.Fatalf("recipient access status = %d, want 200", rec.Code)
	}
	if rec := f.do(t, newCaller(RoleSupervisor), http.MethodGet, "/v1/notifications/"+id.String(), nil); rec.Code != http.StatusOK {
		t.Fatalf("supervisor access status = %d, want 200", rec.Code)
	}
}

func TestGetNotification_AuditTrailForElevatedRolesOnly(t *testing.T) {
	f := newAPIFixture(t, nil)
	worker := newCaller(RoleWorker)

	id := uuid.New()
	f.reader.notifications[id] = &db.Notification{ID: id, RecipientID: worker.userID}
	_ = f.recorder.Append(context.Background(), audit.New(audit.EventCreated, &id, nil))

	rec := f.do(t, worker, http.MethodGet, "/v1/notifications/"+id.String()+"?include_audit=true", nil)
	var workerResp map[string]json.RawMessage
	_ = json.Unmarshal(rec.Body.Bytes(), &workerResp)
	if _, ok := workerResp["audit"]; ok {
		t.Fatal("workers must not receive the audit trail")
	}

	rec = f.do(t, newCaller(RoleAdmin), http.MethodGet, "/v1/notifications/"+id.String()+"?include_audit=true", nil)
	var adminResp map[string]json.RawMessage
	_ = json.Unmarshal(rec.Body.Bytes(), &adminResp)
	if _, ok := adminResp["audit"]; !ok {
		t.Fatal("admins asking for the audit trail must receive it")
	}
}

func TestListNotifications_ScopedToCaller(t *testing.T) {
	f := newAPIFixture(t, nil)
	worker := newCaller(RoleWorker)

	rec := f.do(t, worker, http.MethodGet, "/v1/notifications?recipient_id="+uuid.NewString(), nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, workers cannot list others' notifications", rec.Code)
	}

	rec = f.do(t, worker, http.MethodGet, "/v1/notifications", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("own list status = %d, want 200", rec.Code)
	}
	var resp struct {
		Data  []json.RawMessage `json:"data"`
		Count int               `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Data == nil || resp.Count != 0 {
		t.Fatalf("empty list must serialize as [], got %s", rec.Body.String())
	}
}

func TestListNotifications_FilterValidation(t *testing.T) {
	f := newAPIFixture(t, nil)
	worker := newCaller(RoleWorker)

	rec := f.do(t, worker, http.MethodGet, "/v1/notifications?status=LOITERING", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown status filter", rec.Code)
	}

	rec = f.do(t, worker, http.MethodGet, "/v1/notifications?status=DELIVERED&limit=500&offset=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if f.reader.lastFilter.Limit != 20 {
		t.Fatalf("over-range limit must fall back to default, got %d", f.reader.lastFilter.Limit)
	}
	if f.reader.lastFilter.Offset != 10 {
		t.Fatalf("offset = %d, want 10", f.reader.lastFilter.Offset)
	}
}

func TestAcknowledgeNotification_StatusMapping(t *testing.T) {
	worker := newCaller(RoleWorker)
	id := uuid.New()

	cases := []struct {
		name   string
		ackErr error
		want   int
	}{
		{"success", nil, http.StatusOK},
		{"not found", fmt.Errorf("%w: gone", db.ErrNotFound), http.StatusNotFound},
		{"wrong state", fmt.Errorf("%w: still PENDING", db.ErrInvalidTransition), http.StatusConflict},
	}

	for _, tc := range cases {
		f := newAPIFixture(t, nil)
		f.coordinator.ackErr = tc.ackErr
		rec := f.do(t, worker, http.MethodPost, "/v1/notifications/"+id.String()+"/ack", nil)
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.name, rec.Code, tc.want)
		}
		if tc.want == http.StatusOK {
			var resp map[string]string
			_ = json.Unmarshal(rec.Body.Bytes(), &resp)
			if resp["status"] != db.StatusAcknowledged {
				t.Fatalf("response status = %q", resp["status"])
			}
		}
	}
}

func TestOpsEndpoints_AdminOnly(t *testing.T) {
	f := newAPIFixture(t, nil)

	for _, role := range []Role{RoleWorker, RoleDriver, RoleSupervisor} {
		rec := f.do(t, newCaller(role), http.MethodGet, "/v1/ops/circuit-breakers", nil)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("role %s: status = %d, want 403", role, rec.Code)
		}
	}

	rec := f.do(t, newCaller(RoleAdmin), http.MethodGet, "/v1/ops/circuit-breakers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin status = %d, want 200", rec.Code)
	}
	var resp struct {
		CircuitBreakers []circuitbreaker.Snapshot `json:"circuit_breakers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.CircuitBreakers) != 2 {
		t.Fatalf("got %d breakers, want 2", len(resp.CircuitBreakers))
	}
}

func TestResetCircuitBreaker(t *testing.T) {
	f := newAPIFixture(t, nil)
	admin := newCaller(RoleAdmin)
	ctx := context.Background()

	// Trip the push breaker first.
	for i := 0; i < 5; i++ {
		f.breakers.RecordFailure(ctx, circuitbreaker.ServicePush, fmt.Errorf("attempt %d", i))
	}

	rec := f.do(t, admin, http.MethodPost, "/v1/ops/circuit-breakers/PUSH/reset", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var snap circuitbreaker.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.State != "CLOSED" {
		t.Fatalf("state after reset = %s, want CLOSED", snap.State)
	}

	rec = f.do(t, admin, http.MethodPost, "/v1/ops/circuit-breakers/CARRIER_PIGEON/reset", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown service status = %d, want 404", rec.Code)
	}
}

func TestAlertEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)
	admin := newCaller(RoleAdmin)
	ctx := context.Background()

	alert := f.tracker.TriggerAlert(ctx, "SMOKE_TEST", alerting.SeverityLow, nil)

	rec := f.do(t, admin, http.MethodGet, "/v1/ops/alerts", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want 200", rec.Code)
	}
	var listResp struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &listResp)
	if listResp.Count != 1 {
		t.Fatalf("alert count = %d, want 1", listResp.Count)
	}

	rec = f.do(t, admin, http.MethodPost, "/v1/ops/alerts/"+alert.ID.String()+"/ack", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ack status = %d, want 200", rec.Code)
	}
	rec = f.do(t, admin, http.MethodPost, "/v1/ops/alerts/"+uuid.NewString()+"/ack", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown alert ack status = %d, want 404", rec.Code)
	}
}

func TestErrorStatistics(t *testing.T) {
	f := newAPIFixture(t, nil)
	admin := newCaller(RoleAdmin)
	ctx := context.Background()

	id := uuid.New()
	_ = f.recorder.Append(ctx, audit.New(audit.EventError, &id, nil))
	_ = f.recorder.Append(ctx, audit.New(audit.EventError, &id, nil))
	_ = f.recorder.Append(ctx, audit.New(audit.EventRetry, &id, nil))

	rec := f.do(t, admin, http.MethodGet, "/v1/ops/errors?hours=6", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		WindowHours int                 `json:"window_hours"`
		Events      map[audit.Event]int `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.WindowHours != 6 {
		t.Fatalf("window_hours = %d, want 6", resp.WindowHours)
	}
	if resp.Events[audit.EventError] != 2 || resp.Events[audit.EventRetry] != 1 {
		t.Fatalf("unexpected event counts: %v", resp.Events)
	}
}
