package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/zapflow/internal/clock"
	"github.com/foxzi/zapflow/internal/config"
	"github.com/foxzi/zapflow/internal/control"
	"github.com/foxzi/zapflow/internal/db"
	"github.com/foxzi/zapflow/internal/events"
	"github.com/foxzi/zapflow/internal/ipfilter"
	"github.com/foxzi/zapflow/internal/models"
	"github.com/foxzi/zapflow/internal/ratelimit"
	"github.com/foxzi/zapflow/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopDispatcher struct{}

func (nopDispatcher) Enqueue(ctx context.Context, tenantID, campaignID string, delay time.Duration) error {
	return nil
}

func (nopDispatcher) Cancel(campaignID string) bool { return false }

type testServer struct {
	srv       *Server
	store     *repository.Store
	instances []string
	contacts  []string
}

func newTestServer(t *testing.T, limiter *ratelimit.Limiter, webhooks http.Handler, filter *ipfilter.Filter) *testServer {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Migrate(); err != nil {
		t.Fatal(err)
	}
	store := repository.NewStore(d.DB)
	ctx := context.Background()

	ts := &testServer{store: store}
	for _, tenantID := range []string{"t1", "t2"} {
		if err := store.Tenants.Create(ctx, &models.Tenant{ID: tenantID, Name: tenantID, Active: true}); err != nil {
			t.Fatal(err)
		}
	}
	inst := &models.SenderInstance{TenantID: "t1", DisplayName: "A", ExternalHandle: "a", ConnectionState: models.StateOpen, HealthScore: 100}
	if err := store.Instances.Create(ctx, inst); err != nil {
		t.Fatal(err)
	}
	ts.instances = []string{inst.ID}
	for i := 0; i < 2; i++ {
		c := &models.Contact{TenantID: "t1", Name: fmt.Sprintf("Cliente %d", i), Phone: fmt.Sprintf("+55119999900%02d", i)}
		if err := store.Contacts.Create(ctx, c); err != nil {
			t.Fatal(err)
		}
		ts.contacts = append(ts.contacts, c.ID)
	}

	svc := control.NewService(store, nopDispatcher{}, nil, clock.NewFake(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)), control.Config{}, testLogger())
	apiCfg := &config.APIConfig{Keys: []config.APIKey{
		{Key: "key-1", TenantID: "t1"},
		{Key: "key-2", TenantID: "t2"},
	}}
	ts.srv = NewServer(config.ServerConfig{}, apiCfg, Deps{
		Control:       svc,
		Hub:           events.NewHub(nil, testLogger()),
		Webhooks:      webhooks,
		WebhookFilter: filter,
		Limiter:       limiter,
		Version:       "test",
	}, testLogger())
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) createRequest() map[string]any {
	return map[string]any{
		"name":                 "Promo",
		"interval_min_seconds": 20,
		"interval_max_seconds": 40,
		"variants":             []string{"Oi {primeiro_nome}"},
		"instance_ids":         ts.instances,
		"contact_ids":          ts.contacts,
	}
}

func (ts *testServer) create(t *testing.T) models.Campaign {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/campaigns", "key-1", ts.createRequest())
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	var c models.Campaign
	if err := json.NewDecoder(rec.Body).Decode(&c); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil)
	rec := ts.do(t, http.MethodGet, "/health", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Version != "test" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong key", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer key-1", http.StatusOK},
		{"x-api-key", "X-API-Key", "key-1", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/campaigns", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			ts.srv.Handler().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestCampaignLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil)
	c := ts.create(t)
	base := "/campaigns/" + c.ID

	rec := ts.do(t, http.MethodPost, base+"/start", "key-1", StartRequest{StartedBy: "ana"})
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodGet, base+"/status", "key-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var st control.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Status != models.CampaignRunning || st.TotalContacts != 2 || st.Counts[models.ContactPending] != 2 {
		t.Errorf("status = %+v", st)
	}

	rec = ts.do(t, http.MethodGet, base+"/recipients?limit=1", "key-1", nil)
	var recipients ListResponse[models.CampaignContact]
	if err := json.NewDecoder(rec.Body).Decode(&recipients); err != nil {
		t.Fatal(err)
	}
	if len(recipients.Items) != 1 || recipients.Limit != 1 {
		t.Errorf("recipients = %+v", recipients)
	}

	if rec := ts.do(t, http.MethodPost, base+"/start", "key-1", nil); rec.Code != http.StatusConflict {
		t.Errorf("second start status = %d, want 409", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, base, "key-1", nil); rec.Code != http.StatusConflict {
		t.Errorf("delete running status = %d, want 409", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, base+"/pause", "key-1", nil); rec.Code != http.StatusOK {
		t.Errorf("pause status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodPost, base+"/stop", "key-1", nil); rec.Code != http.StatusOK {
		t.Errorf("stop status = %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, base+"/logs", "key-1", nil)
	var logs ListResponse[models.CampaignLog]
	if err := json.NewDecoder(rec.Body).Decode(&logs); err != nil {
		t.Fatal(err)
	}
	if len(logs.Items) != 3 {
		t.Errorf("logs = %d, want 3", len(logs.Items))
	}

	rec = ts.do(t, http.MethodPost, base+"/duplicate", "key-1", nil)
	if rec.Code != http.StatusCreated {
		t.Errorf("duplicate status = %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodDelete, base, "key-1", nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, base, "key-1", nil); rec.Code != http.StatusNotFound {
		t.Errorf("get deleted status = %d, want 404", rec.Code)
	}
}

func TestCreateValidationResponse(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil)
	body := ts.createRequest()
	body["interval_min_seconds"] = 5
	body["variants"] = []string{"Oi {apelido}"}

	rec := ts.do(t, http.MethodPost, "/campaigns", "key-1", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"interval_min_seconds", "variants[0]"} {
		if _, ok := resp.Fields[field]; !ok {
			t.Errorf("fields = %v, missing %s", resp.Fields, field)
		}
	}

	rec = ts.do(t, http.MethodPost, "/campaigns", "key-1", map[string]any{"name": "x", "bogus": true})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", rec.Code)
	}
}

func TestOtherTenantCannotSeeCampaign(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil)
	c := ts.create(t)

	for _, path := range []string{"/campaigns/" + c.ID, "/campaigns/" + c.ID + "/status", "/campaigns/" + c.ID + "/events"} {
		if rec := ts.do(t, http.MethodGet, path, "key-2", nil); rec.Code != http.StatusNotFound {
			t.Errorf("GET %s as t2 = %d, want 404", path, rec.Code)
		}
	}
	if rec := ts.do(t, http.MethodPost, "/campaigns/"+c.ID+"/start", "key-2", nil); rec.Code != http.StatusNotFound {
		t.Errorf("start as t2 = %d, want 404", rec.Code)
	}
}

func TestPaging(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil)
	for _, q := range []string{"limit=0", "limit=abc", "limit=5000", "offset=-1"} {
		if rec := ts.do(t, http.MethodGet, "/campaigns?"+q, "key-1", nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", q, rec.Code)
		}
	}
	if rec := ts.do(t, http.MethodGet, "/campaigns?status=lost", "key-1", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown status filter = %d, want 400", rec.Code)
	}
}

func TestRateLimitPerTenant(t *testing.T) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 0.001, Burst: 2})
	defer limiter.Stop()
	ts := newTestServer(t, limiter, nil, nil)

	for i := 0; i < 2; i++ {
		if rec := ts.do(t, http.MethodGet, "/campaigns", "key-1", nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i+1, rec.Code)
		}
	}
	rec := ts.do(t, http.MethodGet, "/campaigns", "key-1", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if rec := ts.do(t, http.MethodGet, "/campaigns", "key-2", nil); rec.Code != http.StatusOK {
		t.Errorf("other tenant status = %d, want 200", rec.Code)
	}
}

func TestWebhookIntakeFiltered(t *testing.T) {
	hook := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	open := newTestServer(t, nil, hook, ipfilter.New(nil, false, testLogger()))
	if rec := open.do(t, http.MethodPost, "/webhooks/campaigns", "", map[string]string{}); rec.Code != http.StatusAccepted {
		t.Errorf("open intake status = %d, want 202", rec.Code)
	}

	closed := newTestServer(t, nil, hook, ipfilter.New([]string{"10.0.0.0/8"}, false, testLogger()))
	if rec := closed.do(t, http.MethodPost, "/webhooks/campaigns", "", map[string]string{}); rec.Code != http.StatusForbidden {
		t.Errorf("filtered intake status = %d, want 403", rec.Code)
	}
}

func TestTenantLimitMapsTo429(t *testing.T) {
	ts := newTestServer(t, nil, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/campaigns/x/start", nil)
	ts.srv.sendCommandError(rec, req, "start", fmt.Errorf("%w: limit is 1", models.ErrTenantLimit))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
}
