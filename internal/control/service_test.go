package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/zapflow/internal/clock"
	"github.com/foxzi/zapflow/internal/db"
	"github.com/foxzi/zapflow/internal/events"
	"github.com/foxzi/zapflow/internal/models"
	"github.com/foxzi/zapflow/internal/repository"
)

var monday = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeDispatcher struct {
	mu        sync.Mutex
	enqueued  []string
	cancelled []string
	err       error
}

func (d *fakeDispatcher) Enqueue(ctx context.Context, tenantID, campaignID string, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.enqueued = append(d.enqueued, campaignID)
	return nil
}

func (d *fakeDispatcher) Cancel(campaignID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, campaignID)
	return true
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ctx context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Type
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

type fixture struct {
	svc        *Service
	store      *repository.Store
	dispatcher *fakeDispatcher
	events     *recorder
	clk        *clock.Fake
	// per tenant
	instances map[string][]string
	contacts  map[string][]string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	f := &fixture{
		store:      repository.NewStore(d.DB),
		dispatcher: &fakeDispatcher{},
		events:     &recorder{},
		clk:        clock.NewFake(monday),
		instances:  map[string][]string{},
		contacts:   map[string][]string{},
	}
	f.svc = NewService(f.store, f.dispatcher, f.events, f.clk, cfg, testLogger())

	ctx := context.Background()
	for _, tenantID := range []string{"t1", "t2"} {
		if err := f.store.Tenants.Create(ctx, &models.Tenant{ID: tenantID, Name: tenantID, Active: true}); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 2; i++ {
			inst := &models.SenderInstance{
				TenantID:        tenantID,
				DisplayName:     fmt.Sprintf("%s-inst-%d", tenantID, i),
				ExternalHandle:  fmt.Sprintf("%s-inst-%d", tenantID, i),
				ConnectionState: models.StateOpen,
				HealthScore:     100,
			}
			if err := f.store.Instances.Create(ctx, inst); err != nil {
				t.Fatal(err)
			}
			f.instances[tenantID] = append(f.instances[tenantID], inst.ID)
		}
		for i := 0; i < 3; i++ {
			c := &models.Contact{TenantID: tenantID, Name: fmt.Sprintf("Cliente %d", i), Phone: fmt.Sprintf("+551199999%04d", i)}
			if tenantID == "t2" {
				c.Phone = fmt.Sprintf("+551188888%04d", i)
			}
			if err := f.store.Contacts.Create(ctx, c); err != nil {
				t.Fatal(err)
			}
			f.contacts[tenantID] = append(f.contacts[tenantID], c.ID)
		}
	}
	return f
}

func (f *fixture) request(tenantID string) CreateRequest {
	return CreateRequest{
		Name:               "Promo",
		RotationMode:       "round_robin",
		IntervalMinSeconds: 20,
		IntervalMaxSeconds: 60,
		Variants:           []string{"{saudacao}, {primeiro_nome}!", "Oi {nome}"},
		InstanceIDs:        f.instances[tenantID],
		ContactIDs:         f.contacts[tenantID],
	}
}

func (f *fixture) create(t *testing.T, tenantID string) *models.Campaign {
	t.Helper()
	c, err := f.svc.Create(context.Background(), tenantID, f.request(tenantID))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return c
}

func TestCreateDraft(t *testing.T) {
	f := newFixture(t, Config{})
	c := f.create(t, "t1")

	if c.Status != models.CampaignDraft {
		t.Errorf("Status = %s, want draft", c.Status)
	}
	if c.DailyLimitPerInstance != models.DefaultDailyLimit {
		t.Errorf("DailyLimitPerInstance = %d, want default", c.DailyLimitPerInstance)
	}
	if len(c.Variants) != 2 || len(c.InstanceIDs) != 2 {
		t.Errorf("variants = %d instances = %d", len(c.Variants), len(c.InstanceIDs))
	}
}

func TestCreateScheduled(t *testing.T) {
	f := newFixture(t, Config{})
	req := f.request("t1")
	at := monday.Add(time.Hour)
	req.ScheduledAt = &at

	c, err := f.svc.Create(context.Background(), "t1", req)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != models.CampaignScheduled {
		t.Errorf("Status = %s, want scheduled", c.Status)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, Config{})
	past := monday.Add(-time.Minute)

	tests := []struct {
		name   string
		mutate func(r *CreateRequest)
		field  string
	}{
		{"missing name", func(r *CreateRequest) { r.Name = "" }, "name"},
		{"interval below floor", func(r *CreateRequest) { r.IntervalMinSeconds = 5 }, "interval_min_seconds"},
		{"interval above ceiling", func(r *CreateRequest) { r.IntervalMaxSeconds = 600 }, "interval_max_seconds"},
		{"max below min", func(r *CreateRequest) { r.IntervalMinSeconds, r.IntervalMaxSeconds = 60, 30 }, "interval_max_seconds"},
		{"unknown rotation", func(r *CreateRequest) { r.RotationMode = "random" }, "rotation_mode"},
		{"no variants", func(r *CreateRequest) { r.Variants = nil }, "variants"},
		{"empty variant", func(r *CreateRequest) { r.Variants = []string{""} }, "variants[0]"},
		{"unknown placeholder", func(r *CreateRequest) { r.Variants = []string{"Oi {apelido}"} }, "variants[0]"},
		{"no instances", func(r *CreateRequest) { r.InstanceIDs = nil }, "instance_ids"},
		{"duplicate contacts", func(r *CreateRequest) { r.ContactIDs = []string{r.ContactIDs[0], r.ContactIDs[0]} }, "contact_ids"},
		{"scheduled in the past", func(r *CreateRequest) { r.ScheduledAt = &past }, "scheduled_at"},
		{"health threshold", func(r *CreateRequest) { r.PauseOnHealthBelow = 101 }, "pause_on_health_below"},
		{"foreign instance", func(r *CreateRequest) { r.InstanceIDs = f.instances["t2"] }, "instance_ids"},
		{"foreign contact", func(r *CreateRequest) { r.ContactIDs = f.contacts["t2"] }, "contact_ids"},
		{"unknown calendar", func(r *CreateRequest) { r.CalendarID = "nope" }, "calendar_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := f.request("t1")
			tt.mutate(&req)
			_, err := f.svc.Create(context.Background(), "t1", req)
			var verr *models.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Create() error = %v, want ValidationError", err)
			}
			if _, ok := verr.Fields[tt.field]; !ok {
				t.Errorf("Fields = %v, want %s", verr.Fields, tt.field)
			}
			if !errors.Is(err, models.ErrValidation) {
				t.Error("error should wrap ErrValidation")
			}
		})
	}
}

func TestStartMaterializesAndEnqueues(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	c := f.create(t, "t1")

	started, err := f.svc.Start(ctx, "t1", c.ID, "ana")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if started.Status != models.CampaignRunning {
		t.Errorf("Status = %s, want running", started.Status)
	}
	if started.TotalContacts != 3 || started.StartedBy != "ana" || started.StartedAt == nil {
		t.Errorf("total = %d started_by = %q started_at = %v", started.TotalContacts, started.StartedBy, started.StartedAt)
	}
	if len(f.dispatcher.enqueued) != 1 || f.dispatcher.enqueued[0] != c.ID {
		t.Errorf("enqueued = %v", f.dispatcher.enqueued)
	}

	st, err := f.svc.Status(ctx, "t1", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Counts[models.ContactPending] != 3 {
		t.Errorf("pending = %d, want 3", st.Counts[models.ContactPending])
	}

	logs, err := f.svc.Logs(ctx, "t1", c.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].LogType != models.LogCampaignStarted {
		t.Errorf("logs = %+v", logs)
	}
	if got := f.events.types(); len(got) != 1 || got[0] != events.CampaignStarted {
		t.Errorf("events = %v", got)
	}
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	c := f.create(t, "t1")

	if _, err := f.svc.Pause(ctx, "t1", c.ID); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("Pause(draft) error = %v, want invalid transition", err)
	}
	if _, err := f.svc.Start(ctx, "t1", c.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, "t1", c.ID, ""); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("Start(running) error = %v, want invalid transition", err)
	}

	paused, err := f.svc.Pause(ctx, "t1", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if paused.Status != models.CampaignPaused {
		t.Errorf("Status = %s, want paused", paused.Status)
	}
	if len(f.dispatcher.cancelled) != 1 {
		t.Errorf("cancelled = %v, want local worker signalled", f.dispatcher.cancelled)
	}

	resumed, err := f.svc.Resume(ctx, "t1", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != models.CampaignRunning || resumed.TotalContacts != 3 {
		t.Errorf("Status = %s total = %d", resumed.Status, resumed.TotalContacts)
	}

	stopped, err := f.svc.Stop(ctx, "t1", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stopped.Status != models.CampaignStopped {
		t.Errorf("Status = %s, want stopped", stopped.Status)
	}
	if _, err := f.svc.Resume(ctx, "t1", c.ID); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Errorf("Resume(stopped) error = %v", err)
	}

	want := []events.Type{events.CampaignStarted, events.CampaignPaused, events.CampaignResumed, events.CampaignStopped}
	got := f.events.types()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", got, want)
	}

	if err := f.svc.Delete(ctx, "t1", c.ID); err != nil {
		t.Fatalf("Delete(stopped) error = %v", err)
	}
	if _, err := f.svc.Get(ctx, "t1", c.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get() after delete error = %v", err)
	}
}

func TestPauseResumeKeepsProgress(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	c := f.create(t, "t1")

	if _, err := f.svc.Start(ctx, "t1", c.ID, "ana"); err != nil {
		t.Fatal(err)
	}
	next := monday.Add(time.Minute)
	if err := f.store.Campaigns.SetNext(ctx, "t1", c.ID, "Cliente 0", "+5511999990000", "t1-inst-0", next); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Campaigns.SetRotation(ctx, "t1", c.ID, 1, 1); err != nil {
		t.Fatal(err)
	}

	before, err := f.svc.Get(ctx, "t1", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	logsBefore, _ := f.svc.Logs(ctx, "t1", c.ID, 100)

	if _, err := f.svc.Pause(ctx, "t1", c.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	after, err := f.svc.Resume(ctx, "t1", c.ID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}

	if after.NextContactName != "Cliente 0" || after.NextInstanceName != "t1-inst-0" ||
		after.NextMessageScheduledAt == nil || !after.NextMessageScheduledAt.Equal(next) {
		t.Errorf("next send = %q %q %v, want preserved", after.NextContactName, after.NextInstanceName, after.NextMessageScheduledAt)
	}

	// only the status bookkeeping may differ
	before.UpdatedAt, after.UpdatedAt = time.Time{}, time.Time{}
	if !reflect.DeepEqual(before, after) {
		t.Errorf("campaign changed across pause+resume:\nbefore %+v\nafter  %+v", before, after)
	}

	logsAfter, _ := f.svc.Logs(ctx, "t1", c.ID, 100)
	if len(logsAfter) != len(logsBefore)+2 {
		t.Errorf("logs = %d, want %d", len(logsAfter), len(logsBefore)+2)
	}
}

func TestStopClearsNext(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	c := f.create(t, "t1")

	if _, err := f.svc.Start(ctx, "t1", c.ID, ""); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Campaigns.SetNext(ctx, "t1", c.ID, "Cliente 0", "+5511999990000", "t1-inst-0", monday.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	stopped, err := f.svc.Stop(ctx, "t1", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stopped.NextContactName != "" || stopped.NextMessageScheduledAt != nil {
		t.Errorf("next send after stop = %q %v, want cleared", stopped.NextContactName, stopped.NextMessageScheduledAt)
	}
}

func TestDeleteRunningRejected(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	c := f.create(t, "t1")
	if _, err := f.svc.Start(ctx, "t1", c.ID, ""); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Delete(ctx, "t1", c.ID); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Errorf("Delete(running) error = %v", err)
	}
}

func TestTenantRunningLimit(t *testing.T) {
	f := newFixture(t, Config{MaxRunningPerTenant: 1})
	ctx := context.Background()
	a := f.create(t, "t1")
	b := f.create(t, "t1")
	other := f.create(t, "t2")

	if _, err := f.svc.Start(ctx, "t1", a.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Start(ctx, "t1", b.ID, ""); !errors.Is(err, models.ErrTenantLimit) {
		t.Fatalf("Start() error = %v, want ErrTenantLimit", err)
	}
	if _, err := f.svc.Start(ctx, "t2", other.ID, ""); err != nil {
		t.Errorf("other tenant should not be limited: %v", err)
	}

	status, err := f.store.Campaigns.GetStatus(ctx, "t1", b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if status != models.CampaignDraft {
		t.Errorf("rejected campaign status = %s, want draft", status)
	}
}

func TestTenantIsolation(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	c := f.create(t, "t1")

	if _, err := f.svc.Get(ctx, "t2", c.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get() from other tenant error = %v", err)
	}
	if _, err := f.svc.Start(ctx, "t2", c.ID, ""); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Start() from other tenant error = %v", err)
	}
	if err := f.svc.Delete(ctx, "t2", c.ID); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Delete() from other tenant error = %v", err)
	}
	if _, err := f.svc.Logs(ctx, "t2", c.ID, 10); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Logs() from other tenant error = %v", err)
	}

	list, err := f.svc.List(ctx, "t2", models.CampaignFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("other tenant lists %d campaigns", len(list))
	}
}

func TestDuplicate(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	c := f.create(t, "t1")
	if _, err := f.svc.Start(ctx, "t1", c.ID, ""); err != nil {
		t.Fatal(err)
	}

	dup, err := f.svc.Duplicate(ctx, "t1", c.ID)
	if err != nil {
		t.Fatalf("Duplicate() error = %v", err)
	}
	if dup.ID == c.ID || dup.Status != models.CampaignDraft || dup.Name != "Promo (copy)" {
		t.Errorf("dup = %+v", dup)
	}
	if len(dup.Variants) != 2 || dup.Variants[0].TimesUsed != 0 {
		t.Errorf("variants = %+v", dup.Variants)
	}
	if dup.TotalContacts != 0 || dup.MessagesSent != 0 {
		t.Errorf("progress should start fresh: %+v", dup.Progress)
	}

	audience, err := f.store.Campaigns.AudienceIDs(ctx, "t1", dup.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(audience) != 3 {
		t.Errorf("audience = %d, want 3", len(audience))
	}
}

func TestRequeueFailed(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	c := f.create(t, "t1")

	if _, err := f.svc.RequeueFailed(ctx, "t1", c.ID); !errors.Is(err, models.ErrInvalidStateTransition) {
		t.Fatalf("RequeueFailed(draft) error = %v", err)
	}
	if _, err := f.svc.Start(ctx, "t1", c.ID, ""); err != nil {
		t.Fatal(err)
	}

	contact := f.contacts["t1"][0]
	if _, err := f.store.Recipients.MarkFailed(ctx, "t1", c.ID, contact, "invalid_number", "no whatsapp"); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Campaigns.AddCounters(ctx, "t1", c.ID, repository.Counters{Failed: 1}); err != nil {
		t.Fatal(err)
	}

	n, err := f.svc.RequeueFailed(ctx, "t1", c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("requeued = %d, want 1", n)
	}

	rc, err := f.store.Recipients.Get(ctx, "t1", c.ID, contact)
	if err != nil {
		t.Fatal(err)
	}
	if rc.Status != models.ContactPending || rc.RetryCount != 0 || rc.ErrorClass != "" {
		t.Errorf("recipient = %+v", rc)
	}
	got, _ := f.svc.Get(ctx, "t1", c.ID)
	if got.MessagesFailed != 0 {
		t.Errorf("MessagesFailed = %d, want 0", got.MessagesFailed)
	}
	if len(f.dispatcher.enqueued) != 2 {
		t.Errorf("enqueued = %v, want start and requeue", f.dispatcher.enqueued)
	}
}

func TestRecipientsFilter(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	c := f.create(t, "t1")
	if _, err := f.svc.Start(ctx, "t1", c.ID, ""); err != nil {
		t.Fatal(err)
	}

	all, err := f.svc.Recipients(ctx, "t1", c.ID, models.RecipientFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("recipients = %d, want 3", len(all))
	}
	page, err := f.svc.Recipients(ctx, "t1", c.ID, models.RecipientFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 {
		t.Errorf("page = %d, want 1", len(page))
	}
	if _, err := f.svc.Recipients(ctx, "t1", c.ID, models.RecipientFilter{Status: "lost"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("unknown status error = %v", err)
	}
}

func TestStartDue(t *testing.T) {
	f := newFixture(t, Config{MaxRunningPerTenant: 1})
	ctx := context.Background()

	schedule := func(tenantID string, at time.Time) *models.Campaign {
		req := f.request(tenantID)
		req.ScheduledAt = &at
		c, err := f.svc.Create(ctx, tenantID, req)
		if err != nil {
			t.Fatal(err)
		}
		return c
	}
	due := schedule("t1", monday.Add(time.Minute))
	deferred := schedule("t1", monday.Add(2*time.Minute))
	later := schedule("t2", monday.Add(time.Hour))

	f.clk.Advance(5 * time.Minute)
	n, err := f.svc.StartDue(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("started = %d, want 1", n)
	}

	for id, want := range map[string]models.CampaignStatus{
		due.ID:      models.CampaignRunning,
		deferred.ID: models.CampaignScheduled,
	} {
		got, _ := f.store.Campaigns.GetStatus(ctx, "t1", id)
		if got != want {
			t.Errorf("campaign %s status = %s, want %s", id, got, want)
		}
	}
	if got, _ := f.store.Campaigns.GetStatus(ctx, "t2", later.ID); got != models.CampaignScheduled {
		t.Errorf("future campaign status = %s", got)
	}
	c, _ := f.svc.Get(ctx, "t1", due.ID)
	if c.StartedBy != scheduledBy {
		t.Errorf("StartedBy = %q", c.StartedBy)
	}
}

func TestRecoverRunning(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := f.create(t, "t1")
	b := f.create(t, "t2")
	f.create(t, "t2")
	for tenant, id := range map[string]string{"t1": a.ID, "t2": b.ID} {
		if _, err := f.svc.Start(ctx, tenant, id, ""); err != nil {
			t.Fatal(err)
		}
	}
	f.dispatcher.enqueued = nil

	n, err := f.svc.RecoverRunning(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || len(f.dispatcher.enqueued) != 2 {
		t.Errorf("recovered = %d enqueued = %v", n, f.dispatcher.enqueued)
	}
}

func TestStartSurvivesEnqueueFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	c := f.create(t, "t1")
	f.dispatcher.err = errors.New("queue down")

	started, err := f.svc.Start(ctx, "t1", c.ID, "")
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if started.Status != models.CampaignRunning {
		t.Errorf("Status = %s, want running", started.Status)
	}
}

func TestSweepSchedule(t *testing.T) {
	d, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	svc := NewService(repository.NewStore(d.DB), &fakeDispatcher{}, nil, nil, Config{SweepSchedule: "every now and then"}, testLogger())
	if err := svc.StartSweeps(); err == nil {
		t.Error("StartSweeps() with invalid schedule should fail")
	}

	svc = NewService(repository.NewStore(d.DB), &fakeDispatcher{}, nil, nil, Config{}, testLogger())
	if err := svc.StartSweeps(); err != nil {
		t.Fatalf("StartSweeps() error = %v", err)
	}
	svc.StopSweeps()
}
