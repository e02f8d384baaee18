package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/zapflow/internal/clock"
	"github.com/foxzi/zapflow/internal/db"
	"github.com/foxzi/zapflow/internal/events"
	"github.com/foxzi/zapflow/internal/gateway"
	"github.com/foxzi/zapflow/internal/models"
	"github.com/foxzi/zapflow/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memClaimer struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]bool)
	}
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ctx context.Context, ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func newTestTracker(t *testing.T) (*Tracker, *repository.Store, *recorder, *models.SenderInstance) {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	store := repository.NewStore(d.DB)
	ctx := context.Background()

	if err := store.Tenants.Create(ctx, &models.Tenant{ID: "t1", Name: "t1", Timezone: "America/Sao_Paulo", Active: true}); err != nil {
		t.Fatal(err)
	}
	inst := &models.SenderInstance{
		TenantID: "t1", DisplayName: "A", ExternalHandle: "a", HealthScore: 100,
		ConnectionState: models.StateOpen, DayEpoch: "2026-03-02",
	}
	if err := store.Instances.Create(ctx, inst); err != nil {
		t.Fatal(err)
	}

	rec := &recorder{}
	return NewTracker(store, &memClaimer{}, rec, 3, testLogger()), store, rec, inst
}

func TestPenalty(t *testing.T) {
	tests := []struct {
		class string
		want  int
	}{
		{gateway.ClassTimeout, 5},
		{gateway.ClassNetwork, 5},
		{gateway.ClassServerError, 5},
		{gateway.ClassRecipientInvalid, 15},
		{gateway.ClassRejected, 15},
		{gateway.ClassMalformedResponse, 15},
		{gateway.ClassConnectionRefused, 30},
		{gateway.ClassInstanceClosed, 30},
		{gateway.ClassUnauthorized, 30},
	}
	for _, tt := range tests {
		if got := Penalty(tt.class); got != tt.want {
			t.Errorf("Penalty(%s) = %d, want %d", tt.class, got, tt.want)
		}
	}
}

func TestRecordSendReserve(t *testing.T) {
	tracker, store, _, inst := newTestTracker(t)
	ctx := context.Background()
	sig := Signal{TenantID: "t1", InstanceID: inst.ID, Day: "2026-03-02", Outcome: OutcomeQueuedOK, Limit: 2}

	for i := 0; i < 2; i++ {
		if err := tracker.RecordSend(ctx, sig); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	if err := tracker.RecordSend(ctx, sig); !errors.Is(err, models.ErrDailyLimitReached) {
		t.Fatalf("third reserve err = %v, want ErrDailyLimitReached", err)
	}

	if err := tracker.Release(ctx, "t1", inst.ID, "2026-03-02"); err != nil {
		t.Fatal(err)
	}
	if err := tracker.RecordSend(ctx, sig); err != nil {
		t.Fatalf("reserve after release: %v", err)
	}

	// a new local day starts from zero
	sig.Day = "2026-03-03"
	if err := tracker.RecordSend(ctx, sig); err != nil {
		t.Fatalf("reserve on new day: %v", err)
	}
	got, _ := store.Instances.GetByID(ctx, "t1", inst.ID)
	if got.MsgsSentToday != 1 || got.DayEpoch != "2026-03-03" {
		t.Errorf("sent=%d day=%s after rollover", got.MsgsSentToday, got.DayEpoch)
	}
}

func TestRecordSendHealth(t *testing.T) {
	tracker, store, rec, inst := newTestTracker(t)
	ctx := context.Background()
	base := Signal{TenantID: "t1", InstanceID: inst.ID, Day: "2026-03-02"}

	steps := []struct {
		outcome    Outcome
		class      string
		wantHealth int
	}{
		{OutcomeDelivered, "", 100}, // capped, no event
		{OutcomeSendFailed, gateway.ClassTimeout, 95},
		{OutcomeGatewayUnavailable, gateway.ClassInstanceClosed, 65},
		{OutcomeRead, "", 66},
		{OutcomeReplied, "", 67},
	}
	for _, step := range steps {
		sig := base
		sig.Outcome, sig.Class = step.outcome, step.class
		if err := tracker.RecordSend(ctx, sig); err != nil {
			t.Fatalf("%s: %v", step.outcome, err)
		}
		got, _ := store.Instances.GetByID(ctx, "t1", inst.ID)
		if got.HealthScore != step.wantHealth {
			t.Errorf("after %s health = %d, want %d", step.outcome, got.HealthScore, step.wantHealth)
		}
	}

	got, _ := store.Instances.GetByID(ctx, "t1", inst.ID)
	if got.MsgsDeliveredToday != 1 || got.MsgsReadToday != 1 || got.MsgsFailedToday != 2 {
		t.Errorf("counters delivered=%d read=%d failed=%d", got.MsgsDeliveredToday, got.MsgsReadToday, got.MsgsFailedToday)
	}
	if got.ConsecutiveFailures != 0 {
		t.Errorf("positive outcome must reset the failure streak, got %d", got.ConsecutiveFailures)
	}

	if len(rec.events) != 4 {
		t.Fatalf("health_changed events = %d, want 4", len(rec.events))
	}
	last := rec.events[3]
	if last.Type != events.HealthChanged || last.Data["health_score"] != 67 || last.CampaignID != "" {
		t.Errorf("unexpected event %+v", last)
	}
}

func TestRecordSendSoftDisable(t *testing.T) {
	tracker, store, _, inst := newTestTracker(t)
	ctx := context.Background()
	sig := Signal{TenantID: "t1", InstanceID: inst.ID, Day: "2026-03-02", Outcome: OutcomeSendFailed, Class: gateway.ClassTimeout}

	for i := 0; i < 3; i++ {
		if err := tracker.RecordSend(ctx, sig); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := store.Instances.GetByID(ctx, "t1", inst.ID)
	if !got.Disabled {
		t.Fatal("instance should be disabled after 3 consecutive failures")
	}
	c := &models.Campaign{DailyLimitPerInstance: 100}
	if IsEligible(*got, c, "2026-03-02") {
		t.Error("disabled instance must not be eligible")
	}
}

func TestRecordSendUnknownInstance(t *testing.T) {
	tracker, _, _, _ := newTestTracker(t)
	err := tracker.RecordSend(context.Background(), Signal{TenantID: "t2", InstanceID: "nope", Outcome: OutcomeDelivered})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestIsEligible(t *testing.T) {
	open := models.SenderInstance{ConnectionState: models.StateOpen, HealthScore: 80, MsgsSentToday: 5, DayEpoch: "2026-03-02"}
	c := &models.Campaign{DailyLimitPerInstance: 10, PauseOnHealthBelow: 50}

	tests := []struct {
		name string
		inst func(models.SenderInstance) models.SenderInstance
		camp func(models.Campaign) models.Campaign
		day  string
		want bool
	}{
		{"eligible", nil, nil, "2026-03-02", true},
		{"closed", func(i models.SenderInstance) models.SenderInstance { i.ConnectionState = models.StateClosed; return i }, nil, "2026-03-02", false},
		{"unknown state", func(i models.SenderInstance) models.SenderInstance { i.ConnectionState = models.StateUnknown; return i }, nil, "2026-03-02", false},
		{"limit reached", func(i models.SenderInstance) models.SenderInstance { i.MsgsSentToday = 10; return i }, nil, "2026-03-02", false},
		{"limit reached yesterday", func(i models.SenderInstance) models.SenderInstance { i.MsgsSentToday = 10; return i }, nil, "2026-03-03", true},
		{"health below", func(i models.SenderInstance) models.SenderInstance { i.HealthScore = 49; return i }, nil, "2026-03-02", false},
		{"health at threshold", func(i models.SenderInstance) models.SenderInstance { i.HealthScore = 50; return i }, nil, "2026-03-02", true},
		{"threshold disabled", func(i models.SenderInstance) models.SenderInstance { i.HealthScore = 1; return i },
			func(c models.Campaign) models.Campaign { c.PauseOnHealthBelow = 0; return c }, "2026-03-02", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, camp := open, *c
			if tt.inst != nil {
				inst = tt.inst(inst)
			}
			if tt.camp != nil {
				camp = tt.camp(camp)
			}
			if got := IsEligible(inst, &camp, tt.day); got != tt.want {
				t.Errorf("IsEligible = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyDefersAnnouncement(t *testing.T) {
	tracker, _, rec, inst := newTestTracker(t)
	ctx := context.Background()

	// already at the maximum
	ev, err := tracker.Apply(ctx, Signal{TenantID: "t1", InstanceID: inst.ID, Day: "2026-03-02", Outcome: OutcomeDelivered})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if ev != nil {
		t.Errorf("Apply() = %+v, want no event for an unchanged score", ev)
	}

	ev, err = tracker.Apply(ctx, Signal{
		TenantID: "t1", InstanceID: inst.ID, Day: "2026-03-02",
		Outcome: OutcomeSendFailed, Class: gateway.ClassRecipientInvalid,
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if ev == nil || ev.Type != events.HealthChanged || ev.Data["health_score"] != 85 {
		t.Fatalf("Apply() = %+v, want health_changed to 85", ev)
	}
	if len(rec.events) != 0 {
		t.Fatalf("published %d events before Announce, want 0", len(rec.events))
	}

	tracker.Announce(ctx, *ev)
	if len(rec.events) != 1 || rec.events[0].Data["instance_id"] != inst.ID {
		t.Errorf("events = %+v, want the announced health change", rec.events)
	}
}

func TestResetDailyOncePerDay(t *testing.T) {
	tracker, store, _, inst := newTestTracker(t)
	ctx := context.Background()
	tenant := models.Tenant{ID: "t1", Timezone: "America/Sao_Paulo", Active: true}

	sig := Signal{TenantID: "t1", InstanceID: inst.ID, Day: "2026-03-02", Outcome: OutcomeQueuedOK, Limit: 5}
	if err := tracker.RecordSend(ctx, sig); err != nil {
		t.Fatal(err)
	}

	// 02:30 UTC on March 3rd is still March 2nd in São Paulo
	did, err := tracker.ResetDaily(ctx, tenant, time.Date(2026, 3, 3, 2, 30, 0, 0, time.UTC))
	if err != nil || !did {
		t.Fatalf("first reset did=%v err=%v", did, err)
	}
	got, _ := store.Instances.GetByID(ctx, "t1", inst.ID)
	if got.MsgsSentToday != 1 {
		t.Errorf("same local day must keep counters, sent=%d", got.MsgsSentToday)
	}

	did, _ = tracker.ResetDaily(ctx, tenant, time.Date(2026, 3, 3, 2, 45, 0, 0, time.UTC))
	if did {
		t.Error("second reset of the same local day must be a no-op")
	}

	did, err = tracker.ResetDaily(ctx, tenant, time.Date(2026, 3, 3, 4, 0, 0, 0, time.UTC))
	if err != nil || !did {
		t.Fatalf("next-day reset did=%v err=%v", did, err)
	}
	got, _ = store.Instances.GetByID(ctx, "t1", inst.ID)
	if got.MsgsSentToday != 0 || got.DayEpoch != "2026-03-03" {
		t.Errorf("after reset sent=%d day=%s", got.MsgsSentToday, got.DayEpoch)
	}
}

func TestResetterRunOnce(t *testing.T) {
	tracker, store, _, _ := newTestTracker(t)
	ctx := context.Background()
	if err := store.Tenants.Create(ctx, &models.Tenant{ID: "t2", Name: "t2", Timezone: "UTC", Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := store.Tenants.Create(ctx, &models.Tenant{ID: "t3", Name: "t3", Active: false}); err != nil {
		t.Fatal(err)
	}

	clk := clock.NewFake(time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC))
	r := NewResetter(tracker, store.Tenants, "* * * * *", clk, testLogger())

	n, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("reset tenants = %d, want 2 active", n)
	}
	if n, _ := r.RunOnce(ctx); n != 0 {
		t.Errorf("second run reset %d tenants", n)
	}

	clk.Advance(24 * time.Hour)
	if n, _ := r.RunOnce(ctx); n != 2 {
		t.Errorf("next day reset %d tenants, want 2", n)
	}
}

func TestResetterInvalidSchedule(t *testing.T) {
	tracker, store, _, _ := newTestTracker(t)
	r := NewResetter(tracker, store.Tenants, "not a cron", nil, testLogger())
	if err := r.Start(); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestAvailabilityCache(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	c := NewAvailabilityCache(3*time.Minute, 30*time.Second, 180*time.Second, clk)

	if _, _, ok := c.Get("a"); ok {
		t.Fatal("empty cache returned an entry")
	}

	c.Set("a", models.StateClosed)
	state, stale, ok := c.Get("a")
	if !ok || stale || state != models.StateClosed {
		t.Fatalf("fresh entry = %s stale=%v ok=%v", state, stale, ok)
	}
	if !c.Blocked("a") {
		t.Error("fresh closed entry must block")
	}

	clk.Advance(31 * time.Second)
	if _, stale, _ := c.Get("a"); !stale {
		t.Error("entry older than 30s must be stale")
	}
	if !c.Blocked("a") {
		t.Error("closed entry within 180s still blocks")
	}

	clk.Advance(149 * time.Second)
	if !c.Blocked("a") {
		t.Error("closed entry at exactly 180s still blocks")
	}
	if _, _, ok := c.Get("a"); !ok {
		t.Error("entry at exactly the ttl must still be readable")
	}

	clk.Advance(time.Second)
	if c.Blocked("a") {
		t.Error("closed entry older than 180s must allow a new attempt")
	}
	if _, _, ok := c.Get("a"); ok {
		t.Error("entry older than ttl must expire")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not evicted, len=%d", c.Len())
	}

	c.Set("b", models.StateOpen)
	if c.Blocked("b") {
		t.Error("open entry must not block")
	}

	// a ttl longer than the block window keeps the entry readable after it unblocks
	long := NewAvailabilityCache(5*time.Minute, 30*time.Second, 180*time.Second, clk)
	long.Set("c", models.StateClosed)
	clk.Advance(181 * time.Second)
	if long.Blocked("c") {
		t.Error("closed entry older than 180s must allow a new attempt")
	}
	if state, stale, ok := long.Get("c"); !ok || !stale || state != models.StateClosed {
		t.Errorf("entry within ttl = %s stale=%v ok=%v", state, stale, ok)
	}
}
