package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/zapflow/internal/clock"
	"github.com/foxzi/zapflow/internal/db"
	"github.com/foxzi/zapflow/internal/events"
	"github.com/foxzi/zapflow/internal/health"
	"github.com/foxzi/zapflow/internal/models"
	"github.com/foxzi/zapflow/internal/queue"
	"github.com/foxzi/zapflow/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
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

func (r *recorder) count(typ events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// hookClock runs onSleep before returning from Sleep
type hookClock struct {
	*clock.Fake
	onSleep func()
}

func (c *hookClock) Sleep(ctx context.Context, d time.Duration) error {
	if c.onSleep != nil {
		c.onSleep()
	}
	return c.Fake.Sleep(ctx, d)
}

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

type fixture struct {
	store    *repository.Store
	dedup    *queue.BoltStorage
	avail    *health.AvailabilityCache
	events   *recorder
	clk      *clock.Fake
	tenant   string
	instance *models.SenderInstance
	contacts []*models.Contact
	campaign *models.Campaign
}

func newFixture(t *testing.T, contacts int) *fixture {
	t.Helper()
	d, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("db.New() error = %v", err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Migrate(); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	dedup, err := queue.NewBoltStorage(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { dedup.Close() })

	ctx := context.Background()
	f := &fixture{
		store:  repository.NewStore(d.DB),
		dedup:  dedup,
		events: &recorder{},
		clk:    clock.NewAutoFake(now),
		tenant: "t1",
	}
	f.avail = health.NewAvailabilityCache(3*time.Minute, 30*time.Second, 180*time.Second, f.clk)

	if err := f.store.Tenants.Create(ctx, &models.Tenant{ID: f.tenant, Name: "Loja", Timezone: "America/Sao_Paulo", Active: true}); err != nil {
		t.Fatal(err)
	}
	f.instance = &models.SenderInstance{
		TenantID:        f.tenant,
		DisplayName:     "A",
		ExternalHandle:  "inst-a",
		APIKey:          "key",
		ConnectionState: models.StateOpen,
		HealthScore:     90,
		DayEpoch:        "2026-03-02",
	}
	if err := f.store.Instances.Create(ctx, f.instance); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i := 0; i < contacts; i++ {
		c := &models.Contact{TenantID: f.tenant, Name: fmt.Sprintf("Cliente %d", i+1), Phone: fmt.Sprintf("+5511999990%03d", i+1)}
		if err := f.store.Contacts.Create(ctx, c); err != nil {
			t.Fatal(err)
		}
		f.contacts = append(f.contacts, c)
		ids = append(ids, c.ID)
	}

	f.campaign = &models.Campaign{
		TenantID:              f.tenant,
		Name:                  "Promo",
		Status:                models.CampaignDraft,
		RotationMode:          models.RotationRoundRobin,
		IntervalMinSeconds:    20,
		IntervalMaxSeconds:    20,
		DailyLimitPerInstance: 100,
		Variants:              []models.Variant{{Body: "Oi {nome}"}},
		InstanceIDs:           []string{f.instance.ID},
	}
	if err := f.store.Campaigns.Create(ctx, f.campaign, ids); err != nil {
		t.Fatal(err)
	}
	if err := f.store.Campaigns.Transition(ctx, f.tenant, f.campaign.ID, models.CampaignDraft, models.CampaignRunning, now); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Campaigns.MaterializeContacts(ctx, f.tenant, f.campaign.ID, now); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) reconciler(clk clock.Clock) *Reconciler {
	if clk == nil {
		clk = f.clk
	}
	tracker := health.NewTracker(f.store, nil, f.events, 5, testLogger())
	return NewReconciler(f.store, tracker, f.avail, f.dedup, f.events, clk, Config{}, testLogger())
}

func (f *fixture) queue(t *testing.T, i int) {
	t.Helper()
	ok, err := f.store.Recipients.MarkQueued(context.Background(), f.tenant, f.campaign.ID, f.contacts[i].ID, f.instance.ID, "", "Oi")
	if err != nil || !ok {
		t.Fatalf("MarkQueued() = %v, %v", ok, err)
	}
}

func (f *fixture) send(t *testing.T, i int, messageID string) {
	t.Helper()
	f.queue(t, i)
	ctx := context.Background()
	ok, err := f.store.Recipients.MarkSent(ctx, f.tenant, f.campaign.ID, f.contacts[i].ID, messageID, now)
	if err != nil || !ok {
		t.Fatalf("MarkSent() = %v, %v", ok, err)
	}
	if err := f.store.Campaigns.RecordSent(ctx, f.tenant, f.campaign.ID, f.contacts[i].Name, f.contacts[i].Phone, "A", now); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) recipient(t *testing.T, i int) *models.CampaignContact {
	t.Helper()
	rc, err := f.store.Recipients.Get(context.Background(), f.tenant, f.campaign.ID, f.contacts[i].ID)
	if err != nil {
		t.Fatal(err)
	}
	return rc
}

func (f *fixture) reload(t *testing.T) *models.Campaign {
	t.Helper()
	c, err := f.store.Campaigns.GetByID(context.Background(), f.tenant, f.campaign.ID)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *fixture) inst(t *testing.T) *models.SenderInstance {
	t.Helper()
	inst, err := f.store.Instances.GetByID(context.Background(), f.tenant, f.instance.ID)
	if err != nil {
		t.Fatal(err)
	}
	return inst
}

func statusEvent(id, messageID, status string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"event":"messages.update","instance":"inst-a","data":{"keyId":%q,"remoteJid":"5511999990001@s.whatsapp.net","fromMe":true,"status":%q}}`,
		id, messageID, status))
}

func mustParse(t *testing.T, body []byte) *Event {
	t.Helper()
	ev, err := Parse(body)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return ev
}

func TestReadWebhookAfterRestartIsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	f.send(t, 0, "M1")
	ctx := context.Background()

	// a fresh reconciler stands in for the restarted process
	rec := f.reconciler(nil)
	result, err := rec.Process(ctx, mustParse(t, statusEvent("E1", "M1", "READ")))
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if result != ResultApplied {
		t.Errorf("result = %s, want applied", result)
	}

	rc := f.recipient(t, 0)
	if rc.Status != models.ContactRead || rc.ReadAt == nil {
		t.Fatalf("recipient = %s read_at %v, want read with timestamp", rc.Status, rc.ReadAt)
	}
	c := f.reload(t)
	if c.MessagesRead != 1 || c.MessagesDelivered != 1 {
		t.Errorf("read %d delivered %d, want 1/1", c.MessagesRead, c.MessagesDelivered)
	}
	inst := f.inst(t)
	if inst.MsgsReadToday != 1 || inst.MsgsDeliveredToday != 1 {
		t.Errorf("instance read %d delivered %d, want 1/1", inst.MsgsReadToday, inst.MsgsDeliveredToday)
	}
	if inst.HealthScore != 92 {
		t.Errorf("health = %d, want 92", inst.HealthScore)
	}
	if got := f.events.count(events.MessageRead); got != 1 {
		t.Errorf("message_read events = %d, want 1", got)
	}

	result, err = rec.Process(ctx, mustParse(t, statusEvent("E1", "M1", "READ")))
	if !errors.Is(err, models.ErrDuplicateEvent) || result != ResultDuplicate {
		t.Fatalf("replay = %s, %v; want duplicate", result, err)
	}
	if err := rec.Handle(ctx, statusEvent("E1", "M1", "READ"), 2); err != nil {
		t.Errorf("Handle() on replay error = %v, want ack", err)
	}
	if c := f.reload(t); c.MessagesRead != 1 {
		t.Errorf("messages_read after replay = %d, want 1", c.MessagesRead)
	}
	if got := f.inst(t).HealthScore; got != 92 {
		t.Errorf("health after replay = %d, want 92", got)
	}
}

func TestStatusUpdatesAreMonotonic(t *testing.T) {
	f := newFixture(t, 1)
	f.send(t, 0, "M1")
	rec := f.reconciler(nil)
	ctx := context.Background()

	steps := []struct {
		id     string
		status string
		want   models.ContactStatus
		result string
	}{
		{"E1", "DELIVERY_ACK", models.ContactDelivered, ResultApplied},
		{"E2", "READ", models.ContactRead, ResultApplied},
		{"E3", "DELIVERY_ACK", models.ContactRead, ResultUnchanged},
		{"E4", "SERVER_ACK", models.ContactRead, ResultIgnored},
		{"E5", "PLAYED", models.ContactRead, ResultUnchanged},
	}
	for _, s := range steps {
		result, err := rec.Process(ctx, mustParse(t, statusEvent(s.id, "M1", s.status)))
		if err != nil {
			t.Fatalf("%s: Process() error = %v", s.id, err)
		}
		if result != s.result {
			t.Errorf("%s: result = %s, want %s", s.id, result, s.result)
		}
		if got := f.recipient(t, 0).Status; got != s.want {
			t.Errorf("%s: status = %s, want %s", s.id, got, s.want)
		}
	}

	c := f.reload(t)
	if c.MessagesDelivered != 1 || c.MessagesRead != 1 {
		t.Errorf("delivered %d read %d, want 1/1", c.MessagesDelivered, c.MessagesRead)
	}
}

func TestOrphanEventRetriesOnce(t *testing.T) {
	f := newFixture(t, 1)
	rec := f.reconciler(nil)
	ctx := context.Background()

	_, err := rec.Process(ctx, mustParse(t, statusEvent("E9", "UNKNOWN", "DELIVERY_ACK")))
	if !errors.Is(err, models.ErrOrphanEvent) {
		t.Fatalf("Process() error = %v, want ErrOrphanEvent", err)
	}
	slept := f.clk.Slept()
	if len(slept) != 1 || slept[0] != 500*time.Millisecond {
		t.Errorf("slept = %v, want one 500ms retry", slept)
	}
	// orphans are acked and remembered
	if err := rec.Handle(ctx, statusEvent("E9", "UNKNOWN", "DELIVERY_ACK"), 1); err != nil {
		t.Errorf("Handle() error = %v", err)
	}
	if len(f.clk.Slept()) != 1 {
		t.Error("a remembered orphan must not be looked up again")
	}
}

func TestOrphanFoundOnRetry(t *testing.T) {
	f := newFixture(t, 1)
	f.queue(t, 0)
	ctx := context.Background()

	// the sender's write lands while the reconciler waits
	clk := &hookClock{Fake: f.clk, onSleep: func() {
		if _, err := f.store.Recipients.MarkSent(ctx, f.tenant, f.campaign.ID, f.contacts[0].ID, "M2", now); err != nil {
			t.Error(err)
		}
	}}
	rec := f.reconciler(clk)

	result, err := rec.Process(ctx, mustParse(t, statusEvent("E1", "M2", "DELIVERY_ACK")))
	if err != nil || result != ResultApplied {
		t.Fatalf("Process() = %s, %v; want applied", result, err)
	}
	if got := f.recipient(t, 0).Status; got != models.ContactDelivered {
		t.Errorf("status = %s, want delivered", got)
	}
}

func TestFailedWebhook(t *testing.T) {
	f := newFixture(t, 2)
	rec := f.reconciler(nil)
	ctx := context.Background()

	// queued with a known id: a send whose answer has not been recorded
	f.queue(t, 0)
	if _, err := f.store.DB.ExecContext(ctx, `UPDATE campaign_contacts SET external_message_id = 'MQ' WHERE contact_id = ?`, f.contacts[0].ID); err != nil {
		t.Fatal(err)
	}
	f.send(t, 1, "MS")

	if _, err := rec.Process(ctx, mustParse(t, statusEvent("E1", "MQ", "ERROR"))); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if _, err := rec.Process(ctx, mustParse(t, statusEvent("E2", "MS", "FAILED"))); err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	queued := f.recipient(t, 0)
	if queued.Status != models.ContactFailed || queued.ErrorClass != "delivery_failed" {
		t.Errorf("queued recipient = %s/%s, want failed/delivery_failed", queued.Status, queued.ErrorClass)
	}
	sent := f.recipient(t, 1)
	if sent.Status != models.ContactSent || sent.ErrorClass != "delivery_failed" {
		t.Errorf("sent recipient = %s/%s, want sent with annotation", sent.Status, sent.ErrorClass)
	}

	c := f.reload(t)
	if c.MessagesFailed != 1 || c.MessagesSent != 1 {
		t.Errorf("failed %d sent %d, want 1/1", c.MessagesFailed, c.MessagesSent)
	}
	logs, err := f.store.Logs.List(ctx, f.tenant, f.campaign.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 || logs[0].LogType != models.LogDeliveryFailed {
		t.Errorf("logs = %+v, want two delivery_failed entries", logs)
	}
	if got := f.events.count(events.MessageFailed); got != 1 {
		t.Errorf("message_failed events = %d, want 1", got)
	}
	// 15 points per failure
	if got := f.inst(t).HealthScore; got != 60 {
		t.Errorf("health = %d, want 60", got)
	}
}

func TestConnectionUpdate(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.reconciler(nil)
	ctx := context.Background()

	body := []byte(`{"event":"CONNECTION_UPDATE","instance":"inst-a","date_time":"2026-03-02T12:00:00.000Z","data":{"instance":"inst-a","state":"close","statusReason":401}}`)
	if err := rec.Handle(ctx, body, 1); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	inst := f.inst(t)
	if inst.ConnectionState != models.StateClosed || inst.LastStateSeenAt == nil {
		t.Errorf("state = %s seen %v, want closed with timestamp", inst.ConnectionState, inst.LastStateSeenAt)
	}
	if !f.avail.Blocked("inst-a") {
		t.Error("closed instance should be blocked in the cache")
	}

	body = []byte(`{"event":"connection.update","instance":"inst-a","date_time":"2026-03-02T12:01:00.000Z","data":{"state":"open"}}`)
	if err := rec.Handle(ctx, body, 1); err != nil {
		t.Fatal(err)
	}
	if got := f.inst(t).ConnectionState; got != models.StateOpen {
		t.Errorf("state = %s, want open", got)
	}
	if f.avail.Blocked("inst-a") {
		t.Error("open instance should not be blocked")
	}
}

func TestInboundReply(t *testing.T) {
	f := newFixture(t, 2)
	f.send(t, 0, "M1")
	rec := f.reconciler(nil)
	ctx := context.Background()

	upsert := func(id, jid string, fromMe bool, text string) []byte {
		return []byte(fmt.Sprintf(`{"event":"messages.upsert","instance":"inst-a","data":{"key":{"id":%q,"remoteJid":%q,"fromMe":%t},"pushName":"Cliente","message":{"conversation":%q},"messageTimestamp":%d}}`,
			id, jid, fromMe, text, now.Unix()))
	}

	tests := []struct {
		name   string
		body   []byte
		result string
	}{
		{"reply from recipient", upsert("IN1", "5511999990001@s.whatsapp.net", false, "Quero saber mais"), ResultApplied},
		{"own message", upsert("IN2", "5511999990001@s.whatsapp.net", true, "Oi"), ResultIgnored},
		{"recipient never sent to", upsert("IN3", "5511999990002@s.whatsapp.net", false, "Oi"), ResultIgnored},
		{"group message", upsert("IN4", "120363000000000000@g.us", false, "Oi"), ResultIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := rec.Process(ctx, mustParse(t, tt.body))
			if err != nil {
				t.Fatalf("Process() error = %v", err)
			}
			if result != tt.result {
				t.Errorf("result = %s, want %s", result, tt.result)
			}
		})
	}

	notes, err := f.store.Notifications.List(ctx, f.tenant, f.campaign.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notes))
	}
	if notes[0].ContactID != f.contacts[0].ID || notes[0].ReceivedMessage != "Quero saber mais" {
		t.Errorf("notification = %+v", notes[0])
	}
	if got := f.inst(t).HealthScore; got != 91 {
		t.Errorf("health = %d, want 91 after a reply", got)
	}
	if got := f.events.count(events.ReplyReceived); got != 1 {
		t.Errorf("reply_received events = %d, want 1", got)
	}
}

// forgetfulDedup never remembers a mark, as when the mark write fails
// after the effects were committed.
type forgetfulDedup struct{}

func (forgetfulDedup) Seen(ctx context.Context, key string) (bool, error) { return false, nil }

func (forgetfulDedup) Mark(ctx context.Context, key string, ttl time.Duration) error { return nil }

func TestReplyRedeliveryWithoutDedupMark(t *testing.T) {
	f := newFixture(t, 1)
	f.send(t, 0, "M1")
	tracker := health.NewTracker(f.store, nil, f.events, 5, testLogger())
	rec := NewReconciler(f.store, tracker, f.avail, forgetfulDedup{}, f.events, f.clk, Config{}, testLogger())
	ctx := context.Background()

	body := []byte(fmt.Sprintf(`{"event":"messages.upsert","instance":"inst-a","data":{"key":{"id":"IN1","remoteJid":"5511999990001@s.whatsapp.net","fromMe":false},"message":{"conversation":"Oi"},"messageTimestamp":%d}}`, now.Unix()))

	result, err := rec.Process(ctx, mustParse(t, body))
	if err != nil || result != ResultApplied {
		t.Fatalf("Process() = %s, %v; want applied", result, err)
	}
	result, err = rec.Process(ctx, mustParse(t, body))
	if err != nil || result != ResultUnchanged {
		t.Fatalf("redelivery = %s, %v; want unchanged", result, err)
	}

	notes, err := f.store.Notifications.List(ctx, f.tenant, f.campaign.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].EventID != mustParse(t, body).ID {
		t.Errorf("notifications = %+v, want one for the event", notes)
	}
	if got := f.inst(t).HealthScore; got != 91 {
		t.Errorf("health = %d, want 91", got)
	}
	if got := f.events.count(events.ReplyReceived); got != 1 {
		t.Errorf("reply_received events = %d, want 1", got)
	}
	if got := f.events.count(events.HealthChanged); got != 1 {
		t.Errorf("health_changed events = %d, want 1", got)
	}
}

// committedHealth records the health score a separate reader sees when
// each health_changed event arrives.
type committedHealth struct {
	recorder
	f      *fixture
	t      *testing.T
	scores []int
	wanted []int
}

func (c *committedHealth) Publish(ctx context.Context, ev events.Event) {
	c.recorder.Publish(ctx, ev)
	if ev.Type != events.HealthChanged {
		return
	}
	c.scores = append(c.scores, c.f.inst(c.t).HealthScore)
	c.wanted = append(c.wanted, ev.Data["health_score"].(int))
}

func TestHealthChangedPublishedAfterCommit(t *testing.T) {
	f := newFixture(t, 1)
	f.send(t, 0, "M1")
	pub := &committedHealth{f: f, t: t}
	tracker := health.NewTracker(f.store, nil, pub, 5, testLogger())
	rec := NewReconciler(f.store, tracker, f.avail, f.dedup, pub, f.clk, Config{}, testLogger())

	if _, err := rec.Process(context.Background(), mustParse(t, statusEvent("E1", "M1", "READ"))); err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if len(pub.scores) != 2 {
		t.Fatalf("health_changed events = %d, want 2", len(pub.scores))
	}
	if pub.wanted[0] != 91 || pub.wanted[1] != 92 {
		t.Errorf("health_changed scores = %v, want [91 92]", pub.wanted)
	}
	// a reader outside the transaction sees the committed score
	for i, got := range pub.scores {
		if got != 92 {
			t.Errorf("event %d published while the store held %d, want 92", i, got)
		}
	}
}

func TestNoHealthChangedOnRollback(t *testing.T) {
	f := newFixture(t, 1)
	f.queue(t, 0)
	ctx := context.Background()
	if _, err := f.store.DB.ExecContext(ctx, `UPDATE campaign_contacts SET external_message_id = 'MQ' WHERE contact_id = ?`, f.contacts[0].ID); err != nil {
		t.Fatal(err)
	}
	// the log append after the health penalty fails, rolling everything back
	if _, err := f.store.DB.ExecContext(ctx, `DROP TABLE campaign_logs`); err != nil {
		t.Fatal(err)
	}
	rec := f.reconciler(nil)

	if _, err := rec.Process(ctx, mustParse(t, statusEvent("E1", "MQ", "ERROR"))); err == nil {
		t.Fatal("Process() error = nil, want failure")
	}
	if got := f.inst(t).HealthScore; got != 90 {
		t.Errorf("health = %d, want 90 after rollback", got)
	}
	if got := f.recipient(t, 0).Status; got != models.ContactQueued {
		t.Errorf("recipient = %s, want queued after rollback", got)
	}
	if got := f.events.count(events.HealthChanged); got != 0 {
		t.Errorf("health_changed events = %d, want 0", got)
	}
	if got := f.events.count(events.MessageFailed); got != 0 {
		t.Errorf("message_failed events = %d, want 0", got)
	}
}

func TestReplyOutsideWindowIgnored(t *testing.T) {
	f := newFixture(t, 1)
	f.send(t, 0, "M1")
	f.clk.Advance(73 * time.Hour)
	rec := f.reconciler(nil)

	body := []byte(`{"event":"messages.upsert","instance":"inst-a","data":{"key":{"id":"IN1","remoteJid":"5511999990001@s.whatsapp.net","fromMe":false},"message":{"conversation":"Oi"}}}`)
	result, err := rec.Process(context.Background(), mustParse(t, body))
	if err != nil || result != ResultIgnored {
		t.Errorf("Process() = %s, %v; want ignored", result, err)
	}
}

func TestUnknownInstanceIsAcked(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.reconciler(nil)

	body := []byte(`{"event":"connection.update","instance":"ghost","data":{"state":"open"}}`)
	result, err := rec.Process(context.Background(), mustParse(t, body))
	if err != nil || result != ResultIgnored {
		t.Errorf("Process() = %s, %v; want ignored", result, err)
	}
}

func TestInvalidPayloadIsAcked(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.reconciler(nil)
	if err := rec.Handle(context.Background(), []byte("{not json"), 1); err != nil {
		t.Errorf("Handle() error = %v, want ack", err)
	}
}

func TestRunConsumesTransport(t *testing.T) {
	f := newFixture(t, 1)
	f.send(t, 0, "M1")
	rec := f.reconciler(nil)
	transport := queue.NewBoltTransport(f.dedup, queue.TopicWebhooks, queue.TransportConfig{PollInterval: 10 * time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, transport) }()

	if err := transport.Publish(ctx, statusEvent("E1", "M1", "DELIVERY_ACK")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.recipient(t, 0).Status != models.ContactDelivered {
		if time.Now().After(deadline) {
			t.Fatal("event was not consumed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
