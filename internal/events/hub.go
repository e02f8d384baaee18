package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/zapflow/internal/metrics"
)

const defaultBufferSize = 64

// Hub fans events out to subscriptions keyed by tenant and campaign
type Hub struct {
	mu         sync.RWMutex
	subs       map[*Subscription]struct{}
	relay      Relay
	bufferSize int
	logger     *slog.Logger
}

// NewHub creates a hub. With a relay, published events travel through it
// and are delivered locally when they come back.
func NewHub(relay Relay, logger *slog.Logger) *Hub {
	return &Hub{
		subs:       make(map[*Subscription]struct{}),
		relay:      relay,
		bufferSize: defaultBufferSize,
		logger:     logger,
	}
}

// Subscription receives events for one tenant, optionally narrowed to a campaign
type Subscription struct {
	TenantID   string
	CampaignID string

	ch   chan Event
	hub  *Hub
	once sync.Once
}

// Events returns the delivery channel, closed by Close
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close detaches the subscription
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		close(s.ch)
		s.hub.mu.Unlock()
	})
}

func (s *Subscription) matches(ev Event) bool {
	if s.TenantID != ev.TenantID {
		return false
	}
	return s.CampaignID == "" || ev.CampaignID == "" || s.CampaignID == ev.CampaignID
}

// Subscribe registers a subscriber. An empty campaignID receives all
// events of the tenant.
func (h *Hub) Subscribe(tenantID, campaignID string) *Subscription {
	sub := &Subscription{
		TenantID:   tenantID,
		CampaignID: campaignID,
		ch:         make(chan Event, h.bufferSize),
		hub:        h,
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Subscribers returns the number of attached subscriptions
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish broadcasts ev. It never blocks on slow subscribers.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	if h.relay != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			if err = h.relay.Publish(ctx, payload); err == nil {
				return
			}
		}
		h.logger.Warn("event relay failed, delivering locally", "type", ev.Type, "error", err)
	}

	h.deliver(ev)
}

func (h *Hub) deliver(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if !sub.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			metrics.IncEventsDropped()
			h.logger.Debug("subscriber buffer full, event dropped",
				"type", ev.Type, "tenant_id", ev.TenantID, "campaign_id", ev.CampaignID)
		}
	}
}

// RunRelay delivers relayed events to local subscribers until ctx is done
func (h *Hub) RunRelay(ctx context.Context) error {
	if h.relay == nil {
		<-ctx.Done()
		return nil
	}
	return h.relay.Run(ctx, func(payload []byte) {
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			h.logger.Warn("invalid relayed event", "error", err)
			return
		}
		h.deliver(ev)
	})
}
