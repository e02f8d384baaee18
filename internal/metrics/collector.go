package metrics

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

// DepthFunc reports waiting jobs per queue topic
type DepthFunc func(ctx context.Context) (map[string]int, error)

var (
	bucketMetrics = []byte("metrics")
	countersKey   = []byte("counters")
)

type persistedSample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// Collector keeps business counters across restarts and refreshes system gauges
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	depth         DepthFunc
	flushInterval time.Duration
	startTime     time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a collector persisting into db and restores the
// counters saved by a previous run
func NewCollector(db *bolt.DB, m *Metrics, depth DepthFunc, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMetrics)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		depth:         depth,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}
	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

// persisted lists the counters that survive restarts
func (c *Collector) persisted() map[string]*prometheus.CounterVec {
	return map[string]*prometheus.CounterVec{
		"zapflow_messages_sent_total":      c.metrics.MessagesSentTotal,
		"zapflow_messages_failed_total":    c.metrics.MessagesFailedTotal,
		"zapflow_messages_opted_out_total": c.metrics.MessagesOptedOutTotal,
		"zapflow_webhook_events_total":     c.metrics.WebhookEventsTotal,
	}
}

func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		data := bucket.Get(countersKey)
		if data == nil {
			return nil
		}

		var saved map[string][]persistedSample
		if err := json.Unmarshal(data, &saved); err != nil {
			return nil // Skip invalid data
		}

		vecs := c.persisted()
		for name, samples := range saved {
			vec, ok := vecs[name]
			if !ok {
				continue
			}
			for _, s := range samples {
				counter, err := vec.GetMetricWith(s.Labels)
				if err != nil {
					continue
				}
				counter.Add(s.Value)
			}
		}
		return nil
	})
}

func (c *Collector) snapshot() (map[string][]persistedSample, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}
	vecs := c.persisted()
	out := make(map[string][]persistedSample)
	for _, fam := range families {
		if _, ok := vecs[fam.GetName()]; !ok {
			continue
		}
		for _, m := range fam.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			out[fam.GetName()] = append(out[fam.GetName()], persistedSample{
				Labels: labels,
				Value:  m.GetCounter().GetValue(),
			})
		}
	}
	return out, nil
}

func (c *Collector) persistCounters() error {
	snap, err := c.snapshot()
	if err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketMetrics)
		if bucket == nil {
			return nil
		}
		return bucket.Put(countersKey, data)
	})
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	flush := time.NewTicker(c.flushInterval)
	defer flush.Stop()
	gauges := time.NewTicker(5 * time.Second)
	defer gauges.Stop()

	c.collectSystemMetrics(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-flush.C:
			c.persistCounters()
		case <-gauges.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.depth != nil {
		depths, err := c.depth(ctx)
		if err == nil {
			for topic, n := range depths {
				c.metrics.QueueDepth.WithLabelValues(topic).Set(float64(n))
			}
		}
	}
}
