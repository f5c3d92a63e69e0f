package metrics

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/mailwarm/internal/store"
)

// AccountStatsProvider reports account counts by status
type AccountStatsProvider interface {
	Stats(ctx context.Context) (map[store.AccountStatus]int, error)
}

var (
	bucketCounters = []byte("metrics_counters")
	keyCounters    = []byte("counters")
)

// CounterSnapshot maps a counter family name to label-key -> value
type CounterSnapshot map[string]map[string]float64

// Collector keeps counters across restarts by snapshotting them into bbolt,
// and refreshes the gauges derived from process and store state.
type Collector struct {
	db            *bolt.DB
	metrics       *Metrics
	accounts      AccountStatsProvider
	storagePath   string
	flushInterval time.Duration
	startTime     time.Time

	// counter families that survive restarts
	persisted map[string]*prometheus.CounterVec
	plain     map[string]prometheus.Counter

	mu     sync.Mutex
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// NewCollector creates a collector and restores persisted counters into m
func NewCollector(db *bolt.DB, m *Metrics, accounts AccountStatsProvider, storagePath string, flushInterval time.Duration) (*Collector, error) {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCounters)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := &Collector{
		db:            db,
		metrics:       m,
		accounts:      accounts,
		storagePath:   storagePath,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		persisted: map[string]*prometheus.CounterVec{
			"mailwarm_messages_total":           m.MessagesTotal,
			"mailwarm_engagements_total":        m.EngagementsTotal,
			"mailwarm_cycles_total":             m.CyclesTotal,
			"mailwarm_stage_transitions_total":  m.StageTransitionsTotal,
			"mailwarm_ratelimit_exceeded_total": m.RateLimitExceededTotal,
			"mailwarm_sink_messages_total":      m.SinkMessagesTotal,
		},
		plain: map[string]prometheus.Counter{
			"mailwarm_lease_conflicts_total": m.LeaseConflictsTotal,
			"mailwarm_logs_purged_total":     m.LogsPurgedTotal,
		},
		stopCh: make(chan struct{}),
	}

	if err := c.loadCounters(); err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins the collector background tasks
func (c *Collector) Start(ctx context.Context) {
	c.collectSystemMetrics(ctx)

	c.wg.Add(2)
	go c.persistLoop(ctx)
	go c.updateSystemMetrics(ctx)
}

// Stop stops the collector and persists final values
func (c *Collector) Stop() error {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	return c.persistCounters()
}

func (c *Collector) loadCounters() error {
	return c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCounters)
		if bucket == nil {
			return nil
		}

		data := bucket.Get(keyCounters)
		if data == nil {
			return nil
		}

		var snap CounterSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil // Skip invalid data
		}

		for name, values := range snap {
			if counter, ok := c.plain[name]; ok {
				counter.Add(values[""])
				continue
			}
			vec, ok := c.persisted[name]
			if !ok {
				continue
			}
			for key, v := range values {
				labels := parseLabelKey(key)
				counter, err := vec.GetMetricWith(labels)
				if err != nil {
					continue // label set changed between versions
				}
				counter.Add(v)
			}
		}
		return nil
	})
}

// Snapshot returns the current values of the persisted counters
func (c *Collector) Snapshot() (CounterSnapshot, error) {
	families, err := c.metrics.Registry().Gather()
	if err != nil {
		return nil, err
	}

	snap := make(CounterSnapshot)
	for _, mf := range families {
		name := mf.GetName()
		_, isVec := c.persisted[name]
		_, isPlain := c.plain[name]
		if !isVec && !isPlain {
			continue
		}

		values := make(map[string]float64)
		for _, metric := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			values[makeLabelKey(labels)] = metric.GetCounter().GetValue()
		}
		snap[name] = values
	}
	return snap, nil
}

func (c *Collector) persistCounters() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, err := c.Snapshot()
	if err != nil {
		return err
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketCounters)
		if bucket == nil {
			return nil
		}
		return bucket.Put(keyCounters, data)
	})
}

func (c *Collector) persistLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.persistCounters()
		}
	}
}

func (c *Collector) updateSystemMetrics(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collectSystemMetrics(ctx)
		}
	}
}

func (c *Collector) collectSystemMetrics(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.accounts != nil {
		stats, err := c.accounts.Stats(ctx)
		if err == nil {
			c.metrics.Accounts.Reset()
			for status, n := range stats {
				c.metrics.Accounts.WithLabelValues(string(status)).Set(float64(n))
			}
		}
	}
}

// makeLabelKey serializes labels as name=value pairs joined by "|", sorted by name
func makeLabelKey(labels map[string]string) string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+"="+labels[name])
	}
	return strings.Join(parts, "|")
}

func parseLabelKey(key string) prometheus.Labels {
	labels := prometheus.Labels{}
	if key == "" {
		return labels
	}
	for _, part := range strings.Split(key, "|") {
		name, value, _ := strings.Cut(part, "=")
		labels[name] = value
	}
	return labels
}
