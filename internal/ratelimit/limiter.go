package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketRateLimits = []byte("rate_limits")

// Level represents the level of rate limiting
type Level string

const (
	LevelGlobal          Level = "global"
	LevelDomain          Level = "domain"
	LevelSender          Level = "sender"
	LevelRecipientDomain Level = "recipient_domain"
)

// Config contains send throttle configuration. A nil limit disables that level.
type Config struct {
	Global *LimitConfig `yaml:"global,omitempty"`

	// Sender domain limits
	DefaultDomain *LimitConfig `yaml:"default_domain,omitempty"`

	// Per sending account limits
	DefaultSender *LimitConfig `yaml:"default_sender,omitempty"`

	// Limits on how much the whole network sends into one receiving provider
	DefaultRecipientDomain *LimitConfig            `yaml:"default_recipient_domain,omitempty"`
	RecipientDomains       map[string]*LimitConfig `yaml:"recipient_domains,omitempty"`

	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// LimitConfig contains rate limit values
type LimitConfig struct {
	MessagesPerHour int `yaml:"messages_per_hour" json:"messages_per_hour"`
	MessagesPerDay  int `yaml:"messages_per_day" json:"messages_per_day"`
}

// Counter tracks one key's usage in the current UTC hour and day
type Counter struct {
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start"`
	DayStart    time.Time `json:"day_start"`
}

// Limiter implements hourly and daily send ceilings on several levels.
// Counters live in memory and are flushed to bbolt periodically.
type Limiter struct {
	db       *bolt.DB
	config   *Config
	counters map[string]*Counter
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
	nowFn    func() time.Time
}

// NewLimiter creates a new rate limiter
func NewLimiter(db *bolt.DB, cfg *Config) (*Limiter, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRateLimits)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limits bucket: %w", err)
	}

	l := &Limiter{
		db:       db,
		config:   cfg,
		counters: make(map[string]*Counter),
		stopCh:   make(chan struct{}),
		nowFn:    time.Now,
	}

	if err := l.loadCounters(); err != nil {
		return nil, fmt.Errorf("failed to load counters: %w", err)
	}

	go l.persistLoop()

	return l, nil
}

// Allow checks every applicable limit and, when all pass, counts the send
// against each of them.
func (l *Limiter) Allow(ctx context.Context, req *Request) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn().UTC()
	checks := l.getChecks(req)

	for _, check := range checks {
		counter := l.getOrCreateCounter(check.key, now)
		resetExpired(counter, now)

		if res := deny(check, counter, counter.HourlyCount, counter.DailyCount, now); res != nil {
			return res, nil
		}
	}

	for _, check := range checks {
		counter := l.counters[check.key]
		counter.HourlyCount++
		counter.DailyCount++
	}

	return &Result{Allowed: true}, nil
}

// GetStats returns the current window counts for a key
func (l *Limiter) GetStats(ctx context.Context, level Level, key string) (*Stats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	key = strings.ToLower(key)
	stats := &Stats{Level: level, Key: key}

	counter, exists := l.counters[makeKey(level, key)]
	if !exists {
		return stats, nil
	}

	now := l.nowFn().UTC()
	stats.HourStart = counter.HourStart
	stats.DayStart = counter.DayStart
	if hourStart(now).Equal(counter.HourStart) {
		stats.HourlyCount = counter.HourlyCount
	}
	if dayStart(now).Equal(counter.DayStart) {
		stats.DailyCount = counter.DailyCount
	}

	return stats, nil
}

// Stop stops the persistence loop and flushes counters
func (l *Limiter) Stop() error {
	l.stopOnce.Do(func() { close(l.stopCh) })
	return l.persistCounters()
}

// Request describes one warmup send
type Request struct {
	Domain    string // Sender domain
	Sender    string // Sender email
	Recipient string // Recipient domain
}

// Result contains the rate limit check result
type Result struct {
	Allowed    bool
	DeniedBy   Level
	DeniedKey  string
	RetryAfter time.Duration
}

// Stats contains rate limit statistics
type Stats struct {
	Level       Level     `json:"level"`
	Key         string    `json:"key"`
	HourlyCount int       `json:"hourly_count"`
	DailyCount  int       `json:"daily_count"`
	HourStart   time.Time `json:"hour_start,omitempty"`
	DayStart    time.Time `json:"day_start,omitempty"`
}

type limitCheck struct {
	level Level
	key   string
	name  string
	limit *LimitConfig
}

func (l *Limiter) getChecks(req *Request) []limitCheck {
	var checks []limitCheck

	add := func(level Level, name string, limit *LimitConfig) {
		if name == "" || limit == nil {
			return
		}
		name = strings.ToLower(name)
		checks = append(checks, limitCheck{
			level: level,
			key:   makeKey(level, name),
			name:  name,
			limit: limit,
		})
	}

	add(LevelGlobal, "global", l.config.Global)
	add(LevelDomain, req.Domain, l.config.DefaultDomain)
	add(LevelSender, req.Sender, l.config.DefaultSender)

	if req.Recipient != "" {
		limit := l.config.DefaultRecipientDomain
		if specific, ok := l.config.RecipientDomains[strings.ToLower(req.Recipient)]; ok {
			limit = specific
		}
		add(LevelRecipientDomain, req.Recipient, limit)
	}

	return checks
}

func deny(check limitCheck, counter *Counter, hourly, daily int, now time.Time) *Result {
	if check.limit.MessagesPerHour > 0 && hourly >= check.limit.MessagesPerHour {
		return &Result{
			DeniedBy:   check.level,
			DeniedKey:  check.name,
			RetryAfter: counter.HourStart.Add(time.Hour).Sub(now),
		}
	}
	if check.limit.MessagesPerDay > 0 && daily >= check.limit.MessagesPerDay {
		return &Result{
			DeniedBy:   check.level,
			DeniedKey:  check.name,
			RetryAfter: counter.DayStart.Add(24 * time.Hour).Sub(now),
		}
	}
	return nil
}

func (l *Limiter) getOrCreateCounter(key string, now time.Time) *Counter {
	counter, exists := l.counters[key]
	if !exists {
		counter = &Counter{
			HourStart: hourStart(now),
			DayStart:  dayStart(now),
		}
		l.counters[key] = counter
	}
	return counter
}

// resetExpired starts new windows on UTC hour and day boundaries, matching
// the daily rollover of the warmup engine.
func resetExpired(counter *Counter, now time.Time) {
	if h := hourStart(now); !h.Equal(counter.HourStart) {
		counter.HourlyCount = 0
		counter.HourStart = h
	}
	if d := dayStart(now); !d.Equal(counter.DayStart) {
		counter.DailyCount = 0
		counter.DayStart = d
	}
}

func hourStart(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour)
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (l *Limiter) loadCounters() error {
	return l.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var counter Counter
			if err := json.Unmarshal(v, &counter); err != nil {
				return nil // Skip invalid entries
			}
			l.counters[string(k)] = &counter
			return nil
		})
	})
}

func (l *Limiter) persistCounters() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRateLimits)
		if bucket == nil {
			return nil
		}

		for key, counter := range l.counters {
			data, err := json.Marshal(counter)
			if err != nil {
				continue
			}
			if err := bucket.Put([]byte(key), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *Limiter) persistLoop() {
	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.persistCounters()
		}
	}
}

func makeKey(level Level, key string) string {
	return string(level) + ":" + key
}
