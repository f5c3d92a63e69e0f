package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

func setupTestDB(t *testing.T) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(filepath.Join(t.TempDir(), "test.db"), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestLimiter(t *testing.T, cfg *Config, now *time.Time) *Limiter {
	t.Helper()

	limiter, err := NewLimiter(setupTestDB(t), cfg)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	t.Cleanup(func() { limiter.Stop() })
	if now != nil {
		limiter.nowFn = func() time.Time { return *now }
	}
	return limiter
}

func TestNewLimiterDefaultConfig(t *testing.T) {
	limiter := newTestLimiter(t, nil, nil)

	if limiter.config.FlushInterval != 10*time.Second {
		t.Errorf("expected default FlushInterval=10s, got %v", limiter.config.FlushInterval)
	}

	res, err := limiter.Allow(context.Background(), &Request{Sender: "a@example.com"})
	if err != nil || !res.Allowed {
		t.Errorf("Allow() with no limits = %+v, %v; want allowed", res, err)
	}
}

func TestAllowLevels(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *Config
		first     *Request
		blocked   *Request
		other     *Request
		wantLevel Level
		wantKey   string
	}{
		{
			name:      "global",
			cfg:       &Config{Global: &LimitConfig{MessagesPerHour: 2}},
			first:     &Request{Sender: "a@example.com"},
			blocked:   &Request{Sender: "b@example.org"},
			wantLevel: LevelGlobal,
			wantKey:   "global",
		},
		{
			name:      "sender domain",
			cfg:       &Config{DefaultDomain: &LimitConfig{MessagesPerHour: 2}},
			first:     &Request{Domain: "example.com", Sender: "a@example.com"},
			blocked:   &Request{Domain: "Example.com", Sender: "b@example.com"},
			other:     &Request{Domain: "example.org", Sender: "c@example.org"},
			wantLevel: LevelDomain,
			wantKey:   "example.com",
		},
		{
			name:      "sender",
			cfg:       &Config{DefaultSender: &LimitConfig{MessagesPerHour: 2}},
			first:     &Request{Sender: "a@example.com"},
			blocked:   &Request{Sender: "A@example.com"},
			other:     &Request{Sender: "b@example.com"},
			wantLevel: LevelSender,
			wantKey:   "a@example.com",
		},
		{
			name:      "recipient domain",
			cfg:       &Config{DefaultRecipientDomain: &LimitConfig{MessagesPerHour: 2}},
			first:     &Request{Sender: "a@example.com", Recipient: "gmail.com"},
			blocked:   &Request{Sender: "b@example.org", Recipient: "gmail.com"},
			other:     &Request{Sender: "a@example.com", Recipient: "outlook.com"},
			wantLevel: LevelRecipientDomain,
			wantKey:   "gmail.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := newTestLimiter(t, tt.cfg, nil)
			ctx := context.Background()

			for i := 0; i < 2; i++ {
				res, err := limiter.Allow(ctx, tt.first)
				if err != nil {
					t.Fatalf("Allow() error = %v", err)
				}
				if !res.Allowed {
					t.Fatalf("request %d denied by %s", i+1, res.DeniedBy)
				}
			}

			res, err := limiter.Allow(ctx, tt.blocked)
			if err != nil {
				t.Fatalf("Allow() error = %v", err)
			}
			if res.Allowed {
				t.Fatal("third request allowed, want denied")
			}
			if res.DeniedBy != tt.wantLevel || res.DeniedKey != tt.wantKey {
				t.Errorf("denied by %s/%s, want %s/%s", res.DeniedBy, res.DeniedKey, tt.wantLevel, tt.wantKey)
			}
			if res.RetryAfter <= 0 || res.RetryAfter > time.Hour {
				t.Errorf("RetryAfter = %v, want within the hour", res.RetryAfter)
			}

			if tt.other != nil {
				res, err := limiter.Allow(ctx, tt.other)
				if err != nil || !res.Allowed {
					t.Errorf("independent key = %+v, %v; want allowed", res, err)
				}
			}
		})
	}
}

func TestRecipientDomainOverride(t *testing.T) {
	limiter := newTestLimiter(t, &Config{
		DefaultRecipientDomain: &LimitConfig{MessagesPerHour: 10},
		RecipientDomains: map[string]*LimitConfig{
			"gmail.com": {MessagesPerHour: 1},
		},
	}, nil)
	ctx := context.Background()

	if res, _ := limiter.Allow(ctx, &Request{Recipient: "gmail.com"}); !res.Allowed {
		t.Fatal("first gmail send denied")
	}
	if res, _ := limiter.Allow(ctx, &Request{Recipient: "GMAIL.COM"}); res.Allowed {
		t.Error("second gmail send allowed, want override limit of 1")
	}
	for i := 0; i < 5; i++ {
		if res, _ := limiter.Allow(ctx, &Request{Recipient: "outlook.com"}); !res.Allowed {
			t.Fatalf("outlook send %d denied", i+1)
		}
	}
}

func TestDeniedRequestNotCounted(t *testing.T) {
	limiter := newTestLimiter(t, &Config{
		DefaultSender:          &LimitConfig{MessagesPerHour: 5},
		DefaultRecipientDomain: &LimitConfig{MessagesPerHour: 1},
	}, nil)
	ctx := context.Background()

	limiter.Allow(ctx, &Request{Sender: "a@example.com", Recipient: "gmail.com"})
	res, _ := limiter.Allow(ctx, &Request{Sender: "a@example.com", Recipient: "gmail.com"})
	if res.Allowed || res.DeniedBy != LevelRecipientDomain {
		t.Fatalf("result = %+v, want recipient_domain denial", res)
	}

	stats, err := limiter.GetStats(ctx, LevelSender, "a@example.com")
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.HourlyCount != 1 {
		t.Errorf("sender HourlyCount = %d, want 1 (denied send not counted)", stats.HourlyCount)
	}
}

func TestWindowsFollowUTCBoundaries(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 50, 0, 0, time.UTC)
	limiter := newTestLimiter(t, &Config{
		DefaultSender: &LimitConfig{MessagesPerHour: 100, MessagesPerDay: 2},
	}, &now)
	ctx := context.Background()
	req := &Request{Sender: "a@example.com"}

	limiter.Allow(ctx, req)
	limiter.Allow(ctx, req)

	res, _ := limiter.Allow(ctx, req)
	if res.Allowed {
		t.Fatal("daily limit not enforced")
	}
	if res.RetryAfter != 10*time.Minute {
		t.Errorf("RetryAfter = %v, want 10m until UTC midnight", res.RetryAfter)
	}

	now = now.Add(15 * time.Minute)
	res, _ = limiter.Allow(ctx, req)
	if !res.Allowed {
		t.Error("send after UTC midnight denied, want new daily window")
	}

	stats, _ := limiter.GetStats(ctx, LevelSender, "a@example.com")
	if stats.DailyCount != 1 || stats.HourlyCount != 1 {
		t.Errorf("stats = %+v, want fresh windows with one send", stats)
	}
}

func TestGetStatsNonExistent(t *testing.T) {
	limiter := newTestLimiter(t, nil, nil)

	stats, err := limiter.GetStats(context.Background(), LevelSender, "nobody@example.com")
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.HourlyCount != 0 || stats.DailyCount != 0 {
		t.Errorf("stats = %+v, want zero counts", stats)
	}
}

func TestPersistence(t *testing.T) {
	db := setupTestDB(t)
	cfg := &Config{DefaultSender: &LimitConfig{MessagesPerDay: 3}, FlushInterval: time.Hour}
	ctx := context.Background()
	req := &Request{Sender: "a@example.com"}

	first, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	first.Allow(ctx, req)
	first.Allow(ctx, req)
	if err := first.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	second, err := NewLimiter(db, cfg)
	if err != nil {
		t.Fatalf("NewLimiter() error = %v", err)
	}
	defer second.Stop()

	stats, _ := second.GetStats(ctx, LevelSender, "a@example.com")
	if stats.DailyCount != 2 {
		t.Errorf("DailyCount after reload = %d, want 2", stats.DailyCount)
	}
	second.Allow(ctx, req)
	if res, _ := second.Allow(ctx, req); res.Allowed {
		t.Error("fourth send allowed after reload, want denied")
	}
}

func TestZeroLimitsAreUnlimited(t *testing.T) {
	limiter := newTestLimiter(t, &Config{Global: &LimitConfig{}}, nil)

	for i := 0; i < 50; i++ {
		if res, _ := limiter.Allow(context.Background(), &Request{}); !res.Allowed {
			t.Fatalf("request %d denied with zero limits", i+1)
		}
	}
}

func TestAllowCanceledContext(t *testing.T) {
	limiter := newTestLimiter(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := limiter.Allow(ctx, &Request{}); err == nil {
		t.Error("Allow() with canceled context succeeded")
	}
}

func TestMakeKey(t *testing.T) {
	if got := makeKey(LevelRecipientDomain, "gmail.com"); got != "recipient_domain:gmail.com" {
		t.Errorf("makeKey() = %q", got)
	}
}
