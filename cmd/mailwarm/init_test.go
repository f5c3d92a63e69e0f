package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxzi/mailwarm/internal/config"
	"github.com/foxzi/mailwarm/internal/warmup"
)

func TestGenerateRandomString(t *testing.T) {
	for _, length := range []int{8, 16, 32, 64} {
		if got := generateRandomString(length); len(got) != length {
			t.Errorf("generateRandomString(%d) returned string of length %d", length, len(got))
		}
	}

	if generateRandomString(32) == generateRandomString(32) {
		t.Error("generateRandomString should generate unique strings")
	}
}

func TestGenerateConfigLoads(t *testing.T) {
	tests := []struct {
		name   string
		local  bool
		redis  string
		checks func(t *testing.T, cfg *config.Config)
	}{
		{
			name: "production",
			checks: func(t *testing.T, cfg *config.Config) {
				if !cfg.Mailbox.Enabled || cfg.Sink.Enabled {
					t.Errorf("mailbox=%v sink=%v, want mailbox only", cfg.Mailbox.Enabled, cfg.Sink.Enabled)
				}
				if !cfg.Registry.CheckMX {
					t.Error("check_mx should be on")
				}
				if cfg.Lease.Redis.Addr != "" {
					t.Errorf("redis addr = %q, want local lease", cfg.Lease.Redis.Addr)
				}
			},
		},
		{
			name:  "local sink",
			local: true,
			checks: func(t *testing.T, cfg *config.Config) {
				if cfg.Transport.RelayAddr != cfg.Sink.ListenAddr || !cfg.Transport.Insecure {
					t.Errorf("relay = %q insecure = %v, want relay into sink %q", cfg.Transport.RelayAddr, cfg.Transport.Insecure, cfg.Sink.ListenAddr)
				}
				if !cfg.Sink.Enabled || cfg.Mailbox.Enabled {
					t.Errorf("sink=%v mailbox=%v, want sink only", cfg.Sink.Enabled, cfg.Mailbox.Enabled)
				}
			},
		},
		{
			name:  "redis lease",
			redis: "localhost:6379",
			checks: func(t *testing.T, cfg *config.Config) {
				if cfg.Lease.Redis.Addr != "localhost:6379" {
					t.Errorf("redis addr = %q", cfg.Lease.Redis.Addr)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			initDataDir = dir
			initHostname = "warm.example.com"
			initAPIKey = "testapikey"
			initLocal = tt.local
			initRedis = tt.redis

			data := generateConfig()
			if !strings.Contains(data, `api_key: "testapikey"`) {
				t.Error("generated config missing api key")
			}

			path := filepath.Join(dir, "config.yaml")
			if err := os.WriteFile(path, []byte(data), 0600); err != nil {
				t.Fatal(err)
			}

			cfg, err := config.Load(path)
			if err != nil {
				t.Fatalf("Load() error = %v\n%s", err, data)
			}

			if cfg.Storage.Path != filepath.Join(dir, "mailwarm.db") {
				t.Errorf("storage path = %q", cfg.Storage.Path)
			}
			if cfg.Transport.Hostname != "warm.example.com" {
				t.Errorf("hostname = %q", cfg.Transport.Hostname)
			}
			if _, err := cfg.Settings(); err != nil {
				t.Errorf("Settings() error = %v", err)
			}
			tt.checks(t, cfg)
		})
	}
}

func TestDescribeDecision(t *testing.T) {
	tests := []struct {
		name string
		d    warmup.Decision
		want string
	}{
		{"complete", warmup.Decision{Complete: true, Reason: "max stage reached"}, "warmup complete: max stage reached"},
		{"advance", warmup.Decision{Advance: true, NewStage: 3, NewDailyLimit: 70}, "advance to stage 3, daily limit 70"},
		{"stay with reason", warmup.Decision{Reason: "success rate below threshold"}, "stay: success rate below threshold"},
		{"stay", warmup.Decision{}, "stay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := describeDecision(&tt.d); got != tt.want {
				t.Errorf("describeDecision() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSenderDomain(t *testing.T) {
	tests := []struct {
		arg  string
		want string
	}{
		{"example.com", "example.com"},
		{" Example.COM ", "example.com"},
		{"Alice <alice@Mail.Example.com>", "mail.example.com"},
		{"bob@example.org", "example.org"},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			if got := senderDomain(tt.arg); got != tt.want {
				t.Errorf("senderDomain(%q) = %q, want %q", tt.arg, got, tt.want)
			}
		})
	}
}
