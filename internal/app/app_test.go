package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/foxzi/mailwarm/internal/config"
	"github.com/foxzi/mailwarm/internal/sink"
	"github.com/foxzi/mailwarm/internal/store"
	"github.com/foxzi/mailwarm/internal/warmup"
)

var testAccounts = []string{"a@example.com", "b@example.net", "c@example.org"}

func writeTestConfig(t *testing.T, relayAddr string) *config.Config {
	t.Helper()

	dir := t.TempDir()
	data := fmt.Sprintf(`
storage:
  path: %s
logging:
  level: error
  format: text
warmup:
  engagement_delay_min: 1ms
  engagement_delay_max: 2ms
  engagement_weights:
    read: 1
registry:
  probe: true
transport:
  hostname: test.local
  insecure: true
  relay_addr: %s
  max_attempts: 1
sink:
  store_path: %s
  auth:
    required: true
    users:
      a@example.com: pw-a
      b@example.net: pw-b
      c@example.org: pw-c
`, filepath.Join(dir, "mailwarm.db"), relayAddr, filepath.Join(dir, "sink.db"))

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func startSink(t *testing.T, cfg *config.Config, a *App) *sink.Storage {
	t.Helper()

	storage, err := sink.Open(cfg.Sink.StorePath)
	if err != nil {
		t.Fatalf("sink.Open() error = %v", err)
	}
	t.Cleanup(func() { storage.Close() })

	ln, err := net.Listen("tcp", cfg.Transport.RelayAddr)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	srv, err := NewSinkServer(cfg.Sink, storage, a.Logger())
	if err != nil {
		t.Fatalf("NewSinkServer() error = %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return storage
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestWarmupThroughSink(t *testing.T) {
	cfg := writeTestConfig(t, freeAddr(t))

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer a.Close()

	storage := startSink(t, cfg, a)
	ctx := context.Background()

	for _, email := range testAccounts {
		acc, err := a.Registry().Register(ctx, warmup.RegisterRequest{
			Email:    email,
			SMTPHost: "smtp.example.com",
			SMTPPort: 587,
			IMAPHost: "imap.example.com",
			IMAPPort: 993,
			Username: email,
			Password: cfg.Sink.Auth.Users[email],
		})
		if err != nil {
			t.Fatalf("Register(%s) error = %v", email, err)
		}
		if acc.Status != store.StatusActive {
			t.Fatalf("Register(%s) status = %s, last error %q; want active after probe", email, acc.Status, acc.LastError)
		}
	}

	report, err := a.Engine().RunCycle(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if report.Delivered == 0 || report.Failed != 0 {
		t.Errorf("report delivered=%d failed=%d, want all delivered", report.Delivered, report.Failed)
	}

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if want := len(testAccounts) + report.Delivered; stats.Total < want {
		t.Errorf("sink total = %d, want at least %d", stats.Total, want)
	}

	summary, err := a.Runner().RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if summary.Due != 2 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want 2 due and none failed", summary)
	}
}

func TestNewRejectsMissingTemplates(t *testing.T) {
	cfg := writeTestConfig(t, "127.0.0.1:2525")
	cfg.Content.TemplatesFile = filepath.Join(t.TempDir(), "missing.yaml")

	if _, err := New(cfg); err == nil {
		t.Fatal("New() expected error for missing templates file")
	}

	// storage must have been released
	cfg.Content.TemplatesFile = ""
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New() after failure error = %v", err)
	}
	a.Close()
}
