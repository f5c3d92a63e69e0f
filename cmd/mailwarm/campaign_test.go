package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/mailwarm/internal/store"
	"github.com/foxzi/mailwarm/internal/warmup"
)

// writeTestConfig points the CLI at a local config backed by a temp database
func writeTestConfig(t *testing.T) {
	t.Helper()

	dir := t.TempDir()
	initDataDir = dir
	initHostname = "warm.example.com"
	initAPIKey = "testapikey"
	initLocal = true
	initRedis = ""

	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(generateConfig()), 0600); err != nil {
		t.Fatal(err)
	}
	cfgFile = path
	t.Cleanup(func() { cfgFile = "" })
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(append([]string{"-c", cfgFile}, args...))
	return rootCmd.Execute()
}

// withApp opens the application between CLI invocations
func withApp(t *testing.T, fn func(ctx context.Context, st *store.BoltStore, c *warmup.Campaigns)) {
	t.Helper()
	application, err := openApp()
	if err != nil {
		t.Fatalf("openApp() error = %v", err)
	}
	defer application.Close()
	fn(context.Background(), application.Store(), application.Campaigns())
}

func TestAccountCompleteAndFail(t *testing.T) {
	writeTestConfig(t)

	withApp(t, func(ctx context.Context, st *store.BoltStore, _ *warmup.Campaigns) {
		now := time.Now().UTC()
		for _, email := range []string{"done@example.com", "broken@example.com"} {
			err := st.InsertAccount(ctx, &store.Account{
				Email:          email,
				SMTPHost:       "smtp.example.com",
				SMTPPort:       587,
				IMAPHost:       "imap.example.com",
				IMAPPort:       993,
				Username:       email,
				Password:       "secret",
				Status:         store.StatusActive,
				WarmupStage:    1,
				DailyLimit:     50,
				StageStartedAt: now,
				CreatedAt:      now,
				UpdatedAt:      now,
			})
			if err != nil {
				t.Fatalf("InsertAccount() error = %v", err)
			}
		}
	})

	if err := execute(t, "account", "complete", "done@example.com"); err != nil {
		t.Fatalf("account complete error = %v", err)
	}
	if err := execute(t, "account", "fail", "broken@example.com", "--reason", "relay rejects auth"); err != nil {
		t.Fatalf("account fail error = %v", err)
	}
	if err := execute(t, "account", "complete", "broken@example.com"); err == nil {
		t.Error("completing a failed account should fail")
	}

	withApp(t, func(ctx context.Context, st *store.BoltStore, _ *warmup.Campaigns) {
		done, err := st.GetAccount(ctx, "done@example.com")
		if err != nil {
			t.Fatalf("GetAccount() error = %v", err)
		}
		if done.Status != store.StatusCompleted {
			t.Errorf("done status = %s, want completed", done.Status)
		}

		broken, err := st.GetAccount(ctx, "broken@example.com")
		if err != nil {
			t.Fatalf("GetAccount() error = %v", err)
		}
		if broken.Status != store.StatusFailed || broken.LastError != "relay rejects auth" {
			t.Errorf("broken = %s %q, want failed with reason", broken.Status, broken.LastError)
		}
	})
}

func TestCampaignCommands(t *testing.T) {
	writeTestConfig(t)

	if err := execute(t, "campaign", "add", "--owner", "acme", "--name", "spring", "--target", "20", "--start", "2026-01-01"); err != nil {
		t.Fatalf("campaign add error = %v", err)
	}
	if err := execute(t, "campaign", "add", "--owner", "acme", "--name", "bad", "--target", "5", "--start", "2026-03-01", "--end", "2026-02-01"); err == nil {
		t.Error("end before start should fail")
	}

	var id string
	withApp(t, func(ctx context.Context, _ *store.BoltStore, c *warmup.Campaigns) {
		list, err := c.List(ctx, store.CampaignFilter{Owner: "acme"})
		if err != nil {
			t.Fatalf("List() error = %v", err)
		}
		if len(list) != 1 {
			t.Fatalf("campaigns = %d, want 1", len(list))
		}
		id = list[0].ID
		if list[0].Status != store.CampaignActive || list[0].StartDate.Format(dateLayout) != "2026-01-01" {
			t.Errorf("created = %+v", list[0])
		}
	})

	if err := execute(t, "campaign", "list", "--owner", "acme"); err != nil {
		t.Errorf("campaign list error = %v", err)
	}
	if err := execute(t, "campaign", "show", id); err != nil {
		t.Errorf("campaign show error = %v", err)
	}
	if err := execute(t, "campaign", "update", id, "--target", "35", "--status", "paused"); err != nil {
		t.Fatalf("campaign update error = %v", err)
	}

	withApp(t, func(ctx context.Context, _ *store.BoltStore, c *warmup.Campaigns) {
		got, err := c.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.TargetDailyEmails != 35 || got.Status != store.CampaignPaused {
			t.Errorf("updated target=%d status=%s", got.TargetDailyEmails, got.Status)
		}
		if got.Name != "spring" || got.Owner != "acme" || got.StartDate.Format(dateLayout) != "2026-01-01" {
			t.Errorf("update changed untouched fields: %+v", got)
		}
	})

	if err := execute(t, "campaign", "delete", id); err != nil {
		t.Fatalf("campaign delete error = %v", err)
	}
	err := execute(t, "campaign", "show", id)
	if !errors.Is(err, warmup.ErrCampaignNotFound) {
		t.Errorf("show deleted = %v, want ErrCampaignNotFound", err)
	}
}

func TestParseDate(t *testing.T) {
	if d, err := parseDate("start", ""); d != nil || err != nil {
		t.Errorf("parseDate(\"\") = %v, %v", d, err)
	}
	d, err := parseDate("start", "2026-04-05")
	if err != nil || !d.Equal(time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("parseDate() = %v, %v", d, err)
	}
	if _, err := parseDate("end", "05/04/2026"); err == nil {
		t.Error("parseDate() should reject other layouts")
	}
}
