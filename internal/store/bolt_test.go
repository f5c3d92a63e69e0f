package store

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()

	s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testAccount(email string) *Account {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &Account{
		Email:          email,
		SMTPHost:       "smtp.example.com",
		SMTPPort:       587,
		IMAPHost:       "imap.example.com",
		IMAPPort:       993,
		Username:       email,
		Password:       "secret",
		Status:         StatusActive,
		WarmupStage:    1,
		DailyLimit:     50,
		StageStartedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestBoltStoreAccountRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	last := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	acc := testAccount("alice@example.com")
	acc.Owner = "team-a"
	acc.CurrentDailySent = 7
	acc.TotalWarmupEmails = 120
	acc.SuccessfulDeliveries = 115
	acc.FailedDeliveries = 5
	acc.SpamIncidents = 2
	acc.SpamScore = 0.1
	acc.InboxPlacementRate = 0.9
	acc.LastWarmup = &last
	acc.LastError = "temporary failure"

	if err := s.InsertAccount(ctx, acc); err != nil {
		t.Fatalf("InsertAccount() error = %v", err)
	}

	got, err := s.GetAccount(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	if !reflect.DeepEqual(got, acc) {
		t.Errorf("GetAccount() = %+v, want %+v", got, acc)
	}
}

func TestBoltStoreAccountKeyNormalized(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertAccount(ctx, testAccount(" Bob@Example.com ")); err != nil {
		t.Fatalf("InsertAccount() error = %v", err)
	}

	got, err := s.GetAccount(ctx, "BOB@example.COM")
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	if got.Email != "bob@example.com" {
		t.Errorf("Email = %q, want %q", got.Email, "bob@example.com")
	}
}

func TestBoltStoreInsertDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertAccount(ctx, testAccount("a@example.com")); err != nil {
		t.Fatalf("InsertAccount() error = %v", err)
	}
	err := s.InsertAccount(ctx, testAccount("A@example.com"))
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("InsertAccount() error = %v, want ErrDuplicate", err)
	}
}

func TestBoltStoreGetAccountNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetAccount(context.Background(), "nobody@example.com")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAccount() error = %v, want ErrNotFound", err)
	}
}

func TestBoltStoreInsertInvalid(t *testing.T) {
	s := newTestStore(t)

	acc := testAccount("a@example.com")
	acc.WarmupStage = 0
	if err := s.InsertAccount(context.Background(), acc); err == nil {
		t.Error("InsertAccount() expected error for stage 0")
	}
}

func TestBoltStoreUpdateAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertAccount(ctx, testAccount("a@example.com")); err != nil {
		t.Fatalf("InsertAccount() error = %v", err)
	}

	updated, err := s.UpdateAccount(ctx, "a@example.com", func(acc *Account) error {
		acc.WarmupStage = 2
		acc.DailyLimit = 60
		acc.CurrentDailySent = 3
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateAccount() error = %v", err)
	}
	if updated.WarmupStage != 2 || updated.DailyLimit != 60 {
		t.Errorf("UpdateAccount() stage=%d limit=%d, want 2 and 60", updated.WarmupStage, updated.DailyLimit)
	}

	got, _ := s.GetAccount(ctx, "a@example.com")
	if got.CurrentDailySent != 3 {
		t.Errorf("CurrentDailySent = %d, want 3", got.CurrentDailySent)
	}
}

func TestBoltStoreUpdateAccountRejects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acc := testAccount("a@example.com")
	acc.WarmupStage = 3
	acc.DailyLimit = 70
	if err := s.InsertAccount(ctx, acc); err != nil {
		t.Fatalf("InsertAccount() error = %v", err)
	}

	tests := []struct {
		name string
		fn   func(acc *Account) error
	}{
		{"stage decrease", func(acc *Account) error { acc.WarmupStage = 2; return nil }},
		{"limit decrease", func(acc *Account) error { acc.DailyLimit = 60; return nil }},
		{"sent over limit", func(acc *Account) error { acc.CurrentDailySent = 71; return nil }},
		{"callback error", func(acc *Account) error { return errors.New("boom") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.UpdateAccount(ctx, "a@example.com", tt.fn); err == nil {
				t.Error("UpdateAccount() expected error")
			}
		})
	}

	got, _ := s.GetAccount(ctx, "a@example.com")
	if got.WarmupStage != 3 || got.DailyLimit != 70 || got.CurrentDailySent != 0 {
		t.Errorf("account changed after rejected updates: %+v", got)
	}

	if _, err := s.UpdateAccount(ctx, "missing@example.com", func(*Account) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateAccount() error = %v, want ErrNotFound", err)
	}
}

func TestBoltStoreDeleteAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, email := range []string{"a@example.com", "b@example.com"} {
		if err := s.InsertAccount(ctx, testAccount(email)); err != nil {
			t.Fatalf("InsertAccount() error = %v", err)
		}
	}

	if err := s.DeleteAccount(ctx, "a@example.com"); err != nil {
		t.Fatalf("DeleteAccount() error = %v", err)
	}

	got, err := s.GetAccount(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	if !got.Deleted() {
		t.Error("Deleted() = false, want true")
	}

	accounts, _ := s.ListAccounts(ctx, AccountFilter{})
	if len(accounts) != 1 || accounts[0].Email != "b@example.com" {
		t.Errorf("ListAccounts() = %v, want only b@example.com", accounts)
	}

	all, _ := s.ListAccounts(ctx, AccountFilter{IncludeDeleted: true})
	if len(all) != 2 {
		t.Errorf("ListAccounts(IncludeDeleted) len = %d, want 2", len(all))
	}
}

func TestBoltStoreListAccountsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	statuses := map[string]AccountStatus{
		"a@example.com": StatusActive,
		"b@example.com": StatusPaused,
		"c@example.com": StatusActive,
		"d@example.com": StatusPending,
	}
	for email, status := range statuses {
		acc := testAccount(email)
		acc.Status = status
		if err := s.InsertAccount(ctx, acc); err != nil {
			t.Fatalf("InsertAccount() error = %v", err)
		}
	}

	active, _ := s.ListAccounts(ctx, AccountFilter{Status: StatusActive})
	if len(active) != 2 {
		t.Fatalf("ListAccounts(active) len = %d, want 2", len(active))
	}
	if active[0].Email != "a@example.com" || active[1].Email != "c@example.com" {
		t.Errorf("ListAccounts(active) not ordered by email: %s, %s", active[0].Email, active[1].Email)
	}

	page, _ := s.ListAccounts(ctx, AccountFilter{Limit: 2, Offset: 1})
	if len(page) != 2 || page[0].Email != "b@example.com" {
		t.Errorf("ListAccounts(page) = %v", page)
	}

	count, err := s.CountAccounts(ctx, AccountFilter{Limit: 1})
	if err != nil {
		t.Fatalf("CountAccounts() error = %v", err)
	}
	if count != 4 {
		t.Errorf("CountAccounts() = %d, want 4", count)
	}

	stats, _ := s.Stats(ctx)
	if stats[StatusActive] != 2 || stats[StatusPaused] != 1 {
		t.Errorf("Stats() = %v", stats)
	}
}

func TestBoltStoreMetrics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetMetrics(ctx, "a@example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMetrics() error = %v, want ErrNotFound", err)
	}

	art := 42.5
	m := &Metrics{
		Email:               "A@example.com",
		TotalSent:           10,
		ReplyCount:          2,
		SuccessRate:         0.9,
		AverageResponseTime: &art,
		LastUpdated:         time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.PutMetrics(ctx, m); err != nil {
		t.Fatalf("PutMetrics() error = %v", err)
	}

	got, err := s.GetMetrics(ctx, "a@example.com")
	if err != nil {
		t.Fatalf("GetMetrics() error = %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Errorf("GetMetrics() = %+v, want %+v", got, m)
	}
}

func TestBoltStoreMessageLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries := []*MessageLog{
		{FromEmail: "a@example.com", ToEmail: "b@example.com", Kind: KindWarmup, SentAt: base.Add(-10 * 24 * time.Hour), Delivered: true},
		{FromEmail: "a@example.com", ToEmail: "c@example.com", Kind: KindWarmup, SentAt: base.Add(-2 * time.Hour), Delivered: true, CampaignID: "spring"},
		{FromEmail: "a@example.com", ToEmail: "d@example.com", Kind: KindWarmup, SentAt: base.Add(-1 * time.Hour), Delivered: false},
		{FromEmail: "b@example.com", ToEmail: "a@example.com", Kind: KindReply, SentAt: base.Add(-30 * time.Minute), Delivered: true},
	}
	// out of chronological order on purpose
	for _, i := range []int{2, 0, 3, 1} {
		if err := s.AppendMessageLog(ctx, entries[i]); err != nil {
			t.Fatalf("AppendMessageLog() error = %v", err)
		}
		if entries[i].ID == "" {
			t.Fatal("AppendMessageLog() did not assign an ID")
		}
	}

	all, err := s.ListMessageLogs(ctx, LogFilter{})
	if err != nil {
		t.Fatalf("ListMessageLogs() error = %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("ListMessageLogs() len = %d, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].SentAt.Before(all[i-1].SentAt) {
			t.Errorf("ListMessageLogs() not chronological at %d", i)
		}
	}

	tests := []struct {
		name   string
		filter LogFilter
		want   int
	}{
		{"by sender", LogFilter{FromEmail: "a@example.com"}, 3},
		{"by sender upper case", LogFilter{FromEmail: "A@EXAMPLE.COM"}, 3},
		{"sender window", LogFilter{FromEmail: "a@example.com", Since: base.Add(-7 * 24 * time.Hour), Until: base}, 2},
		{"sender delivered", LogFilter{FromEmail: "a@example.com", Delivered: Bool(true)}, 2},
		{"recipient", LogFilter{ToEmail: "a@example.com"}, 1},
		{"kind", LogFilter{Kind: KindReply}, 1},
		{"campaign", LogFilter{FromEmail: "a@example.com", CampaignID: "spring"}, 1},
		{"since", LogFilter{Since: base.Add(-90 * time.Minute)}, 2},
		{"until inclusive", LogFilter{Until: base.Add(-1 * time.Hour)}, 3},
		{"nobody", LogFilter{FromEmail: "z@example.com"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.CountMessageLogs(ctx, tt.filter)
			if err != nil {
				t.Fatalf("CountMessageLogs() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CountMessageLogs() = %d, want %d", got, tt.want)
			}
		})
	}

	limited, _ := s.ListMessageLogs(ctx, LogFilter{FromEmail: "a@example.com", Limit: 1})
	if len(limited) != 1 || limited[0].ToEmail != "b@example.com" {
		t.Errorf("ListMessageLogs(limit) = %v", limited)
	}
}

func TestBoltStoreEngagementLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, action := range []EngagementAction{ActionRead, ActionReply, ActionMarkImportant} {
		err := s.AppendEngagementLog(ctx, &EngagementLog{
			CycleID:   "cycle-1",
			FromEmail: "b@example.com",
			ToEmail:   "a@example.com",
			Action:    action,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendEngagementLog() error = %v", err)
		}
	}

	entries, err := s.ListEngagementLogs(ctx, LogFilter{ToEmail: "a@example.com"})
	if err != nil {
		t.Fatalf("ListEngagementLogs() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("ListEngagementLogs() len = %d, want 3", len(entries))
	}
	if entries[0].Action != ActionRead || entries[2].Action != ActionMarkImportant {
		t.Errorf("ListEngagementLogs() order = %s..%s", entries[0].Action, entries[2].Action)
	}

	count, _ := s.CountEngagementLogs(ctx, LogFilter{Since: base.Add(time.Minute)})
	if count != 2 {
		t.Errorf("CountEngagementLogs(since) = %d, want 2", count)
	}
}

func TestBoltStorePurgeLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s.AppendMessageLog(ctx, &MessageLog{FromEmail: "a@example.com", SentAt: base.Add(-48 * time.Hour)})
	s.AppendMessageLog(ctx, &MessageLog{FromEmail: "a@example.com", SentAt: base})
	s.AppendEngagementLog(ctx, &EngagementLog{FromEmail: "b@example.com", Timestamp: base.Add(-48 * time.Hour)})

	deleted, err := s.PurgeLogs(ctx, base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeLogs() error = %v", err)
	}
	if deleted != 2 {
		t.Errorf("PurgeLogs() = %d, want 2", deleted)
	}

	count, _ := s.CountMessageLogs(ctx, LogFilter{FromEmail: "a@example.com"})
	if count != 1 {
		t.Errorf("CountMessageLogs() after purge = %d, want 1", count)
	}
}

func testCampaign(owner string) *Campaign {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &Campaign{
		Owner:             owner,
		Name:              "spring ramp",
		Status:            CampaignActive,
		StartDate:         start,
		TargetDailyEmails: 20,
		CreatedAt:         start,
		UpdatedAt:         start,
	}
}

func TestBoltStoreCampaigns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetCampaign(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetCampaign() error = %v, want ErrNotFound", err)
	}

	c := testCampaign("team-a")
	if err := s.InsertCampaign(ctx, c); err != nil {
		t.Fatalf("InsertCampaign() error = %v", err)
	}
	if c.ID == "" {
		t.Fatal("InsertCampaign() did not assign an ID")
	}
	if err := s.InsertCampaign(ctx, c); !errors.Is(err, ErrDuplicate) {
		t.Errorf("InsertCampaign() twice error = %v, want ErrDuplicate", err)
	}

	got, err := s.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCampaign() error = %v", err)
	}
	if !reflect.DeepEqual(got, c) {
		t.Errorf("GetCampaign() = %+v, want %+v", got, c)
	}

	other := testCampaign("team-b")
	other.Status = CampaignPaused
	if err := s.InsertCampaign(ctx, other); err != nil {
		t.Fatalf("InsertCampaign() error = %v", err)
	}

	list, err := s.ListCampaigns(ctx, CampaignFilter{Owner: "team-a"})
	if err != nil || len(list) != 1 || list[0].ID != c.ID {
		t.Errorf("ListCampaigns(owner) = %v, %v", list, err)
	}
	list, err = s.ListCampaigns(ctx, CampaignFilter{Status: CampaignPaused})
	if err != nil || len(list) != 1 || list[0].ID != other.ID {
		t.Errorf("ListCampaigns(status) = %v, %v", list, err)
	}

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	updated, err := s.UpdateCampaign(ctx, c.ID, func(c *Campaign) error {
		c.Count(now)
		c.ID = "renamed"
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateCampaign() error = %v", err)
	}
	if updated.ID != c.ID || updated.Sent(now) != 1 {
		t.Errorf("UpdateCampaign() = %+v", updated)
	}

	if _, err := s.UpdateCampaign(ctx, c.ID, func(c *Campaign) error {
		c.TargetDailyEmails = 0
		return nil
	}); err == nil {
		t.Error("UpdateCampaign() accepted a zero target")
	}
	if _, err := s.UpdateCampaign(ctx, "missing", func(*Campaign) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateCampaign(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.DeleteCampaign(ctx, c.ID); err != nil {
		t.Fatalf("DeleteCampaign() error = %v", err)
	}
	if err := s.DeleteCampaign(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteCampaign() twice error = %v, want ErrNotFound", err)
	}
}

func TestCampaignDailyCounter(t *testing.T) {
	c := testCampaign("team-a")
	c.TargetDailyEmails = 2
	day1 := time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)
	day2 := day1.Add(4 * time.Hour)

	c.Count(day1)
	c.Count(day1)
	if got := c.Remaining(day1); got != 0 {
		t.Errorf("Remaining(day1) = %d, want 0", got)
	}
	if got := c.Remaining(day2); got != 2 {
		t.Errorf("Remaining(day2) = %d, want 2", got)
	}

	c.Count(day2)
	if c.CurrentDailyEmails != 1 || c.Sent(day2) != 1 {
		t.Errorf("after day change counter = %d", c.CurrentDailyEmails)
	}
	c.Uncount(day1)
	if c.Sent(day2) != 1 {
		t.Errorf("Uncount(previous day) changed today's counter to %d", c.Sent(day2))
	}
	c.Uncount(day2)
	if c.Sent(day2) != 0 {
		t.Errorf("Uncount(day2) counter = %d, want 0", c.Sent(day2))
	}

	end := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	c.EndDate = &end
	tests := []struct {
		name   string
		status CampaignStatus
		at     time.Time
		want   bool
	}{
		{"before start", CampaignActive, c.StartDate.Add(-time.Hour), false},
		{"in range", CampaignActive, day2, true},
		{"at end", CampaignActive, end, false},
		{"paused", CampaignPaused, day2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.Status = tt.status
			if got := c.Running(tt.at); got != tt.want {
				t.Errorf("Running() = %v, want %v", got, tt.want)
			}
		})
	}
}
