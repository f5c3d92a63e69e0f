package warmup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/foxzi/mailwarm/internal/lease"
	"github.com/foxzi/mailwarm/internal/store"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *store.BoltStore {
	t.Helper()

	s, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s store.Store, email string, modify func(acc *store.Account)) *store.Account {
	t.Helper()

	acc := &store.Account{
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
		StageStartedAt: testNow,
		CreatedAt:      testNow,
		UpdatedAt:      testNow,
	}
	if modify != nil {
		modify(acc)
	}
	if err := s.InsertAccount(context.Background(), acc); err != nil {
		t.Fatalf("InsertAccount(%s) error = %v", email, err)
	}
	return acc
}

func seedPartners(t *testing.T, s store.Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		seedAccount(t, s, fmt.Sprintf("partner%02d@example.net", i), nil)
	}
}

type sentMessage struct {
	From    string
	To      string
	Subject string
}

type mockTransport struct {
	mu       sync.Mutex
	sent     []sentMessage
	sendFunc func(ctx context.Context, from, to *store.Account) error
}

func (m *mockTransport) Send(ctx context.Context, from, to *store.Account, subject, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sent = append(m.sent, sentMessage{From: from.Email, To: to.Email, Subject: subject})
	if m.sendFunc != nil {
		if err := m.sendFunc(ctx, from, to); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("<%d.test@%s>", len(m.sent), "mailwarm.test"), nil
}

func (m *mockTransport) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type stubComposer struct{}

func (stubComposer) Compose(kind store.MessageKind, from, to *store.Account, original *store.MessageLog) (string, string) {
	if original != nil {
		return "Re: " + original.Subject, "thanks"
	}
	return "hello " + to.Email, "body"
}

type mockInspector struct {
	counts map[string]int
	err    error
}

func (m *mockInspector) CountMessages(ctx context.Context, acc *store.Account, folder string) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.counts[folder], nil
}

type mockActor struct {
	mu      sync.Mutex
	applied []store.EngagementAction
	err     error
}

func (m *mockActor) Apply(ctx context.Context, acc *store.Account, action store.EngagementAction, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, action)
	return m.err
}

type testEngine struct {
	*Engine
	store     *store.BoltStore
	clock     *ManualClock
	transport *mockTransport
	locker    *lease.LocalLocker
}

func newTestEngine(t *testing.T, settings Settings, modify func(d *Deps)) *testEngine {
	t.Helper()

	te := &testEngine{
		store:     newTestStore(t),
		clock:     NewManualClock(testNow),
		transport: &mockTransport{},
		locker:    lease.NewLocalLocker(time.Minute),
	}

	deps := Deps{
		Store:     te.store,
		Transport: te.transport,
		Locker:    te.locker,
		Composer:  stubComposer{},
		Clock:     te.clock,
		Random:    NewRandom(42),
		Logger:    testLogger(),
	}
	if modify != nil {
		modify(&deps)
	}

	e, err := NewEngine(settings, deps)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	te.Engine = e
	return te
}

func onlyAction(action store.EngagementAction) map[store.EngagementAction]float64 {
	return map[store.EngagementAction]float64{action: 1}
}
