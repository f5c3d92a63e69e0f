package content

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/foxzi/mailwarm/internal/store"
)

type fixedPicker int

func (p fixedPicker) IntN(n int) int { return int(p) % n }

func newTestComposer(t *testing.T, pool Pool) *Composer {
	t.Helper()
	c, err := NewComposer(pool, fixedPicker(0))
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}
	c.nowFn = func() time.Time { return time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC) } // Tuesday
	return c
}

func TestComposeWarmup(t *testing.T) {
	c := newTestComposer(t, DefaultPool())
	from := &store.Account{Email: "jane.doe@example.com"}
	to := &store.Account{Email: "bob_smith@example.net"}

	subject, body := c.Compose(store.KindWarmup, from, to, nil)

	if subject != "Quick question about Thursday" {
		t.Errorf("subject = %q", subject)
	}
	if !strings.HasPrefix(body, "Hi Bob Smith,") || !strings.HasSuffix(body, "Jane Doe") {
		t.Errorf("body = %q", body)
	}
}

func TestComposeReply(t *testing.T) {
	c := newTestComposer(t, DefaultPool())
	from := &store.Account{Email: "bob@example.net"}
	to := &store.Account{Email: "jane@example.com"}
	original := &store.MessageLog{Subject: "Re: Checking in"}

	subject, body := c.Compose(store.KindReply, from, to, original)

	if subject != "Re: Checking in" {
		t.Errorf("subject = %q, want single Re: prefix", subject)
	}
	if !strings.Contains(body, "Hi Jane,") {
		t.Errorf("body = %q", body)
	}

	// without an original the warmup pool is used
	subject, _ = c.Compose(store.KindReply, from, to, nil)
	if strings.HasPrefix(subject, "Re:") {
		t.Errorf("subject without original = %q", subject)
	}
}

func TestComposeFallbackOnRenderError(t *testing.T) {
	pool := Pool{
		Warmup: []Template{{Subject: "{{.Missing}}", Body: "{{.Missing}}"}},
		Reply:  []Template{{Subject: "Re: {{.Subject}}", Body: "ok"}},
	}
	c := newTestComposer(t, pool)

	subject, body := c.Compose(store.KindWarmup, &store.Account{Email: "a@example.com"}, &store.Account{Email: "b@example.com"}, nil)
	if subject != "Hello from A" || !strings.HasPrefix(body, "Hi B,") {
		t.Errorf("fallback = %q / %q", subject, body)
	}
}

func TestNewComposerErrors(t *testing.T) {
	tests := []struct {
		name string
		pool Pool
	}{
		{"empty pool", Pool{}},
		{"no replies", Pool{Warmup: DefaultPool().Warmup}},
		{"bad subject", Pool{Warmup: []Template{{Subject: "{{.FromName", Body: "x"}}, Reply: DefaultPool().Reply}},
		{"bad body", Pool{Warmup: DefaultPool().Warmup, Reply: []Template{{Subject: "x", Body: "{{if}}"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewComposer(tt.pool, fixedPicker(0)); err == nil {
				t.Error("NewComposer() succeeded, want error")
			}
		})
	}

	if err := Validate(DefaultPool()); err != nil {
		t.Errorf("Validate(DefaultPool()) = %v", err)
	}
}

func TestLoadPool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	data := `warmup:
  - subject: "Hello {{.ToName}}"
    body: "Short note from {{.FromName}}"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	pool, err := LoadPool(path)
	if err != nil {
		t.Fatalf("LoadPool() error = %v", err)
	}
	if len(pool.Warmup) != 1 || pool.Warmup[0].Subject != "Hello {{.ToName}}" {
		t.Errorf("Warmup = %+v", pool.Warmup)
	}
	if len(pool.Reply) != len(DefaultPool().Reply) {
		t.Errorf("Reply = %d templates, want defaults", len(pool.Reply))
	}

	if _, err := LoadPool(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadPool() on missing file succeeded")
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"jane.doe@example.com", "Jane Doe"},
		{"bob_smith@example.com", "Bob Smith"},
		{"ops+warm@example.com", "Ops Warm"},
		{"élodie@example.fr", "Élodie"},
		{"...@example.com", "...@example.com"},
	}

	for _, tt := range tests {
		if got := DisplayName(tt.email); got != tt.want {
			t.Errorf("DisplayName(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}
