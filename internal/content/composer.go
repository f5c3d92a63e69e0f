package content

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	textTemplate "text/template"
	"time"
	"unicode"

	"github.com/foxzi/mailwarm/internal/store"
)

// Picker chooses an index in [0, n)
type Picker interface {
	IntN(n int) int
}

type compiled struct {
	subject *textTemplate.Template
	body    *textTemplate.Template
}

// Composer renders warmup messages and replies from a template pool
type Composer struct {
	warmup []compiled
	reply  []compiled
	pick   Picker
	nowFn  func() time.Time
	mu     sync.Mutex
}

// NewComposer parses every template in pool. pick chooses templates.
func NewComposer(pool Pool, pick Picker) (*Composer, error) {
	if len(pool.Warmup) == 0 || len(pool.Reply) == 0 {
		return nil, fmt.Errorf("template pool needs at least one warmup and one reply template")
	}

	warmup, err := compileAll("warmup", pool.Warmup)
	if err != nil {
		return nil, err
	}
	reply, err := compileAll("reply", pool.Reply)
	if err != nil {
		return nil, err
	}

	return &Composer{
		warmup: warmup,
		reply:  reply,
		pick:   pick,
		nowFn:  time.Now,
	}, nil
}

// Validate checks that every template in pool parses
func Validate(pool Pool) error {
	if _, err := compileAll("warmup", pool.Warmup); err != nil {
		return err
	}
	_, err := compileAll("reply", pool.Reply)
	return err
}

func compileAll(section string, templates []Template) ([]compiled, error) {
	out := make([]compiled, 0, len(templates))
	for i, t := range templates {
		name := fmt.Sprintf("%s[%d]", section, i)
		subject, err := textTemplate.New(name + ".subject").Option("missingkey=error").Parse(t.Subject)
		if err != nil {
			return nil, fmt.Errorf("invalid subject template %s: %w", name, err)
		}
		body, err := textTemplate.New(name + ".body").Option("missingkey=error").Parse(t.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid body template %s: %w", name, err)
		}
		out = append(out, compiled{subject: subject, body: body})
	}
	return out, nil
}

// Compose returns the subject and body for a message of kind from one account
// to another. Replies quote the subject of original.
func (c *Composer) Compose(kind store.MessageKind, from, to *store.Account, original *store.MessageLog) (string, string) {
	data := Data{
		FromName:  DisplayName(from.Email),
		FromEmail: from.Email,
		ToName:    DisplayName(to.Email),
		ToEmail:   to.Email,
		Weekday:   c.nowFn().AddDate(0, 0, 2).Weekday().String(),
	}

	set := c.warmup
	if kind == store.KindReply && original != nil {
		set = c.reply
		data.Subject = strings.TrimSpace(strings.TrimPrefix(original.Subject, "Re: "))
	}

	c.mu.Lock()
	t := set[c.pick.IntN(len(set))]
	c.mu.Unlock()

	subject, err := render(t.subject, data)
	if err != nil {
		subject = "Hello from " + data.FromName
	}
	body, err := render(t.body, data)
	if err != nil {
		body = "Hi " + data.ToName + ",\n\nHope you are well.\n\n" + data.FromName
	}
	return subject, body
}

func render(t *textTemplate.Template, data Data) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// DisplayName turns the local part of an address into a name,
// e.g. "jane.doe@example.com" becomes "Jane Doe".
func DisplayName(email string) string {
	local := email
	if at := strings.IndexByte(email, '@'); at >= 0 {
		local = email[:at]
	}

	words := strings.FieldsFunc(local, func(r rune) bool {
		return r == '.' || r == '_' || r == '-' || r == '+'
	})
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	if len(words) == 0 {
		return email
	}
	return strings.Join(words, " ")
}
