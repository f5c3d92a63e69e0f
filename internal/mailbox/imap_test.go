package mailbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/foxzi/mailwarm/internal/store"
)

type fakeMessage struct {
	uid       imap.UID
	messageID string
	warmup    bool
	received  time.Time
	flags     map[imap.Flag]bool
}

// fakeSession is an in-memory mailbox keyed by folder name
type fakeSession struct {
	folders   map[string][]*fakeMessage
	selected  string
	loggedOut bool
}

func (f *fakeSession) Select(folder string) (uint32, error) {
	msgs, ok := f.folders[folder]
	if !ok {
		return 0, errors.New("NO mailbox does not exist")
	}
	f.selected = folder
	return uint32(len(msgs)), nil
}

func (f *fakeSession) Search(c *imap.SearchCriteria) ([]imap.UID, error) {
	var uids []imap.UID
	for _, m := range f.folders[f.selected] {
		if !c.Since.IsZero() && m.received.Before(c.Since) {
			continue
		}
		match := true
		for _, h := range c.Header {
			switch h.Key {
			case "X-Warmup":
				match = match && m.warmup
			case "Message-Id":
				match = match && m.messageID == h.Value
			}
		}
		if match {
			uids = append(uids, m.uid)
		}
	}
	return uids, nil
}

func (f *fakeSession) AddFlags(uids []imap.UID, flags ...imap.Flag) error {
	for _, m := range f.folders[f.selected] {
		for _, uid := range uids {
			if m.uid != uid {
				continue
			}
			for _, fl := range flags {
				m.flags[fl] = true
			}
		}
	}
	return nil
}

func (f *fakeSession) Move(uids []imap.UID, dest string) error {
	var keep []*fakeMessage
	for _, m := range f.folders[f.selected] {
		moved := false
		for _, uid := range uids {
			if m.uid == uid {
				f.folders[dest] = append(f.folders[dest], m)
				moved = true
			}
		}
		if !moved {
			keep = append(keep, m)
		}
	}
	f.folders[f.selected] = keep
	return nil
}

func (f *fakeSession) Logout() error {
	f.loggedOut = true
	return nil
}

func newFakeInspector(s *fakeSession, now time.Time) *IMAPInspector {
	i := NewIMAPInspector(Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	i.nowFn = func() time.Time { return now }
	i.dial = func(ctx context.Context, acc *store.Account) (session, error) {
		return s, nil
	}
	return i
}

func msg(uid imap.UID, id string, warmup bool, received time.Time) *fakeMessage {
	return &fakeMessage{uid: uid, messageID: id, warmup: warmup, received: received, flags: map[imap.Flag]bool{}}
}

func TestCountMessages(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	s := &fakeSession{folders: map[string][]*fakeMessage{
		"INBOX": {
			msg(1, "a@x", true, now.Add(-time.Hour)),
			msg(2, "b@x", true, now.Add(-48*time.Hour)),
			msg(3, "c@x", false, now.Add(-time.Hour)),
			msg(4, "d@x", true, now.Add(-30*24*time.Hour)),
		},
		"Junk": {
			msg(5, "e@x", true, now.Add(-time.Hour)),
		},
	}}
	i := newFakeInspector(s, now)
	acc := &store.Account{Email: "a@example.com"}

	tests := []struct {
		folder string
		want   int
	}{
		{FolderInbox, 2},
		{FolderSpam, 1},
	}

	for _, tt := range tests {
		t.Run(tt.folder, func(t *testing.T) {
			got, err := i.CountMessages(context.Background(), acc, tt.folder)
			if err != nil {
				t.Fatalf("CountMessages() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("CountMessages(%s) = %d, want %d", tt.folder, got, tt.want)
			}
			if !s.loggedOut {
				t.Error("session not logged out")
			}
		})
	}

	if _, err := i.CountMessages(context.Background(), acc, "archive"); err == nil {
		t.Error("CountMessages(archive) should fail")
	}
}

func TestCountMessagesNoSpamFolder(t *testing.T) {
	s := &fakeSession{folders: map[string][]*fakeMessage{"INBOX": nil}}
	i := newFakeInspector(s, time.Now())

	if _, err := i.CountMessages(context.Background(), &store.Account{}, FolderSpam); err == nil {
		t.Error("expected error without spam folder")
	}
}

func TestApply(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name       string
		action     store.EngagementAction
		messageID  string
		wantFolder string
		wantFlag   imap.Flag
		wantErr    error
	}{
		{"read in inbox", store.ActionRead, "inbox@x", "INBOX", imap.FlagSeen, nil},
		{"mark important in spam", store.ActionMarkImportant, "spam@x", "[Gmail]/Spam", imap.FlagFlagged, nil},
		{"move from spam", store.ActionMoveToPrimary, "spam@x", "INBOX", "", nil},
		{"move already in inbox", store.ActionMoveToPrimary, "inbox@x", "INBOX", "", nil},
		{"missing message", store.ActionRead, "gone@x", "", "", ErrMessageNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSession{folders: map[string][]*fakeMessage{
				"INBOX":        {msg(1, "inbox@x", true, now)},
				"[Gmail]/Spam": {msg(7, "spam@x", true, now)},
			}}
			i := newFakeInspector(s, now)

			err := i.Apply(context.Background(), &store.Account{Email: "b@example.com"}, tt.action, tt.messageID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Apply() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}

			var found *fakeMessage
			for _, m := range s.folders[tt.wantFolder] {
				if m.messageID == tt.messageID {
					found = m
				}
			}
			if found == nil {
				t.Fatalf("message %s not in %s", tt.messageID, tt.wantFolder)
			}
			if tt.wantFlag != "" && !found.flags[tt.wantFlag] {
				t.Errorf("flag %s not set", tt.wantFlag)
			}
		})
	}
}

func TestApplyRejectsReply(t *testing.T) {
	s := &fakeSession{folders: map[string][]*fakeMessage{
		"INBOX": {msg(1, "inbox@x", true, time.Now())},
	}}
	i := newFakeInspector(s, time.Now())

	if err := i.Apply(context.Background(), &store.Account{}, store.ActionReply, "inbox@x"); err == nil {
		t.Error("Apply(reply) should fail")
	}
}
