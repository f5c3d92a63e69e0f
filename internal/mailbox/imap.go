// Package mailbox inspects and acts on warmup accounts' mailboxes over IMAP.
package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/foxzi/mailwarm/internal/store"
)

// Folder names understood by CountMessages
const (
	FolderInbox = "inbox"
	FolderSpam  = "spam"
)

const inbox = "INBOX"

// DefaultSpamFolders are tried in order when resolving the spam folder
var DefaultSpamFolders = []string{"[Gmail]/Spam", "Junk", "Spam", "INBOX.Spam", "Junk E-mail"}

// ErrMessageNotFound is returned when an action targets a message that is
// in neither the inbox nor the spam folder
var ErrMessageNotFound = errors.New("message not found in mailbox")

// Options configures IMAP access
type Options struct {
	Timeout time.Duration
	// Insecure allows plaintext IMAP and skips certificate checks
	Insecure bool
	// SpamFolders overrides DefaultSpamFolders
	SpamFolders []string
	// Window limits counts to warmup messages received within it
	Window time.Duration
}

// session is the subset of an IMAP connection the inspector needs
type session interface {
	Select(folder string) (uint32, error)
	Search(criteria *imap.SearchCriteria) ([]imap.UID, error)
	AddFlags(uids []imap.UID, flags ...imap.Flag) error
	Move(uids []imap.UID, dest string) error
	Logout() error
}

type dialFunc func(ctx context.Context, acc *store.Account) (session, error)

// IMAPInspector counts warmup messages per folder and applies engagement
// actions by Message-ID
type IMAPInspector struct {
	opts   Options
	dial   dialFunc
	nowFn  func() time.Time
	logger *slog.Logger
}

// NewIMAPInspector creates an inspector
func NewIMAPInspector(opts Options, logger *slog.Logger) *IMAPInspector {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if len(opts.SpamFolders) == 0 {
		opts.SpamFolders = DefaultSpamFolders
	}
	if opts.Window == 0 {
		opts.Window = 7 * 24 * time.Hour
	}

	i := &IMAPInspector{
		opts:   opts,
		nowFn:  time.Now,
		logger: logger.With("component", "mailbox"),
	}
	i.dial = i.dialIMAP
	return i
}

// CountMessages counts warmup messages in the account's inbox or spam folder
func (i *IMAPInspector) CountMessages(ctx context.Context, acc *store.Account, folder string) (int, error) {
	s, err := i.dial(ctx, acc)
	if err != nil {
		return 0, err
	}
	defer s.Logout()

	switch folder {
	case FolderInbox:
		if _, err := s.Select(inbox); err != nil {
			return 0, fmt.Errorf("selecting %s: %w", inbox, err)
		}
	case FolderSpam:
		if _, err := i.selectSpam(s); err != nil {
			return 0, err
		}
	default:
		return 0, fmt.Errorf("unknown folder %q", folder)
	}

	uids, err := s.Search(&imap.SearchCriteria{
		Since: i.nowFn().Add(-i.opts.Window),
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "X-Warmup", Value: "true"},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("searching %s: %w", folder, err)
	}

	return len(uids), nil
}

// Apply performs a non-reply engagement action on the message with the
// given Message-ID in the account's mailbox
func (i *IMAPInspector) Apply(ctx context.Context, acc *store.Account, action store.EngagementAction, messageID string) error {
	if messageID == "" {
		return ErrMessageNotFound
	}

	s, err := i.dial(ctx, acc)
	if err != nil {
		return err
	}
	defer s.Logout()

	folder, uids, err := i.locate(s, messageID)
	if err != nil {
		return err
	}

	switch action {
	case store.ActionRead:
		return s.AddFlags(uids, imap.FlagSeen)
	case store.ActionMarkImportant:
		return s.AddFlags(uids, imap.FlagFlagged)
	case store.ActionMoveToPrimary:
		if folder == inbox {
			return nil
		}
		i.logger.Debug("rescuing message from spam",
			"email", acc.Email,
			"folder", folder,
			"message_id", messageID)
		return s.Move(uids, inbox)
	default:
		return fmt.Errorf("unsupported mailbox action %q", action)
	}
}

// locate selects the folder holding messageID, checking the inbox first
func (i *IMAPInspector) locate(s session, messageID string) (string, []imap.UID, error) {
	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{
			{Key: "Message-Id", Value: messageID},
		},
	}

	if _, err := s.Select(inbox); err != nil {
		return "", nil, fmt.Errorf("selecting %s: %w", inbox, err)
	}
	uids, err := s.Search(criteria)
	if err != nil {
		return "", nil, fmt.Errorf("searching %s: %w", inbox, err)
	}
	if len(uids) > 0 {
		return inbox, uids, nil
	}

	spam, err := i.selectSpam(s)
	if err != nil {
		return "", nil, err
	}
	uids, err = s.Search(criteria)
	if err != nil {
		return "", nil, fmt.Errorf("searching %s: %w", spam, err)
	}
	if len(uids) > 0 {
		return spam, uids, nil
	}

	return "", nil, ErrMessageNotFound
}

func (i *IMAPInspector) selectSpam(s session) (string, error) {
	for _, name := range i.opts.SpamFolders {
		if _, err := s.Select(name); err == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("no spam folder found (tried %v)", i.opts.SpamFolders)
}

func (i *IMAPInspector) dialIMAP(ctx context.Context, acc *store.Account) (session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(acc.IMAPHost, strconv.Itoa(acc.IMAPPort))
	options := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName:         acc.IMAPHost,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: i.opts.Insecure,
		},
	}

	var (
		client *imapclient.Client
		err    error
	)
	switch {
	case acc.IMAPPort == 993:
		client, err = imapclient.DialTLS(addr, options)
	case i.opts.Insecure:
		client, err = imapclient.DialInsecure(addr, options)
	default:
		client, err = imapclient.DialStartTLS(addr, options)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	username := acc.Username
	if username == "" {
		username = acc.Email
	}

	stop := context.AfterFunc(ctx, func() { client.Close() })
	timer := time.AfterFunc(i.opts.Timeout, func() { client.Close() })

	if err := client.Login(username, acc.Password).Wait(); err != nil {
		stop()
		timer.Stop()
		client.Close()
		return nil, fmt.Errorf("authentication failed for %s: %w", username, err)
	}

	return &clientSession{client: client, release: func() {
		stop()
		timer.Stop()
	}}, nil
}

// clientSession adapts imapclient.Client to session
type clientSession struct {
	client  *imapclient.Client
	release func()
}

func (c *clientSession) Select(folder string) (uint32, error) {
	data, err := c.client.Select(folder, nil).Wait()
	if err != nil {
		return 0, err
	}
	return data.NumMessages, nil
}

func (c *clientSession) Search(criteria *imap.SearchCriteria) ([]imap.UID, error) {
	data, err := c.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, err
	}
	return data.AllUIDs(), nil
}

func (c *clientSession) AddFlags(uids []imap.UID, flags ...imap.Flag) error {
	return c.client.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  flags,
	}, nil).Close()
}

func (c *clientSession) Move(uids []imap.UID, dest string) error {
	_, err := c.client.Move(imap.UIDSetNum(uids...), dest).Wait()
	return err
}

func (c *clientSession) Logout() error {
	defer c.release()
	err := c.client.Logout().Wait()
	c.client.Close()
	return err
}
