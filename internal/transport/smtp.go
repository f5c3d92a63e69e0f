package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/foxzi/mailwarm/internal/address"
	"github.com/foxzi/mailwarm/internal/dkim"
	"github.com/foxzi/mailwarm/internal/store"
)

// WarmupHeader marks messages sent by the warmup network
const WarmupHeader = "X-Warmup"

// Signers provides DKIM signers for sender addresses
type Signers interface {
	SignerFor(email string) *dkim.Signer
}

// DeliveryError represents a delivery error with type information
type DeliveryError struct {
	Temporary bool
	Message   string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// Options configures SMTP submission
type Options struct {
	// Hostname is sent in EHLO; defaults to the machine hostname
	Hostname string
	// Timeout bounds one submission attempt
	Timeout time.Duration
	// MaxAttempts includes the first try; temporary failures are retried
	// after attempt^2 seconds
	MaxAttempts int
	// Insecure allows plaintext sessions and skips certificate checks
	Insecure bool
	// RelayAddr sends every message through this host:port instead of the
	// sender's own server, e.g. a local sink
	RelayAddr string
}

// SMTPTransport submits warmup messages through each sender's SMTP server
type SMTPTransport struct {
	opts    Options
	signers Signers
	logger  *slog.Logger
	nowFn   func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewSMTPTransport creates a transport
func NewSMTPTransport(opts Options, logger *slog.Logger) *SMTPTransport {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			opts.Hostname = h
		} else {
			opts.Hostname = "localhost"
		}
	}

	return &SMTPTransport{
		opts:   opts,
		logger: logger.With("component", "transport"),
		nowFn:  time.Now,
		sleep:  sleepContext,
	}
}

// SetSigners enables DKIM signing for senders with a configured key
func (t *SMTPTransport) SetSigners(s Signers) {
	t.signers = s
}

// Send submits one message from one account to another and returns its
// Message-ID. Errors are *DeliveryError.
func (t *SMTPTransport) Send(ctx context.Context, from, to *store.Account, subject, body string) (string, error) {
	messageID, data, err := t.buildMessage(from.Email, to.Email, subject, body)
	if err != nil {
		return "", &DeliveryError{Temporary: false, Message: fmt.Sprintf("failed to build message: %v", err)}
	}

	if t.signers != nil {
		if signer := t.signers.SignerFor(from.Email); signer != nil {
			signed, err := signer.Sign(data)
			if err != nil {
				t.logger.Warn("DKIM signing failed, sending unsigned",
					"domain", signer.Domain(),
					"error", err)
			} else {
				data = signed
			}
		}
	}

	var lastErr error
	for attempt := 1; attempt <= t.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt*attempt) * time.Second
			if err := t.sleep(ctx, backoff); err != nil {
				return "", &DeliveryError{Temporary: true, Message: err.Error()}
			}
		}

		err := t.submit(ctx, from, to.Email, data)
		if err == nil {
			return messageID, nil
		}

		lastErr = err
		t.logger.Debug("submission attempt failed",
			"from", from.Email,
			"to", to.Email,
			"attempt", attempt,
			"error", err)

		if !IsTemporaryError(err) || ctx.Err() != nil {
			break
		}
	}

	return "", lastErr
}

func (t *SMTPTransport) buildMessage(from, to, subject, body string) (string, []byte, error) {
	domain := address.DomainOrDefault(from, t.opts.Hostname)
	messageID := uuid.NewString() + "@" + domain

	var h mail.Header
	h.SetDate(t.nowFn())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})
	h.SetSubject(subject)
	h.SetMessageID(messageID)
	h.Set(WarmupHeader, "true")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return "", nil, err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return "", nil, err
	}
	if err := w.Close(); err != nil {
		return "", nil, err
	}

	return messageID, buf.Bytes(), nil
}

// submit runs one SMTP session
func (t *SMTPTransport) submit(ctx context.Context, from *store.Account, to string, data []byte) error {
	host, addr := t.target(from)

	dialer := &net.Dialer{Timeout: t.opts.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("connection failed to %s: %v", addr, err),
		}
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < t.opts.Timeout {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(t.opts.Timeout))
	}

	tlsConfig := &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: t.opts.Insecure,
	}

	implicitTLS := t.opts.RelayAddr == "" && from.SMTPPort == 465
	if implicitTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client := smtp.NewClient(conn)
	defer client.Close()

	if err := client.Hello(t.opts.Hostname); err != nil {
		return categorizeError(err, "EHLO")
	}

	if !implicitTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return categorizeError(err, "STARTTLS")
			}
		} else if !t.opts.Insecure {
			return &DeliveryError{
				Temporary: false,
				Message:   fmt.Sprintf("%s does not offer STARTTLS", addr),
			}
		}
	}

	if ok, _ := client.Extension("AUTH"); ok && from.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", from.Username, from.Password)); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := client.Mail(from.Email, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	if err := client.Rcpt(to, nil); err != nil {
		return categorizeError(err, "RCPT TO "+to)
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return &DeliveryError{
			Temporary: true,
			Message:   fmt.Sprintf("failed to write message data: %v", err),
		}
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	client.Quit()
	return nil
}

func (t *SMTPTransport) target(from *store.Account) (host, addr string) {
	if t.opts.RelayAddr != "" {
		host, _, err := net.SplitHostPort(t.opts.RelayAddr)
		if err != nil {
			host = t.opts.RelayAddr
		}
		return host, t.opts.RelayAddr
	}
	return from.SMTPHost, net.JoinHostPort(from.SMTPHost, strconv.Itoa(from.SMTPPort))
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines if an SMTP error is temporary or permanent
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return &DeliveryError{Temporary: smtpErr.Code/100 != 5, Message: msg}
	}

	if m := smtpCodePattern.FindStringSubmatch(err.Error()); len(m) > 1 {
		return &DeliveryError{Temporary: strings.HasPrefix(m[1], "4"), Message: msg}
	}

	// network and protocol errors without a code are retried
	return &DeliveryError{Temporary: true, Message: msg}
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
