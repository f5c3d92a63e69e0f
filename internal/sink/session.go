package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/foxzi/mailwarm/internal/address"
	"github.com/foxzi/mailwarm/internal/metrics"
	"github.com/foxzi/mailwarm/internal/ratelimit"
)

// Session implements smtp.Session and smtp.AuthSession for go-smtp
type Session struct {
	backend  *Backend
	conn     *smtp.Conn
	clientIP string
	from     string
	to       []string
	authUser string
	logger   *slog.Logger
}

// NewSession creates a new sink session
func NewSession(b *Backend, c *smtp.Conn) *Session {
	remote := c.Conn().RemoteAddr().String()
	ip, _, err := net.SplitHostPort(remote)
	if err != nil {
		ip = remote
	}

	return &Session{
		backend:  b,
		conn:     c,
		clientIP: ip,
		logger:   b.logger.With("remote_addr", remote),
	}
}

// AuthMechanisms returns supported authentication mechanisms
func (s *Session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

// Auth handles authentication
func (s *Session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}

	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errors.New("identity must be empty or match username")
		}

		if s.backend.CheckAuthBlocked(s.clientIP) {
			return &smtp.SMTPError{
				Code:         421,
				EnhancedCode: smtp.EnhancedCode{4, 7, 0},
				Message:      "Too many failed attempts, try again later",
			}
		}

		if s.backend.auth == nil || s.backend.auth.Users == nil {
			return errors.New("authentication not configured")
		}

		if !s.backend.auth.Verify(username, password) {
			s.logger.Warn("authentication failed", "username", username)
			s.backend.RecordAuthFailure(s.clientIP)
			return smtp.ErrAuthFailed
		}

		s.backend.ClearAuthFailure(s.clientIP)
		s.authUser = username
		s.logger.Debug("authentication successful", "username", username)
		return nil
	}), nil
}

// Mail handles MAIL FROM command
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	if s.backend.auth != nil && s.backend.auth.Required && s.authUser == "" {
		return &smtp.SMTPError{
			Code:    530,
			Message: "Authentication required",
		}
	}

	s.from = from
	return nil
}

// Rcpt handles RCPT TO command
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	err := s.backend.CheckRateLimit(context.Background(), &ratelimit.Request{
		Domain:    address.Domain(s.from),
		Sender:    strings.ToLower(s.from),
		Recipient: address.Domain(to),
	})
	if err != nil {
		return err
	}

	s.to = append(s.to, to)
	return nil
}

// Data handles DATA command
func (s *Session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return &smtp.SMTPError{
			Code:    442,
			Message: "Failed to read message data",
		}
	}

	msg := &Message{
		ID:         uuid.NewString(),
		From:       s.from,
		To:         s.to,
		Data:       data,
		ReceivedAt: s.backend.nowFn().UTC(),
		AuthUser:   s.authUser,
		ClientIP:   s.clientIP,
	}
	if len(s.to) > 0 {
		msg.Domain = address.Domain(s.to[0])
	}

	if mr, err := mail.CreateReader(bytes.NewReader(data)); err == nil {
		msg.Subject, _ = mr.Header.Subject()
		msg.MessageID, _ = mr.Header.MessageID()
		msg.Warmup = mr.Header.Get("X-Warmup") == "true"
		mr.Close()
	}

	if err := s.backend.recorder.Save(context.Background(), msg); err != nil {
		s.logger.Error("failed to record message", "error", err)
		return &smtp.SMTPError{
			Code:    451,
			Message: "Failed to store message",
		}
	}

	metrics.IncSinkMessages(msg.Domain)

	s.logger.Info("message accepted",
		"id", msg.ID,
		"from", s.from,
		"to", s.to,
		"message_id", msg.MessageID,
		"size", len(data),
	)

	return nil
}

// Reset resets the session state
func (s *Session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout handles session logout
func (s *Session) Logout() error {
	return nil
}
