package sink

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-smtp"
	"golang.org/x/crypto/bcrypt"

	"github.com/foxzi/mailwarm/internal/metrics"
	"github.com/foxzi/mailwarm/internal/ratelimit"
)

// Recorder persists accepted messages
type Recorder interface {
	Save(ctx context.Context, msg *Message) error
}

// AuthConfig holds SMTP AUTH settings for the sink. Passwords are either
// plaintext or bcrypt hashes.
type AuthConfig struct {
	Required bool              `yaml:"required"`
	Users    map[string]string `yaml:"users"`
}

// Verify checks a username and password against the configured users
func (a *AuthConfig) Verify(username, password string) bool {
	expected, ok := a.Users[username]
	if !ok {
		return false
	}
	if isBcryptHash(expected) {
		return bcrypt.CompareHashAndPassword([]byte(expected), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(password)) == 1
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && (strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$"))
}

// HashPassword returns a bcrypt hash suitable for auth.users
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// authFailure tracks failed auth attempts
type authFailure struct {
	count     int
	lastFail  time.Time
	blockedAt time.Time
}

// Backend implements smtp.Backend for go-smtp
type Backend struct {
	recorder    Recorder
	auth        *AuthConfig
	logger      *slog.Logger
	rateLimiter *ratelimit.Limiter
	nowFn       func() time.Time

	authFailures map[string]*authFailure
	authMu       sync.RWMutex
}

// NewBackend creates a new sink backend
func NewBackend(rec Recorder, auth *AuthConfig, logger *slog.Logger) *Backend {
	return &Backend{
		recorder:     rec,
		auth:         auth,
		logger:       logger,
		nowFn:        time.Now,
		authFailures: make(map[string]*authFailure),
	}
}

// SetRateLimiter makes the sink defer mail over recipient-domain limits,
// the way a receiving provider throttles new senders
func (b *Backend) SetRateLimiter(rl *ratelimit.Limiter) {
	b.rateLimiter = rl
}

// CheckRateLimit checks if the request is within rate limits
func (b *Backend) CheckRateLimit(ctx context.Context, req *ratelimit.Request) error {
	if b.rateLimiter == nil {
		return nil
	}

	result, err := b.rateLimiter.Allow(ctx, req)
	if err != nil {
		b.logger.Error("rate limit check error", "error", err)
		return nil
	}

	if !result.Allowed {
		b.logger.Warn("rate limit exceeded",
			"level", result.DeniedBy,
			"key", result.DeniedKey,
			"retry_after", result.RetryAfter,
		)
		metrics.IncRateLimitExceeded(string(result.DeniedBy))

		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 7, 1},
			Message:      "Rate limit exceeded, try again later",
		}
	}

	return nil
}

const (
	maxAuthFailures   = 5
	authBlockDuration = 15 * time.Minute
	authFailureWindow = 5 * time.Minute
)

// CheckAuthBlocked checks if IP is blocked due to too many auth failures
func (b *Backend) CheckAuthBlocked(ip string) bool {
	b.authMu.RLock()
	defer b.authMu.RUnlock()

	if f, ok := b.authFailures[ip]; ok {
		if !f.blockedAt.IsZero() && b.nowFn().Sub(f.blockedAt) < authBlockDuration {
			return true
		}
	}
	return false
}

// RecordAuthFailure records a failed auth attempt and reports whether the
// IP is now blocked
func (b *Backend) RecordAuthFailure(ip string) bool {
	b.authMu.Lock()
	defer b.authMu.Unlock()

	now := b.nowFn()
	f, ok := b.authFailures[ip]
	if !ok {
		f = &authFailure{}
		b.authFailures[ip] = f
	}

	if now.Sub(f.lastFail) > authFailureWindow {
		f.count = 0
		f.blockedAt = time.Time{}
	}

	f.count++
	f.lastFail = now

	if f.count >= maxAuthFailures {
		f.blockedAt = now
		b.logger.Warn("IP blocked due to auth failures", "ip", ip, "failures", f.count)
		return true
	}

	return false
}

// ClearAuthFailure clears auth failure record on successful auth
func (b *Backend) ClearAuthFailure(ip string) {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	delete(b.authFailures, ip)
}

// NewSession is called when a new SMTP connection is established
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return NewSession(b, c), nil
}
