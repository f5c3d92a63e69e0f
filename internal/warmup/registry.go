package warmup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/go-playground/validator/v10"

	"github.com/foxzi/mailwarm/internal/address"
	"github.com/foxzi/mailwarm/internal/store"
)

// AllowedSMTPPorts are the submission ports accepted at registration
var AllowedSMTPPorts = map[int]bool{25: true, 465: true, 587: true, 2525: true}

// MXChecker reports whether a domain can receive mail
type MXChecker interface {
	HasMX(ctx context.Context, domain string) (bool, error)
}

// RegisterRequest is the input for adding an account to the network
type RegisterRequest struct {
	Email      string `json:"email" validate:"required,email,max=254"`
	Owner      string `json:"owner,omitempty" validate:"omitempty,max=128"`
	SMTPHost   string `json:"smtp_host" validate:"required,hostname_rfc1123|ip"`
	SMTPPort   int    `json:"smtp_port" validate:"required"`
	IMAPHost   string `json:"imap_host" validate:"required,hostname_rfc1123|ip"`
	IMAPPort   int    `json:"imap_port" validate:"required,min=1,max=65535"`
	Username   string `json:"username" validate:"required,max=254"`
	Password   string `json:"password" validate:"required"`
	DailyLimit int    `json:"daily_limit,omitempty" validate:"omitempty,min=1,max=100000"`
}

// RegistryOptions controls optional registration checks
type RegistryOptions struct {
	// CheckMX rejects emails whose domain has no MX record
	CheckMX bool
	// Probe sends a message from the account to itself and activates it on success
	Probe bool
}

// Registry manages the account lifecycle
type Registry struct {
	store     store.Store
	transport Transport
	mx        MXChecker
	clock     Clock
	settings  Settings
	opts      RegistryOptions
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewRegistry creates a registry. transport and mx may be nil when the
// corresponding option is off.
func NewRegistry(s store.Store, transport Transport, mx MXChecker, clock Clock, settings Settings, opts RegistryOptions, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New()
	v.RegisterTagNameFunc(jsonFieldName)

	return &Registry{
		store:     s,
		transport: transport,
		mx:        mx,
		clock:     clock,
		settings:  settings,
		opts:      opts,
		validate:  v,
		logger:    logger.With("component", "registry"),
	}
}

// Register validates req and stores a new pending account with an empty
// metrics record. With probing enabled the account is activated when a
// message to itself goes through.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*store.Account, error) {
	req.Email = store.Key(req.Email)
	if err := r.check(ctx, &req); err != nil {
		return nil, err
	}

	if _, err := r.store.GetAccount(ctx, req.Email); err == nil {
		return nil, fmt.Errorf("%s: %w", req.Email, ErrDuplicateAccount)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	limit := req.DailyLimit
	if limit == 0 {
		limit = r.settings.DefaultDailyLimit
	}

	now := r.clock.Now()
	acc := &store.Account{
		Email:          req.Email,
		Owner:          req.Owner,
		SMTPHost:       req.SMTPHost,
		SMTPPort:       req.SMTPPort,
		IMAPHost:       req.IMAPHost,
		IMAPPort:       req.IMAPPort,
		Username:       req.Username,
		Password:       req.Password,
		Status:         store.StatusPending,
		WarmupStage:    1,
		DailyLimit:     limit,
		StageStartedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := r.store.InsertAccount(ctx, acc); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%s: %w", req.Email, ErrDuplicateAccount)
		}
		return nil, fmt.Errorf("failed to store account: %w", err)
	}

	if err := r.store.PutMetrics(ctx, &store.Metrics{Email: acc.Email, LastUpdated: now}); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	r.logger.Info("account registered", "email", acc.Email, "owner", acc.Owner)

	if r.opts.Probe && r.transport != nil {
		return r.probe(ctx, acc)
	}
	return acc, nil
}

func (r *Registry) check(ctx context.Context, req *RegisterRequest) error {
	if err := r.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fe.Field(), Reason: describeTag(fe)}
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if err := checkmail.ValidateFormat(req.Email); err != nil {
		return &ValidationError{Field: "email", Reason: err.Error()}
	}

	if !AllowedSMTPPorts[req.SMTPPort] {
		return &ValidationError{Field: "smtp_port", Reason: fmt.Sprintf("port %d not in 25, 465, 587, 2525", req.SMTPPort)}
	}

	if r.opts.CheckMX && r.mx != nil {
		domain := address.Domain(req.Email)
		ok, err := r.mx.HasMX(ctx, domain)
		if err != nil {
			return &ValidationError{Field: "email", Reason: fmt.Sprintf("mx lookup for %s failed: %v", domain, err)}
		}
		if !ok {
			return &ValidationError{Field: "email", Reason: fmt.Sprintf("domain %s has no mx record", domain)}
		}
	}

	return nil
}

func (r *Registry) probe(ctx context.Context, acc *store.Account) (*store.Account, error) {
	subject := "mailwarm connectivity check"
	_, sendErr := r.transport.Send(ctx, acc, acc, subject, "This message verifies the account can send mail.")

	updated, err := r.store.UpdateAccount(ctx, acc.Email, func(a *store.Account) error {
		a.UpdatedAt = r.clock.Now()
		if sendErr != nil {
			a.LastError = sendErr.Error()
			return nil
		}
		a.LastError = ""
		a.Status = store.StatusActive
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store probe result: %w", err)
	}

	if sendErr != nil {
		r.logger.Warn("account probe failed, left pending", "email", acc.Email, "error", sendErr)
	} else {
		r.logger.Info("account activated by probe", "email", acc.Email)
	}
	return updated, nil
}

// Get returns a non-deleted account
func (r *Registry) Get(ctx context.Context, email string) (*store.Account, error) {
	acc, err := r.store.GetAccount(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", store.Key(email), ErrAccountNotFound)
		}
		return nil, err
	}
	if acc.Deleted() {
		return nil, fmt.Errorf("%s: %w", store.Key(email), ErrAccountNotFound)
	}
	return acc, nil
}

// Activate moves a pending or failed account to active
func (r *Registry) Activate(ctx context.Context, email string) (*store.Account, error) {
	return r.transition(ctx, email, store.StatusActive, store.StatusPending, store.StatusFailed)
}

// Pause stops cycles for an active or pending account
func (r *Registry) Pause(ctx context.Context, email string) (*store.Account, error) {
	return r.transition(ctx, email, store.StatusPaused, store.StatusActive, store.StatusPending)
}

// Resume reactivates a paused account
func (r *Registry) Resume(ctx context.Context, email string) (*store.Account, error) {
	return r.transition(ctx, email, store.StatusActive, store.StatusPaused)
}

// Complete ends warmup for an account
func (r *Registry) Complete(ctx context.Context, email string) (*store.Account, error) {
	return r.transition(ctx, email, store.StatusCompleted, store.StatusActive, store.StatusPaused)
}

// Fail marks an account failed with a reason
func (r *Registry) Fail(ctx context.Context, email, reason string) (*store.Account, error) {
	acc, err := r.transition(ctx, email, store.StatusFailed, store.StatusPending, store.StatusActive, store.StatusPaused)
	if err != nil {
		return nil, err
	}
	return r.store.UpdateAccount(ctx, acc.Email, func(a *store.Account) error {
		a.LastError = reason
		return nil
	})
}

// Delete soft-deletes an account so its logs keep their referent
func (r *Registry) Delete(ctx context.Context, email string) error {
	if _, err := r.Get(ctx, email); err != nil {
		return err
	}
	if err := r.store.DeleteAccount(ctx, email); err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	r.logger.Info("account deleted", "email", store.Key(email))
	return nil
}

func (r *Registry) transition(ctx context.Context, email string, to store.AccountStatus, from ...store.AccountStatus) (*store.Account, error) {
	acc, err := r.store.UpdateAccount(ctx, email, func(a *store.Account) error {
		if a.Deleted() {
			return store.ErrNotFound
		}
		if a.Status == to {
			return nil
		}
		for _, s := range from {
			if a.Status == s {
				a.Status = to
				a.UpdatedAt = r.clock.Now()
				if to == store.StatusActive && a.CurrentDailySent > a.DailyLimit {
					a.CurrentDailySent = a.DailyLimit
				}
				return nil
			}
		}
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("cannot change %s to %s", a.Status, to)}
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", store.Key(email), ErrAccountNotFound)
		}
		return nil, err
	}

	r.logger.Info("account status changed", "email", acc.Email, "status", acc.Status)
	return acc, nil
}

func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" || name == "" {
		return fld.Name
	}
	return name
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "hostname_rfc1123|ip":
		return "must be a hostname or IP address"
	default:
		return "is invalid"
	}
}
