package warmup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/foxzi/mailwarm/internal/store"
)

// CampaignRequest is the input for creating or replacing a campaign
type CampaignRequest struct {
	Owner             string               `json:"owner" validate:"required,max=128"`
	Name              string               `json:"name" validate:"required,max=128"`
	Status            store.CampaignStatus `json:"status,omitempty" validate:"omitempty,oneof=active paused completed"`
	StartDate         *time.Time           `json:"start_date,omitempty"`
	EndDate           *time.Time           `json:"end_date,omitempty"`
	TargetDailyEmails int                  `json:"target_daily_emails" validate:"required,min=1,max=100000"`
}

// Campaigns manages campaign records
type Campaigns struct {
	store    store.Store
	clock    Clock
	validate *validator.Validate
	logger   *slog.Logger
}

// NewCampaigns creates a campaign manager
func NewCampaigns(s store.Store, clock Clock, logger *slog.Logger) *Campaigns {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	v := validator.New()
	v.RegisterTagNameFunc(jsonFieldName)

	return &Campaigns{
		store:    s,
		clock:    clock,
		validate: v,
		logger:   logger.With("component", "campaigns"),
	}
}

func (m *Campaigns) check(req *CampaignRequest) error {
	if err := m.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{Field: fe.Field(), Reason: describeTag(fe)}
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.StartDate != nil && req.EndDate != nil && !req.EndDate.After(*req.StartDate) {
		return &ValidationError{Field: "end_date", Reason: "must be after start_date"}
	}
	return nil
}

func (m *Campaigns) apply(c *store.Campaign, req *CampaignRequest) {
	c.Owner = req.Owner
	c.Name = req.Name
	if req.Status != "" {
		c.Status = req.Status
	}
	if req.StartDate != nil {
		c.StartDate = req.StartDate.UTC()
	}
	c.EndDate = nil
	if req.EndDate != nil {
		end := req.EndDate.UTC()
		c.EndDate = &end
	}
	c.TargetDailyEmails = req.TargetDailyEmails
}

// Create stores a new campaign. It starts now and is active unless the
// request says otherwise.
func (m *Campaigns) Create(ctx context.Context, req CampaignRequest) (*store.Campaign, error) {
	if err := m.check(&req); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	c := &store.Campaign{
		Status:    store.CampaignActive,
		StartDate: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.apply(c, &req)
	if c.EndDate != nil && !c.EndDate.After(c.StartDate) {
		return nil, &ValidationError{Field: "end_date", Reason: "must be after start_date"}
	}

	if err := m.store.InsertCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to store campaign: %w", err)
	}

	m.logger.Info("campaign created", "id", c.ID, "owner", c.Owner, "target_daily_emails", c.TargetDailyEmails)
	return c, nil
}

// Get returns a campaign by ID
func (m *Campaigns) Get(ctx context.Context, id string) (*store.Campaign, error) {
	c, err := m.store.GetCampaign(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrCampaignNotFound)
		}
		return nil, err
	}
	return c, nil
}

// List returns campaigns matching filter
func (m *Campaigns) List(ctx context.Context, filter store.CampaignFilter) ([]*store.Campaign, error) {
	return m.store.ListCampaigns(ctx, filter)
}

// Update replaces the editable fields of a campaign. The daily counter is kept.
func (m *Campaigns) Update(ctx context.Context, id string, req CampaignRequest) (*store.Campaign, error) {
	if err := m.check(&req); err != nil {
		return nil, err
	}

	c, err := m.store.UpdateCampaign(ctx, id, func(c *store.Campaign) error {
		m.apply(c, &req)
		if c.EndDate != nil && !c.EndDate.After(c.StartDate) {
			return &ValidationError{Field: "end_date", Reason: "must be after start_date"}
		}
		c.UpdatedAt = m.clock.Now()
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrCampaignNotFound)
		}
		return nil, err
	}

	m.logger.Info("campaign updated", "id", c.ID, "status", c.Status)
	return c, nil
}

// Delete removes a campaign; logs keep its ID
func (m *Campaigns) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteCampaign(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, ErrCampaignNotFound)
		}
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	m.logger.Info("campaign deleted", "id", id)
	return nil
}

// runningCampaign returns the running campaign of owner with the fewest
// deliveries left today, or nil when none caps the owner.
func runningCampaign(ctx context.Context, s store.Store, owner string, now time.Time) (*store.Campaign, error) {
	if owner == "" {
		return nil, nil
	}

	campaigns, err := s.ListCampaigns(ctx, store.CampaignFilter{Owner: owner, Status: store.CampaignActive})
	if err != nil {
		return nil, err
	}

	var best *store.Campaign
	for _, c := range campaigns {
		if !c.Running(now) {
			continue
		}
		if best == nil || c.Remaining(now) < best.Remaining(now) {
			best = c
		}
	}
	return best, nil
}

var errCampaignFull = errors.New("campaign daily target reached")

// reserveCampaign counts one delivery against the campaign before it is
// attempted. It reports false once the target is reached or the campaign
// stopped running.
func reserveCampaign(ctx context.Context, s store.Store, id string, now time.Time) (bool, error) {
	_, err := s.UpdateCampaign(ctx, id, func(c *store.Campaign) error {
		if !c.Running(now) || c.Remaining(now) == 0 {
			return errCampaignFull
		}
		c.Count(now)
		return nil
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, errCampaignFull), errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, fmt.Errorf("failed to reserve campaign send: %w", err)
	}
}

// releaseCampaign gives back a reservation whose send failed
func releaseCampaign(ctx context.Context, s store.Store, id string, at time.Time) error {
	_, err := s.UpdateCampaign(ctx, id, func(c *store.Campaign) error {
		c.Uncount(at)
		return nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to release campaign send: %w", err)
	}
	return nil
}
