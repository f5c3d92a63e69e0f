package store

import (
	"fmt"
	"strings"
	"time"
)

// CampaignStatus represents the state of a campaign
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// Valid reports whether s is a known campaign status
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignActive, CampaignPaused, CampaignCompleted:
		return true
	}
	return false
}

// Campaign caps the daily warmup volume of every account of one owner.
// CurrentDailyEmails counts deliveries on CountedOn (a UTC day) and restarts
// from zero on the next day.
type Campaign struct {
	ID                 string         `json:"id"`
	Owner              string         `json:"owner"`
	Name               string         `json:"name"`
	Status             CampaignStatus `json:"status"`
	StartDate          time.Time      `json:"start_date"`
	EndDate            *time.Time     `json:"end_date,omitempty"`
	TargetDailyEmails  int            `json:"target_daily_emails"`
	CurrentDailyEmails int            `json:"current_daily_emails"`
	CountedOn          time.Time      `json:"counted_on"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Validate checks the record invariants enforced at the persistence boundary
func (c *Campaign) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if strings.TrimSpace(c.Owner) == "" {
		return fmt.Errorf("owner is required")
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !c.Status.Valid() {
		return fmt.Errorf("invalid status %q", c.Status)
	}
	if c.TargetDailyEmails < 1 {
		return fmt.Errorf("target_daily_emails must be positive, got %d", c.TargetDailyEmails)
	}
	if c.CurrentDailyEmails < 0 {
		return fmt.Errorf("current_daily_emails must not be negative")
	}
	if c.EndDate != nil && !c.EndDate.After(c.StartDate) {
		return fmt.Errorf("end_date must be after start_date")
	}
	return nil
}

// Running reports whether the campaign caps sends at now
func (c *Campaign) Running(now time.Time) bool {
	if c.Status != CampaignActive || now.Before(c.StartDate) {
		return false
	}
	return c.EndDate == nil || now.Before(*c.EndDate)
}

// Sent returns the deliveries counted on the UTC day of now
func (c *Campaign) Sent(now time.Time) int {
	if !sameDay(c.CountedOn, now) {
		return 0
	}
	return c.CurrentDailyEmails
}

// Remaining returns how many more deliveries the campaign allows on the UTC
// day of now
func (c *Campaign) Remaining(now time.Time) int {
	if r := c.TargetDailyEmails - c.Sent(now); r > 0 {
		return r
	}
	return 0
}

// Count records one delivery at now, restarting the counter on a new day
func (c *Campaign) Count(now time.Time) {
	c.CurrentDailyEmails = c.Sent(now) + 1
	y, m, d := now.UTC().Date()
	c.CountedOn = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Uncount takes back one delivery counted on the UTC day of at
func (c *Campaign) Uncount(at time.Time) {
	if sameDay(c.CountedOn, at) && c.CurrentDailyEmails > 0 {
		c.CurrentDailyEmails--
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// CampaignFilter selects campaigns in ListCampaigns
type CampaignFilter struct {
	Owner  string
	Status CampaignStatus
}

func (f CampaignFilter) match(c *Campaign) bool {
	if f.Owner != "" && c.Owner != f.Owner {
		return false
	}
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	return true
}
