package store

import (
	"fmt"
	"strings"
	"time"
)

// AccountStatus represents the warmup lifecycle state of an account
type AccountStatus string

const (
	StatusPending   AccountStatus = "pending"
	StatusActive    AccountStatus = "active"
	StatusPaused    AccountStatus = "paused"
	StatusCompleted AccountStatus = "completed"
	StatusFailed    AccountStatus = "failed"
)

// Valid reports whether s is a known status
func (s AccountStatus) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusPaused, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Account is a mailbox taking part in the warmup network
type Account struct {
	Email    string `json:"email"`
	Owner    string `json:"owner,omitempty"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
	IMAPHost string `json:"imap_host"`
	IMAPPort int    `json:"imap_port"`
	Username string `json:"username"`
	Password string `json:"password"`

	Status           AccountStatus `json:"status"`
	WarmupStage      int           `json:"warmup_stage"`
	DailyLimit       int           `json:"daily_limit"`
	CurrentDailySent int           `json:"current_daily_sent"`

	TotalWarmupEmails    int     `json:"total_warmup_emails"`
	SuccessfulDeliveries int     `json:"successful_deliveries"`
	FailedDeliveries     int     `json:"failed_deliveries"`
	SpamIncidents        int     `json:"spam_incidents"`
	SpamScore            float64 `json:"spam_score"`
	InboxPlacementRate   float64 `json:"inbox_placement_rate"`

	StageStartedAt time.Time  `json:"stage_started_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastWarmup     *time.Time `json:"last_warmup,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// Key returns the normalized storage key for an email address
func Key(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Deleted reports whether the account was soft-deleted
func (a *Account) Deleted() bool {
	return a.DeletedAt != nil
}

// Remaining returns how many more messages the account may send today
func (a *Account) Remaining() int {
	if r := a.DailyLimit - a.CurrentDailySent; r > 0 {
		return r
	}
	return 0
}

// Validate checks the record invariants enforced at the persistence boundary
func (a *Account) Validate() error {
	if Key(a.Email) == "" {
		return fmt.Errorf("email is required")
	}
	if !a.Status.Valid() {
		return fmt.Errorf("invalid status %q", a.Status)
	}
	if a.WarmupStage < 1 {
		return fmt.Errorf("warmup_stage must be positive, got %d", a.WarmupStage)
	}
	if a.DailyLimit < 1 {
		return fmt.Errorf("daily_limit must be positive, got %d", a.DailyLimit)
	}
	if a.CurrentDailySent < 0 {
		return fmt.Errorf("current_daily_sent must not be negative")
	}
	if a.Status == StatusActive && a.CurrentDailySent > a.DailyLimit {
		return fmt.Errorf("current_daily_sent %d exceeds daily_limit %d", a.CurrentDailySent, a.DailyLimit)
	}
	if a.SpamScore < 0 || a.SpamScore > 1 {
		return fmt.Errorf("spam_score must be in [0,1]")
	}
	if a.InboxPlacementRate < 0 || a.InboxPlacementRate > 1 {
		return fmt.Errorf("inbox_placement_rate must be in [0,1]")
	}
	return nil
}

// AccountFilter selects accounts in ListAccounts and CountAccounts
type AccountFilter struct {
	Status         AccountStatus
	Owner          string
	IncludeDeleted bool
	Limit          int
	Offset         int
}

func (f AccountFilter) match(a *Account) bool {
	if !f.IncludeDeleted && a.Deleted() {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Owner != "" && a.Owner != f.Owner {
		return false
	}
	return true
}
