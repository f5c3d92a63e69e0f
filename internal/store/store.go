package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a keyed record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrDuplicate is returned when inserting a record whose key exists
	ErrDuplicate = errors.New("record already exists")
)

// Store defines the persistence operations used by the warmup engine
type Store interface {
	// GetAccount returns the account by email, including soft-deleted ones
	GetAccount(ctx context.Context, email string) (*Account, error)

	// ListAccounts returns accounts matching the filter ordered by email
	ListAccounts(ctx context.Context, filter AccountFilter) ([]*Account, error)

	// CountAccounts counts accounts matching the filter
	CountAccounts(ctx context.Context, filter AccountFilter) (int, error)

	// InsertAccount stores a new account
	// Returns ErrDuplicate if the email is already registered
	InsertAccount(ctx context.Context, acc *Account) error

	// UpdateAccount applies fn to the stored account atomically and returns
	// the updated copy. Returning an error from fn aborts the update.
	UpdateAccount(ctx context.Context, email string, fn func(acc *Account) error) (*Account, error)

	// DeleteAccount soft-deletes an account so that logs keep their referent
	DeleteAccount(ctx context.Context, email string) error

	// GetMetrics returns the metrics record of an account
	GetMetrics(ctx context.Context, email string) (*Metrics, error)

	// PutMetrics inserts or replaces the metrics record of an account
	PutMetrics(ctx context.Context, m *Metrics) error

	// AppendMessageLog appends a send attempt record, assigning an ID if empty
	AppendMessageLog(ctx context.Context, entry *MessageLog) error

	// ListMessageLogs returns message log entries in chronological order
	ListMessageLogs(ctx context.Context, filter LogFilter) ([]*MessageLog, error)

	// CountMessageLogs counts message log entries matching the filter
	CountMessageLogs(ctx context.Context, filter LogFilter) (int, error)

	// AppendEngagementLog appends an engagement record, assigning an ID if empty
	AppendEngagementLog(ctx context.Context, entry *EngagementLog) error

	// ListEngagementLogs returns engagement log entries in chronological order
	ListEngagementLogs(ctx context.Context, filter LogFilter) ([]*EngagementLog, error)

	// CountEngagementLogs counts engagement log entries matching the filter
	CountEngagementLogs(ctx context.Context, filter LogFilter) (int, error)

	// GetCampaign returns the campaign by ID
	GetCampaign(ctx context.Context, id string) (*Campaign, error)

	// ListCampaigns returns campaigns matching the filter ordered by ID
	ListCampaigns(ctx context.Context, filter CampaignFilter) ([]*Campaign, error)

	// InsertCampaign stores a new campaign, assigning an ID if empty
	InsertCampaign(ctx context.Context, c *Campaign) error

	// UpdateCampaign applies fn to the stored campaign atomically and returns
	// the updated copy. Returning an error from fn aborts the update.
	UpdateCampaign(ctx context.Context, id string, fn func(c *Campaign) error) (*Campaign, error)

	// DeleteCampaign removes a campaign. Logs keep its ID.
	DeleteCampaign(ctx context.Context, id string) error

	// PurgeLogs removes message and engagement log entries older than before
	PurgeLogs(ctx context.Context, before time.Time) (int, error)

	// Close closes the storage connection
	Close() error
}
