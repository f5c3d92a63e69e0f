package store

import (
	"time"
)

// Metrics is the rolling deliverability summary of one account
type Metrics struct {
	Email               string    `json:"email"`
	TotalSent           int       `json:"total_sent"`
	TotalReceived       int       `json:"total_received"`
	InboxPlacement      int       `json:"inbox_placement"`
	SpamCount           int       `json:"spam_count"`
	BounceCount         int       `json:"bounce_count"`
	ReplyCount          int       `json:"reply_count"`
	DaysInStage         int       `json:"days_in_stage"`
	EngagementRate      float64   `json:"engagement_rate"`
	AverageResponseTime *float64  `json:"average_response_time,omitempty"` // seconds
	SuccessRate         float64   `json:"success_rate"`
	LastUpdated         time.Time `json:"last_updated"`
}

// MessageKind distinguishes why a message was sent
type MessageKind string

const (
	KindWarmup MessageKind = "warmup"
	KindReply  MessageKind = "reply"
	KindProbe  MessageKind = "probe"
)

// MessageLog records one send attempt. Entries are append-only.
type MessageLog struct {
	ID         string      `json:"id"`
	CycleID    string      `json:"cycle_id,omitempty"`
	CampaignID string      `json:"campaign_id,omitempty"`
	FromEmail  string      `json:"from_email"`
	ToEmail    string      `json:"to_email"`
	Subject    string      `json:"subject"`
	MessageID  string      `json:"message_id,omitempty"`
	Kind       MessageKind `json:"kind"`
	SentAt     time.Time   `json:"sent_at"`
	Delivered  bool        `json:"delivered"`
	Opened     bool        `json:"opened"`
	Replied    bool        `json:"replied"`
	SpamScore  *float64    `json:"spam_score,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// EngagementAction is a simulated recipient action
type EngagementAction string

const (
	ActionRead          EngagementAction = "read"
	ActionReply         EngagementAction = "reply"
	ActionMarkImportant EngagementAction = "mark_important"
	ActionMoveToPrimary EngagementAction = "move_to_primary"
)

// EngagementLog records one simulated engagement. Entries are append-only.
type EngagementLog struct {
	ID        string           `json:"id"`
	CycleID   string           `json:"cycle_id,omitempty"`
	FromEmail string           `json:"from_email"` // the engaging recipient
	ToEmail   string           `json:"to_email"`   // the original sender
	Action    EngagementAction `json:"action"`
	MessageID string           `json:"message_id,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Error     string           `json:"error,omitempty"`
}

// LogFilter selects message and engagement log entries.
// Zero fields are ignored; Since and Until are inclusive.
type LogFilter struct {
	FromEmail  string
	ToEmail    string
	CycleID    string
	CampaignID string
	Kind       MessageKind
	Delivered  *bool
	Since      time.Time
	Until      time.Time
	Limit      int
}

func (f LogFilter) matchTime(t time.Time) bool {
	if !f.Since.IsZero() && t.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && t.After(f.Until) {
		return false
	}
	return true
}

func (f LogFilter) matchMessage(l *MessageLog) bool {
	if f.FromEmail != "" && Key(l.FromEmail) != Key(f.FromEmail) {
		return false
	}
	if f.ToEmail != "" && Key(l.ToEmail) != Key(f.ToEmail) {
		return false
	}
	if f.CycleID != "" && l.CycleID != f.CycleID {
		return false
	}
	if f.CampaignID != "" && l.CampaignID != f.CampaignID {
		return false
	}
	if f.Kind != "" && l.Kind != f.Kind {
		return false
	}
	if f.Delivered != nil && l.Delivered != *f.Delivered {
		return false
	}
	return f.matchTime(l.SentAt)
}

func (f LogFilter) matchEngagement(l *EngagementLog) bool {
	if f.FromEmail != "" && Key(l.FromEmail) != Key(f.FromEmail) {
		return false
	}
	if f.ToEmail != "" && Key(l.ToEmail) != Key(f.ToEmail) {
		return false
	}
	if f.CycleID != "" && l.CycleID != f.CycleID {
		return false
	}
	return f.matchTime(l.Timestamp)
}

// Bool returns a pointer to b, for LogFilter.Delivered
func Bool(b bool) *bool {
	return &b
}
