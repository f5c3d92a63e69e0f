package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketAccounts        = []byte("accounts")
	bucketMetrics         = []byte("metrics")
	bucketMessageLogs     = []byte("message_logs")
	bucketMessageBySender = []byte("message_logs_by_sender")
	bucketEngagementLogs  = []byte("engagement_logs")
	bucketCampaigns       = []byte("campaigns")
)

// fixed width so that keys sort chronologically
const indexTimeLayout = "2006-01-02T15:04:05.000000000Z"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) a BoltDB file at path
func NewBoltStore(path string) (*BoltStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketAccounts, bucketMetrics, bucketMessageLogs, bucketMessageBySender, bucketEngagementLogs, bucketCampaigns} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// GetAccount retrieves an account by email
func (s *BoltStore) GetAccount(ctx context.Context, email string) (*Account, error) {
	var acc *Account

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get([]byte(Key(email)))
		if data == nil {
			return ErrNotFound
		}
		acc = &Account{}
		return json.Unmarshal(data, acc)
	})
	if err != nil {
		return nil, err
	}

	return acc, nil
}

// ListAccounts returns accounts matching the filter
func (s *BoltStore) ListAccounts(ctx context.Context, filter AccountFilter) ([]*Account, error) {
	var accounts []*Account

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAccounts).Cursor()
		skipped := 0

		for k, v := c.First(); k != nil; k, v = c.Next() {
			var acc Account
			if err := json.Unmarshal(v, &acc); err != nil {
				continue
			}
			if !filter.match(&acc) {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}

			accounts = append(accounts, &acc)
			if filter.Limit > 0 && len(accounts) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return accounts, err
}

// CountAccounts counts accounts matching the filter
func (s *BoltStore) CountAccounts(ctx context.Context, filter AccountFilter) (int, error) {
	filter.Limit, filter.Offset = 0, 0
	accounts, err := s.ListAccounts(ctx, filter)
	return len(accounts), err
}

// InsertAccount stores a new account
func (s *BoltStore) InsertAccount(ctx context.Context, acc *Account) error {
	acc.Email = Key(acc.Email)
	if err := acc.Validate(); err != nil {
		return fmt.Errorf("invalid account: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		key := []byte(acc.Email)
		if b.Get(key) != nil {
			return ErrDuplicate
		}

		data, err := json.Marshal(acc)
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		return b.Put(key, data)
	})
}

// UpdateAccount applies fn to the stored account in a single transaction
func (s *BoltStore) UpdateAccount(ctx context.Context, email string, fn func(acc *Account) error) (*Account, error) {
	var updated Account

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAccounts)
		key := []byte(Key(email))
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}

		var before Account
		if err := json.Unmarshal(data, &before); err != nil {
			return fmt.Errorf("failed to unmarshal account: %w", err)
		}
		updated = before

		if err := fn(&updated); err != nil {
			return err
		}

		// The key and the progression counters are not writable backwards
		updated.Email = before.Email
		if updated.WarmupStage < before.WarmupStage {
			return fmt.Errorf("warmup_stage cannot decrease from %d to %d", before.WarmupStage, updated.WarmupStage)
		}
		if updated.DailyLimit < before.DailyLimit {
			return fmt.Errorf("daily_limit cannot decrease from %d to %d", before.DailyLimit, updated.DailyLimit)
		}
		if err := updated.Validate(); err != nil {
			return fmt.Errorf("invalid account: %w", err)
		}

		newData, err := json.Marshal(&updated)
		if err != nil {
			return fmt.Errorf("failed to marshal account: %w", err)
		}
		return b.Put(key, newData)
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}

// DeleteAccount marks the account deleted without removing the document
func (s *BoltStore) DeleteAccount(ctx context.Context, email string) error {
	_, err := s.UpdateAccount(ctx, email, func(acc *Account) error {
		if acc.DeletedAt == nil {
			now := time.Now().UTC()
			acc.DeletedAt = &now
			acc.UpdatedAt = now
		}
		return nil
	})
	return err
}

// GetMetrics retrieves the metrics record of an account
func (s *BoltStore) GetMetrics(ctx context.Context, email string) (*Metrics, error) {
	var m *Metrics

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMetrics).Get([]byte(Key(email)))
		if data == nil {
			return ErrNotFound
		}
		m = &Metrics{}
		return json.Unmarshal(data, m)
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// PutMetrics inserts or replaces a metrics record
func (s *BoltStore) PutMetrics(ctx context.Context, m *Metrics) error {
	m.Email = Key(m.Email)
	if m.Email == "" {
		return fmt.Errorf("metrics email is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("failed to marshal metrics: %w", err)
		}
		return tx.Bucket(bucketMetrics).Put([]byte(m.Email), data)
	})
}

// AppendMessageLog appends a message log entry and its sender index
func (s *BoltStore) AppendMessageLog(ctx context.Context, entry *MessageLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.SentAt.IsZero() {
		entry.SentAt = time.Now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal message log: %w", err)
		}

		key := makeIndexKey(entry.SentAt, entry.ID)
		if err := tx.Bucket(bucketMessageLogs).Put(key, data); err != nil {
			return fmt.Errorf("failed to store message log: %w", err)
		}

		idx := senderIndexKey(entry.FromEmail, entry.SentAt, entry.ID)
		if err := tx.Bucket(bucketMessageBySender).Put(idx, key); err != nil {
			return fmt.Errorf("failed to add to sender index: %w", err)
		}
		return nil
	})
}

// ListMessageLogs returns message log entries matching the filter
func (s *BoltStore) ListMessageLogs(ctx context.Context, filter LogFilter) ([]*MessageLog, error) {
	var entries []*MessageLog

	err := s.scanMessageLogs(filter, func(entry *MessageLog) bool {
		entries = append(entries, entry)
		return filter.Limit <= 0 || len(entries) < filter.Limit
	})

	return entries, err
}

// CountMessageLogs counts message log entries matching the filter
func (s *BoltStore) CountMessageLogs(ctx context.Context, filter LogFilter) (int, error) {
	count := 0
	err := s.scanMessageLogs(filter, func(*MessageLog) bool {
		count++
		return true
	})
	return count, err
}

// scanMessageLogs walks matching entries in chronological order until fn returns false.
// Filters with a sender use the sender index, others scan the time-ordered bucket.
func (s *BoltStore) scanMessageLogs(filter LogFilter, fn func(*MessageLog) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketMessageLogs)

		visit := func(v []byte) bool {
			var entry MessageLog
			if err := json.Unmarshal(v, &entry); err != nil {
				return true
			}
			if !filter.matchMessage(&entry) {
				return true
			}
			return fn(&entry)
		}

		if filter.FromEmail != "" {
			prefix := []byte(Key(filter.FromEmail) + "|")
			c := tx.Bucket(bucketMessageBySender).Cursor()
			start := prefix
			if !filter.Since.IsZero() {
				start = append(append([]byte{}, prefix...), filter.Since.UTC().Format(indexTimeLayout)...)
			}
			for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				data := logs.Get(v)
				if data == nil {
					continue
				}
				if !visit(data) {
					return nil
				}
			}
			return nil
		}

		c := logs.Cursor()
		k, v := c.First()
		if !filter.Since.IsZero() {
			k, v = c.Seek([]byte(filter.Since.UTC().Format(indexTimeLayout)))
		}
		for ; k != nil; k, v = c.Next() {
			if !visit(v) {
				return nil
			}
		}
		return nil
	})
}

// AppendEngagementLog appends an engagement log entry
func (s *BoltStore) AppendEngagementLog(ctx context.Context, entry *EngagementLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal engagement log: %w", err)
		}
		return tx.Bucket(bucketEngagementLogs).Put(makeIndexKey(entry.Timestamp, entry.ID), data)
	})
}

// ListEngagementLogs returns engagement log entries matching the filter
func (s *BoltStore) ListEngagementLogs(ctx context.Context, filter LogFilter) ([]*EngagementLog, error) {
	var entries []*EngagementLog

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEngagementLogs).Cursor()
		k, v := c.First()
		if !filter.Since.IsZero() {
			k, v = c.Seek([]byte(filter.Since.UTC().Format(indexTimeLayout)))
		}

		for ; k != nil; k, v = c.Next() {
			var entry EngagementLog
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if !filter.matchEngagement(&entry) {
				continue
			}
			entries = append(entries, &entry)
			if filter.Limit > 0 && len(entries) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return entries, err
}

// CountEngagementLogs counts engagement log entries matching the filter
func (s *BoltStore) CountEngagementLogs(ctx context.Context, filter LogFilter) (int, error) {
	filter.Limit = 0
	entries, err := s.ListEngagementLogs(ctx, filter)
	return len(entries), err
}

// GetCampaign retrieves a campaign by ID
func (s *BoltStore) GetCampaign(ctx context.Context, id string) (*Campaign, error) {
	var c *Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCampaigns).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		c = &Campaign{}
		return json.Unmarshal(data, c)
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// ListCampaigns returns campaigns matching the filter
func (s *BoltStore) ListCampaigns(ctx context.Context, filter CampaignFilter) ([]*Campaign, error) {
	var campaigns []*Campaign

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCampaigns).ForEach(func(k, v []byte) error {
			var c Campaign
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if filter.match(&c) {
				campaigns = append(campaigns, &c)
			}
			return nil
		})
	})

	return campaigns, err
}

// InsertCampaign stores a new campaign
func (s *BoltStore) InsertCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid campaign: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		key := []byte(c.ID)
		if b.Get(key) != nil {
			return ErrDuplicate
		}

		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal campaign: %w", err)
		}
		return b.Put(key, data)
	})
}

// UpdateCampaign applies fn to the stored campaign in a single transaction
func (s *BoltStore) UpdateCampaign(ctx context.Context, id string, fn func(c *Campaign) error) (*Campaign, error) {
	var updated Campaign

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		key := []byte(id)
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}

		if err := json.Unmarshal(data, &updated); err != nil {
			return fmt.Errorf("failed to unmarshal campaign: %w", err)
		}
		if err := fn(&updated); err != nil {
			return err
		}

		updated.ID = id
		if err := updated.Validate(); err != nil {
			return fmt.Errorf("invalid campaign: %w", err)
		}

		newData, err := json.Marshal(&updated)
		if err != nil {
			return fmt.Errorf("failed to marshal campaign: %w", err)
		}
		return b.Put(key, newData)
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}

// DeleteCampaign removes a campaign
func (s *BoltStore) DeleteCampaign(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCampaigns)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(id))
	})
}

// PurgeLogs removes log entries older than before
func (s *BoltStore) PurgeLogs(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		return 0, nil
	}

	cutoff := []byte(before.UTC().Format(indexTimeLayout))
	deleted := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketMessageLogs)
		index := tx.Bucket(bucketMessageBySender)

		var toDelete [][]byte
		var indexKeys [][]byte

		c := logs.Cursor()
		for k, v := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, v = c.Next() {
			toDelete = append(toDelete, append([]byte{}, k...))

			var entry MessageLog
			if err := json.Unmarshal(v, &entry); err == nil {
				indexKeys = append(indexKeys, senderIndexKey(entry.FromEmail, entry.SentAt, entry.ID))
			}
		}

		for _, k := range indexKeys {
			if err := index.Delete(k); err != nil {
				return err
			}
		}
		for _, k := range toDelete {
			if err := logs.Delete(k); err != nil {
				return err
			}
			deleted++
		}

		engagements := tx.Bucket(bucketEngagementLogs)
		toDelete = toDelete[:0]
		ec := engagements.Cursor()
		for k, _ := ec.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = ec.Next() {
			toDelete = append(toDelete, append([]byte{}, k...))
		}
		for _, k := range toDelete {
			if err := engagements.Delete(k); err != nil {
				return err
			}
			deleted++
		}

		return nil
	})

	return deleted, err
}

// Stats returns the number of accounts per status, excluding deleted ones
func (s *BoltStore) Stats(ctx context.Context) (map[AccountStatus]int, error) {
	accounts, err := s.ListAccounts(ctx, AccountFilter{})
	if err != nil {
		return nil, err
	}

	stats := make(map[AccountStatus]int)
	for _, acc := range accounts {
		stats[acc.Status]++
	}
	return stats, nil
}

// Close closes the database connection
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(indexTimeLayout) + ":" + id)
}

func senderIndexKey(email string, t time.Time, id string) []byte {
	return []byte(Key(email) + "|" + t.UTC().Format(indexTimeLayout) + ":" + id)
}

// SortByEmail orders accounts by email, for callers merging several lists
func SortByEmail(accounts []*Account) {
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].Email < accounts[j].Email
	})
}
