package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSink = []byte("sink")

// Message is a message accepted by the sink
type Message struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	To         []string  `json:"to"`
	Subject    string    `json:"subject"`
	MessageID  string    `json:"message_id"`
	Warmup     bool      `json:"warmup"`
	Domain     string    `json:"domain"` // Recipient domain
	Data       []byte    `json:"data,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	AuthUser   string    `json:"auth_user,omitempty"`
	ClientIP   string    `json:"client_ip,omitempty"`
}

// Storage keeps sink messages in bbolt, ordered by arrival
type Storage struct {
	db    *bolt.DB
	owned bool
}

// NewStorage creates sink storage using the provided BoltDB instance
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSink)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sink bucket: %w", err)
	}

	return &Storage{db: db}, nil
}

// Open opens a dedicated BoltDB file for sink messages
func Open(path string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create sink directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open sink database: %w", err)
	}

	s, err := NewStorage(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// Close closes the database if it was opened by Open
func (s *Storage) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

// Save stores a message
func (s *Storage) Save(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSink).Put(makeIndexKey(msg.ReceivedAt, msg.ID), data)
	})
}

// FindByMessageID returns the message with the given Message-ID header, or nil
func (s *Storage) FindByMessageID(ctx context.Context, messageID string) (*Message, error) {
	var found *Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSink).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var m Message
			if err := json.Unmarshal(v, &m); err != nil {
				continue
			}
			if m.MessageID == messageID {
				found = &m
				return nil
			}
		}
		return nil
	})

	return found, err
}

// ListFilter contains filters for listing messages
type ListFilter struct {
	Domain string
	From   string
	Limit  int
	Offset int
}

// List returns messages matching the filter, newest first, without bodies
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Message, error) {
	var messages []*Message

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSink).Cursor()

		skipped := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				continue
			}

			if filter.Domain != "" && msg.Domain != filter.Domain {
				continue
			}
			if filter.From != "" && msg.From != filter.From {
				continue
			}

			if skipped < filter.Offset {
				skipped++
				continue
			}

			msg.Data = nil
			messages = append(messages, &msg)

			if filter.Limit > 0 && len(messages) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return messages, err
}

// Clear removes messages older than olderThan; zero removes everything
func (s *Storage) Clear(ctx context.Context, olderThan time.Duration) (int, error) {
	var count int
	cutoff := time.Now().Add(-olderThan)

	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketSink)
		c := bucket.Cursor()

		var keysToDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if olderThan > 0 {
				var msg Message
				if err := json.Unmarshal(v, &msg); err == nil && msg.ReceivedAt.After(cutoff) {
					continue
				}
			}
			keysToDelete = append(keysToDelete, append([]byte(nil), k...))
		}

		for _, k := range keysToDelete {
			if err := bucket.Delete(k); err != nil {
				return err
			}
			count++
		}
		return nil
	})

	return count, err
}

// Stats summarizes the sink contents
type Stats struct {
	Total    int64            `json:"total"`
	Warmup   int64            `json:"warmup"`
	ByDomain map[string]int64 `json:"by_domain"`
	NewestAt time.Time        `json:"newest_at,omitempty"`
}

// Stats returns sink statistics
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByDomain: make(map[string]int64)}

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSink).ForEach(func(k, v []byte) error {
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return nil
			}
			stats.Total++
			if msg.Warmup {
				stats.Warmup++
			}
			stats.ByDomain[msg.Domain]++
			if msg.ReceivedAt.After(stats.NewestAt) {
				stats.NewestAt = msg.ReceivedAt
			}
			return nil
		})
	})

	return stats, err
}

func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + ":" + id)
}
