package dns

import (
	"context"
	"errors"
	"net"
	"sort"
	"strings"
	"sync"
	"time"
)

// MXRecord represents an MX record
type MXRecord struct {
	Host     string
	Priority uint16
}

// Resolver performs MX lookups with caching. Registration uses it to reject
// addresses whose domain cannot receive mail.
type Resolver struct {
	cache    map[string]cacheEntry
	ttl      time.Duration
	mu       sync.RWMutex
	lookupMX func(ctx context.Context, domain string) ([]*net.MX, error)
	nowFn    func() time.Time
}

type cacheEntry struct {
	records   []MXRecord
	expiresAt time.Time
}

// NewResolver creates a new DNS resolver
func NewResolver(cacheTTL time.Duration) *Resolver {
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Resolver{
		cache:    make(map[string]cacheEntry),
		ttl:      cacheTTL,
		lookupMX: net.DefaultResolver.LookupMX,
		nowFn:    time.Now,
	}
}

// LookupMX returns the MX records of domain sorted by priority. A domain
// without MX records yields an empty slice and no error.
func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]MXRecord, error) {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")

	r.mu.RLock()
	entry, ok := r.cache[domain]
	r.mu.RUnlock()

	if ok && r.nowFn().Before(entry.expiresAt) {
		return entry.records, nil
	}

	mxRecords, err := r.lookupMX(ctx, domain)
	if err != nil {
		var dnsErr *net.DNSError
		if !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
			return nil, err
		}
		mxRecords = nil
	}

	records := make([]MXRecord, 0, len(mxRecords))
	for _, mx := range mxRecords {
		host := strings.TrimSuffix(mx.Host, ".")
		// RFC 7505 null MX
		if host == "" {
			continue
		}
		records = append(records, MXRecord{Host: host, Priority: mx.Pref})
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Priority < records[j].Priority
	})

	r.mu.Lock()
	r.cache[domain] = cacheEntry{
		records:   records,
		expiresAt: r.nowFn().Add(r.ttl),
	}
	r.mu.Unlock()

	return records, nil
}

// HasMX reports whether domain publishes at least one usable MX host
func (r *Resolver) HasMX(ctx context.Context, domain string) (bool, error) {
	records, err := r.LookupMX(ctx, domain)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}
