// Package dnscheck inspects the DNS records a sender domain needs before it
// is warmed up: MX, SPF, DKIM and DMARC, plus blocklist status of sending IPs.
package dnscheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strings"
	"sync"
)

var (
	ErrInvalidDomain   = errors.New("invalid domain name")
	ErrInvalidSelector = errors.New("invalid DKIM selector")
	ErrInvalidIP       = errors.New("invalid IPv4 address")
)

// Status of a single record check
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusMissing Status = "not_found"
	StatusError   Status = "error"
)

var (
	domainRegex   = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)
	selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// ValidateDomain checks domain name syntax (RFC 1035)
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks DKIM selector syntax; empty means the default
func ValidateSelector(selector string) error {
	if selector == "" {
		return nil
	}
	if len(selector) > 63 || !selectorRegex.MatchString(selector) {
		return ErrInvalidSelector
	}
	return nil
}

// Lookup is the subset of *net.Resolver the checker uses
type Lookup interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Result is the outcome of one record check
type Result struct {
	Type    string `json:"type"`
	Status  Status `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// Report holds all checks for a sender domain
type Report struct {
	Domain   string   `json:"domain"`
	Selector string   `json:"selector"`
	Results  []Result `json:"results"`
}

// Ready reports whether every check passed, warnings included
func (r *Report) Ready() bool {
	for _, res := range r.Results {
		if res.Status == StatusMissing || res.Status == StatusError {
			return false
		}
	}
	return true
}

// Checker runs DNS readiness checks
type Checker struct {
	lookup Lookup
}

// NewChecker creates a checker; a nil lookup uses the system resolver
func NewChecker(lookup Lookup) *Checker {
	if lookup == nil {
		lookup = net.DefaultResolver
	}
	return &Checker{lookup: lookup}
}

// DefaultSelector is used when no selector is given
const DefaultSelector = "mailwarm"

// CheckDomain runs the MX, SPF, DKIM and DMARC checks for domain
func (c *Checker) CheckDomain(ctx context.Context, domain, selector string) (*Report, error) {
	domain = strings.TrimSuffix(strings.ToLower(domain), ".")
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if err := ValidateSelector(selector); err != nil {
		return nil, err
	}
	if selector == "" {
		selector = DefaultSelector
	}

	return &Report{
		Domain:   domain,
		Selector: selector,
		Results: []Result{
			c.checkMX(ctx, domain),
			c.checkSPF(ctx, domain),
			c.checkDKIM(ctx, domain, selector),
			c.checkDMARC(ctx, domain),
		},
	}, nil
}

func isNotFound(err error) bool {
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

func lookupFailed(typ string, err error) Result {
	return Result{Type: typ, Status: StatusError, Message: fmt.Sprintf("lookup failed: %v", err)}
}

func (c *Checker) checkMX(ctx context.Context, domain string) Result {
	res := Result{Type: "MX"}

	records, err := c.lookup.LookupMX(ctx, domain)
	if err != nil && !isNotFound(err) {
		return lookupFailed(res.Type, err)
	}

	var hosts []string
	for _, mx := range records {
		if host := strings.TrimSuffix(mx.Host, "."); host != "" {
			hosts = append(hosts, fmt.Sprintf("%s (%d)", host, mx.Pref))
		}
	}
	if len(hosts) == 0 {
		res.Status = StatusMissing
		res.Message = "no MX records, warmup replies cannot reach this domain"
		return res
	}

	res.Status = StatusOK
	res.Value = strings.Join(hosts, ", ")
	res.Message = fmt.Sprintf("%d MX record(s)", len(hosts))
	return res
}

func (c *Checker) checkSPF(ctx context.Context, domain string) Result {
	res := Result{Type: "SPF"}

	records, err := c.lookup.LookupTXT(ctx, domain)
	if err != nil && !isNotFound(err) {
		return lookupFailed(res.Type, err)
	}

	var spf []string
	for _, txt := range records {
		if strings.HasPrefix(strings.ToLower(txt), "v=spf1") {
			spf = append(spf, txt)
		}
	}

	switch {
	case len(spf) == 0:
		res.Status = StatusMissing
		res.Message = "no SPF record"
	case len(spf) > 1:
		res.Status = StatusError
		res.Value = strings.Join(spf, " | ")
		res.Message = "multiple SPF records cause permerror"
	default:
		res.Value = spf[0]
		res.Status = StatusOK
		switch {
		case strings.Contains(spf[0], "+all"):
			res.Status = StatusWarning
			res.Message = "+all authorizes any sender"
		case strings.Contains(spf[0], "-all"):
			res.Message = "strict policy (-all)"
		case strings.Contains(spf[0], "~all"):
			res.Message = "soft fail policy (~all)"
		default:
			res.Status = StatusWarning
			res.Message = "no terminating all mechanism"
		}
	}
	return res
}

func (c *Checker) checkDKIM(ctx context.Context, domain, selector string) Result {
	res := Result{Type: "DKIM (" + selector + ")"}

	records, err := c.lookup.LookupTXT(ctx, selector+"._domainkey."+domain)
	if err != nil {
		if isNotFound(err) {
			res.Status = StatusMissing
			res.Message = fmt.Sprintf("no DKIM record for selector %q", selector)
			return res
		}
		return lookupFailed(res.Type, err)
	}

	// long keys are split across strings
	record := strings.Join(records, "")
	res.Value = truncate(record, 100)

	tags := parseTags(record)
	if v, ok := tags["v"]; ok && v != "DKIM1" {
		res.Status = StatusWarning
		res.Message = "unexpected version tag " + v
		return res
	}
	p, ok := tags["p"]
	switch {
	case !ok:
		res.Status = StatusWarning
		res.Message = "record has no public key (p=)"
	case p == "":
		res.Status = StatusWarning
		res.Message = "key revoked (empty p=)"
	default:
		res.Status = StatusOK
		k := tags["k"]
		if k == "" {
			k = "rsa"
		}
		res.Message = k + " key published"
	}
	return res
}

func (c *Checker) checkDMARC(ctx context.Context, domain string) Result {
	res := Result{Type: "DMARC"}

	records, err := c.lookup.LookupTXT(ctx, "_dmarc."+domain)
	if err != nil && !isNotFound(err) {
		return lookupFailed(res.Type, err)
	}

	record := strings.Join(records, "")
	if !strings.HasPrefix(record, "v=DMARC1") {
		res.Status = StatusMissing
		res.Value = record
		res.Message = "no DMARC record"
		return res
	}

	res.Value = record
	switch policy := parseTags(record)["p"]; policy {
	case "reject", "quarantine":
		res.Status = StatusOK
		res.Message = "policy " + policy
	case "none":
		res.Status = StatusWarning
		res.Message = "policy none (monitoring only)"
	default:
		res.Status = StatusWarning
		res.Message = "missing or unknown policy"
	}
	return res
}

// parseTags splits a tag=value; list as used by DKIM and DMARC records
func parseTags(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(k)] = strings.Join(strings.Fields(v), "")
	}
	return tags
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// Blocklist is a DNSBL zone
type Blocklist struct {
	Name string `json:"name"`
	Zone string `json:"zone"`
}

// DefaultBlocklists are the zones mailbox providers commonly consult
var DefaultBlocklists = []Blocklist{
	{Name: "Spamhaus ZEN", Zone: "zen.spamhaus.org"},
	{Name: "Barracuda", Zone: "b.barracudacentral.org"},
	{Name: "SpamCop", Zone: "bl.spamcop.net"},
	{Name: "UCEPROTECT L1", Zone: "dnsbl-1.uceprotect.net"},
	{Name: "PSBL", Zone: "psbl.surriel.com"},
	{Name: "Mailspike", Zone: "bl.mailspike.net"},
}

// Listing is the result of one blocklist query
type Listing struct {
	Blocklist Blocklist `json:"blocklist"`
	Listed    bool      `json:"listed"`
	Codes     []string  `json:"codes,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// CheckBlocklists queries each zone for ip concurrently. Results keep the
// order of zones.
func (c *Checker) CheckBlocklists(ctx context.Context, ip string, zones []Blocklist) ([]Listing, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Unmap().Is4() {
		return nil, ErrInvalidIP
	}
	if len(zones) == 0 {
		zones = DefaultBlocklists
	}

	b := addr.Unmap().As4()
	reversed := fmt.Sprintf("%d.%d.%d.%d", b[3], b[2], b[1], b[0])

	listings := make([]Listing, len(zones))
	var wg sync.WaitGroup
	for i, zone := range zones {
		wg.Add(1)
		go func(i int, zone Blocklist) {
			defer wg.Done()
			listings[i] = c.queryBlocklist(ctx, reversed, zone)
		}(i, zone)
	}
	wg.Wait()

	return listings, nil
}

func (c *Checker) queryBlocklist(ctx context.Context, reversed string, zone Blocklist) Listing {
	l := Listing{Blocklist: zone}

	codes, err := c.lookup.LookupHost(ctx, reversed+"."+zone.Zone)
	if err != nil {
		if !isNotFound(err) {
			l.Error = err.Error()
		}
		return l
	}

	l.Listed = len(codes) > 0
	l.Codes = codes
	return l
}
