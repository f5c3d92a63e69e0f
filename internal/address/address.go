// Package address provides helpers for mailbox addresses.
package address

import (
	"strings"

	"github.com/emersion/go-message/mail"
)

// Domain extracts the lower-cased domain part of an address.
// Returns empty string if the address is invalid.
func Domain(addr string) string {
	if parsed, err := mail.ParseAddress(addr); err == nil {
		addr = parsed.Address
	}
	at := strings.LastIndex(addr, "@")
	if at <= 0 || at == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}

// DomainOrDefault is Domain with a fallback for invalid addresses
func DomainOrDefault(addr, def string) string {
	if d := Domain(addr); d != "" {
		return d
	}
	return def
}

// Bare returns the addr-spec of addr without display name, lower-cased
func Bare(addr string) string {
	if parsed, err := mail.ParseAddress(addr); err == nil {
		return strings.ToLower(parsed.Address)
	}
	return strings.ToLower(strings.TrimSpace(addr))
}
