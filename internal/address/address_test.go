package address

import "testing"

func TestDomain(t *testing.T) {
	tests := []struct {
		name     string
		addr     string
		expected string
	}{
		{"simple", "user@example.com", "example.com"},
		{"with name", "User Name <user@example.com>", "example.com"},
		{"uppercase", "user@EXAMPLE.COM", "example.com"},
		{"invalid no at", "invalid", ""},
		{"invalid empty before at", "@example.com", ""},
		{"invalid empty after at", "user@", ""},
		{"empty", "", ""},
		{"subdomain", "user@mail.example.com", "mail.example.com"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Domain(tc.addr); got != tc.expected {
				t.Errorf("Domain(%q) = %q, want %q", tc.addr, got, tc.expected)
			}
		})
	}
}

func TestDomainOrDefault(t *testing.T) {
	if got := DomainOrDefault("invalid", "localhost"); got != "localhost" {
		t.Errorf("DomainOrDefault() = %q, want localhost", got)
	}
	if got := DomainOrDefault("a@example.com", "localhost"); got != "example.com" {
		t.Errorf("DomainOrDefault() = %q, want example.com", got)
	}
}

func TestBare(t *testing.T) {
	tests := []struct {
		addr     string
		expected string
	}{
		{"User <User@Example.com>", "user@example.com"},
		{" a@b.com ", "a@b.com"},
		{"not an address", "not an address"},
	}

	for _, tc := range tests {
		if got := Bare(tc.addr); got != tc.expected {
			t.Errorf("Bare(%q) = %q, want %q", tc.addr, got, tc.expected)
		}
	}
}
