package dkim

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	msgauth "github.com/emersion/go-msgauth/dkim"
)

const testMessage = "From: sender@example.com\r\n" +
	"To: partner@example.org\r\n" +
	"Subject: Quick question\r\n" +
	"Date: Tue, 10 Mar 2026 09:00:00 +0000\r\n" +
	"Message-ID: <abc@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hi, are we still on for Thursday?\r\n"

func testKeyPair(t *testing.T, domain, selector string) *KeyPair {
	t.Helper()
	kp, err := GenerateKey(domain, selector, 1024)
	if err != nil {
		t.Fatal(err)
	}
	return kp
}

func TestSignVerifies(t *testing.T) {
	kp := testKeyPair(t, "example.com", "warm")
	signer := kp.Signer()

	signed, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !bytes.HasPrefix(signed, []byte("DKIM-Signature:")) {
		t.Fatal("signed message should start with DKIM-Signature header")
	}
	if !bytes.HasSuffix(signed, []byte("Hi, are we still on for Thursday?\r\n")) {
		t.Error("signed message should keep the original body")
	}

	verifications, err := msgauth.VerifyWithOptions(bytes.NewReader(signed), &msgauth.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != kp.DNSName() {
				t.Errorf("lookup for %q, want %q", domain, kp.DNSName())
			}
			return []string{kp.DNSRecord()}, nil
		},
	})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if len(verifications) != 1 {
		t.Fatalf("got %d signatures, want 1", len(verifications))
	}
	if v := verifications[0]; v.Err != nil || v.Domain != "example.com" {
		t.Errorf("verification = %+v", v)
	}
}

func TestNewSignerFromFile(t *testing.T) {
	kp := testKeyPair(t, "Example.com", "warm")
	keyPath := filepath.Join(t.TempDir(), "example.com.key")
	if err := kp.SavePrivateKey(keyPath); err != nil {
		t.Fatal(err)
	}

	signer, err := NewSignerFromFile(keyPath, "Example.com", "warm")
	if err != nil {
		t.Fatalf("NewSignerFromFile failed: %v", err)
	}
	if signer.Domain() != "example.com" || signer.Selector() != "warm" {
		t.Errorf("signer = %s/%s", signer.Domain(), signer.Selector())
	}

	signed, err := signer.Sign([]byte(testMessage))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if !strings.Contains(string(signed), "d=example.com") || !strings.Contains(string(signed), "s=warm") {
		t.Error("signature should name domain and selector")
	}

	if _, err := NewSignerFromFile("/nonexistent/key.pem", "example.com", "warm"); err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestKeyring(t *testing.T) {
	a := testKeyPair(t, "example.com", "warm").Signer()
	b := testKeyPair(t, "example.org", "warm").Signer()
	k := NewKeyring(a, b)

	tests := []struct {
		email string
		want  *Signer
	}{
		{"user@example.com", a},
		{"User@EXAMPLE.COM", a},
		{"<user@example.org>", b},
		{"user@example.net", nil},
		{"not-an-address", nil},
	}

	for _, tt := range tests {
		if got := k.SignerFor(tt.email); got != tt.want {
			t.Errorf("SignerFor(%q) = %v, want %v", tt.email, got, tt.want)
		}
	}

	if k.Len() != 2 {
		t.Errorf("Len() = %d, want 2", k.Len())
	}

	replacement := testKeyPair(t, "example.com", "warm2").Signer()
	k.Add(replacement)
	if k.SignerFor("user@example.com") != replacement || k.Len() != 2 {
		t.Error("Add should replace the signer for the same domain")
	}
}
