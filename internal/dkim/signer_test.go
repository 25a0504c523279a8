package dkim

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxzi/mailing/internal/config"
)

const testMessage = "From: news@example.com\r\n" +
	"To: alice@example.org\r\n" +
	"Subject: Weekly news\r\n" +
	"Date: Mon, 1 Jan 2024 12:00:00 +0000\r\n" +
	"List-Unsubscribe: <https://t.example.com/t/unsubscribe/x/y>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hello Alice.\r\n"

func TestNewDisabled(t *testing.T) {
	s, err := New(config.DKIMConfig{Enabled: false, KeyFile: "/nonexistent"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if s != nil {
		t.Fatal("New() should return nil when disabled")
	}

	out, err := s.Sign([]byte(testMessage))
	if err != nil || string(out) != testMessage {
		t.Errorf("nil Sign() = %q, %v, want message unchanged", out, err)
	}
}

func TestNewFromConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dkim.pem")
	key, err := GenerateKey(AlgorithmRSA)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteKey(path, key); err != nil {
		t.Fatal(err)
	}

	s, err := New(config.DKIMConfig{Enabled: true, Domain: "example.com", Selector: "news", KeyFile: path})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if s.Domain() != "example.com" || s.Selector() != "news" {
		t.Errorf("signer = %s/%s, want example.com/news", s.Domain(), s.Selector())
	}

	if _, err := New(config.DKIMConfig{Enabled: true, KeyFile: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("New() with a missing key should fail")
	}
}

func TestSign(t *testing.T) {
	for _, algorithm := range []string{AlgorithmRSA, AlgorithmEd25519} {
		t.Run(algorithm, func(t *testing.T) {
			key, err := GenerateKey(algorithm)
			if err != nil {
				t.Fatal(err)
			}
			signed, err := NewSigner(key, "example.com", "news").Sign([]byte(testMessage))
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}

			if !bytes.HasPrefix(signed, []byte("DKIM-Signature:")) {
				t.Error("signed message should start with DKIM-Signature")
			}
			header := string(signed[:bytes.Index(signed, []byte("\r\nFrom:"))])
			header = strings.ToLower(strings.NewReplacer("\r\n ", "", "\r\n\t", "").Replace(header))
			for _, want := range []string{"d=example.com", "s=news", "list-unsubscribe"} {
				if !strings.Contains(header, want) {
					t.Errorf("signature header does not contain %q", want)
				}
			}
			if !bytes.HasSuffix(signed, []byte("Hello Alice.\r\n")) {
				t.Error("signed message should keep the body")
			}
		})
	}
}
