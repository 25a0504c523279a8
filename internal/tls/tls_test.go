package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/foxzi/mailing/internal/config"
)

// writeTestCertificate writes a self-signed certificate valid for days
func writeTestCertificate(t *testing.T, dir string, days int) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "t.example.com"},
		DNSNames:     []string{"t.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Duration(days)*24*time.Hour + time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644)
	os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0600)
	return certFile, keyFile
}

func TestNew(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCertificate(t, dir, 30)

	t.Run("plain http", func(t *testing.T) {
		s, err := New(config.TLSConfig{})
		if err != nil || s != nil {
			t.Errorf("New() = %v, %v, want nil, nil", s, err)
		}
	})

	t.Run("certificate files", func(t *testing.T) {
		s, err := New(config.TLSConfig{CertFile: certFile, KeyFile: keyFile})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if len(s.Config().Certificates) != 1 || s.UsesACME() {
			t.Errorf("config = %+v", s.Config())
		}
	})

	t.Run("missing key", func(t *testing.T) {
		if _, err := New(config.TLSConfig{CertFile: certFile, KeyFile: filepath.Join(dir, "missing.pem")}); err == nil {
			t.Error("New() should fail without the key file")
		}
	})

	t.Run("acme", func(t *testing.T) {
		s, err := New(config.TLSConfig{ACME: config.ACMEConfig{
			Enabled:  true,
			Domains:  []string{"t.example.com"},
			CacheDir: filepath.Join(dir, "acme"),
		}})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if !s.UsesACME() || s.Config().GetCertificate == nil {
			t.Error("ACME source should provide GetCertificate")
		}
	})
}

func TestChallengeHandlerRedirects(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCertificate(t, dir, 30)
	s, err := New(config.TLSConfig{CertFile: certFile, KeyFile: keyFile})
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	s.ChallengeHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://t.example.com/t/read/a/b?x=1", nil))
	if rec.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "https://t.example.com/t/read/a/b?x=1" {
		t.Errorf("Location = %q", got)
	}
}

func TestReadCertificate(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeTestCertificate(t, dir, 30)

	info, err := ReadCertificate(certFile)
	if err != nil {
		t.Fatalf("ReadCertificate() error = %v", err)
	}
	if info.Subject != "t.example.com" || len(info.DNSNames) != 1 {
		t.Errorf("info = %+v", info)
	}
	if info.DaysLeft != 30 {
		t.Errorf("DaysLeft = %d, want 30", info.DaysLeft)
	}

	if _, err := ReadCertificate(keyFile); err == nil {
		t.Error("ReadCertificate() of a key should fail")
	}
	if _, err := ReadCertificate(filepath.Join(dir, "missing.pem")); err == nil {
		t.Error("ReadCertificate() of a missing file should fail")
	}
}
