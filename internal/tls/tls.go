// Package tls provides the certificates of the public tracking endpoint,
// read from PEM files or obtained from Let's Encrypt.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/foxzi/mailing/internal/config"
)

// Source serves certificates to the tracking server
type Source struct {
	config  *tls.Config
	manager *autocert.Manager
}

// New builds the source configured in cfg. It returns nil when the tracking
// endpoint is served over plain HTTP.
func New(cfg config.TLSConfig) (*Source, error) {
	if cfg.ACME.Enabled {
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Email:      cfg.ACME.Email,
			HostPolicy: autocert.HostWhitelist(cfg.ACME.Domains...),
			Cache:      autocert.DirCache(cfg.ACME.CacheDir),
		}
		return &Source{
			config:  &tls.Config{GetCertificate: m.GetCertificate, MinVersion: tls.VersionTLS12},
			manager: m,
		}, nil
	}

	if cfg.CertFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &Source{
		config: &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12},
	}, nil
}

func (s *Source) Config() *tls.Config {
	return s.config
}

// UsesACME reports whether certificates come from Let's Encrypt
func (s *Source) UsesACME() bool {
	return s.manager != nil
}

// ChallengeHandler answers HTTP-01 challenges and redirects everything else to HTTPS
func (s *Source) ChallengeHandler() http.Handler {
	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+r.Host+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
	if s.manager == nil {
		return redirect
	}
	return s.manager.HTTPHandler(redirect)
}

// CertificateInfo describes a certificate file
type CertificateInfo struct {
	Subject  string
	DNSNames []string
	NotAfter time.Time
	DaysLeft int
}

// ReadCertificate reads the first certificate of a PEM file
func ReadCertificate(certFile string) (*CertificateInfo, error) {
	data, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate in %s", certFile)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return &CertificateInfo{
		Subject:  cert.Subject.CommonName,
		DNSNames: cert.DNSNames,
		NotAfter: cert.NotAfter,
		DaysLeft: int(time.Until(cert.NotAfter).Hours() / 24),
	}, nil
}
