// Package dkim signs outgoing mailings and manages the signing keys.
package dkim

import (
	"bytes"
	"crypto"
	"fmt"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/foxzi/mailing/internal/config"
)

// signedHeaders are covered by the signature when present in the message.
var signedHeaders = []string{
	"From", "To", "Subject", "Date", "Message-ID", "Reply-To",
	"List-Unsubscribe", "List-Unsubscribe-Post", "MIME-Version", "Content-Type",
}

// Signer adds a DKIM-Signature header to messages
type Signer struct {
	key      crypto.Signer
	domain   string
	selector string
}

// New builds the signer configured in cfg. It returns nil when signing is disabled.
func New(cfg config.DKIMConfig) (*Signer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	key, err := LoadKey(cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return NewSigner(key, cfg.Domain, cfg.Selector), nil
}

func NewSigner(key crypto.Signer, domain, selector string) *Signer {
	return &Signer{key: key, domain: domain, selector: selector}
}

// Sign returns the signed message. A nil signer returns msg unchanged.
func (s *Signer) Sign(msg []byte) ([]byte, error) {
	if s == nil {
		return msg, nil
	}

	var out bytes.Buffer
	err := dkim.Sign(&out, bytes.NewReader(msg), &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return out.Bytes(), nil
}

func (s *Signer) Domain() string {
	return s.domain
}

func (s *Signer) Selector() string {
	return s.selector
}
