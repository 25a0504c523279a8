// Package tracking builds and serves the signed open, click and unsubscribe
// links embedded in mailings, and buffers the resulting hits.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/foxzi/mailing/internal/models"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidPayload   = errors.New("invalid payload")
)

// Signer signs link payloads with HMAC-SHA256
type Signer struct {
	key []byte
}

func NewSigner(secret string) *Signer {
	return &Signer{key: []byte(secret)}
}

func (s *Signer) sign(data string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Encode returns the URL safe payload of data and its signature
func (s *Signer) Encode(data string) (payload, sig string) {
	return base64.RawURLEncoding.EncodeToString([]byte(data)), s.sign(data)
}

// Decode verifies sig and returns the data of payload
func (s *Signer) Decode(payload, sig string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", ErrInvalidPayload
	}
	data := string(raw)
	if !hmac.Equal([]byte(s.sign(data)), []byte(sig)) {
		return "", ErrInvalidSignature
	}
	return data, nil
}

// UserKey identifies a recipient in hits without storing the address
func (s *Signer) UserKey(email string) string {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte("user:" + models.NormalizeEmail(email)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// URLs builds tracked links below the public base URL
type URLs struct {
	base   string
	signer *Signer
}

func NewURLs(baseURL string, signer *Signer) *URLs {
	return &URLs{base: strings.TrimRight(baseURL, "/"), signer: signer}
}

func (u *URLs) build(kind string, parts ...string) string {
	payload, sig := u.signer.Encode(strings.Join(parts, "|"))
	return fmt.Sprintf("%s/t/%s/%s/%s", u.base, kind, payload, sig)
}

// Read returns the open pixel URL of a broadcast recipient
func (u *URLs) Read(broadcastID int64, email string) string {
	return u.build("read", strconv.FormatInt(broadcastID, 10), u.signer.UserKey(email))
}

// Continue returns the tracked redirect to target
func (u *URLs) Continue(broadcastID int64, email, target string) string {
	return u.build("continue", strconv.FormatInt(broadcastID, 10), u.signer.UserKey(email), target)
}

// Unsubscribe returns the unsubscribe link of a mailing recipient. The link
// names the user by id so that no address appears in it.
func (u *URLs) Unsubscribe(mailingID, userID int64) string {
	return u.build("unsubscribe", strconv.FormatInt(mailingID, 10), strconv.FormatInt(userID, 10))
}

type readLink struct {
	broadcastID int64
	userKey     string
}

type continueLink struct {
	readLink
	target string
}

type unsubscribeLink struct {
	mailingID int64
	userID    int64
}

func parseRead(data string) (readLink, error) {
	idStr, key, ok := strings.Cut(data, "|")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if !ok || err != nil || key == "" || strings.Contains(key, "|") {
		return readLink{}, ErrInvalidPayload
	}
	return readLink{broadcastID: id, userKey: key}, nil
}

func parseContinue(data string) (continueLink, error) {
	parts := strings.SplitN(data, "|", 3)
	if len(parts) != 3 {
		return continueLink{}, ErrInvalidPayload
	}
	read, err := parseRead(parts[0] + "|" + parts[1])
	if err != nil {
		return continueLink{}, err
	}
	target, err := url.Parse(parts[2])
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return continueLink{}, ErrInvalidPayload
	}
	return continueLink{readLink: read, target: parts[2]}, nil
}

func parseUnsubscribe(data string) (unsubscribeLink, error) {
	idStr, userStr, ok := strings.Cut(data, "|")
	id, err := strconv.ParseInt(idStr, 10, 64)
	if !ok || err != nil {
		return unsubscribeLink{}, ErrInvalidPayload
	}
	userID, err := strconv.ParseInt(userStr, 10, 64)
	if err != nil || userID <= 0 {
		return unsubscribeLink{}, ErrInvalidPayload
	}
	return unsubscribeLink{mailingID: id, userID: userID}, nil
}
