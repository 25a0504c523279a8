// Package mailer composes mailings, delivers them over SMTP and runs the
// broadcast processor.
package mailer

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailing/internal/config"
	"github.com/foxzi/mailing/internal/dkim"
	"github.com/foxzi/mailing/internal/metrics"
)

// Mailer names used as metric labels
const (
	MailerSimple  = "simple"
	MailerMailing = "mailing"
)

// DeliveryError is a failed SMTP delivery, temporary failures may be retried
type DeliveryError struct {
	Temporary bool
	Stage     string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err is worth retrying. Unknown errors are.
func IsTemporary(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}

var replyCodePattern = regexp.MustCompile(`\b([45])\d{2}\b`)

// classify turns a failure at stage into a DeliveryError. 5xx replies are
// permanent, anything else is temporary.
func classify(stage string, err error) *DeliveryError {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &DeliveryError{Temporary: se.Code < 500, Stage: stage, Err: err}
	}
	if m := replyCodePattern.FindStringSubmatch(err.Error()); m != nil {
		return &DeliveryError{Temporary: m[1] == "4", Stage: stage, Err: err}
	}
	return &DeliveryError{Temporary: true, Stage: stage, Err: err}
}

// Sender delivers a raw message
type Sender interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// Transport delivers messages to one SMTP relay
type Transport struct {
	name       string
	cfg        config.SMTPConfig
	signer     *dkim.Signer
	retryDelay time.Duration
	rootCAs    *x509.CertPool
	logger     *slog.Logger
}

// NewTransport creates the transport called name. signer may be nil.
func NewTransport(name string, cfg config.SMTPConfig, signer *dkim.Signer, logger *slog.Logger) *Transport {
	return &Transport{
		name:       name,
		cfg:        cfg,
		signer:     signer,
		retryDelay: time.Second,
		logger:     logger.With("component", "mailer", "mailer", name),
	}
}

// Send signs msg and delivers it, retrying temporary failures
func (t *Transport) Send(ctx context.Context, from string, to []string, msg []byte) error {
	signed, err := t.signer.Sign(msg)
	if err != nil {
		return &DeliveryError{Stage: "dkim", Err: err}
	}

	err = retry.Do(
		func() error {
			return t.deliver(ctx, from, to, signed)
		},
		retry.Context(ctx),
		retry.Attempts(t.cfg.Retries+1),
		retry.Delay(t.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsTemporary),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Warn("delivery failed, retrying", "attempt", n+1, "to", to, "error", err)
		}),
	)
	if err != nil {
		kind := "permanent"
		if IsTemporary(err) {
			kind = "temporary"
		}
		metrics.IncEmailsFailed(t.name, kind)
		return err
	}

	metrics.IncEmailsSent(t.name)
	t.logger.Debug("message delivered", "from", from, "to", to, "size", len(signed))
	return nil
}

func (t *Transport) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName: t.cfg.Host,
		RootCAs:    t.rootCAs,
		MinVersion: tls.VersionTLS12,
	}
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	dialer := &net.Dialer{Timeout: t.cfg.Timeout}
	if t.cfg.TLS == "implicit" {
		return (&tls.Dialer{NetDialer: dialer, Config: t.tlsConfig()}).DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

func (t *Transport) deliver(ctx context.Context, from string, to []string, msg []byte) error {
	conn, err := t.dial(ctx)
	if err != nil {
		return &DeliveryError{Temporary: true, Stage: "connect", Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	var c *smtp.Client
	if t.cfg.TLS == "starttls" {
		// the first EHLO uses "localhost", the name is sent again over TLS
		c, err = smtp.NewClientStartTLS(conn, t.tlsConfig())
		if err != nil {
			return classify("STARTTLS", err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	defer c.Close()
	c.CommandTimeout = t.cfg.Timeout
	c.SubmissionTimeout = t.cfg.Timeout

	if err := c.Hello(t.cfg.Hostname); err != nil {
		return classify("EHLO", err)
	}
	if t.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", t.cfg.Username, t.cfg.Password)); err != nil {
			return classify("AUTH", err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return classify("MAIL FROM", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return classify("RCPT TO", err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return classify("DATA", err)
	}
	if _, err := w.Write(msg); err != nil {
		return classify("DATA", err)
	}
	if err := w.Close(); err != nil {
		return classify("DATA", err)
	}

	if err := c.Quit(); err != nil {
		t.logger.Debug("QUIT failed", "error", err)
	}
	return nil
}
