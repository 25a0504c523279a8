package mailer

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	dto "github.com/prometheus/client_model/go"

	"github.com/foxzi/mailing/internal/config"
	"github.com/foxzi/mailing/internal/dkim"
	"github.com/foxzi/mailing/internal/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sinkMessage struct {
	From string
	To   []string
	Data []byte
	TLS  bool
	Helo string
}

// sinkBackend is an in-process SMTP server recording what it receives
type sinkBackend struct {
	mu        sync.Mutex
	messages  []sinkMessage
	attempts  int
	failData  int
	rejectTo  string
	user      string
	password  string
	authUsers []string
}

func (b *sinkBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &sinkSession{backend: b, conn: c}, nil
}

func (b *sinkBackend) attemptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

func (b *sinkBackend) authCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.authUsers)
}

func (b *sinkBackend) received() []sinkMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sinkMessage(nil), b.messages...)
}

type sinkSession struct {
	backend *sinkBackend
	conn    *smtp.Conn
	from    string
	to      []string
}

func (s *sinkSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *sinkSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.user || password != s.backend.password {
			return smtp.ErrAuthFailed
		}
		s.backend.mu.Lock()
		s.backend.authUsers = append(s.backend.authUsers, username)
		s.backend.mu.Unlock()
		return nil
	}), nil
}

func (s *sinkSession) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *sinkSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if to == s.backend.rejectTo {
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *sinkSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	if b.failData > 0 {
		b.failData--
		return &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "Try again later"}
	}
	_, isTLS := s.conn.TLSConnectionState()
	b.messages = append(b.messages, sinkMessage{From: s.from, To: s.to, Data: data, TLS: isTLS, Helo: s.conn.Hostname()})
	return nil
}

func (s *sinkSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *sinkSession) Logout() error {
	return nil
}

func startSink(t *testing.T) (*sinkBackend, config.SMTPConfig) {
	t.Helper()
	return startSinkTLS(t, nil)
}

// startSinkTLS starts a sink offering STARTTLS when tlsConfig is set
func startSinkTLS(t *testing.T, tlsConfig *tls.Config) (*sinkBackend, config.SMTPConfig) {
	t.Helper()

	backend := &sinkBackend{}
	srv := smtp.NewServer(backend)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = tlsConfig == nil
	srv.TLSConfig = tlsConfig

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	return backend, config.SMTPConfig{
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		TLS:      "none",
		Hostname: "test.local",
		Timeout:  5 * time.Second,
		Retries:  2,
	}
}

func newTestTransport(cfg config.SMTPConfig, signer *dkim.Signer) *Transport {
	tr := NewTransport(MailerMailing, cfg, signer, discardLogger())
	tr.retryDelay = time.Millisecond
	return tr
}

const rawMessage = "From: news@example.com\r\nTo: alice@example.org\r\nSubject: Hi\r\n\r\nHello\r\n"

func counter(t *testing.T, m *metrics.Metrics, name string, labels ...string) float64 {
	t.Helper()
	var metric dto.Metric
	var err error
	switch name {
	case "sent":
		err = m.EmailsSentTotal.WithLabelValues(labels...).Write(&metric)
	case "failed":
		err = m.EmailsFailedTotal.WithLabelValues(labels...).Write(&metric)
	}
	if err != nil {
		t.Fatalf("failed to read metric: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestTransportSend(t *testing.T) {
	m := metrics.New()
	metrics.SetGlobal(m)
	defer metrics.SetGlobal(nil)

	sink, cfg := startSink(t)
	sink.user, sink.password = "mailer", "secret"
	cfg.Username, cfg.Password = "mailer", "secret"

	err := newTestTransport(cfg, nil).Send(context.Background(), "bounce@example.com", []string{"alice@example.org"}, []byte(rawMessage))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("received %d messages, want 1", len(got))
	}
	if got[0].From != "bounce@example.com" {
		t.Errorf("MAIL FROM = %q, want bounce@example.com", got[0].From)
	}
	if len(got[0].To) != 1 || got[0].To[0] != "alice@example.org" {
		t.Errorf("RCPT TO = %v, want [alice@example.org]", got[0].To)
	}
	if !bytes.Contains(got[0].Data, []byte("Hello")) {
		t.Errorf("data = %q, want the body", got[0].Data)
	}
	if n := sink.authCount(); n != 1 {
		t.Errorf("authenticated %d times, want 1", n)
	}
	if v := counter(t, m, "sent", MailerMailing); v != 1 {
		t.Errorf("sent counter = %v, want 1", v)
	}
}

// selfSignedTLS returns a server config for 127.0.0.1 and a pool trusting it
func selfSignedTLS(t *testing.T) (*tls.Config, *x509.CertPool) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}}}, pool
}

func TestTransportStartTLS(t *testing.T) {
	serverTLS, pool := selfSignedTLS(t)
	sink, cfg := startSinkTLS(t, serverTLS)
	sink.user, sink.password = "mailer", "secret"
	cfg.TLS = "starttls"
	cfg.Username, cfg.Password = "mailer", "secret"

	tr := newTestTransport(cfg, nil)
	tr.rootCAs = pool
	if err := tr.Send(context.Background(), "bounce@example.com", []string{"alice@example.org"}, []byte(rawMessage)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := sink.received()
	if len(got) != 1 {
		t.Fatalf("received %d messages, want 1", len(got))
	}
	if !got[0].TLS {
		t.Error("message should be delivered over TLS")
	}
	if got[0].Helo != "test.local" {
		t.Errorf("EHLO = %q, want test.local", got[0].Helo)
	}
	if n := sink.authCount(); n != 1 {
		t.Errorf("authenticated %d times, want 1", n)
	}
}

func TestTransportStartTLSUnsupported(t *testing.T) {
	sink, cfg := startSink(t)
	cfg.TLS = "starttls"
	cfg.Retries = 0

	err := newTestTransport(cfg, nil).Send(context.Background(), "news@example.com", []string{"alice@example.org"}, []byte(rawMessage))
	var de *DeliveryError
	if !errors.As(err, &de) || de.Stage != "STARTTLS" {
		t.Fatalf("Send() error = %v, want STARTTLS failure", err)
	}
	if len(sink.received()) != 0 {
		t.Error("nothing should be delivered in clear text")
	}
}

func TestTransportAuthFailure(t *testing.T) {
	sink, cfg := startSink(t)
	sink.user, sink.password = "mailer", "secret"
	cfg.Username, cfg.Password = "mailer", "wrong"

	err := newTestTransport(cfg, nil).Send(context.Background(), "news@example.com", []string{"alice@example.org"}, []byte(rawMessage))
	if err == nil {
		t.Fatal("Send() with a wrong password should fail")
	}
	if IsTemporary(err) {
		t.Errorf("auth failure should be permanent: %v", err)
	}
	if len(sink.received()) != 0 {
		t.Error("no message should be delivered")
	}
}

func TestTransportRetriesTemporaryFailure(t *testing.T) {
	sink, cfg := startSink(t)
	sink.failData = 2

	err := newTestTransport(cfg, nil).Send(context.Background(), "news@example.com", []string{"alice@example.org"}, []byte(rawMessage))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n := sink.attemptCount(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if len(sink.received()) != 1 {
		t.Errorf("received %d messages, want 1", len(sink.received()))
	}
}

func TestTransportGivesUp(t *testing.T) {
	m := metrics.New()
	metrics.SetGlobal(m)
	defer metrics.SetGlobal(nil)

	sink, cfg := startSink(t)
	sink.failData = 10
	cfg.Retries = 1

	err := newTestTransport(cfg, nil).Send(context.Background(), "news@example.com", []string{"alice@example.org"}, []byte(rawMessage))
	if err == nil {
		t.Fatal("Send() should fail")
	}
	if !IsTemporary(err) {
		t.Errorf("451 should be temporary: %v", err)
	}
	if n := sink.attemptCount(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
	if v := counter(t, m, "failed", MailerMailing, "temporary"); v != 1 {
		t.Errorf("failed counter = %v, want 1", v)
	}
}

func TestTransportPermanentFailure(t *testing.T) {
	sink, cfg := startSink(t)
	sink.rejectTo = "nobody@example.org"

	err := newTestTransport(cfg, nil).Send(context.Background(), "news@example.com", []string{"nobody@example.org"}, []byte(rawMessage))
	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("Send() error = %v, want DeliveryError", err)
	}
	if de.Temporary || de.Stage != "RCPT TO" {
		t.Errorf("error = %+v, want permanent RCPT TO failure", de)
	}
	if n := sink.attemptCount(); n != 0 {
		t.Errorf("DATA attempts = %d, want 0", n)
	}
}

func TestTransportConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := config.SMTPConfig{Host: "127.0.0.1", Port: port, TLS: "none", Hostname: "test.local", Timeout: time.Second, Retries: 1}
	err = newTestTransport(cfg, nil).Send(context.Background(), "news@example.com", []string{"alice@example.org"}, []byte(rawMessage))
	var de *DeliveryError
	if !errors.As(err, &de) || de.Stage != "connect" || !de.Temporary {
		t.Errorf("Send() error = %v, want temporary connect failure", err)
	}
}

func TestTransportSignsWithDKIM(t *testing.T) {
	key, err := dkim.GenerateKey(dkim.AlgorithmEd25519)
	if err != nil {
		t.Fatal(err)
	}
	sink, cfg := startSink(t)

	signer := dkim.NewSigner(key, "example.com", "news")
	if err := newTestTransport(cfg, signer).Send(context.Background(), "news@example.com", []string{"alice@example.org"}, []byte(rawMessage)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	got := sink.received()
	if len(got) != 1 || !bytes.HasPrefix(got[0].Data, []byte("DKIM-Signature:")) {
		t.Errorf("delivered message is not signed")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		temporary bool
	}{
		{"smtp 421", &smtp.SMTPError{Code: 421, Message: "Service not available"}, true},
		{"smtp 554", &smtp.SMTPError{Code: 554, Message: "Transaction failed"}, false},
		{"text 550", errors.New("550 5.1.1 mailbox unavailable"), false},
		{"text 452", errors.New("452 too many recipients"), true},
		{"eof", io.EOF, true},
		{"no code", errors.New("connection reset by peer"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := classify("DATA", tt.err)
			if de.Temporary != tt.temporary {
				t.Errorf("classify(%v).Temporary = %v, want %v", tt.err, de.Temporary, tt.temporary)
			}
			if !strings.HasPrefix(de.Error(), "DATA failed: ") {
				t.Errorf("Error() = %q", de.Error())
			}
		})
	}

	if !IsTemporary(errors.New("unknown")) {
		t.Error("IsTemporary() of a plain error should be true")
	}
}
