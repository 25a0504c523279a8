package mailer

import (
	"bytes"
	"fmt"
	"html"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/mailing/internal/config"
	"github.com/foxzi/mailing/internal/models"
	"github.com/foxzi/mailing/internal/tracking"
)

// UnsubscribePlaceholder is replaced by the recipient's unsubscribe link in mailing content.
const UnsubscribePlaceholder = "{{unsubscribe_url}}"

// Message is an outgoing email
type Message struct {
	From       mail.Address
	To         mail.Address
	ReturnPath string
	Subject    string
	HTML       string
	Text       string
	Headers    map[string]string
	Date       time.Time
}

// Envelope returns the MAIL FROM address
func (m *Message) Envelope() string {
	if m.ReturnPath != "" {
		return m.ReturnPath
	}
	return m.From.Address
}

func (m *Message) messageID() string {
	domain := "localhost"
	if _, d, ok := strings.Cut(m.From.Address, "@"); ok && d != "" {
		domain = d
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// Bytes renders the message as RFC 5322 text with CRLF line endings
func (m *Message) Bytes() []byte {
	var buf bytes.Buffer
	header := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	header("From", m.From.String())
	header("To", m.To.String())
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", date.Format(time.RFC1123Z))
	header("Message-ID", m.messageID())
	if m.ReturnPath != "" {
		header("Return-Path", "<"+m.ReturnPath+">")
	}
	for _, k := range sortedKeys(m.Headers) {
		header(k, m.Headers[k])
	}
	header("MIME-Version", "1.0")

	switch {
	case m.HTML != "" && m.Text != "":
		boundary := uuid.NewString()
		header("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", boundary))
		buf.WriteString("\r\n")
		writePart(&buf, boundary, "text/plain", m.Text)
		writePart(&buf, boundary, "text/html", m.HTML)
		fmt.Fprintf(&buf, "--%s--\r\n", boundary)
	case m.HTML != "":
		writeBody(&buf, "text/html", m.HTML)
	default:
		writeBody(&buf, "text/plain", m.Text)
	}
	return buf.Bytes()
}

func writePart(buf *bytes.Buffer, boundary, contentType, body string) {
	fmt.Fprintf(buf, "--%s\r\n", boundary)
	writeBody(buf, contentType, body)
	buf.WriteString("\r\n")
}

func writeBody(buf *bytes.Buffer, contentType, body string) {
	fmt.Fprintf(buf, "Content-Type: %s; charset=utf-8\r\n", contentType)
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
	w := quotedprintable.NewWriter(buf)
	w.Write([]byte(body))
	w.Close()
}

var (
	hrefPattern    = regexp.MustCompile(`(?i)href\s*=\s*"(https?://[^"]+)"`)
	hiddenPattern  = regexp.MustCompile(`(?is)<(head|style|script)[^>]*>.*?</(head|style|script)>`)
	breakPattern   = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|h[1-6]|li|tr|table)>`)
	tagPattern     = regexp.MustCompile(`(?s)<[^>]*>`)
	blankLinesExpr = regexp.MustCompile(`\n{3,}`)
)

// Composer turns a mailing into personal messages
type Composer struct {
	cfg  config.MailingConfig
	urls *tracking.URLs
}

// NewComposer creates a composer. Without urls no tracking is added.
func NewComposer(cfg config.MailingConfig, urls *tracking.URLs) *Composer {
	return &Composer{cfg: cfg, urls: urls}
}

// Compose builds the message of mailing for recipient. A zero broadcastID
// (test sends) disables open and click tracking.
func (c *Composer) Compose(campaign *models.Campaign, mailing *models.Mailing, broadcastID int64, recipient *models.User) *Message {
	msg := &Message{
		From:       c.Sender(campaign),
		To:         mail.Address{Name: strings.TrimSpace(recipient.FirstName + " " + recipient.LastName), Address: recipient.Email},
		ReturnPath: c.returnPath(campaign),
		Subject:    c.Subject(mailing.Subject),
		Headers:    map[string]string{},
		Date:       time.Now(),
	}

	body := mailing.Content
	unsubscribe := ""
	if c.urls != nil {
		if broadcastID != 0 {
			body = c.track(body, broadcastID, recipient.Email)
		}
		unsubscribe = c.urls.Unsubscribe(mailing.ID, recipient.ID)
		msg.Headers["List-Unsubscribe"] = "<" + unsubscribe + ">"
		msg.Headers["List-Unsubscribe-Post"] = "List-Unsubscribe=One-Click"
	}
	body = strings.ReplaceAll(body, UnsubscribePlaceholder, html.EscapeString(unsubscribe))

	msg.HTML = body
	msg.Text = htmlToText(body)
	return msg
}

// Subject applies the configured prefix
func (c *Composer) Subject(subject string) string {
	return strings.TrimSpace(c.cfg.EmailSubjectPrefix + " " + subject)
}

// Sender is the From address of the campaign, or the configured default
func (c *Composer) Sender(campaign *models.Campaign) mail.Address {
	if campaign != nil && campaign.SenderEmail != "" {
		return mail.Address{Name: campaign.SenderName, Address: campaign.SenderEmail}
	}
	return mail.Address{Name: c.cfg.EmailFromName, Address: c.cfg.EmailFromAddress}
}

func (c *Composer) returnPath(campaign *models.Campaign) string {
	if campaign != nil && campaign.ReturnPathEmail != "" {
		return campaign.ReturnPathEmail
	}
	return c.cfg.EmailReturnPath
}

// track rewrites absolute links to click tracking links and adds the open pixel
func (c *Composer) track(body string, broadcastID int64, email string) string {
	body = hrefPattern.ReplaceAllStringFunc(body, func(attr string) string {
		target := html.UnescapeString(hrefPattern.FindStringSubmatch(attr)[1])
		return `href="` + c.urls.Continue(broadcastID, email, target) + `"`
	})

	pixel := `<img src="` + c.urls.Read(broadcastID, email) + `" width="1" height="1" alt="" />`
	if i := strings.LastIndex(strings.ToLower(body), "</body>"); i >= 0 {
		return body[:i] + pixel + body[i:]
	}
	return body + pixel
}

func htmlToText(s string) string {
	s = hiddenPattern.ReplaceAllString(s, "")
	s = breakPattern.ReplaceAllString(s, "\n")
	s = html.UnescapeString(tagPattern.ReplaceAllString(s, ""))
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	s = blankLinesExpr.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(s)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
