package models

import "time"

// Broadcast records one sending run of a mailing
type Broadcast struct {
	ID             int64      `json:"id"`
	MailingID      int64      `json:"mailing_id"`
	Started        time.Time  `json:"started"`
	Ended          *time.Time `json:"ended,omitempty"`
	EmailSentCount int        `json:"email_sent_count"`
	HTML           string     `json:"html,omitempty"`
	Created        time.Time  `json:"created"`
	Updated        time.Time  `json:"updated"`
}

// ReadMarker is the URL recorded for open (pixel) hits.
const ReadMarker = "-"

// StatHit is a tracked open or click
type StatHit struct {
	ID          int64     `json:"id"`
	BroadcastID int64     `json:"broadcast_id"`
	URL         string    `json:"url"`
	UserKey     string    `json:"user_key"`
	OSName      string    `json:"os_name,omitempty"`
	BrowserName string    `json:"browser_name,omitempty"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
}

// IsOpen reports whether the hit comes from the read pixel.
func (h *StatHit) IsOpen() bool {
	return h.URL == ReadMarker
}

// BroadcastStats aggregates hits of one or more broadcasts
type BroadcastStats struct {
	Broadcasts int            `json:"broadcasts"`
	EmailsSent int            `json:"emails_sent"`
	Hits       int            `json:"hits"`
	Opens      int            `json:"opens"`
	Clicks     map[string]int `json:"clicks"`
	Browsers   map[string]int `json:"browsers"`
	OSes       map[string]int `json:"oses"`
}

// ConfirmationToken carries a pending action (registration confirmation, unsubscribe)
type ConfirmationToken struct {
	ID      string         `json:"id"`
	Payload map[string]any `json:"payload"`
	Created time.Time      `json:"created"`
	Updated time.Time      `json:"updated"`
}
