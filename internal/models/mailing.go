package models

import (
	"fmt"
	"slices"
	"time"
)

type MailingStatus string

const (
	MailingDraft      MailingStatus = "draft"
	MailingTested     MailingStatus = "tested"
	MailingPending    MailingStatus = "pending"
	MailingProcessing MailingStatus = "processing"
	MailingSent       MailingStatus = "sent"
	MailingAborted    MailingStatus = "aborted"
	MailingArchived   MailingStatus = "archived"
)

var MailingStatuses = []MailingStatus{
	MailingDraft, MailingTested, MailingPending, MailingProcessing,
	MailingSent, MailingAborted, MailingArchived,
}

// mailingTransitions is the mailing workflow: allowed target statuses per status.
var mailingTransitions = map[MailingStatus][]MailingStatus{
	MailingDraft:      {MailingTested, MailingPending, MailingAborted},
	MailingTested:     {MailingPending, MailingAborted},
	MailingPending:    {MailingProcessing, MailingDraft, MailingAborted},
	MailingProcessing: {MailingSent, MailingPending, MailingAborted},
	MailingSent:       {MailingArchived},
	MailingAborted:    {MailingArchived},
}

// ErrInvalidTransition is returned when a mailing cannot move to a status
type ErrInvalidTransition struct {
	From, To MailingStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("mailing cannot go from %s to %s", e.From, e.To)
}

// CheckTransition returns an error unless from -> to is part of the workflow.
func CheckTransition(from, to MailingStatus) error {
	if slices.Contains(mailingTransitions[from], to) {
		return nil
	}
	return &ErrInvalidTransition{From: from, To: to}
}

func ParseMailingStatus(s string) (MailingStatus, error) {
	st := MailingStatus(s)
	if !slices.Contains(MailingStatuses, st) {
		return "", fmt.Errorf("unknown mailing status %q", s)
	}
	return st, nil
}

// Mailing is a single scheduled email definition within a campaign
type Mailing struct {
	ID           int64         `json:"id"`
	CampaignID   int64         `json:"campaign_id"`
	Names        Names         `json:"names"`
	Status       MailingStatus `json:"status"`
	Recurring    bool          `json:"recurring"`
	HoursOfDay   IntSet        `json:"hours_of_day"`
	DaysOfWeek   IntSet        `json:"days_of_week"`
	DaysOfMonth  IntSet        `json:"days_of_month"`
	DaysOfYear   IntSet        `json:"days_of_year"`
	WeeksOfMonth IntSet        `json:"weeks_of_month"`
	MonthsOfYear IntSet        `json:"months_of_year"`
	WeeksOfYear  IntSet        `json:"weeks_of_year"`
	Subject      string        `json:"subject"`
	LocationID   int64         `json:"location_id,omitempty"`
	SiteAccess   string        `json:"site_access"`
	Content      string        `json:"content,omitempty"`
	Created      time.Time     `json:"created"`
	Updated      time.Time     `json:"updated"`
}

// IsScheduledAt reports whether every non-empty schedule array matches t.
// A mailing with no schedule at all is never due.
func (m *Mailing) IsScheduledAt(t time.Time) bool {
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	_, isoWeek := t.ISOWeek()

	checks := []struct {
		set   IntSet
		value int
	}{
		{m.HoursOfDay, t.Hour()},
		{m.DaysOfWeek, weekday},
		{m.DaysOfMonth, t.Day()},
		{m.DaysOfYear, t.YearDay()},
		{m.WeeksOfMonth, (t.Day()-1)/7 + 1},
		{m.MonthsOfYear, int(t.Month())},
		{m.WeeksOfYear, isoWeek},
	}

	scheduled := false
	for _, c := range checks {
		if len(c.set) == 0 {
			continue
		}
		if !c.set.Contains(c.value) {
			return false
		}
		scheduled = true
	}
	return scheduled
}

// MailingFilter for filtering mailings
type MailingFilter struct {
	CampaignID int64
	Status     MailingStatus
	Limit      int
	Offset     int
}
