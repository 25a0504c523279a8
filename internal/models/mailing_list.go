package models

import "time"

// MailingList is a named collection of subscribers
type MailingList struct {
	ID           int64     `json:"id"`
	Names        Names     `json:"names"`
	WithApproval bool      `json:"with_approval"`
	Created      time.Time `json:"created"`
	Updated      time.Time `json:"updated"`
}

// MailingListFilter for filtering mailing lists
type MailingListFilter struct {
	Search string
	Limit  int
	Offset int
}
