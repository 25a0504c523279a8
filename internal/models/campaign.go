package models

import "time"

// Campaign groups mailings sent to one or more mailing lists
type Campaign struct {
	ID              int64     `json:"id"`
	Names           Names     `json:"names"`
	SenderName      string    `json:"sender_name"`
	SenderEmail     string    `json:"sender_email"`
	ReportEmail     string    `json:"report_email"`
	ReturnPathEmail string    `json:"return_path_email"`
	LocationID      int64     `json:"location_id,omitempty"`
	MailingListIDs  []int64   `json:"mailing_list_ids"`
	Created         time.Time `json:"created"`
	Updated         time.Time `json:"updated"`
}

// CampaignFilter for filtering campaigns
type CampaignFilter struct {
	Search string
	Limit  int
	Offset int
}
