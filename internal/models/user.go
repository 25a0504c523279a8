package models

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

type UserStatus string

const (
	UserPending     UserStatus = "pending"
	UserConfirmed   UserStatus = "confirmed"
	UserSoftBounce  UserStatus = "soft_bounce"
	UserHardBounce  UserStatus = "hard_bounce"
	UserBlacklisted UserStatus = "blacklisted"
	UserRemoved     UserStatus = "removed"
)

var UserStatuses = []UserStatus{
	UserPending, UserConfirmed, UserSoftBounce, UserHardBounce, UserBlacklisted, UserRemoved,
}

func ParseUserStatus(s string) (UserStatus, error) {
	st := UserStatus(s)
	if !slices.Contains(UserStatuses, st) {
		return "", fmt.Errorf("unknown user status %q", s)
	}
	return st, nil
}

// NormalizeEmail is the stored form of an address, emails are compared
// case-insensitively
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// User origins
const (
	OriginSite   = "site"
	OriginImport = "import"
	OriginAdmin  = "admin"
)

// User is a newsletter subscriber
type User struct {
	ID         int64      `json:"id"`
	Email      string     `json:"email" validate:"required,email,max=255"`
	FirstName  string     `json:"first_name" validate:"max=255"`
	LastName   string     `json:"last_name" validate:"max=255"`
	Gender     string     `json:"gender,omitempty" validate:"max=255"`
	BirthDate  *time.Time `json:"birth_date,omitempty"`
	Phone      string     `json:"phone,omitempty" validate:"max=255"`
	Zipcode    string     `json:"zipcode,omitempty" validate:"max=255"`
	City       string     `json:"city,omitempty" validate:"max=255"`
	Street     string     `json:"street,omitempty" validate:"max=255"`
	Country    string     `json:"country,omitempty" validate:"max=255"`
	JobTitle   string     `json:"job_title,omitempty" validate:"max=255"`
	Company    string     `json:"company,omitempty" validate:"max=255"`
	Origin     string     `json:"origin" validate:"required"`
	Status     UserStatus `json:"status" validate:"required,oneof=pending confirmed soft_bounce hard_bounce blacklisted removed"`
	Restricted bool       `json:"restricted"`
	Created    time.Time  `json:"created"`
	Updated    time.Time  `json:"updated"`
}

// IsReachable reports whether mailings may be sent to the user.
func (u *User) IsReachable() bool {
	return u.Status == UserConfirmed && !u.Restricted
}

// UserFilter for filtering users, optionally restricted to mailing lists
type UserFilter struct {
	MailingListIDs []int64
	Status         UserStatus
	Search         string
	Limit          int
	Offset         int
}

// Registration links a user to a mailing list
type Registration struct {
	ID            int64     `json:"id"`
	MailingListID int64     `json:"mailing_list_id"`
	UserID        int64     `json:"user_id"`
	Approved      bool      `json:"approved"`
	Created       time.Time `json:"created"`
	Updated       time.Time `json:"updated"`
}
