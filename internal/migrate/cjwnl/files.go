package cjwnl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dump files. Readers accept the loose typing of dumps written by the
// PHP bundle: numbers as strings, booleans as 0/1, DateTime objects.

type manifestFile struct {
	Lists     []string `json:"lists"`
	Campaigns []string `json:"campaigns"`
	Users     []string `json:"users"`
}

type listFile struct {
	Names        map[string]string `json:"names"`
	WithApproval flexBool          `json:"withApproval"`
}

type campaignFile struct {
	Names       map[string]string `json:"names"`
	LocationID  flexInt           `json:"locationId"`
	SenderName  string            `json:"senderName"`
	SenderEmail string            `json:"senderEmail"`
	ReportEmail string            `json:"reportEmail"`
	Mailings    []mailingFile     `json:"mailings"`
}

type mailingFile struct {
	Names        map[string]string `json:"names"`
	Status       string            `json:"status"`
	SiteAccess   string            `json:"siteAccess"`
	LocationID   flexInt           `json:"locationId"`
	HoursOfDay   flexInt           `json:"hoursOfDay"`
	DaysOfMonth  flexInt           `json:"daysOfMonth"`
	MonthsOfYear flexInt           `json:"monthsOfYear"`
	Subject      string            `json:"subject"`
}

type userFile struct {
	Email         string             `json:"email"`
	FirstName     string             `json:"firstName"`
	Gender        *string            `json:"gender"`
	LastName      string             `json:"lastName"`
	BirthDate     *flexDate          `json:"birthDate"`
	Status        string             `json:"status"`
	Company       string             `json:"company"`
	Subscriptions []subscriptionFile `json:"subscriptions"`
}

type subscriptionFile struct {
	ListContentObjectID flexInt  `json:"list_contentobject_id"`
	Approved            flexBool `json:"approved"`
}

// contentID returns the legacy content id suffix of a dump file base name
func contentID(baseName string) string {
	_, id, _ := strings.Cut(baseName, "_")
	return id
}

type flexInt int64

func (i *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*i = 0
		return nil
	}
	s := strings.Trim(string(data), `"`)
	if s == "" {
		*i = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid integer %s", data)
	}
	*i = flexInt(n)
	return nil
}

type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(bytes.TrimSpace(data)), `"`) {
	case "true", "1":
		*b = true
	case "false", "0", "", "null":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// flexDate is written as YYYY-MM-DD. It also reads RFC 3339 strings and
// serialized PHP DateTime objects.
type flexDate struct {
	time.Time
}

func (d flexDate) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(time.DateOnly))
}

func (d *flexDate) UnmarshalJSON(data []byte) error {
	var s string
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Date string `json:"date"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		s = obj.Date
	} else if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	for _, layout := range []string{time.DateOnly, time.RFC3339, "2006-01-02 15:04:05.000000", time.DateTime} {
		if t, err := time.Parse(layout, s); err == nil {
			d.Time = t
			return nil
		}
	}
	return fmt.Errorf("invalid date %q", s)
}
