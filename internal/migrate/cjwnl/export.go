package cjwnl

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/foxzi/mailing/internal/dump"
	"github.com/foxzi/mailing/internal/metrics"
	"github.com/foxzi/mailing/internal/models"
)

const listQuery = `
	SELECT contentobject_attribute_version, contentobject_id, auto_approve_registered_user,
		email_sender_name, email_sender, email_receiver_test
	FROM cjwnl_list
	WHERE (contentobject_id, contentobject_attribute_version) IN
		(SELECT contentobject_id, MAX(contentobject_attribute_version) FROM cjwnl_list GROUP BY contentobject_id)
	ORDER BY contentobject_id`

const editionQuery = `
	SELECT edition_contentobject_id, status, siteaccess, mailqueue_process_finished
	FROM cjwnl_edition_send WHERE list_contentobject_id = ?
	ORDER BY edition_contentobject_id`

// One row per email (latest non removed account), plus blacklisted
// addresses without an account.
const userQuery = `
	SELECT id, email, salutation, first_name, last_name, organisation, birthday, status
	FROM cjwnl_user
	WHERE id IN (SELECT MAX(id) FROM cjwnl_user WHERE removed = 0 GROUP BY email)
	UNION
	SELECT 0 AS id, b.email, '' AS salutation, '' AS first_name, '' AS last_name,
		'' AS organisation, '' AS birthday, 8 AS status
	FROM cjwnl_blacklist_item b
	LEFT JOIN cjwnl_user u ON b.email = u.email
	WHERE u.email IS NULL
	ORDER BY id, email`

const subscriptionQuery = `
	SELECT list_contentobject_id, approved, status FROM cjwnl_subscription
	WHERE newsletter_user_id = ? AND status NOT IN (3, 4)
	ORDER BY list_contentobject_id`

type legacyList struct {
	version     int64
	contentID   int64
	autoApprove bool
	senderName  sql.NullString
	senderEmail sql.NullString
	reportEmail sql.NullString
}

type legacyEdition struct {
	contentID  int64
	status     int64
	siteAccess sql.NullString
	finished   sql.NullInt64
}

type legacyUser struct {
	id           int64
	email        string
	salutation   sql.NullString
	firstName    sql.NullString
	lastName     sql.NullString
	organisation sql.NullString
	birthday     sql.NullString
	status       int64
}

// MailingStatusFromLegacy maps a cjwnl edition send status
func MailingStatusFromLegacy(status int64) models.MailingStatus {
	switch status {
	case 0, 1:
		return models.MailingPending
	case 2:
		return models.MailingProcessing
	case 3:
		return models.MailingSent
	case 9:
		return models.MailingAborted
	default:
		return models.MailingDraft
	}
}

// UserStatusFromLegacy maps a cjwnl user status
func UserStatusFromLegacy(status int64) models.UserStatus {
	switch status {
	case 1, 2:
		return models.UserConfirmed
	case 3, 4:
		return models.UserRemoved
	case 6:
		return models.UserSoftBounce
	case 7:
		return models.UserHardBounce
	case 8:
		return models.UserBlacklisted
	default:
		return models.UserPending
	}
}

// GenderFromLegacy maps a cjwnl salutation
func GenderFromLegacy(salutation string) *string {
	var g string
	switch salutation {
	case "1":
		g = "Mr"
	case "2":
		g = "Mme"
	default:
		return nil
	}
	return &g
}

// Export writes the legacy lists, campaigns and users to the dump folder
func (m *Migrator) Export(ctx context.Context) (Totals, error) {
	var totals Totals
	err := m.guarded(ctx, func() error {
		var err error
		totals, err = m.export(ctx)
		return err
	})
	return totals, err
}

func (m *Migrator) export(ctx context.Context) (Totals, error) {
	var totals Totals
	if m.legacy == nil {
		return totals, errors.New("no legacy database configured")
	}

	if err := m.store.CleanDir(ctx, DumpFolder); err != nil {
		return totals, err
	}
	m.progress.Section("Cleaned the folder with json files.")
	m.progress.Section("Exporting from old database to json files.")

	manifest := manifestFile{Lists: []string{}, Campaigns: []string{}, Users: []string{}}

	lists, err := m.legacyLists(ctx)
	if err != nil {
		return totals, err
	}

	m.progress.Section("Lists with Campaigns with Mailings:")
	m.progress.Start(len(lists))
	for _, l := range lists {
		listContent, err := m.loadContentWithFallback(ctx, l.contentID)
		if err != nil {
			m.logger.Warn("list content not found, skipped", "content_id", l.contentID)
			m.progress.Advance()
			continue
		}
		listNames := listContent.namesIn(m.opts.Languages)

		name, err := m.saveJSON(ctx, fmt.Sprintf("%s/list/list_%d.json", DumpFolder, l.contentID), listFile{
			Names:        listNames,
			WithApproval: flexBool(l.autoApprove),
		})
		if err != nil {
			return totals, err
		}
		manifest.Lists = append(manifest.Lists, name)

		mailings, err := m.exportMailings(ctx, l.contentID)
		if err != nil {
			return totals, err
		}
		totals.Mailings += len(mailings)

		name, err = m.saveJSON(ctx, fmt.Sprintf("%s/campaign/campaign_%d.json", DumpFolder, l.contentID), campaignFile{
			Names:       listNames,
			LocationID:  flexInt(listContent.MainLocationID),
			SenderName:  l.senderName.String,
			SenderEmail: l.senderEmail.String,
			ReportEmail: l.reportEmail.String,
			Mailings:    mailings,
		})
		if err != nil {
			return totals, err
		}
		manifest.Campaigns = append(manifest.Campaigns, name)
		m.progress.Advance()
	}
	m.progress.Finish()

	users, err := m.legacyUsers(ctx)
	if err != nil {
		return totals, err
	}
	var maxID sql.NullInt64
	if err := m.legacy.QueryRowContext(ctx, "SELECT MAX(id) FROM cjwnl_user").Scan(&maxID); err != nil {
		return totals, fmt.Errorf("failed to read max user id: %w", err)
	}
	nextID := maxID.Int64

	m.progress.Section("Users with Subscriptions:")
	m.progress.Start(len(users))
	for _, u := range users {
		status := UserStatusFromLegacy(u.status)

		userID := u.id
		if userID == 0 {
			nextID++
			userID = nextID
		}

		subscriptions, err := m.legacySubscriptions(ctx, u.id)
		if err != nil {
			return totals, err
		}
		if status == models.UserRemoved {
			subscriptions = subscriptions[:0]
		}
		totals.Registrations += len(subscriptions)

		var birthDate *flexDate
		if t, ok := parseLegacyBirthday(u.birthday.String); ok {
			birthDate = &flexDate{Time: t}
		}

		name, err := m.saveJSON(ctx, fmt.Sprintf("%s/user/user_%d.json", DumpFolder, userID), userFile{
			Email:         u.email,
			FirstName:     u.firstName.String,
			Gender:        GenderFromLegacy(u.salutation.String),
			LastName:      u.lastName.String,
			BirthDate:     birthDate,
			Status:        string(status),
			Company:       u.organisation.String,
			Subscriptions: subscriptions,
		})
		if err != nil {
			return totals, err
		}
		manifest.Users = append(manifest.Users, name)
		m.progress.Advance()
	}

	if _, err := m.saveJSON(ctx, DumpFolder+"/manifest.json", manifest); err != nil {
		return totals, err
	}
	m.progress.Finish()

	totals.Lists = len(manifest.Lists)
	totals.Campaigns = len(manifest.Campaigns)
	totals.Users = len(manifest.Users)

	for entity, n := range map[string]int{"list": totals.Lists, "campaign": totals.Campaigns, "mailing": totals.Mailings, "user": totals.Users} {
		metrics.AddMigratedRows("cjwnl_export", entity, n)
	}
	m.progress.Section(totals.String())
	m.logger.Info("export done", "lists", totals.Lists, "campaigns", totals.Campaigns,
		"mailings", totals.Mailings, "users", totals.Users, "registrations", totals.Registrations)
	return totals, nil
}

func (m *Migrator) loadContentWithFallback(ctx context.Context, id int64) (*Content, error) {
	c, err := m.content.LoadContent(ctx, id)
	if err == nil {
		return c, nil
	}
	m.logger.Debug("content not found, using fallback", "content_id", id, "error", err)
	return m.content.LoadContent(ctx, DefaultFallbackContentID)
}

func (m *Migrator) exportMailings(ctx context.Context, listContentID int64) ([]mailingFile, error) {
	editions, err := m.legacyEditions(ctx, listContentID)
	if err != nil {
		return nil, err
	}

	mailings := []mailingFile{}
	for _, e := range editions {
		content, err := m.content.LoadContent(ctx, e.contentID)
		if err != nil {
			m.logger.Warn("mailing content not found, skipped", "content_id", e.contentID, "list_content_id", listContentID)
			continue
		}

		names := content.namesIn(m.opts.Languages)
		siteAccess := e.siteAccess.String
		if !slices.Contains(m.opts.SiteAccesses, siteAccess) && len(m.opts.SiteAccesses) > 0 {
			siteAccess = m.opts.SiteAccesses[0]
		}
		finished := time.Unix(e.finished.Int64, 0).In(m.opts.Location)

		subject, ok := content.Names[m.opts.DefaultLanguage]
		if !ok {
			subject = firstName(names, m.opts.Languages)
		}

		mailings = append(mailings, mailingFile{
			Names:        names,
			Status:       string(MailingStatusFromLegacy(e.status)),
			SiteAccess:   siteAccess,
			LocationID:   flexInt(content.MainLocationID),
			HoursOfDay:   flexInt(finished.Hour()),
			DaysOfMonth:  flexInt(finished.Day()),
			MonthsOfYear: flexInt(finished.Month()),
			Subject:      subject,
		})
	}
	return mailings, nil
}

func firstName(names map[string]string, languages []string) string {
	for _, lang := range languages {
		if n, ok := names[lang]; ok {
			return n
		}
	}
	return ""
}

// parseLegacyBirthday accepts the date formats found in cjwnl_user.birthday
func parseLegacyBirthday(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0000") {
		return time.Time{}, false
	}
	for _, layout := range []string{time.DateOnly, "02.01.2006", "02/01/2006", time.DateTime, "20060102"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func (m *Migrator) saveJSON(ctx context.Context, path string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", path, err)
	}
	name, err := m.store.SaveFile(ctx, path, data)
	if err != nil {
		return "", err
	}
	return dump.BaseName(name), nil
}

func (m *Migrator) legacyLists(ctx context.Context) ([]legacyList, error) {
	rows, err := m.legacy.QueryContext(ctx, listQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to read cjwnl_list: %w", err)
	}
	defer rows.Close()

	lists := []legacyList{}
	for rows.Next() {
		var l legacyList
		var autoApprove sql.NullInt64
		if err := rows.Scan(&l.version, &l.contentID, &autoApprove, &l.senderName, &l.senderEmail, &l.reportEmail); err != nil {
			return nil, err
		}
		l.autoApprove = autoApprove.Int64 != 0
		lists = append(lists, l)
	}
	return lists, rows.Err()
}

func (m *Migrator) legacyEditions(ctx context.Context, listContentID int64) ([]legacyEdition, error) {
	rows, err := m.legacy.QueryContext(ctx, editionQuery, listContentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read cjwnl_edition_send: %w", err)
	}
	defer rows.Close()

	editions := []legacyEdition{}
	for rows.Next() {
		var e legacyEdition
		if err := rows.Scan(&e.contentID, &e.status, &e.siteAccess, &e.finished); err != nil {
			return nil, err
		}
		editions = append(editions, e)
	}
	return editions, rows.Err()
}

func (m *Migrator) legacyUsers(ctx context.Context) ([]legacyUser, error) {
	rows, err := m.legacy.QueryContext(ctx, userQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to read cjwnl_user: %w", err)
	}
	defer rows.Close()

	users := []legacyUser{}
	for rows.Next() {
		var u legacyUser
		if err := rows.Scan(&u.id, &u.email, &u.salutation, &u.firstName, &u.lastName, &u.organisation, &u.birthday, &u.status); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (m *Migrator) legacySubscriptions(ctx context.Context, userID int64) ([]subscriptionFile, error) {
	rows, err := m.legacy.QueryContext(ctx, subscriptionQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to read cjwnl_subscription: %w", err)
	}
	defer rows.Close()

	subs := []subscriptionFile{}
	for rows.Next() {
		var listID, approved, status int64
		if err := rows.Scan(&listID, &approved, &status); err != nil {
			return nil, err
		}
		subs = append(subs, subscriptionFile{
			ListContentObjectID: flexInt(listID),
			Approved:            flexBool(approved != 0),
		})
	}
	return subs, rows.Err()
}
