package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/models"
)

type MailingRepository struct {
	db db.Querier
}

func NewMailingRepository(q db.Querier) *MailingRepository {
	return &MailingRepository{db: q}
}

const mailingColumns = `MAIL_id, CAMP_id, MAIL_names, MAIL_status, MAIL_recurring,
	MAIL_hours_of_day, MAIL_days_of_week, MAIL_days_of_month, MAIL_days_of_year,
	MAIL_weeks_of_month, MAIL_months_of_year, MAIL_weeks_of_year,
	MAIL_subject, MAIL_location_id, MAIL_siteaccess, MAIL_content, MAIL_created, MAIL_updated`

// Create creates a mailing inside its campaign
func (r *MailingRepository) Create(ctx context.Context, m *models.Mailing) error {
	if m.Status == "" {
		m.Status = models.MailingDraft
	}
	m.Created = time.Now()
	if m.Updated.IsZero() {
		m.Updated = m.Created
	}

	id, err := db.Insert(ctx, r.db, `
		INSERT INTO mailing_mailing (CAMP_id, MAIL_names, MAIL_status, MAIL_recurring,
			MAIL_hours_of_day, MAIL_days_of_week, MAIL_days_of_month, MAIL_days_of_year,
			MAIL_weeks_of_month, MAIL_months_of_year, MAIL_weeks_of_year,
			MAIL_subject, MAIL_location_id, MAIL_siteaccess, MAIL_content, MAIL_created, MAIL_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, "MAIL_id",
		m.CampaignID, m.Names, string(m.Status), m.Recurring,
		m.HoursOfDay, m.DaysOfWeek, m.DaysOfMonth, m.DaysOfYear,
		m.WeeksOfMonth, m.MonthsOfYear, m.WeeksOfYear,
		m.Subject, nullInt64(m.LocationID), nullString(m.SiteAccess), nullString(m.Content), m.Created, m.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to create mailing: %w", err)
	}
	m.ID = id
	return nil
}

// GetByID returns a mailing by ID
func (r *MailingRepository) GetByID(ctx context.Context, id int64) (*models.Mailing, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+mailingColumns+` FROM mailing_mailing WHERE MAIL_id = ?`, id)

	m, err := scanMailing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// List returns mailings filtered by campaign and status
func (r *MailingRepository) List(ctx context.Context, filter models.MailingFilter) ([]models.Mailing, error) {
	query := `SELECT ` + mailingColumns + ` FROM mailing_mailing WHERE 1=1`
	args := []any{}
	if filter.CampaignID != 0 {
		query += " AND CAMP_id = ?"
		args = append(args, filter.CampaignID)
	}
	if filter.Status != "" {
		query += " AND MAIL_status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY MAIL_id"
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mailings := []models.Mailing{}
	for rows.Next() {
		m, err := scanMailing(rows)
		if err != nil {
			return nil, err
		}
		mailings = append(mailings, *m)
	}
	return mailings, rows.Err()
}

// Update updates the mailing definition, keeping its status
func (r *MailingRepository) Update(ctx context.Context, m *models.Mailing) error {
	m.Updated = time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE mailing_mailing SET MAIL_names = ?, MAIL_recurring = ?,
			MAIL_hours_of_day = ?, MAIL_days_of_week = ?, MAIL_days_of_month = ?, MAIL_days_of_year = ?,
			MAIL_weeks_of_month = ?, MAIL_months_of_year = ?, MAIL_weeks_of_year = ?,
			MAIL_subject = ?, MAIL_location_id = ?, MAIL_siteaccess = ?, MAIL_content = ?, MAIL_updated = ?
		WHERE MAIL_id = ?`,
		m.Names, m.Recurring,
		m.HoursOfDay, m.DaysOfWeek, m.DaysOfMonth, m.DaysOfYear,
		m.WeeksOfMonth, m.MonthsOfYear, m.WeeksOfYear,
		m.Subject, nullInt64(m.LocationID), nullString(m.SiteAccess), nullString(m.Content), m.Updated, m.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update mailing: %w", err)
	}
	return nil
}

// UpdateStatus moves a mailing along the workflow. The update only applies
// when the stored status still equals m.Status, so concurrent processors
// cannot pick up the same mailing twice.
func (r *MailingRepository) UpdateStatus(ctx context.Context, m *models.Mailing, to models.MailingStatus) error {
	if err := models.CheckTransition(m.Status, to); err != nil {
		return err
	}

	now := time.Now()
	res, err := r.db.ExecContext(ctx, `
		UPDATE mailing_mailing SET MAIL_status = ?, MAIL_updated = ? WHERE MAIL_id = ? AND MAIL_status = ?`,
		string(to), now, m.ID, string(m.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to update mailing status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update mailing status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("mailing %d is no longer %s: %w", m.ID, m.Status, ErrConflict)
	}

	m.Status = to
	m.Updated = now
	return nil
}

// Delete deletes a mailing
func (r *MailingRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM mailing_mailing WHERE MAIL_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete mailing: %w", err)
	}
	return nil
}

// CountByStatus returns the number of mailings per status
func (r *MailingRepository) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT MAIL_status, COUNT(*) FROM mailing_mailing GROUP BY MAIL_status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func scanMailing(s scanner) (*models.Mailing, error) {
	m := &models.Mailing{}
	var status string
	var location sql.NullInt64
	var siteAccess, content sql.NullString
	var updated sql.NullTime
	err := s.Scan(&m.ID, &m.CampaignID, &m.Names, &status, &m.Recurring,
		&m.HoursOfDay, &m.DaysOfWeek, &m.DaysOfMonth, &m.DaysOfYear,
		&m.WeeksOfMonth, &m.MonthsOfYear, &m.WeeksOfYear,
		&m.Subject, &location, &siteAccess, &content, &m.Created, &updated)
	if err != nil {
		return nil, err
	}
	m.Status = models.MailingStatus(status)
	m.LocationID = location.Int64
	m.SiteAccess = siteAccess.String
	m.Content = content.String
	m.Updated = updated.Time
	return m, nil
}
