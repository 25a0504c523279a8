package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/models"
)

type CampaignRepository struct {
	db db.Querier
}

func NewCampaignRepository(q db.Querier) *CampaignRepository {
	return &CampaignRepository{db: q}
}

const campaignColumns = `CAMP_id, CAMP_names, CAMP_sender_name, CAMP_sender_email, CAMP_report_email,
	CAMP_return_path_email, CAMP_location_id, CAMP_created, CAMP_updated`

// Create creates a campaign and links it to its destination mailing lists
func (r *CampaignRepository) Create(ctx context.Context, c *models.Campaign) error {
	c.Created = time.Now()
	if c.Updated.IsZero() {
		c.Updated = c.Created
	}

	id, err := db.Insert(ctx, r.db, `
		INSERT INTO mailing_campaign (CAMP_names, CAMP_sender_name, CAMP_sender_email, CAMP_report_email,
			CAMP_return_path_email, CAMP_location_id, CAMP_created, CAMP_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, "CAMP_id",
		c.Names, c.SenderName, c.SenderEmail, c.ReportEmail, c.ReturnPathEmail, nullInt64(c.LocationID), c.Created, c.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	c.ID = id

	for _, listID := range c.MailingListIDs {
		if err := r.AddMailingList(ctx, c.ID, listID); err != nil {
			return err
		}
	}
	return nil
}

// GetByID returns a campaign with its mailing list ids
func (r *CampaignRepository) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM mailing_campaign WHERE CAMP_id = ?`, id)

	c, err := scanCampaign(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.MailingListIDs, err = r.MailingListIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// List returns campaigns with optional filtering
func (r *CampaignRepository) List(ctx context.Context, filter models.CampaignFilter) ([]models.Campaign, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if filter.Search != "" {
		where += " AND CAMP_names LIKE ?"
		args = append(args, "%"+filter.Search+"%")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mailing_campaign"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + campaignColumns + ` FROM mailing_campaign` + where + ` ORDER BY CAMP_id`
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	campaigns := []models.Campaign{}
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, *c)
	}
	return campaigns, total, rows.Err()
}

// AddMailingList links a mailing list to the campaign, ignoring existing links
func (r *CampaignRepository) AddMailingList(ctx context.Context, campaignID, listID int64) error {
	var exists int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM mailing_campaign_mailinglists_destination WHERE CAMP_id = ? AND ML_id = ?`,
		campaignID, listID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check campaign destination: %w", err)
	}
	if exists > 0 {
		return nil
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO mailing_campaign_mailinglists_destination (CAMP_id, ML_id) VALUES (?, ?)`,
		campaignID, listID,
	); err != nil {
		return fmt.Errorf("failed to add mailing list to campaign: %w", err)
	}
	return nil
}

// MailingListIDs returns the destination mailing lists of a campaign
func (r *CampaignRepository) MailingListIDs(ctx context.Context, campaignID int64) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT ML_id FROM mailing_campaign_mailinglists_destination WHERE CAMP_id = ? ORDER BY ML_id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Update updates a campaign
func (r *CampaignRepository) Update(ctx context.Context, c *models.Campaign) error {
	c.Updated = time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE mailing_campaign SET CAMP_names = ?, CAMP_sender_name = ?, CAMP_sender_email = ?,
			CAMP_report_email = ?, CAMP_return_path_email = ?, CAMP_location_id = ?, CAMP_updated = ?
		WHERE CAMP_id = ?`,
		c.Names, c.SenderName, c.SenderEmail, c.ReportEmail, c.ReturnPathEmail, nullInt64(c.LocationID), c.Updated, c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	return nil
}

// Delete deletes a campaign with its mailings
func (r *CampaignRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM mailing_campaign_mailinglists_destination WHERE CAMP_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete campaign destinations: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM mailing_mailing WHERE CAMP_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete campaign mailings: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM mailing_campaign WHERE CAMP_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	return nil
}

func scanCampaign(s scanner) (*models.Campaign, error) {
	c := &models.Campaign{}
	var location sql.NullInt64
	var updated sql.NullTime
	err := s.Scan(&c.ID, &c.Names, &c.SenderName, &c.SenderEmail, &c.ReportEmail,
		&c.ReturnPathEmail, &location, &c.Created, &updated)
	if err != nil {
		return nil, err
	}
	c.LocationID = location.Int64
	c.Updated = updated.Time
	return c, nil
}
