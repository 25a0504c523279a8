package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/models"
)

type BroadcastRepository struct {
	db db.Querier
}

func NewBroadcastRepository(q db.Querier) *BroadcastRepository {
	return &BroadcastRepository{db: q}
}

const broadcastColumns = `BDCST_id, MAIL_id, BDCST_started, BDCST_ended, BDCST_email_sent_count, BDCST_html, BDCST_created, BDCST_updated`

// Create records the beginning of a mailing broadcast
func (r *BroadcastRepository) Create(ctx context.Context, b *models.Broadcast) error {
	now := time.Now()
	if b.Started.IsZero() {
		b.Started = now
	}
	b.Created = now
	b.Updated = now

	id, err := db.Insert(ctx, r.db, `
		INSERT INTO mailing_broadcast (MAIL_id, BDCST_started, BDCST_ended, BDCST_email_sent_count, BDCST_html, BDCST_created, BDCST_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, "BDCST_id",
		nullInt64(b.MailingID), b.Started, nullTime(b.Ended), b.EmailSentCount, nullString(b.HTML), b.Created, b.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to create broadcast: %w", err)
	}
	b.ID = id
	return nil
}

// Finish stores the sent count and end time of a broadcast
func (r *BroadcastRepository) Finish(ctx context.Context, b *models.Broadcast) error {
	now := time.Now()
	b.Ended = &now
	b.Updated = now

	_, err := r.db.ExecContext(ctx, `
		UPDATE mailing_broadcast SET BDCST_ended = ?, BDCST_email_sent_count = ?, BDCST_updated = ?
		WHERE BDCST_id = ?`,
		now, b.EmailSentCount, b.Updated, b.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish broadcast: %w", err)
	}
	return nil
}

// GetByID returns a broadcast by ID
func (r *BroadcastRepository) GetByID(ctx context.Context, id int64) (*models.Broadcast, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+broadcastColumns+` FROM mailing_broadcast WHERE BDCST_id = ?`, id)

	b, err := scanBroadcast(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// ListByMailing returns the broadcasts of a mailing, newest first
func (r *BroadcastRepository) ListByMailing(ctx context.Context, mailingID int64) ([]models.Broadcast, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+broadcastColumns+` FROM mailing_broadcast WHERE MAIL_id = ? ORDER BY BDCST_started DESC, BDCST_id DESC`, mailingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	broadcasts := []models.Broadcast{}
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		broadcasts = append(broadcasts, *b)
	}
	return broadcasts, rows.Err()
}

func scanBroadcast(s scanner) (*models.Broadcast, error) {
	b := &models.Broadcast{}
	var mailingID sql.NullInt64
	var ended, updated sql.NullTime
	var html sql.NullString
	if err := s.Scan(&b.ID, &mailingID, &b.Started, &ended, &b.EmailSentCount, &html, &b.Created, &updated); err != nil {
		return nil, err
	}
	b.MailingID = mailingID.Int64
	b.HTML = html.String
	b.Updated = updated.Time
	if ended.Valid {
		t := ended.Time
		b.Ended = &t
	}
	return b, nil
}
