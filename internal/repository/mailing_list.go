package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/models"
)

type MailingListRepository struct {
	db db.Querier
}

func NewMailingListRepository(q db.Querier) *MailingListRepository {
	return &MailingListRepository{db: q}
}

const mailingListColumns = `ML_id, ML_names, ML_withApproval, ML_created, ML_updated`

// Create creates a new mailing list
func (r *MailingListRepository) Create(ctx context.Context, list *models.MailingList) error {
	list.Created = time.Now()
	if list.Updated.IsZero() {
		list.Updated = list.Created
	}

	id, err := db.Insert(ctx, r.db, `
		INSERT INTO mailing_mailing_list (ML_names, ML_withApproval, ML_created, ML_updated)
		VALUES (?, ?, ?, ?)`, "ML_id",
		list.Names, list.WithApproval, list.Created, list.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to create mailing list: %w", err)
	}
	list.ID = id
	return nil
}

// GetByID returns a mailing list by ID
func (r *MailingListRepository) GetByID(ctx context.Context, id int64) (*models.MailingList, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+mailingListColumns+` FROM mailing_mailing_list WHERE ML_id = ?`, id)

	list, err := scanMailingList(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return list, nil
}

// List returns mailing lists with optional filtering
func (r *MailingListRepository) List(ctx context.Context, filter models.MailingListFilter) ([]models.MailingList, int, error) {
	where := " WHERE 1=1"
	args := []any{}
	if filter.Search != "" {
		where += " AND ML_names LIKE ?"
		args = append(args, "%"+filter.Search+"%")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mailing_mailing_list"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + mailingListColumns + ` FROM mailing_mailing_list` + where + ` ORDER BY ML_id`
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	lists := []models.MailingList{}
	for rows.Next() {
		list, err := scanMailingList(rows)
		if err != nil {
			return nil, 0, err
		}
		lists = append(lists, *list)
	}

	return lists, total, rows.Err()
}

// Update updates names and approval mode of a mailing list
func (r *MailingListRepository) Update(ctx context.Context, list *models.MailingList) error {
	list.Updated = time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE mailing_mailing_list SET ML_names = ?, ML_withApproval = ?, ML_updated = ?
		WHERE ML_id = ?`,
		list.Names, list.WithApproval, list.Updated, list.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update mailing list: %w", err)
	}
	return nil
}

// Delete deletes a mailing list and its registrations
func (r *MailingListRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM mailing_registrations WHERE ML_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete registrations: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM mailing_campaign_mailinglists_destination WHERE ML_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete campaign destinations: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM mailing_mailing_list WHERE ML_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete mailing list: %w", err)
	}
	return nil
}

// Count returns the number of mailing lists
func (r *MailingListRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mailing_mailing_list").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func scanMailingList(s scanner) (*models.MailingList, error) {
	list := &models.MailingList{}
	var updated sql.NullTime
	if err := s.Scan(&list.ID, &list.Names, &list.WithApproval, &list.Created, &updated); err != nil {
		return nil, err
	}
	list.Updated = updated.Time
	return list, nil
}
