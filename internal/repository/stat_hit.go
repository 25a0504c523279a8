package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/models"
)

type StatHitRepository struct {
	db db.Querier
}

func NewStatHitRepository(q db.Querier) *StatHitRepository {
	return &StatHitRepository{db: q}
}

// Create records a single hit
func (r *StatHitRepository) Create(ctx context.Context, h *models.StatHit) error {
	if h.Created.IsZero() {
		h.Created = time.Now()
	}
	h.Updated = h.Created

	id, err := db.Insert(ctx, r.db, `
		INSERT INTO mailing_stats_hit (BDCST_id, STHIT_url, STHIT_user_key, STHIT_os_name, STHIT_browser_name, STHIT_created, STHIT_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, "STHIT_id",
		nullInt64(h.BroadcastID), h.URL, h.UserKey, nullString(h.OSName), nullString(h.BrowserName), h.Created, h.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to create stat hit: %w", err)
	}
	h.ID = id
	return nil
}

// CreateBatch records hits in one transaction
func (r *StatHitRepository) CreateBatch(ctx context.Context, hits []models.StatHit) error {
	if len(hits) == 0 {
		return nil
	}
	database, ok := r.db.(*db.DB)
	if !ok {
		for i := range hits {
			if err := r.Create(ctx, &hits[i]); err != nil {
				return err
			}
		}
		return nil
	}

	return database.WithTx(ctx, func(tx *db.Tx) error {
		inTx := NewStatHitRepository(tx)
		for i := range hits {
			if err := inTx.Create(ctx, &hits[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats aggregates hits and sent counts of the given broadcasts
func (r *StatHitRepository) Stats(ctx context.Context, broadcastIDs []int64) (*models.BroadcastStats, error) {
	stats := &models.BroadcastStats{
		Broadcasts: len(broadcastIDs),
		Clicks:     map[string]int{},
		Browsers:   map[string]int{},
		OSes:       map[string]int{},
	}
	if len(broadcastIDs) == 0 {
		return stats, nil
	}
	in, args := inClause(broadcastIDs)

	if err := r.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(BDCST_email_sent_count), 0) FROM mailing_broadcast WHERE BDCST_id IN "+in, args...,
	).Scan(&stats.EmailsSent); err != nil {
		return nil, fmt.Errorf("failed to count sent emails: %w", err)
	}

	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mailing_stats_hit WHERE BDCST_id IN "+in, args...,
	).Scan(&stats.Hits); err != nil {
		return nil, fmt.Errorf("failed to count hits: %w", err)
	}

	openArgs := append(append([]any{}, args...), models.ReadMarker)
	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT STHIT_user_key) FROM mailing_stats_hit WHERE BDCST_id IN "+in+" AND STHIT_url = ?", openArgs...,
	).Scan(&stats.Opens); err != nil {
		return nil, fmt.Errorf("failed to count opens: %w", err)
	}

	groups := []struct {
		column string
		extra  string
		into   map[string]int
	}{
		{"STHIT_url", " AND STHIT_url <> '" + models.ReadMarker + "'", stats.Clicks},
		{"STHIT_browser_name", " AND STHIT_browser_name IS NOT NULL", stats.Browsers},
		{"STHIT_os_name", " AND STHIT_os_name IS NOT NULL", stats.OSes},
	}
	for _, g := range groups {
		if err := r.countBy(ctx, g.column, "BDCST_id IN "+in+g.extra, args, g.into); err != nil {
			return nil, err
		}
	}

	return stats, nil
}

func (r *StatHitRepository) countBy(ctx context.Context, column, where string, args []any, into map[string]int) error {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+column+", COUNT(*) FROM mailing_stats_hit WHERE "+where+" GROUP BY "+column, args...)
	if err != nil {
		return fmt.Errorf("failed to group hits by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}
