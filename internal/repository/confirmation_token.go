package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/models"
	"github.com/google/uuid"
)

type ConfirmationTokenRepository struct {
	db db.Querier
}

func NewConfirmationTokenRepository(q db.Querier) *ConfirmationTokenRepository {
	return &ConfirmationTokenRepository{db: q}
}

// Create stores a new token with a random UUID
func (r *ConfirmationTokenRepository) Create(ctx context.Context, token *models.ConfirmationToken) error {
	token.ID = uuid.New().String()
	token.Created = time.Now()
	token.Updated = token.Created

	payload, err := json.Marshal(token.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal token payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO mailing_confirmation_token (CT_id, CT_payload, CT_created, CT_updated)
		VALUES (?, ?, ?, ?)`,
		token.ID, string(payload), token.Created, token.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to create confirmation token: %w", err)
	}
	return nil
}

// Get returns a token by ID
func (r *ConfirmationTokenRepository) Get(ctx context.Context, id string) (*models.ConfirmationToken, error) {
	token := &models.ConfirmationToken{}
	var payload string
	var updated sql.NullTime

	err := r.db.QueryRowContext(ctx, `
		SELECT CT_id, CT_payload, CT_created, CT_updated FROM mailing_confirmation_token WHERE CT_id = ?`, id,
	).Scan(&token.ID, &payload, &token.Created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payload), &token.Payload); err != nil {
		return nil, fmt.Errorf("failed to parse token payload: %w", err)
	}
	token.Updated = updated.Time
	return token, nil
}

// Delete removes a token
func (r *ConfirmationTokenRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM mailing_confirmation_token WHERE CT_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete confirmation token: %w", err)
	}
	return nil
}

// DeleteOlderThan removes tokens created before the cutoff
func (r *ConfirmationTokenRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM mailing_confirmation_token WHERE CT_created < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired tokens: %w", err)
	}
	return res.RowsAffected()
}
