package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/metrics"
	"github.com/foxzi/mailing/internal/repository"
)

// ErrUnknownRecipient is returned when the link points to a missing user or mailing
var ErrUnknownRecipient = errors.New("unknown recipient")

// Unsubscriber removes registrations on behalf of a recipient
type Unsubscriber struct {
	db             *db.DB
	unsubscribeAll bool
	deleteUser     bool
	logger         *slog.Logger
}

// NewUnsubscriber creates an unsubscriber. With unsubscribeAll the user leaves
// every list, otherwise only the lists of the mailing's campaign. With
// deleteUser a user left without registrations is deleted.
func NewUnsubscriber(database *db.DB, unsubscribeAll, deleteUser bool, logger *slog.Logger) *Unsubscriber {
	return &Unsubscriber{
		db:             database,
		unsubscribeAll: unsubscribeAll,
		deleteUser:     deleteUser,
		logger:         logger.With("component", "tracking.unsubscribe"),
	}
}

// Unsubscribe returns the number of removed registrations
func (u *Unsubscriber) Unsubscribe(ctx context.Context, mailingID, userID int64) (int64, error) {
	var removed int64
	var deleted bool

	err := u.db.WithTx(ctx, func(tx *db.Tx) error {
		users := repository.NewUserRepository(tx)
		user, err := users.GetByID(ctx, userID)
		if err != nil {
			return err
		}
		if user == nil {
			return ErrUnknownRecipient
		}

		var listIDs []int64
		if !u.unsubscribeAll {
			mailing, err := repository.NewMailingRepository(tx).GetByID(ctx, mailingID)
			if err != nil {
				return err
			}
			if mailing == nil {
				return ErrUnknownRecipient
			}
			listIDs, err = repository.NewCampaignRepository(tx).MailingListIDs(ctx, mailing.CampaignID)
			if err != nil {
				return err
			}
			if len(listIDs) == 0 {
				return nil
			}
		}

		removed, err = users.RemoveRegistrations(ctx, user.ID, listIDs)
		if err != nil {
			return err
		}

		if !u.deleteUser {
			return nil
		}
		left, err := users.Registrations(ctx, user.ID)
		if err != nil {
			return err
		}
		if len(left) == 0 {
			if err := users.Delete(ctx, user.ID); err != nil {
				return fmt.Errorf("failed to delete unsubscribed user: %w", err)
			}
			deleted = true
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.IncHits(metrics.HitUnsubscribe)
	u.logger.Info("user unsubscribed", "mailing_id", mailingID, "registrations", removed, "deleted", deleted)
	return removed, nil
}
