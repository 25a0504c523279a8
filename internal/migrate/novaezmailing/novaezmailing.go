// Package novaezmailing moves the data of the previous bundle release,
// whose novaezmailing_* tables share the layout of the mailing_* tables.
package novaezmailing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/lock"
	"github.com/foxzi/mailing/internal/metrics"
	"github.com/foxzi/mailing/internal/migrate"
)

const (
	oldPrefix = "novaezmailing_"
	lockName  = "migrate:novaezmailing"
)

// MissingTableError reports a table absent from the database
type MissingTableError struct {
	Table string
	New   bool
}

func (e *MissingTableError) Error() string {
	if e.New {
		return fmt.Sprintf("Missing table : %s (please run migrate)", e.Table)
	}
	return "Missing table : " + e.Table
}

type tablePair struct {
	old, new, pk string
}

// pairs follows db.Tables so parents are copied before children
func pairs() []tablePair {
	out := make([]tablePair, 0, len(db.Tables))
	for _, t := range db.Tables {
		out = append(out, tablePair{
			old: oldPrefix + strings.TrimPrefix(t.Name, "mailing_"),
			new: t.Name,
			pk:  t.PK,
		})
	}
	return out
}

type Migrator struct {
	db       *db.DB
	locker   lock.Locker
	progress migrate.Progress
	logger   *slog.Logger
}

func New(database *db.DB, locker lock.Locker, logger *slog.Logger) *Migrator {
	if locker == nil {
		locker = lock.Noop{}
	}
	return &Migrator{
		db:       database,
		locker:   locker,
		progress: migrate.NoProgress{},
		logger:   logger.With("component", "migrate.novaezmailing"),
	}
}

// SetProgress sets the progress receiver
func (m *Migrator) SetProgress(p migrate.Progress) {
	m.progress = p
}

// Run copies every novaezmailing_* table into its mailing_* table, then
// drops the old tables. It returns the number of copied rows.
func (m *Migrator) Run(ctx context.Context) (n int64, err error) {
	release, err := m.locker.Acquire(ctx, lockName)
	if err != nil {
		return 0, err
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = rerr
		}
	}()

	tables := pairs()

	// checked up front: a failed statement aborts a postgres transaction
	for _, p := range tables {
		if !db.TableExists(ctx, m.db, p.old) {
			return 0, &MissingTableError{Table: p.old}
		}
		if !db.TableExists(ctx, m.db, p.new) {
			return 0, &MissingTableError{Table: p.new, New: true}
		}
	}

	m.progress.Section("Copying tables")
	m.progress.Start(len(tables))
	err = m.db.WithTx(ctx, func(tx *db.Tx) error {
		for _, p := range tables {
			res, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", p.new, p.old))
			if err != nil {
				return fmt.Errorf("failed to copy %s: %w", p.old, err)
			}
			rows, _ := res.RowsAffected()
			n += rows
			metrics.AddMigratedRows("novaezmailing", strings.TrimPrefix(p.new, "mailing_"), int(rows))
			m.logger.Debug("table copied", "from", p.old, "to", p.new, "rows", rows)

			if p.pk != "" {
				if err := db.SyncSequence(ctx, tx, p.new, p.pk); err != nil {
					return err
				}
			}
			m.progress.Advance()
		}

		for i := len(tables) - 1; i >= 0; i-- {
			if _, err := tx.ExecContext(ctx, "DROP TABLE "+tables[i].old); err != nil {
				return fmt.Errorf("failed to drop %s: %w", tables[i].old, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	m.progress.Finish()

	m.logger.Info("novaezmailing tables migrated", "rows", n)
	return n, nil
}
