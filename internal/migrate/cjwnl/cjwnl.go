// Package cjwnl migrates the legacy CJW newsletter schema through JSON dump
// files: Export reads the old database, Import fills the mailing tables.
package cjwnl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/dump"
	"github.com/foxzi/mailing/internal/lock"
	"github.com/foxzi/mailing/internal/migrate"
)

const (
	DumpFolder               = "migrate/cjwnl"
	DefaultFallbackContentID = 1

	lockName  = "migrate:cjwnl"
	batchSize = 100
)

// cleanOrder lists the tables emptied by Clean, children first
var cleanOrder = []struct {
	table string
	pk    string
}{
	{"mailing_stats_hit", "STHIT_id"},
	{"mailing_broadcast", "BDCST_id"},
	{"mailing_mailing", "MAIL_id"},
	{"mailing_campaign_mailinglists_destination", ""},
	{"mailing_campaign", "CAMP_id"},
	{"mailing_confirmation_token", ""},
	{"mailing_registrations", "REG_id"},
	{"mailing_mailing_list", "ML_id"},
	{"mailing_user", "USER_id"},
}

// Options are the site settings that replace the CMS configuration
type Options struct {
	Languages       []string
	DefaultLanguage string
	SiteAccesses    []string
	Location        *time.Location
}

// Totals counts the migrated entities
type Totals struct {
	Lists         int
	Campaigns     int
	Mailings      int
	Users         int
	Registrations int
}

func (t Totals) String() string {
	return fmt.Sprintf("Total: %d lists, %d campaigns, %d mailings, %d users, %d registrations.",
		t.Lists, t.Campaigns, t.Mailings, t.Users, t.Registrations)
}

type Migrator struct {
	legacy   db.Querier
	target   *db.DB
	store    dump.Storage
	content  ContentLoader
	locker   lock.Locker
	opts     Options
	progress migrate.Progress
	logger   *slog.Logger
}

// New creates a migrator. legacy may be nil when only Import or Clean run.
func New(legacy db.Querier, target *db.DB, store dump.Storage, content ContentLoader, locker lock.Locker, opts Options, logger *slog.Logger) *Migrator {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if locker == nil {
		locker = lock.Noop{}
	}
	return &Migrator{
		legacy:   legacy,
		target:   target,
		store:    store,
		content:  content,
		locker:   locker,
		opts:     opts,
		progress: migrate.NoProgress{},
		logger:   logger.With("component", "migrate.cjwnl"),
	}
}

// SetProgress sets the progress receiver
func (m *Migrator) SetProgress(p migrate.Progress) {
	m.progress = p
}

func (m *Migrator) guarded(ctx context.Context, fn func() error) (err error) {
	release, err := m.locker.Acquire(ctx, lockName)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn()
}

// Clean empties the mailing tables and resets their sequences
func (m *Migrator) Clean(ctx context.Context) error {
	return m.guarded(ctx, func() error { return m.clean(ctx) })
}

func (m *Migrator) clean(ctx context.Context) error {
	// DELETE rather than TRUNCATE because of foreign keys
	err := m.target.WithTx(ctx, func(tx *db.Tx) error {
		for _, t := range cleanOrder {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+t.table); err != nil {
				return fmt.Errorf("failed to clean %s: %w", t.table, err)
			}
			if t.pk == "" {
				continue
			}
			if err := db.ResetSequence(ctx, tx, t.table, t.pk); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	m.progress.Section("Current tables in the new database have been cleaned.")
	m.logger.Info("mailing tables cleaned")
	return nil
}
