package cjwnl

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/metrics"
	"github.com/foxzi/mailing/internal/models"
	"github.com/foxzi/mailing/internal/repository"
)

// Import empties the mailing tables and loads the dump folder into them
func (m *Migrator) Import(ctx context.Context) (Totals, error) {
	var totals Totals
	err := m.guarded(ctx, func() error {
		var err error
		totals, err = m.importDump(ctx)
		return err
	})
	return totals, err
}

func (m *Migrator) importDump(ctx context.Context) (Totals, error) {
	var totals Totals

	if err := m.clean(ctx); err != nil {
		return totals, err
	}
	m.progress.Section("Importing from json files to new database.")

	var manifest manifestFile
	if err := m.readJSON(ctx, DumpFolder+"/manifest.json", &manifest); err != nil {
		return totals, err
	}

	// legacy list content id -> new mailing list id
	listIDs := make(map[string]int64, len(manifest.Lists))

	m.progress.Section("Lists:")
	m.progress.Start(len(manifest.Lists))
	err := m.inBatches(ctx, manifest.Lists, func(tx *db.Tx, name string) error {
		var data listFile
		if err := m.readJSON(ctx, DumpFolder+"/list/"+name+".json", &data); err != nil {
			return err
		}
		list := &models.MailingList{
			Names:        models.Names(data.Names),
			WithApproval: bool(data.WithApproval),
		}
		if err := repository.NewMailingListRepository(tx).Create(ctx, list); err != nil {
			return err
		}
		listIDs[contentID(name)] = list.ID
		totals.Lists++
		return nil
	})
	if err != nil {
		return totals, err
	}
	m.progress.Finish()

	m.progress.Section("Campaigns with Mailings:")
	m.progress.Start(len(manifest.Campaigns))
	err = m.inBatches(ctx, manifest.Campaigns, func(tx *db.Tx, name string) error {
		var data campaignFile
		if err := m.readJSON(ctx, DumpFolder+"/campaign/"+name+".json", &data); err != nil {
			return err
		}
		campaign := &models.Campaign{
			Names:           models.Names(data.Names),
			ReportEmail:     data.ReportEmail,
			SenderEmail:     data.SenderEmail,
			ReturnPathEmail: "",
			SenderName:      data.SenderName,
			LocationID:      int64(data.LocationID),
		}
		if id, ok := listIDs[contentID(name)]; ok {
			campaign.MailingListIDs = []int64{id}
		}
		if err := repository.NewCampaignRepository(tx).Create(ctx, campaign); err != nil {
			return err
		}

		mailings := repository.NewMailingRepository(tx)
		for i, md := range data.Mailings {
			status, err := models.ParseMailingStatus(md.Status)
			if err != nil {
				return fmt.Errorf("%s mailing %d: %w", name, i, err)
			}
			mailing := &models.Mailing{
				CampaignID:   campaign.ID,
				Names:        models.Names(md.Names),
				Status:       status,
				Recurring:    false,
				HoursOfDay:   models.IntSet{int(md.HoursOfDay)},
				DaysOfMonth:  models.IntSet{int(md.DaysOfMonth)},
				MonthsOfYear: models.IntSet{int(md.MonthsOfYear)},
				LocationID:   int64(md.LocationID),
				SiteAccess:   md.SiteAccess,
				Subject:      md.Subject,
			}
			if err := mailings.Create(ctx, mailing); err != nil {
				return err
			}
			totals.Mailings++
		}
		totals.Campaigns++
		return nil
	})
	if err != nil {
		return totals, err
	}
	m.progress.Finish()

	m.progress.Section("Users and Registrations:")
	m.progress.Start(len(manifest.Users))
	err = m.inBatches(ctx, manifest.Users, func(tx *db.Tx, name string) error {
		var data userFile
		if err := m.readJSON(ctx, DumpFolder+"/user/"+name+".json", &data); err != nil {
			return err
		}

		users := repository.NewUserRepository(tx)
		existing, err := users.GetByEmail(ctx, data.Email)
		if err != nil {
			return err
		}
		if existing != nil {
			m.logger.Debug("user already imported, skipped", "email", data.Email, "file", name)
			return nil
		}

		status, err := models.ParseUserStatus(data.Status)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		user := &models.User{
			Email:     models.NormalizeEmail(data.Email),
			FirstName: data.FirstName,
			LastName:  data.LastName,
			Company:   data.Company,
			Status:    status,
			Origin:    models.OriginSite,
			Updated:   time.Now(),
		}
		if data.Gender != nil {
			user.Gender = *data.Gender
		}
		if data.BirthDate != nil {
			t := data.BirthDate.Time
			user.BirthDate = &t
		}
		if err := users.Create(ctx, user); err != nil {
			return err
		}
		totals.Users++

		for _, sub := range data.Subscriptions {
			listID, ok := listIDs[strconv.FormatInt(int64(sub.ListContentObjectID), 10)]
			if !ok {
				continue
			}
			if err := users.AddRegistration(ctx, &models.Registration{
				MailingListID: listID,
				UserID:        user.ID,
				Approved:      bool(sub.Approved),
			}); err != nil {
				return err
			}
			totals.Registrations++
		}
		return nil
	})
	if err != nil {
		return totals, err
	}
	m.progress.Finish()

	for entity, n := range map[string]int{"list": totals.Lists, "campaign": totals.Campaigns, "mailing": totals.Mailings, "user": totals.Users, "registration": totals.Registrations} {
		metrics.AddMigratedRows("cjwnl_import", entity, n)
	}
	m.progress.Section(totals.String())
	m.logger.Info("import done", "lists", totals.Lists, "campaigns", totals.Campaigns,
		"mailings", totals.Mailings, "users", totals.Users, "registrations", totals.Registrations)
	return totals, nil
}

// inBatches runs fn for every name, committing every batchSize names
func (m *Migrator) inBatches(ctx context.Context, names []string, fn func(tx *db.Tx, name string) error) error {
	for start := 0; start < len(names); start += batchSize {
		end := min(start+batchSize, len(names))
		err := m.target.WithTx(ctx, func(tx *db.Tx) error {
			for _, name := range names[start:end] {
				if err := fn(tx, name); err != nil {
					return err
				}
				m.progress.Advance()
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) readJSON(ctx context.Context, path string, v any) error {
	data, err := m.store.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
