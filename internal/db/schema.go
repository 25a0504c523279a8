package db

import (
	"context"
	"fmt"
	"strings"
)

// Tables in foreign key order: parents first.
var Tables = []struct {
	Name string
	PK   string
}{
	{"mailing_user", "USER_id"},
	{"mailing_mailing_list", "ML_id"},
	{"mailing_campaign", "CAMP_id"},
	{"mailing_mailing", "MAIL_id"},
	{"mailing_campaign_mailinglists_destination", ""},
	{"mailing_confirmation_token", ""},
	{"mailing_broadcast", "BDCST_id"},
	{"mailing_stats_hit", "STHIT_id"},
	{"mailing_registrations", "REG_id"},
}

func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationUser,
		migrationMailingList,
		migrationCampaign,
		migrationMailing,
		migrationCampaignDestination,
		migrationConfirmationToken,
		migrationBroadcast,
		migrationStatsHit,
		migrationRegistrations,
	}

	r := typeReplacer(db.dialect)
	for _, m := range migrations {
		for _, stmt := range strings.Split(r.Replace(m), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			// MySQL has no CREATE INDEX IF NOT EXISTS
			index := strings.Contains(stmt, "CREATE INDEX IF NOT EXISTS")
			if index && db.dialect == MySQL {
				stmt = strings.Replace(stmt, "IF NOT EXISTS ", "", 1)
			}
			if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
				if index && db.dialect == MySQL && strings.Contains(err.Error(), "Duplicate key name") {
					continue
				}
				return fmt.Errorf("migration failed: %w", err)
			}
		}
	}

	return nil
}

func typeReplacer(d Dialect) *strings.Replacer {
	switch d {
	case Postgres:
		return strings.NewReplacer("{{pk}}", "BIGSERIAL PRIMARY KEY", "{{ts}}", "TIMESTAMP", "{{bool}}", "BOOLEAN", "{{text}}", "TEXT")
	case MySQL:
		return strings.NewReplacer("{{pk}}", "BIGINT AUTO_INCREMENT PRIMARY KEY", "{{ts}}", "DATETIME", "{{bool}}", "TINYINT(1)", "{{text}}", "LONGTEXT")
	default:
		return strings.NewReplacer("{{pk}}", "INTEGER PRIMARY KEY AUTOINCREMENT", "{{ts}}", "TIMESTAMP", "{{bool}}", "BOOLEAN", "{{text}}", "TEXT")
	}
}

const migrationUser = `
CREATE TABLE IF NOT EXISTS mailing_user (
    USER_id {{pk}},
    USER_email VARCHAR(255) NOT NULL UNIQUE,
    USER_first_name VARCHAR(255),
    USER_last_name VARCHAR(255),
    USER_gender VARCHAR(255),
    USER_birth_date {{ts}} NULL,
    USER_phone VARCHAR(255),
    USER_zipcode VARCHAR(255),
    USER_city VARCHAR(255),
    USER_street VARCHAR(255),
    USER_country VARCHAR(255),
    USER_job_title VARCHAR(255),
    USER_company VARCHAR(255),
    USER_origin VARCHAR(255) NOT NULL,
    USER_status VARCHAR(255) NOT NULL,
    USER_restricted {{bool}} NOT NULL,
    USER_created {{ts}} NOT NULL,
    USER_updated {{ts}} NULL
);
CREATE INDEX IF NOT EXISTS idx_mailing_user_status ON mailing_user(USER_status);
`

const migrationMailingList = `
CREATE TABLE IF NOT EXISTS mailing_mailing_list (
    ML_id {{pk}},
    ML_names {{text}} NOT NULL,
    ML_withApproval {{bool}} NOT NULL,
    ML_created {{ts}} NOT NULL,
    ML_updated {{ts}} NULL
);
`

const migrationCampaign = `
CREATE TABLE IF NOT EXISTS mailing_campaign (
    CAMP_id {{pk}},
    CAMP_names {{text}} NOT NULL,
    CAMP_sender_name VARCHAR(255) NOT NULL,
    CAMP_sender_email VARCHAR(255) NOT NULL,
    CAMP_report_email VARCHAR(255) NOT NULL,
    CAMP_return_path_email VARCHAR(255) NOT NULL,
    CAMP_location_id BIGINT NULL,
    CAMP_created {{ts}} NOT NULL,
    CAMP_updated {{ts}} NULL
);
`

const migrationMailing = `
CREATE TABLE IF NOT EXISTS mailing_mailing (
    MAIL_id {{pk}},
    CAMP_id BIGINT NOT NULL REFERENCES mailing_campaign(CAMP_id) ON DELETE CASCADE,
    MAIL_names {{text}} NOT NULL,
    MAIL_status VARCHAR(255) NOT NULL,
    MAIL_recurring {{bool}} NOT NULL,
    MAIL_hours_of_day {{text}} NOT NULL,
    MAIL_days_of_week {{text}} NOT NULL,
    MAIL_days_of_month {{text}} NOT NULL,
    MAIL_days_of_year {{text}} NOT NULL,
    MAIL_weeks_of_month {{text}} NOT NULL,
    MAIL_months_of_year {{text}} NOT NULL,
    MAIL_weeks_of_year {{text}} NOT NULL,
    MAIL_subject VARCHAR(255) NOT NULL,
    MAIL_location_id BIGINT NULL,
    MAIL_siteaccess VARCHAR(255) NULL,
    MAIL_content {{text}} NULL,
    MAIL_created {{ts}} NOT NULL,
    MAIL_updated {{ts}} NULL
);
CREATE INDEX IF NOT EXISTS idx_mailing_mailing_status ON mailing_mailing(MAIL_status);
`

const migrationCampaignDestination = `
CREATE TABLE IF NOT EXISTS mailing_campaign_mailinglists_destination (
    CAMP_id BIGINT NOT NULL REFERENCES mailing_campaign(CAMP_id) ON DELETE CASCADE,
    ML_id BIGINT NOT NULL REFERENCES mailing_mailing_list(ML_id) ON DELETE CASCADE,
    PRIMARY KEY (CAMP_id, ML_id)
);
`

const migrationConfirmationToken = `
CREATE TABLE IF NOT EXISTS mailing_confirmation_token (
    CT_id VARCHAR(36) PRIMARY KEY,
    CT_payload {{text}} NOT NULL,
    CT_created {{ts}} NOT NULL,
    CT_updated {{ts}} NULL
);
`

const migrationBroadcast = `
CREATE TABLE IF NOT EXISTS mailing_broadcast (
    BDCST_id {{pk}},
    MAIL_id BIGINT NULL REFERENCES mailing_mailing(MAIL_id) ON DELETE SET NULL,
    BDCST_started {{ts}} NOT NULL,
    BDCST_ended {{ts}} NULL,
    BDCST_email_sent_count INTEGER NOT NULL,
    BDCST_html {{text}} NULL,
    BDCST_created {{ts}} NOT NULL,
    BDCST_updated {{ts}} NULL
);
`

const migrationStatsHit = `
CREATE TABLE IF NOT EXISTS mailing_stats_hit (
    STHIT_id {{pk}},
    BDCST_id BIGINT NULL REFERENCES mailing_broadcast(BDCST_id) ON DELETE CASCADE,
    STHIT_url VARCHAR(2048) NOT NULL,
    STHIT_user_key VARCHAR(255) NOT NULL,
    STHIT_os_name VARCHAR(255) NULL,
    STHIT_browser_name VARCHAR(255) NULL,
    STHIT_created {{ts}} NOT NULL,
    STHIT_updated {{ts}} NULL
);
CREATE INDEX IF NOT EXISTS idx_mailing_stats_hit_broadcast ON mailing_stats_hit(BDCST_id);
`

const migrationRegistrations = `
CREATE TABLE IF NOT EXISTS mailing_registrations (
    REG_id {{pk}},
    ML_id BIGINT NOT NULL REFERENCES mailing_mailing_list(ML_id) ON DELETE CASCADE,
    USER_id BIGINT NOT NULL REFERENCES mailing_user(USER_id) ON DELETE CASCADE,
    REG_approved {{bool}} NOT NULL,
    REG_created {{ts}} NOT NULL,
    REG_updated {{ts}} NULL,
    UNIQUE (ML_id, USER_id)
);
`
