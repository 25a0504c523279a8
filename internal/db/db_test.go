package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	database, err := New("sqlite3", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return database
}

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		query   string
		want    string
	}{
		{
			name:    "sqlite unchanged",
			dialect: SQLite,
			query:   "SELECT * FROM t WHERE a = ? AND b = ?",
			want:    "SELECT * FROM t WHERE a = ? AND b = ?",
		},
		{
			name:    "postgres numbered",
			dialect: Postgres,
			query:   "SELECT * FROM t WHERE a = ? AND b = ?",
			want:    "SELECT * FROM t WHERE a = $1 AND b = $2",
		},
		{
			name:    "postgres quoted question mark kept",
			dialect: Postgres,
			query:   "SELECT '?' FROM t WHERE a = ?",
			want:    "SELECT '?' FROM t WHERE a = $1",
		},
		{
			name:    "mysql unchanged",
			dialect: MySQL,
			query:   "UPDATE t SET a = ?",
			want:    "UPDATE t SET a = ?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Rebind(tt.dialect, tt.query); got != tt.want {
				t.Errorf("Rebind() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	for _, table := range Tables {
		if !TableExists(ctx, database, table.Name) {
			t.Errorf("table %s does not exist after migration", table.Name)
		}
	}

	if TableExists(ctx, database, "novaezmailing_user") {
		t.Error("TableExists() = true for a missing table")
	}
}

func TestInsertAndResetSequence(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	insert := `INSERT INTO mailing_mailing_list (ML_names, ML_withApproval, ML_created) VALUES (?, ?, CURRENT_TIMESTAMP)`

	first, err := Insert(ctx, database, insert, "ML_id", `{"eng-GB":"a"}`, false)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	second, err := Insert(ctx, database, insert, "ML_id", `{"eng-GB":"b"}`, true)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if second != first+1 {
		t.Errorf("second id = %d, want %d", second, first+1)
	}

	if _, err := database.ExecContext(ctx, "DELETE FROM mailing_mailing_list"); err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if err := ResetSequence(ctx, database, "mailing_mailing_list", "ML_id"); err != nil {
		t.Fatalf("ResetSequence() error = %v", err)
	}

	id, err := Insert(ctx, database, insert, "ML_id", `{}`, false)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if id != 1 {
		t.Errorf("id after reset = %d, want 1", id)
	}
}

func TestWithTxRollback(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	err := database.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO mailing_mailing_list (ML_names, ML_withApproval, ML_created) VALUES (?, ?, CURRENT_TIMESTAMP)`, `{}`, false); err != nil {
			return err
		}
		return context.Canceled
	})
	if err != context.Canceled {
		t.Fatalf("WithTx() error = %v, want context.Canceled", err)
	}

	var count int
	if err := database.QueryRowContext(ctx, "SELECT COUNT(*) FROM mailing_mailing_list").Scan(&count); err != nil {
		t.Fatalf("count error = %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0 after rollback", count)
	}
}

func TestIsConstraintError(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	_, fkErr := database.ExecContext(ctx, `INSERT INTO mailing_stats_hit (BDCST_id, STHIT_url, STHIT_user_key, STHIT_created, STHIT_updated) VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`, 42, "-", "k")
	if fkErr == nil {
		t.Fatal("insert with a missing broadcast should fail")
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"sqlite foreign key", fmt.Errorf("failed to create stat hit: %w", fkErr), true},
		{"postgres foreign key", &pq.Error{Code: "23503"}, true},
		{"postgres deadlock", &pq.Error{Code: "40P01"}, false},
		{"mysql foreign key", &mysql.MySQLError{Number: 1452}, true},
		{"mysql lock timeout", &mysql.MySQLError{Number: 1205}, false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConstraintError(tt.err); got != tt.want {
				t.Errorf("IsConstraintError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewUnsupportedDriver(t *testing.T) {
	if _, err := New("oracle", "dsn"); err == nil {
		t.Error("New() should fail for an unsupported driver")
	}
}
