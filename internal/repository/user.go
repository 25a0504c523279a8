package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/mailing/internal/db"
	"github.com/foxzi/mailing/internal/models"
)

type UserRepository struct {
	db db.Querier
}

func NewUserRepository(q db.Querier) *UserRepository {
	return &UserRepository{db: q}
}

const userColumns = `USER_id, USER_email, USER_first_name, USER_last_name, USER_gender, USER_birth_date,
	USER_phone, USER_zipcode, USER_city, USER_street, USER_country, USER_job_title, USER_company,
	USER_origin, USER_status, USER_restricted, USER_created, USER_updated`

// Create creates a new user
func (r *UserRepository) Create(ctx context.Context, u *models.User) error {
	if u.Status == "" {
		u.Status = models.UserPending
	}
	u.Email = models.NormalizeEmail(u.Email)
	u.Created = time.Now()
	if u.Updated.IsZero() {
		u.Updated = u.Created
	}

	id, err := db.Insert(ctx, r.db, `
		INSERT INTO mailing_user (USER_email, USER_first_name, USER_last_name, USER_gender, USER_birth_date,
			USER_phone, USER_zipcode, USER_city, USER_street, USER_country, USER_job_title, USER_company,
			USER_origin, USER_status, USER_restricted, USER_created, USER_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, "USER_id",
		u.Email, u.FirstName, u.LastName, nullString(u.Gender), nullTime(u.BirthDate),
		u.Phone, u.Zipcode, u.City, u.Street, u.Country, u.JobTitle, u.Company,
		u.Origin, string(u.Status), u.Restricted, u.Created, u.Updated,
	)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	u.ID = id
	return nil
}

// GetByID returns a user by ID
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	return r.getBy(ctx, "USER_id = ?", id)
}

// GetByEmail returns a user by email, ignoring case
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getBy(ctx, "LOWER(USER_email) = ? ORDER BY USER_id", models.NormalizeEmail(email))
}

func (r *UserRepository) getBy(ctx context.Context, cond string, arg any) (*models.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM mailing_user WHERE `+cond, arg)

	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Update updates a user
func (r *UserRepository) Update(ctx context.Context, u *models.User) error {
	u.Email = models.NormalizeEmail(u.Email)
	u.Updated = time.Now()
	_, err := r.db.ExecContext(ctx, `
		UPDATE mailing_user SET USER_email = ?, USER_first_name = ?, USER_last_name = ?, USER_gender = ?,
			USER_birth_date = ?, USER_phone = ?, USER_zipcode = ?, USER_city = ?, USER_street = ?,
			USER_country = ?, USER_job_title = ?, USER_company = ?, USER_origin = ?, USER_status = ?,
			USER_restricted = ?, USER_updated = ?
		WHERE USER_id = ?`,
		u.Email, u.FirstName, u.LastName, nullString(u.Gender),
		nullTime(u.BirthDate), u.Phone, u.Zipcode, u.City, u.Street,
		u.Country, u.JobTitle, u.Company, u.Origin, string(u.Status),
		u.Restricted, u.Updated, u.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return nil
}

// Delete deletes a user and its registrations
func (r *UserRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM mailing_registrations WHERE USER_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete registrations: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, "DELETE FROM mailing_user WHERE USER_id = ?", id); err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func userWhere(filter models.UserFilter, withStatus bool) (string, []any) {
	where := " WHERE 1=1"
	args := []any{}

	if len(filter.MailingListIDs) > 0 {
		in, inArgs := inClause(filter.MailingListIDs)
		where += " AND USER_id IN (SELECT USER_id FROM mailing_registrations WHERE ML_id IN " + in + ")"
		args = append(args, inArgs...)
	}
	if withStatus && filter.Status != "" {
		where += " AND USER_status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Search != "" {
		where += " AND (USER_email LIKE ? OR USER_first_name LIKE ? OR USER_last_name LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s, s)
	}
	return where, args
}

// List returns users with filtering and the total count for paging
func (r *UserRepository) List(ctx context.Context, filter models.UserFilter) ([]models.User, int, error) {
	where, args := userWhere(filter, true)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM mailing_user"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + userColumns + ` FROM mailing_user` + where + ` ORDER BY USER_created DESC, USER_id DESC`
	query, args = paginate(query, args, filter.Limit, filter.Offset)

	users, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// StatusCounts returns the number of users per status, ignoring filter.Status
func (r *UserRepository) StatusCounts(ctx context.Context, filter models.UserFilter) (map[models.UserStatus]int, error) {
	where, args := userWhere(filter, false)

	rows, err := r.db.QueryContext(ctx, "SELECT USER_status, COUNT(*) FROM mailing_user"+where+" GROUP BY USER_status", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.UserStatus]int, len(models.UserStatuses))
	for _, st := range models.UserStatuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.UserStatus(status)] = n
	}
	return counts, rows.Err()
}

// Recipients returns reachable users with an approved registration on any of the lists.
// Each user appears once.
func (r *UserRepository) Recipients(ctx context.Context, listIDs []int64) ([]models.User, error) {
	if len(listIDs) == 0 {
		return []models.User{}, nil
	}
	in, inArgs := inClause(listIDs)
	args := append([]any{true}, inArgs...)
	args = append(args, string(models.UserConfirmed), false)

	return r.query(ctx, `
		SELECT `+userColumns+` FROM mailing_user
		WHERE USER_id IN (SELECT USER_id FROM mailing_registrations WHERE REG_approved = ? AND ML_id IN `+in+`)
			AND USER_status = ? AND USER_restricted = ?
		ORDER BY USER_id`, args...)
}

func (r *UserRepository) query(ctx context.Context, query string, args ...any) ([]models.User, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []models.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// AddRegistration registers the user on a list, updating the approval of an
// existing registration
func (r *UserRepository) AddRegistration(ctx context.Context, reg *models.Registration) error {
	now := time.Now()

	var existing int64
	err := r.db.QueryRowContext(ctx, `
		SELECT REG_id FROM mailing_registrations WHERE ML_id = ? AND USER_id = ?`,
		reg.MailingListID, reg.UserID,
	).Scan(&existing)

	switch {
	case err == sql.ErrNoRows:
		reg.Created = now
		reg.Updated = now
		id, err := db.Insert(ctx, r.db, `
			INSERT INTO mailing_registrations (ML_id, USER_id, REG_approved, REG_created, REG_updated)
			VALUES (?, ?, ?, ?, ?)`, "REG_id",
			reg.MailingListID, reg.UserID, reg.Approved, reg.Created, reg.Updated,
		)
		if err != nil {
			return fmt.Errorf("failed to add registration: %w", err)
		}
		reg.ID = id
		return nil
	case err != nil:
		return fmt.Errorf("failed to look up registration: %w", err)
	}

	reg.ID = existing
	reg.Updated = now
	if _, err := r.db.ExecContext(ctx, `
		UPDATE mailing_registrations SET REG_approved = ?, REG_updated = ? WHERE REG_id = ?`,
		reg.Approved, reg.Updated, reg.ID,
	); err != nil {
		return fmt.Errorf("failed to update registration: %w", err)
	}
	return nil
}

// Registrations returns the registrations of a user
func (r *UserRepository) Registrations(ctx context.Context, userID int64) ([]models.Registration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT REG_id, ML_id, USER_id, REG_approved, REG_created, REG_updated
		FROM mailing_registrations WHERE USER_id = ? ORDER BY ML_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	regs := []models.Registration{}
	for rows.Next() {
		var reg models.Registration
		var updated sql.NullTime
		if err := rows.Scan(&reg.ID, &reg.MailingListID, &reg.UserID, &reg.Approved, &reg.Created, &updated); err != nil {
			return nil, err
		}
		reg.Updated = updated.Time
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// RemoveRegistrations unregisters the user from the given lists, or from all
// lists when listIDs is empty. It returns the number of removed registrations.
func (r *UserRepository) RemoveRegistrations(ctx context.Context, userID int64, listIDs []int64) (int64, error) {
	query := "DELETE FROM mailing_registrations WHERE USER_id = ?"
	args := []any{userID}
	if len(listIDs) > 0 {
		in, inArgs := inClause(listIDs)
		query += " AND ML_id IN " + in
		args = append(args, inArgs...)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to remove registrations: %w", err)
	}
	return res.RowsAffected()
}

func scanUser(s scanner) (*models.User, error) {
	u := &models.User{}
	var firstName, lastName, gender, phone, zipcode, city, street, country, jobTitle, company sql.NullString
	var birth, updated sql.NullTime
	var status string

	err := s.Scan(&u.ID, &u.Email, &firstName, &lastName, &gender, &birth,
		&phone, &zipcode, &city, &street, &country, &jobTitle, &company,
		&u.Origin, &status, &u.Restricted, &u.Created, &updated)
	if err != nil {
		return nil, err
	}

	u.FirstName = firstName.String
	u.LastName = lastName.String
	u.Gender = gender.String
	u.Phone = phone.String
	u.Zipcode = zipcode.String
	u.City = city.String
	u.Street = street.String
	u.Country = country.String
	u.JobTitle = jobTitle.String
	u.Company = company.String
	u.Status = models.UserStatus(status)
	u.Updated = updated.Time
	if birth.Valid {
		t := birth.Time
		u.BirthDate = &t
	}
	return u, nil
}
