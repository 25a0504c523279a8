// Package userimport loads subscribers from CSV files into a mailing list.
package userimport

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/foxzi/mailing/internal/metrics"
	"github.com/foxzi/mailing/internal/models"
	"github.com/foxzi/mailing/internal/repository"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Header aliases, lower-cased
var columnAliases = map[string]string{
	"email":         "email",
	"e-mail":        "email",
	"email_address": "email",
	"mail":          "email",
	"first_name":    "first_name",
	"firstname":     "first_name",
	"last_name":     "last_name",
	"lastname":      "last_name",
	"gender":        "gender",
	"birth_date":    "birth_date",
	"birthdate":     "birth_date",
	"birthday":      "birth_date",
	"phone":         "phone",
	"zipcode":       "zipcode",
	"zip":           "zipcode",
	"city":          "city",
	"street":        "street",
	"country":       "country",
	"job_title":     "job_title",
	"jobtitle":      "job_title",
	"company":       "company",
	"status":        "status",
}

var birthDateLayouts = []string{"2006-01-02", "02/01/2006", time.RFC3339}

// Row is one CSV record keyed by canonical column name
type Row struct {
	Line   int
	Fields map[string]string
}

func (r Row) get(key string) string {
	return strings.TrimSpace(r.Fields[key])
}

// LineError collects the problems found on one CSV line
type LineError struct {
	Line     int
	Messages []string
}

func (e LineError) Error() string {
	return fmt.Sprintf("Line %d: %s", e.Line, strings.Join(e.Messages, "; "))
}

// Result of an import run
type Result struct {
	Count  int
	Errors []LineError
}

// RowsIterator reads the CSV header and returns a function yielding rows.
// The function returns io.EOF after the last row.
func RowsIterator(r io.Reader) (func() (Row, error), error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	columns := make([]string, len(header))
	hasEmail := false
	for i, col := range header {
		col = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		columns[i] = columnAliases[col]
		if columns[i] == "email" {
			hasEmail = true
		}
	}
	if !hasEmail {
		return nil, fmt.Errorf("email column not found in CSV")
	}

	return func() (Row, error) {
		record, err := reader.Read()
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return Row{Line: pe.StartLine}, err
			}
			return Row{}, err
		}
		line, _ := reader.FieldPos(0)
		row := Row{Line: line, Fields: make(map[string]string, len(columns))}
		for i, value := range record {
			if i < len(columns) && columns[i] != "" {
				row.Fields[columns[i]] = value
			}
		}
		return row, nil
	}, nil
}

// HydrateUser builds a user from a row. Status defaults to confirmed.
// Use HasStatus to know whether the row set it.
func HydrateUser(row Row) (*models.User, error) {
	u := &models.User{
		Email:     models.NormalizeEmail(row.get("email")),
		FirstName: row.get("first_name"),
		LastName:  row.get("last_name"),
		Gender:    row.get("gender"),
		Phone:     row.get("phone"),
		Zipcode:   row.get("zipcode"),
		City:      row.get("city"),
		Street:    row.get("street"),
		Country:   row.get("country"),
		JobTitle:  row.get("job_title"),
		Company:   row.get("company"),
		Origin:    models.OriginImport,
		Status:    models.UserConfirmed,
		Updated:   time.Now(),
	}

	if s := row.get("status"); s != "" {
		u.Status = models.UserStatus(strings.ToLower(s))
	}

	if s := row.get("birth_date"); s != "" {
		var parsed bool
		for _, layout := range birthDateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				u.BirthDate = &t
				parsed = true
				break
			}
		}
		if !parsed {
			return nil, fmt.Errorf("invalid birth date %q", s)
		}
	}

	return u, nil
}

// HasStatus reports whether the row carries a status cell
func (r Row) HasStatus() bool {
	return r.get("status") != ""
}

// Validate checks a hydrated user and returns readable messages
func Validate(u *models.User) []string {
	err := validate.Struct(u)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{err.Error()}
	}

	messages := make([]string, len(fieldErrs))
	for i, fe := range fieldErrs {
		messages[i] = translateError(fe)
	}
	return messages
}

func translateError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}

// Importer registers CSV users on a mailing list
type Importer struct {
	users  *repository.UserRepository
	logger *slog.Logger
}

func NewImporter(users *repository.UserRepository, logger *slog.Logger) *Importer {
	return &Importer{
		users:  users,
		logger: logger.With("component", "userimport"),
	}
}

// RegisterUser inserts the user or updates the one with the same email, then
// adds an approved registration on the list. The status of a stored user is
// only replaced when setStatus is true.
func (i *Importer) RegisterUser(ctx context.Context, u *models.User, list *models.MailingList, setStatus bool) error {
	existing, err := i.users.GetByEmail(ctx, u.Email)
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}

	if existing == nil {
		if err := i.users.Create(ctx, u); err != nil {
			return err
		}
	} else {
		merge(existing, u, setStatus)
		if err := i.users.Update(ctx, existing); err != nil {
			return err
		}
		*u = *existing
	}

	return i.users.AddRegistration(ctx, &models.Registration{
		MailingListID: list.ID,
		UserID:        u.ID,
		Approved:      true,
	})
}

// merge copies the non-empty imported fields onto the stored user
func merge(dst, src *models.User, setStatus bool) {
	set := func(d *string, s string) {
		if s != "" {
			*d = s
		}
	}
	set(&dst.FirstName, src.FirstName)
	set(&dst.LastName, src.LastName)
	set(&dst.Gender, src.Gender)
	set(&dst.Phone, src.Phone)
	set(&dst.Zipcode, src.Zipcode)
	set(&dst.City, src.City)
	set(&dst.Street, src.Street)
	set(&dst.Country, src.Country)
	set(&dst.JobTitle, src.JobTitle)
	set(&dst.Company, src.Company)
	if src.BirthDate != nil {
		dst.BirthDate = src.BirthDate
	}
	if setStatus {
		dst.Status = src.Status
	}
}

// Import reads every row of r and registers valid users on the list. Rows with
// status removed are skipped and not counted.
func (i *Importer) Import(ctx context.Context, r io.Reader, list *models.MailingList) (*Result, error) {
	next, err := RowsIterator(r)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		row, err := next()
		if err == io.EOF {
			break
		}
		if err != nil && row.Line == 0 {
			return result, fmt.Errorf("failed to read CSV: %w", err)
		}
		if err != nil {
			result.Errors = append(result.Errors, LineError{Line: row.Line, Messages: []string{err.Error()}})
			continue
		}

		u, err := HydrateUser(row)
		if err != nil {
			result.Errors = append(result.Errors, LineError{Line: row.Line, Messages: []string{err.Error()}})
			continue
		}
		if msgs := Validate(u); len(msgs) > 0 {
			result.Errors = append(result.Errors, LineError{Line: row.Line, Messages: msgs})
			continue
		}
		if u.Status == models.UserRemoved {
			continue
		}

		if err := i.RegisterUser(ctx, u, list, row.HasStatus()); err != nil {
			result.Errors = append(result.Errors, LineError{Line: row.Line, Messages: []string{err.Error()}})
			continue
		}
		result.Count++
	}

	metrics.AddUsersImported(result.Count)
	i.logger.Info("users imported", "list_id", list.ID, "count", result.Count, "errors", len(result.Errors))
	return result, nil
}
