package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"pfexchange/internal/family/models"
	"pfexchange/pkg/platform/sentinel"
	txcontext "pfexchange/pkg/platform/tx"
)

//go:embed schema.sql
var Schema string

// Migrate applies the schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply family schema: %w", err)
	}
	return nil
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore persists records and children in PostgreSQL and reads the
// declared activity history from the same database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

const recordColumns = `id, person_id, national_id, application_id, birth_date, status,
	data_in, data_err, last_attempt_at, retry_count`

// Insert adds records. Existing IDs are overwritten.
func (s *PostgresStore) Insert(ctx context.Context, records ...*models.Record) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		query := `
			INSERT INTO family_records (` + recordColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (id) DO UPDATE SET
				person_id = EXCLUDED.person_id,
				national_id = EXCLUDED.national_id,
				application_id = EXCLUDED.application_id,
				birth_date = EXCLUDED.birth_date,
				status = EXCLUDED.status,
				data_in = EXCLUDED.data_in,
				data_err = EXCLUDED.data_err,
				last_attempt_at = EXCLUDED.last_attempt_at,
				retry_count = EXCLUDED.retry_count
		`
		for _, r := range records {
			_, err := s.execer(ctx).ExecContext(ctx, query,
				r.ID, r.PersonID, r.NationalID, r.ApplicationID, nullDate(r.BirthDate), string(r.Status),
				nullString(r.DataIn), nullString(r.DataErr), nullTimePtr(r.LastAttemptAt), r.RetryCount,
			)
			if err != nil {
				return fmt.Errorf("insert record %d: %w", r.ID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*models.Record, error) {
	row := s.execer(ctx).QueryRowContext(ctx, `SELECT `+recordColumns+` FROM family_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("find record %d: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresStore) FetchReady(ctx context.Context, limit int) ([]*models.Record, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM family_records
		WHERE status = $1
		ORDER BY id
		LIMIT $2
	`, string(models.StatusReady), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch ready records: %w", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ready records: %w", err)
	}
	return out, nil
}

// Claim moves a READY record to PROCESSING. It reports false when another
// worker got there first.
func (s *PostgresStore) Claim(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE family_records
		SET status = $2, last_attempt_at = $3
		WHERE id = $1 AND status = $4
	`, id, string(models.StatusProcessing), at, string(models.StatusReady))
	if err != nil {
		return false, fmt.Errorf("claim record %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim record %d rows affected: %w", id, err)
	}
	return n == 1, nil
}

// Save writes the processing result of rec. retry_count is owned by
// ResetStuck and is never written here.
func (s *PostgresStore) Save(ctx context.Context, rec *models.Record) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE family_records
		SET status = $2, data_in = $3, data_err = $4, last_attempt_at = $5
		WHERE id = $1
	`, rec.ID, string(rec.Status), nullString(rec.DataIn), nullString(rec.DataErr), nullTimePtr(rec.LastAttemptAt))
	if err != nil {
		return fmt.Errorf("save record %d: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save record %d rows affected: %w", rec.ID, err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ResetStuck(ctx context.Context, olderThan time.Time, maxRetries int) (int, error) {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE family_records
		SET status = $1, retry_count = retry_count + 1
		WHERE status = $2 AND last_attempt_at < $3 AND retry_count < $4
	`, string(models.StatusReady), string(models.StatusProcessing), olderThan, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("reset stuck records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset stuck records rows affected: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) CountUnprocessed(ctx context.Context) (int64, error) {
	var n int64
	err := s.execer(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM family_records WHERE status = $1`, string(models.StatusReady)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unprocessed records: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) StatusCounts(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `SELECT status, COUNT(*) FROM family_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count records by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[models.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// ReplaceChildren deletes the record's children and inserts the new set in one
// transaction.
func (s *PostgresStore) ReplaceChildren(ctx context.Context, recordID int64, children []models.Child) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		if _, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM family_children WHERE record_id = $1`, recordID); err != nil {
			return fmt.Errorf("delete children of record %d: %w", recordID, err)
		}
		query := `
			INSERT INTO family_children (
				record_id, national_id, surname, name, patronym, birth_date, gender,
				registration_number, registration_date, registry_branch_id,
				certificate_series, certificate_number, certificate_date,
				father_national_id, father_surname, father_name, father_patronym, father_birth_date,
				mother_national_id, mother_surname, mother_name, mother_patronym, mother_birth_date,
				is_alive
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
				$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24
			)
		`
		for _, c := range children {
			_, err := s.execer(ctx).ExecContext(ctx, query,
				recordID, c.NationalID, c.Surname, c.Name, c.Patronym, nullTimePtr(c.BirthDate), c.Gender,
				c.RegistrationNumber, nullTimePtr(c.RegistrationDate), c.RegistryBranchID,
				c.CertificateSeries, c.CertificateNumber, nullTimePtr(c.CertificateDate),
				c.FatherNationalID, c.FatherSurname, c.FatherName, c.FatherPatronym, nullTimePtr(c.FatherBirthDate),
				c.MotherNationalID, c.MotherSurname, c.MotherName, c.MotherPatronym, nullTimePtr(c.MotherBirthDate),
				c.IsAlive,
			)
			if err != nil {
				return fmt.Errorf("insert child of record %d: %w", recordID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ChildrenOf(ctx context.Context, recordID int64) ([]models.Child, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT national_id, surname, name, birth_date, mother_national_id
		FROM family_children
		WHERE record_id = $1
		ORDER BY id
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list children of record %d: %w", recordID, err)
	}
	defer rows.Close()

	var out []models.Child
	for rows.Next() {
		var (
			nationalID, surname, name, mother sql.NullString
			birth                             sql.NullTime
		)
		if err := rows.Scan(&nationalID, &surname, &name, &birth, &mother); err != nil {
			return nil, fmt.Errorf("scan child: %w", err)
		}
		out = append(out, models.Child{
			RecordID:         recordID,
			NationalID:       nationalID.String,
			Surname:          surname.String,
			Name:             name.String,
			BirthDate:        timePtr(birth),
			MotherNationalID: mother.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) CountChildrenForApplication(ctx context.Context, applicationID int64) (int64, error) {
	var n int64
	err := s.execer(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM family_children c
		JOIN family_records r ON r.id = c.record_id
		WHERE r.application_id = $1
	`, applicationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count children for application %d: %w", applicationID, err)
	}
	return n, nil
}

func (s *PostgresStore) Activities(ctx context.Context, personID, applicationID int64) ([]models.Activity, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, `
		SELECT date_begin, date_end, activity_code, COALESCE(staff_flag, '')
		FROM person_activities
		WHERE person_id = $1 AND application_id = $2
		ORDER BY date_begin
	`, personID, applicationID)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	var out []models.Activity
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.Begin, &a.End, &a.Code, &a.StaffFlag); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return out, nil
}

// InsertActivities seeds declared activities, mostly for tests and fixtures.
func (s *PostgresStore) InsertActivities(ctx context.Context, personID, applicationID int64, activities ...models.Activity) error {
	return txcontext.Run(ctx, s.db, func(ctx context.Context) error {
		for _, a := range activities {
			_, err := s.execer(ctx).ExecContext(ctx, `
				INSERT INTO person_activities (person_id, application_id, date_begin, date_end, activity_code, staff_flag)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, personID, applicationID, a.Begin, a.End, a.Code, a.StaffFlag)
			if err != nil {
				return fmt.Errorf("insert activity: %w", err)
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		rec       models.Record
		birth     sql.NullTime
		status    string
		dataIn    sql.NullString
		dataErr   sql.NullString
		attemptAt sql.NullTime
	)
	if err := row.Scan(&rec.ID, &rec.PersonID, &rec.NationalID, &rec.ApplicationID, &birth, &status,
		&dataIn, &dataErr, &attemptAt, &rec.RetryCount); err != nil {
		return nil, err
	}
	rec.BirthDate = birth.Time
	rec.Status = models.Status(status)
	rec.DataIn = dataIn.String
	rec.DataErr = dataErr.String
	rec.LastAttemptAt = timePtr(attemptAt)
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDate(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
