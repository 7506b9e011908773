package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hqms/token-service/internal/models"
	"hqms/token-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) CreatePatient(ctx context.Context, input store.CreatePatientInput) (models.Patient, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Patient{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	checkinAt := input.CheckinAt
	if checkinAt.IsZero() {
		checkinAt = time.Now().UTC()
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO patients (patient_id, full_name, status, checkin_at, version)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (patient_id) DO NOTHING
	`, input.PatientID, input.FullName, models.PatientCheckedIn, checkinAt)
	if err != nil {
		return models.Patient{}, err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrDuplicatePatient
		return models.Patient{}, err
	}

	if err = appendEvent(ctx, tx, input.PatientID, store.TokenEventInput{
		Type:      store.EventPatientRegistered,
		CreatedAt: checkinAt,
	}); err != nil {
		return models.Patient{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Patient{}, err
	}

	return models.Patient{
		PatientID: input.PatientID,
		FullName:  input.FullName,
		Status:    models.PatientCheckedIn,
		CheckinAt: checkinAt,
		Version:   1,
	}, nil
}

func (s *Store) FindPatient(ctx context.Context, patientID string) (models.Patient, error) {
	return findPatient(ctx, s.pool, patientID)
}

func (s *Store) FindPatientByToken(ctx context.Context, token, department string) (models.Patient, error) {
	var patientID string
	row := s.pool.QueryRow(ctx, `
		SELECT patient_id FROM patient_tokens
		WHERE token = $1 AND department = $2
	`, token, department)
	if err := row.Scan(&patientID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, store.ErrTokenNotFound
		}
		return models.Patient{}, err
	}
	return findPatient(ctx, s.pool, patientID)
}

func (s *Store) SavePatient(ctx context.Context, patient models.Patient, events []store.TokenEventInput) (models.Patient, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Patient{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE patients
		SET full_name = $1, status = $2, current_department = $3,
			last_stage_completed_at = $4, version = version + 1
		WHERE patient_id = $5 AND version = $6
	`, patient.FullName, patient.Status, nullIfEmpty(patient.CurrentDepartment),
		patient.LastStageCompletedAt, patient.PatientID, patient.Version)
	if err != nil {
		return models.Patient{}, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM patients WHERE patient_id = $1)`, patient.PatientID)
		if err = row.Scan(&exists); err != nil {
			return models.Patient{}, err
		}
		if exists {
			err = store.ErrVersionConflict
		} else {
			err = store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}

	for _, t := range patient.AllTokens {
		if err = upsertToken(ctx, tx, patient.PatientID, t); err != nil {
			return models.Patient{}, err
		}
	}

	for _, event := range events {
		if err = appendEvent(ctx, tx, patient.PatientID, event); err != nil {
			return models.Patient{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Patient{}, err
	}

	patient.Version++
	return patient, nil
}

// upsertToken inserts or refreshes one token row. The update arm only fires
// when the existing row belongs to the same patient; a (token, department)
// collision with another patient's row leaves nothing returned and surfaces
// as ErrDuplicateToken.
func upsertToken(ctx context.Context, tx pgx.Tx, patientID string, t models.Token) error {
	var token string
	row := tx.QueryRow(ctx, `
		INSERT INTO patient_tokens (token, department, patient_id, stage, status, created_at, completed_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (token, department) DO UPDATE
		SET status = EXCLUDED.status, completed_at = EXCLUDED.completed_at, expires_at = EXCLUDED.expires_at
		WHERE patient_tokens.patient_id = EXCLUDED.patient_id
		RETURNING token
	`, t.Token, t.Department, patientID, t.Stage, t.Status, t.CreatedAt, t.CompletedAt, t.ExpiresAt)
	if err := row.Scan(&token); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrDuplicateToken
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.ErrDuplicateToken
		}
		return err
	}
	return nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, patientID string, input store.TokenEventInput) error {
	var prevSeq int
	var prevHash string
	row := tx.QueryRow(ctx, `
		SELECT seq, hash FROM token_events
		WHERE patient_id = $1
		ORDER BY seq DESC
		LIMIT 1
	`, patientID)
	if err := row.Scan(&prevSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	// Timestamptz stores microseconds; hash the value as it will be read back.
	createdAt = createdAt.Truncate(time.Microsecond)
	seq := prevSeq + 1
	hash := store.ComputeTokenEventHash(prevHash, patientID, input.Type, input.Payload, createdAt, seq)

	_, err := tx.Exec(ctx, `
		INSERT INTO token_events (event_id, patient_id, token, department, type, seq, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, uuid.NewString(), patientID, nullIfEmpty(input.Token), nullIfEmpty(input.Department),
		input.Type, seq, input.Payload, createdAt, prevHash, hash)
	return err
}

func (s *Store) NextCounter(ctx context.Context, department string) (int64, error) {
	var next int64
	row := s.pool.QueryRow(ctx, `
		INSERT INTO department_counters (department, current_value)
		VALUES ($1, 1)
		ON CONFLICT (department)
		DO UPDATE SET current_value = department_counters.current_value + 1
		RETURNING current_value
	`, department)
	if err := row.Scan(&next); err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrCounterUnavailable, err)
	}
	return next, nil
}

func (s *Store) ListPendingTokens(ctx context.Context, department string) ([]store.PendingToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT patient_id, token, department, created_at, expires_at
		FROM patient_tokens
		WHERE department = $1 AND status = $2
		ORDER BY created_at ASC
	`, department, models.StatusPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPendingTokens(rows)
}

func (s *Store) CountPendingTokens(ctx context.Context, department string) (int, error) {
	var count int
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM patient_tokens
		WHERE department = $1 AND status = $2
	`, department, models.StatusPending)
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) AverageServiceMinutes(ctx context.Context, department string) (float64, int, error) {
	var avg sql.NullFloat64
	var samples int
	row := s.pool.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (completed_at - created_at)) / 60.0), COUNT(*)
		FROM patient_tokens
		WHERE department = $1 AND status = $2 AND completed_at IS NOT NULL
	`, department, models.StatusCompleted)
	if err := row.Scan(&avg, &samples); err != nil {
		return 0, 0, err
	}
	if !avg.Valid {
		return 0, 0, nil
	}
	return avg.Float64, samples, nil
}

func (s *Store) ListExpiredTokens(ctx context.Context, now time.Time, limit int) ([]store.PendingToken, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT patient_id, token, department, created_at, expires_at
		FROM patient_tokens
		WHERE status = $1 AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY created_at ASC
		LIMIT $3
	`, models.StatusPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPendingTokens(rows)
}

func (s *Store) ListTokenEvents(ctx context.Context, patientID string) ([]store.TokenEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, patient_id, token, department, type, seq, payload, created_at, prev_hash, hash
		FROM token_events
		WHERE patient_id = $1
		ORDER BY seq ASC
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *Store) ListEventsAfter(ctx context.Context, after time.Time, limit int) ([]store.TokenEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, patient_id, token, department, type, seq, payload, created_at, prev_hash, hash
		FROM token_events
		WHERE created_at > $1
		ORDER BY created_at ASC
		LIMIT $2
	`, after, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func findPatient(ctx context.Context, pool *pgxpool.Pool, patientID string) (models.Patient, error) {
	var patient models.Patient
	var currentDept sql.NullString
	var lastStage sql.NullTime
	row := pool.QueryRow(ctx, `
		SELECT patient_id, full_name, status, current_department, checkin_at, last_stage_completed_at, version
		FROM patients
		WHERE patient_id = $1
	`, patientID)
	if err := row.Scan(&patient.PatientID, &patient.FullName, &patient.Status, &currentDept,
		&patient.CheckinAt, &lastStage, &patient.Version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, store.ErrPatientNotFound
		}
		return models.Patient{}, err
	}
	if currentDept.Valid {
		patient.CurrentDepartment = currentDept.String
	}
	if lastStage.Valid {
		value := lastStage.Time
		patient.LastStageCompletedAt = &value
	}

	rows, err := pool.Query(ctx, `
		SELECT token, department, stage, status, created_at, completed_at, expires_at
		FROM patient_tokens
		WHERE patient_id = $1
		ORDER BY created_at ASC
	`, patientID)
	if err != nil {
		return models.Patient{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var t models.Token
		var completedAt sql.NullTime
		var expiresAt sql.NullTime
		if err := rows.Scan(&t.Token, &t.Department, &t.Stage, &t.Status, &t.CreatedAt, &completedAt, &expiresAt); err != nil {
			return models.Patient{}, err
		}
		t.CompletedAt = nullTimePtr(completedAt)
		t.ExpiresAt = nullTimePtr(expiresAt)
		patient.AllTokens = append(patient.AllTokens, t)
	}
	if err := rows.Err(); err != nil {
		return models.Patient{}, err
	}
	return patient, nil
}

func scanPendingTokens(rows pgx.Rows) ([]store.PendingToken, error) {
	var pending []store.PendingToken
	for rows.Next() {
		var p store.PendingToken
		var expiresAt sql.NullTime
		if err := rows.Scan(&p.PatientID, &p.Token, &p.Department, &p.CreatedAt, &expiresAt); err != nil {
			return nil, err
		}
		p.ExpiresAt = nullTimePtr(expiresAt)
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return pending, nil
}

func scanEvents(rows pgx.Rows) ([]store.TokenEvent, error) {
	var events []store.TokenEvent
	for rows.Next() {
		var event store.TokenEvent
		var token sql.NullString
		var department sql.NullString
		if err := rows.Scan(&event.EventID, &event.PatientID, &token, &department,
			&event.Type, &event.Seq, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		if token.Valid {
			event.Token = token.String
		}
		if department.Valid {
			event.Department = department.String
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func nullIfEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}
