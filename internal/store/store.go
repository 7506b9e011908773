package store

import (
	"context"
	"time"

	"hqms/token-service/internal/models"
)

type CreatePatientInput struct {
	PatientID string
	FullName  string
	CheckinAt time.Time
}

// PendingToken is one entry of a department's FIFO queue projection.
type PendingToken struct {
	PatientID  string
	Token      string
	Department string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
}

// PatientStore persists patient records and their token history. SavePatient
// is version-checked: the save succeeds only when the stored record still
// carries the version the caller read, otherwise ErrVersionConflict is
// returned and the caller is expected to re-read and retry.
type PatientStore interface {
	CreatePatient(ctx context.Context, input CreatePatientInput) (models.Patient, error)
	FindPatient(ctx context.Context, patientID string) (models.Patient, error)
	FindPatientByToken(ctx context.Context, token, department string) (models.Patient, error)
	SavePatient(ctx context.Context, patient models.Patient, events []TokenEventInput) (models.Patient, error)

	// Queue and estimator aggregations, derived from token history.
	ListPendingTokens(ctx context.Context, department string) ([]PendingToken, error)
	CountPendingTokens(ctx context.Context, department string) (int, error)
	AverageServiceMinutes(ctx context.Context, department string) (float64, int, error)
	ListExpiredTokens(ctx context.Context, now time.Time, limit int) ([]PendingToken, error)

	ListTokenEvents(ctx context.Context, patientID string) ([]TokenEvent, error)
	ListEventsAfter(ctx context.Context, after time.Time, limit int) ([]TokenEvent, error)
}

// CounterStore hands out department counter values. NextCounter must be
// atomic per department: concurrent callers never observe the same value,
// and a department seen for the first time starts from 1.
type CounterStore interface {
	NextCounter(ctx context.Context, department string) (int64, error)
}
