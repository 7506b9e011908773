// Package queue implements the token issuance and lifecycle engine: one
// queue token per patient per department stage, a four-state lifecycle, and
// wait-time estimates derived from completed-token history.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"hqms/token-service/internal/models"
	"hqms/token-service/internal/store"
	"hqms/token-service/internal/token"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// saveRetries bounds the optimistic-concurrency retry loop. A patient record
// contended beyond this surfaces as a version conflict to the caller.
const saveRetries = 3

const defaultRegistrationDepartment = "Registration"

type Manager struct {
	patients store.PatientStore
	counters store.CounterStore
	logger   zerolog.Logger
	tokenTTL time.Duration
	now      func() time.Time
}

type ManagerOptions struct {
	// TokenTTL sets ExpiresAt on issued tokens; zero disables expiry.
	TokenTTL time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func NewManager(patients store.PatientStore, counters store.CounterStore, logger zerolog.Logger, opts ManagerOptions) *Manager {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		patients: patients,
		counters: counters,
		logger:   logger,
		tokenTTL: opts.TokenTTL,
		now:      now,
	}
}

type IssueInput struct {
	PatientID  string
	Department string
	Stage      int
}

type RegisterInput struct {
	PatientID  string
	FullName   string
	Department string
}

// Issue hands out a queue token for (patient, department). Issuance is
// idempotent: when the patient already holds a non-terminal token for the
// department, that token is returned unchanged and no counter is consumed.
func (m *Manager) Issue(ctx context.Context, input IssueInput) (models.Token, error) {
	if strings.TrimSpace(input.Department) == "" {
		return models.Token{}, token.ErrInvalidDepartment
	}
	stage := input.Stage
	if stage <= 0 {
		stage = 1
	}

	var lastErr error
	for attempt := 0; attempt < saveRetries; attempt++ {
		patient, err := m.patients.FindPatient(ctx, input.PatientID)
		if err != nil {
			return models.Token{}, err
		}

		if existing, ok := patient.ActiveTokenForDepartment(input.Department); ok {
			m.logger.Debug().
				Str("patient_id", input.PatientID).
				Str("department", input.Department).
				Str("token", existing.Token).
				Msg("existing non-terminal token returned")
			return existing, nil
		}

		counter, err := m.counters.NextCounter(ctx, input.Department)
		if err != nil {
			// No token is ever fabricated without a counter value.
			return models.Token{}, err
		}
		display, err := token.Render(input.Department, counter)
		if err != nil {
			return models.Token{}, err
		}

		now := m.now()
		issued := models.Token{
			Token:      display,
			Department: input.Department,
			Stage:      stage,
			Status:     models.StatusPending,
			CreatedAt:  now,
		}
		if m.tokenTTL > 0 {
			expiresAt := now.Add(m.tokenTTL)
			issued.ExpiresAt = &expiresAt
		}

		patient.AllTokens = append(patient.AllTokens, issued)
		if patient.Status == models.PatientCompleted {
			patient.Status = models.PatientWaiting
		}

		_, err = m.patients.SavePatient(ctx, patient, []store.TokenEventInput{{
			Token:      issued.Token,
			Department: issued.Department,
			Type:       store.EventTokenIssued,
			Payload:    store.EncodeTokenPayload(issued),
			CreatedAt:  now,
		}})
		if err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return models.Token{}, err
		}

		m.logger.Info().
			Str("patient_id", input.PatientID).
			Str("department", input.Department).
			Str("token", issued.Token).
			Int64("counter", counter).
			Msg("token issued")
		return issued, nil
	}
	return models.Token{}, lastErr
}

// Call transitions a pending token to in-progress and marks the patient as
// being treated in the token's department.
func (m *Manager) Call(ctx context.Context, patientID, display, department string) (models.Token, error) {
	return m.transition(ctx, "call", patientID, display, department)
}

// Complete resolves a non-terminal token. The completed token contributes a
// duration sample to the department's service-time history.
func (m *Manager) Complete(ctx context.Context, patientID, display, department string) (models.Token, error) {
	return m.transition(ctx, "complete", patientID, display, department)
}

// Cancel resolves a non-terminal token without recording a duration sample.
func (m *Manager) Cancel(ctx context.Context, patientID, display, department string) (models.Token, error) {
	return m.transition(ctx, "cancel", patientID, display, department)
}

func (m *Manager) transition(ctx context.Context, action, patientID, display, department string) (models.Token, error) {
	var lastErr error
	for attempt := 0; attempt < saveRetries; attempt++ {
		patient, err := m.patients.FindPatient(ctx, patientID)
		if err != nil {
			return models.Token{}, err
		}

		idx, ok := patient.FindToken(display, department)
		if !ok {
			return models.Token{}, store.ErrTokenNotFound
		}
		if !store.ValidTransition(action, patient.AllTokens[idx].Status) {
			return models.Token{}, store.ErrInvalidTransition
		}

		now := m.now()
		eventType := m.applyTransition(&patient, idx, action, now)
		updated := patient.AllTokens[idx]

		_, err = m.patients.SavePatient(ctx, patient, []store.TokenEventInput{{
			Token:      updated.Token,
			Department: updated.Department,
			Type:       eventType,
			Payload:    store.EncodeTokenPayload(updated),
			CreatedAt:  now,
		}})
		if err != nil {
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return models.Token{}, err
		}

		m.logger.Info().
			Str("patient_id", patientID).
			Str("department", department).
			Str("token", display).
			Str("status", updated.Status).
			Msg("token transitioned")
		return updated, nil
	}
	return models.Token{}, lastErr
}

func (m *Manager) applyTransition(patient *models.Patient, idx int, action string, now time.Time) string {
	t := &patient.AllTokens[idx]
	switch action {
	case "call":
		t.Status = models.StatusInProgress
		patient.CurrentDepartment = t.Department
		patient.Status = models.PatientInTreatment
		return store.EventTokenCalled
	case "complete":
		t.Status = models.StatusCompleted
		completedAt := now
		t.CompletedAt = &completedAt
		patient.LastStageCompletedAt = &completedAt
		if len(patient.ActiveTokens()) == 0 {
			patient.Status = models.PatientCompleted
		} else {
			patient.Status = models.PatientWaiting
		}
		return store.EventTokenCompleted
	default:
		t.Status = models.StatusCancelled
		return store.EventTokenCancelled
	}
}

// RegisterPatient creates the patient record and issues the initial token
// for the given department (Registration when unspecified). Initial-token
// failure does not fail registration; the patient can request one later.
func (m *Manager) RegisterPatient(ctx context.Context, input RegisterInput) (models.Patient, error) {
	patientID := strings.TrimSpace(input.PatientID)
	if patientID == "" {
		patientID = uuid.NewString()
	}
	department := strings.TrimSpace(input.Department)
	if department == "" {
		department = defaultRegistrationDepartment
	}

	patient, err := m.patients.CreatePatient(ctx, store.CreatePatientInput{
		PatientID: patientID,
		FullName:  input.FullName,
		CheckinAt: m.now(),
	})
	if err != nil {
		return models.Patient{}, err
	}

	if _, err := m.Issue(ctx, IssueInput{PatientID: patientID, Department: department}); err != nil {
		m.logger.Warn().
			Err(err).
			Str("patient_id", patientID).
			Str("department", department).
			Msg("initial token issuance failed")
		return patient, nil
	}

	return m.patients.FindPatient(ctx, patientID)
}

// ExpirePending cancels pending tokens past their ExpiresAt, in batches.
// Cancellations go through the normal transition path so audit events and
// patient bookkeeping stay consistent. Returns the number cancelled.
func (m *Manager) ExpirePending(ctx context.Context, batchSize int) (int, error) {
	expired, err := m.patients.ListExpiredTokens(ctx, m.now(), batchSize)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, entry := range expired {
		if _, err := m.Cancel(ctx, entry.PatientID, entry.Token, entry.Department); err != nil {
			// A concurrent call or cancel already moved the token on.
			if isRetryable(err) || isTransitionRace(err) {
				continue
			}
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

func isRetryable(err error) bool {
	return errors.Is(err, store.ErrVersionConflict)
}

func isTransitionRace(err error) bool {
	return errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrTokenNotFound)
}
