// Package memory holds in-process store backends. They back the dev mode of
// the service and the engine tests; the version-conflict semantics match the
// postgres backend.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"hqms/token-service/internal/models"
	"hqms/token-service/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu       sync.RWMutex
	patients map[string]models.Patient
	events   map[string][]store.TokenEvent
	feed     []store.TokenEvent
}

func NewStore() *Store {
	return &Store{
		patients: make(map[string]models.Patient),
		events:   make(map[string][]store.TokenEvent),
	}
}

func (s *Store) CreatePatient(ctx context.Context, input store.CreatePatientInput) (models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.patients[input.PatientID]; ok {
		return models.Patient{}, store.ErrDuplicatePatient
	}

	checkinAt := input.CheckinAt
	if checkinAt.IsZero() {
		checkinAt = time.Now().UTC()
	}
	patient := models.Patient{
		PatientID: input.PatientID,
		FullName:  input.FullName,
		Status:    models.PatientCheckedIn,
		CheckinAt: checkinAt,
		Version:   1,
	}
	s.patients[input.PatientID] = patient
	s.appendEventLocked(patient.PatientID, store.TokenEventInput{
		Type:      store.EventPatientRegistered,
		CreatedAt: checkinAt,
	})
	return clonePatient(patient), nil
}

func (s *Store) FindPatient(ctx context.Context, patientID string) (models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	patient, ok := s.patients[patientID]
	if !ok {
		return models.Patient{}, store.ErrPatientNotFound
	}
	return clonePatient(patient), nil
}

func (s *Store) FindPatientByToken(ctx context.Context, token, department string) (models.Patient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, patient := range s.patients {
		if _, ok := patient.FindToken(token, department); ok {
			return clonePatient(patient), nil
		}
	}
	return models.Patient{}, store.ErrTokenNotFound
}

func (s *Store) SavePatient(ctx context.Context, patient models.Patient, events []store.TokenEventInput) (models.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.patients[patient.PatientID]
	if !ok {
		return models.Patient{}, store.ErrPatientNotFound
	}
	if current.Version != patient.Version {
		return models.Patient{}, store.ErrVersionConflict
	}
	if err := s.checkTokenUniquenessLocked(patient); err != nil {
		return models.Patient{}, err
	}

	patient.Version++
	s.patients[patient.PatientID] = clonePatient(patient)
	for _, event := range events {
		s.appendEventLocked(patient.PatientID, event)
	}
	return clonePatient(patient), nil
}

// checkTokenUniquenessLocked enforces that no (token, department) pair
// appears twice, within the saved record or across other patients.
func (s *Store) checkTokenUniquenessLocked(patient models.Patient) error {
	seen := make(map[[2]string]struct{}, len(patient.AllTokens))
	for _, t := range patient.AllTokens {
		key := [2]string{t.Token, t.Department}
		if _, dup := seen[key]; dup {
			return store.ErrDuplicateToken
		}
		seen[key] = struct{}{}
	}
	for id, other := range s.patients {
		if id == patient.PatientID {
			continue
		}
		for _, t := range other.AllTokens {
			if _, dup := seen[[2]string{t.Token, t.Department}]; dup {
				return store.ErrDuplicateToken
			}
		}
	}
	return nil
}

func (s *Store) ListPendingTokens(ctx context.Context, department string) ([]store.PendingToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []store.PendingToken
	for _, patient := range s.patients {
		for _, t := range patient.AllTokens {
			if t.Department == department && t.Status == models.StatusPending {
				pending = append(pending, store.PendingToken{
					PatientID:  patient.PatientID,
					Token:      t.Token,
					Department: t.Department,
					CreatedAt:  t.CreatedAt,
					ExpiresAt:  t.ExpiresAt,
				})
			}
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func (s *Store) CountPendingTokens(ctx context.Context, department string) (int, error) {
	pending, err := s.ListPendingTokens(ctx, department)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}

func (s *Store) AverageServiceMinutes(ctx context.Context, department string) (float64, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total float64
	var samples int
	for _, patient := range s.patients {
		for _, t := range patient.AllTokens {
			if t.Department != department || t.Status != models.StatusCompleted || t.CompletedAt == nil {
				continue
			}
			total += t.CompletedAt.Sub(t.CreatedAt).Minutes()
			samples++
		}
	}
	if samples == 0 {
		return 0, 0, nil
	}
	return total / float64(samples), samples, nil
}

func (s *Store) ListExpiredTokens(ctx context.Context, now time.Time, limit int) ([]store.PendingToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var expired []store.PendingToken
	for _, patient := range s.patients {
		for _, t := range patient.AllTokens {
			if t.Status != models.StatusPending || t.ExpiresAt == nil || t.ExpiresAt.After(now) {
				continue
			}
			expired = append(expired, store.PendingToken{
				PatientID:  patient.PatientID,
				Token:      t.Token,
				Department: t.Department,
				CreatedAt:  t.CreatedAt,
				ExpiresAt:  t.ExpiresAt,
			})
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].CreatedAt.Before(expired[j].CreatedAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (s *Store) ListTokenEvents(ctx context.Context, patientID string) ([]store.TokenEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[patientID]
	out := make([]store.TokenEvent, len(events))
	copy(out, events)
	return out, nil
}

func (s *Store) ListEventsAfter(ctx context.Context, after time.Time, limit int) ([]store.TokenEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	var out []store.TokenEvent
	for _, event := range s.feed {
		if !after.IsZero() && !event.CreatedAt.After(after) {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) appendEventLocked(patientID string, input store.TokenEventInput) {
	chain := s.events[patientID]
	prevHash := ""
	if len(chain) > 0 {
		prevHash = chain[len(chain)-1].Hash
	}
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	event := store.TokenEvent{
		EventID:    uuid.NewString(),
		PatientID:  patientID,
		Token:      input.Token,
		Department: input.Department,
		Type:       input.Type,
		Seq:        len(chain) + 1,
		Payload:    input.Payload,
		CreatedAt:  createdAt,
		PrevHash:   prevHash,
	}
	event.Hash = store.ComputeTokenEventHash(prevHash, patientID, event.Type, event.Payload, createdAt, event.Seq)
	s.events[patientID] = append(chain, event)
	s.feed = append(s.feed, event)
}

func clonePatient(p models.Patient) models.Patient {
	tokens := make([]models.Token, len(p.AllTokens))
	copy(tokens, p.AllTokens)
	p.AllTokens = tokens
	return p
}
