package queue

import (
	"context"
	"math"

	"hqms/token-service/internal/store"
)

// QueueEntry is one row of a department's display queue.
type QueueEntry struct {
	PatientID  string `json:"patient_id"`
	Token      string `json:"token"`
	EWTMinutes int    `json:"ewt_minutes"`
}

// ViewBuilder produces the EWT-annotated queue consumed by displays and
// kiosks. Views are recomputed fresh on every call; staleness is bounded by
// the caller's polling interval.
type ViewBuilder struct {
	patients  store.PatientStore
	estimator *Estimator
}

func NewViewBuilder(patients store.PatientStore, estimator *Estimator) *ViewBuilder {
	return &ViewBuilder{patients: patients, estimator: estimator}
}

// QueueForDepartment lists pending tokens in issuance order. Each entry's
// estimate is cumulative: the Nth patient in line waits roughly N average
// service times plus the staff buffer.
func (v *ViewBuilder) QueueForDepartment(ctx context.Context, department string) ([]QueueEntry, error) {
	pending, err := v.patients.ListPendingTokens(ctx, department)
	if err != nil {
		return nil, err
	}

	avg := v.estimator.AverageServiceMinutes(ctx, department)
	entries := make([]QueueEntry, 0, len(pending))
	for i, p := range pending {
		entries = append(entries, QueueEntry{
			PatientID:  p.PatientID,
			Token:      p.Token,
			EWTMinutes: int(math.Round(avg*float64(i+1))) + staffBufferMinutes,
		})
	}
	return entries, nil
}
