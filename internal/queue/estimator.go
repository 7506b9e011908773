package queue

import (
	"context"
	"math"

	"hqms/token-service/internal/store"

	"github.com/rs/zerolog"
)

const (
	// defaultServiceMinutes is the policy fallback used when a department
	// has no completed-token history, not a measured value.
	defaultServiceMinutes = 5.0
	// staffBufferMinutes covers non-service overhead between patients.
	staffBufferMinutes = 2
)

// Estimator turns historical service durations and current queue depth into
// a wait-time prediction. Estimates are advisory: aggregation failures
// degrade to the default rather than failing the surrounding operation.
type Estimator struct {
	patients store.PatientStore
	logger   zerolog.Logger
}

func NewEstimator(patients store.PatientStore, logger zerolog.Logger) *Estimator {
	return &Estimator{patients: patients, logger: logger}
}

// AverageServiceMinutes is the mean duration of all completed tokens for the
// department, or the 5-minute default when no samples exist.
func (e *Estimator) AverageServiceMinutes(ctx context.Context, department string) float64 {
	avg, samples, err := e.patients.AverageServiceMinutes(ctx, department)
	if err != nil {
		e.logger.Warn().Err(err).Str("department", department).Msg("service time aggregation failed")
		return defaultServiceMinutes
	}
	if samples == 0 {
		return defaultServiceMinutes
	}
	return avg
}

// Estimate approximates the department-wide wait as average service time
// times queue depth plus the staff buffer. A Little's-law style
// approximation, not a simulation.
func (e *Estimator) Estimate(ctx context.Context, department string) int {
	pending, err := e.patients.CountPendingTokens(ctx, department)
	if err != nil {
		e.logger.Warn().Err(err).Str("department", department).Msg("pending count failed")
		return int(defaultServiceMinutes)
	}
	avg := e.AverageServiceMinutes(ctx, department)
	return int(math.Round(avg*float64(pending))) + staffBufferMinutes
}
