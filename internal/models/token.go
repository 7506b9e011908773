package models

import "time"

// Token is one stage of service for one patient in one department. The
// display string is unique within a department, not globally.
type Token struct {
	Token       string     `json:"token"`
	Department  string     `json:"department"`
	Stage       int        `json:"stage"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

const (
	StatusPending    = "pending"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

// IsTerminal reports whether a token status allows no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusCancelled
}
