package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"hqms/token-service/internal/models"
)

// TokenEvent is one entry of a patient's hash-chained audit trail. Events
// are appended in the same critical section as the mutation they record.
type TokenEvent struct {
	EventID    string          `json:"event_id"`
	PatientID  string          `json:"patient_id"`
	Token      string          `json:"token"`
	Department string          `json:"department"`
	Type       string          `json:"type"`
	Seq        int             `json:"seq"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
	PrevHash   string          `json:"prev_hash"`
	Hash       string          `json:"hash"`
}

// TokenEventInput is an event before the store assigns its chain position.
type TokenEventInput struct {
	Token      string
	Department string
	Type       string
	Payload    json.RawMessage
	CreatedAt  time.Time
}

const (
	EventPatientRegistered = "patient.registered"
	EventTokenIssued       = "token.issued"
	EventTokenCalled       = "token.called"
	EventTokenCompleted    = "token.completed"
	EventTokenCancelled    = "token.cancelled"
)

type eventPayload struct {
	Token       string     `json:"token"`
	Department  string     `json:"department"`
	Stage       int        `json:"stage"`
	Status      string     `json:"status"`
	CreatedAt   *time.Time `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// EncodeTokenPayload serializes a token snapshot for an event record.
func EncodeTokenPayload(t models.Token) json.RawMessage {
	createdAt := t.CreatedAt
	payload := eventPayload{
		Token:       t.Token,
		Department:  t.Department,
		Stage:       t.Stage,
		Status:      t.Status,
		CreatedAt:   &createdAt,
		CompletedAt: t.CompletedAt,
		ExpiresAt:   t.ExpiresAt,
	}
	raw, _ := json.Marshal(payload)
	return raw
}

func ComputeTokenEventHash(prevHash, patientID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, patientID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// RehydrateToken replays a token's event stream and returns its final state.
func RehydrateToken(events []TokenEvent) (models.Token, error) {
	var token models.Token
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Token{}, err
		}
		if payload.Token != "" {
			token.Token = payload.Token
		}
		if payload.Department != "" {
			token.Department = payload.Department
		}
		if payload.Stage != 0 {
			token.Stage = payload.Stage
		}
		if payload.Status != "" {
			token.Status = payload.Status
		}
		if payload.CreatedAt != nil {
			token.CreatedAt = *payload.CreatedAt
		}
		if payload.CompletedAt != nil {
			token.CompletedAt = payload.CompletedAt
		}
		if payload.ExpiresAt != nil {
			token.ExpiresAt = payload.ExpiresAt
		}
	}
	return token, nil
}
