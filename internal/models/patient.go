package models

import "time"

type Patient struct {
	PatientID            string     `json:"patient_id"`
	FullName             string     `json:"full_name,omitempty"`
	Status               string     `json:"status"`
	CurrentDepartment    string     `json:"current_department,omitempty"`
	CheckinAt            time.Time  `json:"checkin_at"`
	LastStageCompletedAt *time.Time `json:"last_stage_completed_at,omitempty"`
	// AllTokens is the append-only history of every token ever issued to
	// the patient. Tokens are never removed from it.
	AllTokens []Token `json:"all_tokens"`
	// Version guards concurrent read-modify-write cycles on the patient
	// record. Bumped by the store on every successful save.
	Version int64 `json:"version"`
}

const (
	PatientCheckedIn   = "checked-in"
	PatientWaiting     = "waiting"
	PatientInTreatment = "in-treatment"
	PatientCompleted   = "completed"
)

// ActiveTokens is a pure projection of AllTokens: the subset still in a
// non-terminal status. It is recomputed on every call and never stored.
func (p Patient) ActiveTokens() []Token {
	var active []Token
	for _, t := range p.AllTokens {
		if !IsTerminal(t.Status) {
			active = append(active, t)
		}
	}
	return active
}

// ActiveTokenForDepartment returns the patient's live token for a
// department, if any. At most one can exist at a time.
func (p Patient) ActiveTokenForDepartment(department string) (Token, bool) {
	for _, t := range p.AllTokens {
		if t.Department == department && !IsTerminal(t.Status) {
			return t, true
		}
	}
	return Token{}, false
}

// FindToken locates a token entry by display string and department.
func (p Patient) FindToken(token, department string) (int, bool) {
	for i, t := range p.AllTokens {
		if t.Token == token && t.Department == department {
			return i, true
		}
	}
	return -1, false
}
