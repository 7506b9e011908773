package store

import "errors"

var (
	ErrPatientNotFound    = errors.New("patient not found")
	ErrDuplicatePatient   = errors.New("patient already exists")
	ErrTokenNotFound      = errors.New("token not found")
	ErrInvalidTransition  = errors.New("invalid token transition")
	ErrDuplicateToken     = errors.New("duplicate token for department")
	ErrCounterUnavailable = errors.New("counter unavailable")
	ErrVersionConflict    = errors.New("patient version conflict")
)
