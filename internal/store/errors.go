package store

import "errors"

var (
	ErrServiceNotFound  = errors.New("service not found")
	ErrServiceInactive  = errors.New("service inactive")
	ErrEntryNotFound    = errors.New("queue entry not found")
	ErrStaleState       = errors.New("queue entry status changed")
	ErrPhoneTaken       = errors.New("customer phone already registered")
	ErrDuplicateRequest = errors.New("request id already used")
	ErrSessionNotFound  = errors.New("session not found")
)
