package core

import "errors"

var (
	ErrNotFound            = errors.New("not_found")
	ErrInsufficientCredits = errors.New("insufficient_credits")
	ErrNotPending          = errors.New("not_pending")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrDuplicate           = errors.New("duplicate")
	ErrInvalidInput        = errors.New("invalid_input")
	ErrClaimLost           = errors.New("claim_lost")
)
