package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrAlreadyTerminal = errors.New("job already terminal")
	ErrNotPending      = errors.New("job is not pending")
	ErrNotFailed       = errors.New("job is not failed")
	ErrRetryExhausted  = errors.New("retry limit reached")
	ErrNoJobAvailable  = errors.New("no job available")
)
