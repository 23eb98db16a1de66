package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrContextDone  = errors.New("context cancelled")
	ErrLockHeld     = errors.New("lock already held")
	ErrNoPrice      = errors.New("no price available")

	ErrPositionNotFoundOrAlreadyClosed = errors.New("position not found or already closed")
	ErrInvalidPosition                 = errors.New("invalid position parameters")
	ErrCannotSize                      = errors.New("cannot safely size position")
	ErrCycleInProgress                 = errors.New("decision cycle already in progress")
	ErrInsufficientFunds               = errors.New("insufficient funds")
)
