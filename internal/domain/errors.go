package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrLockHeld      = errors.New("lock already held")

	// ErrEpisodeNotActive is returned by Step before the first Reset or once
	// the engine has reported no steps left.
	ErrEpisodeNotActive = errors.New("episode not active: reset first")
	// ErrMalformedAction is returned when an action vector does not hold
	// exactly ActionSize values.
	ErrMalformedAction = errors.New("malformed action: want 4 integers (buy level 1, buy level 2, buy level 3, market)")
	ErrMalformedWindow = errors.New("malformed observation window")
	ErrNotReset        = errors.New("mission undefined before first reset")
	ErrInvalidMission  = errors.New("invalid mission")
	ErrUnsupported     = errors.New("capability not supported by variant")
	ErrSessionLimit    = errors.New("session limit reached")
)
