package storage

import "errors"

// Sentinel errors shared by all implementations. Callers test with errors.Is.
var (
	// ErrNotFound means no row exists for the key.
	ErrNotFound = errors.New("storage: not found")

	// ErrExpired means the row exists but its expiry has passed.
	ErrExpired = errors.New("storage: expired")

	// ErrAlreadyConsumed means a code was already used or a refresh token
	// was already rotated or revoked.
	ErrAlreadyConsumed = errors.New("storage: already consumed")

	// ErrAlreadyExists means a create collided with an existing key.
	ErrAlreadyExists = errors.New("storage: already exists")
)
