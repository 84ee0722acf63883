package model

import "errors"

var (
	// ErrLinkNotFound means no link carries the requested short code
	ErrLinkNotFound = errors.New("link not found")
	// ErrCodeConflict means a create used a short code that is already taken
	ErrCodeConflict = errors.New("short code already exists")
	// ErrInvalidInput means a create or edit was missing or had malformed fields
	ErrInvalidInput = errors.New("invalid input")
)
