package domain

import "errors"

var (
	ErrMalformedInput  = errors.New("malformed input")
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrEmailTaken      = errors.New("email already in use")
)
