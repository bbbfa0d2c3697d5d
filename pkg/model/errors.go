// Package model defines the core domain types for linechat.
package model

import "errors"

// Errors returned by registry, group store and router operations. Callers
// match them with errors.Is; wrapped forms carry the failing operation.
var (
	ErrNameTaken        = errors.New("name already taken")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidState     = errors.New("invalid state")
	ErrUnauthenticated  = errors.New("login required")
)
