// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates the write collided with existing state,
// such as a duplicate relationship edge or a status transition out of
// a terminal state.
var ErrConflict = errors.New("conflict")

// ErrValidation indicates a malformed inbound request that must be
// rejected at the boundary before it enters the pipeline.
var ErrValidation = errors.New("validation failed")
