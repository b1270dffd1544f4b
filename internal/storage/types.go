package storage

import (
	"errors"

	"github.com/scrypster/tiermem/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = types.ErrNotFound

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = types.ErrInvalidInput

	// ErrConflict indicates a write that would violate a lifecycle rule,
	// such as finishing an already terminal consolidation run.
	ErrConflict = errors.New("conflict")
)
