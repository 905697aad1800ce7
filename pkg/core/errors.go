// Package core provides the AgentMem client: a single facade over the
// memory store, search engine, consolidation engine, context assembler,
// and pattern tracker.
package core

import (
	"errors"
	"fmt"

	"github.com/merchantos/agentmem-go/pkg/intelligence"
	"github.com/merchantos/agentmem-go/pkg/search"
	"github.com/merchantos/agentmem-go/pkg/storage"
)

// Predefined errors for common failure scenarios. ErrNotFound,
// ErrInvalidArgument, and ErrDependencyUnavailable are the same values the
// inner packages return, so errors.Is works whether a caller imports the
// sentinel from here or from the package that produced it.
var (
	// ErrNotFound indicates that a requested memory or pattern was not
	// found, or was already deactivated where an active record is required.
	ErrNotFound = storage.ErrNotFound

	// ErrInvalidArgument indicates a structurally invalid request, such as
	// merging memories across agents.
	ErrInvalidArgument = intelligence.ErrInvalidArgument

	// ErrDependencyUnavailable indicates that the embedding provider failed
	// or is not configured for an operation that needs it.
	ErrDependencyUnavailable = search.ErrDependencyUnavailable

	// ErrInvalidConfig indicates that the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// MemoryError wraps errors with operation context.
//
// It provides additional context about which operation failed,
// making error messages more informative for debugging.
//
// Example:
//
//	err := &MemoryError{
//	    Op:  "Remember",
//	    Err: ErrInvalidInput,
//	}
//	// Error() returns: "agentmem: Remember: invalid input"
type MemoryError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
//
// The format is: "agentmem: <Op>: <Err>"
func (e *MemoryError) Error() string {
	return fmt.Sprintf("agentmem: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
//
// This allows using errors.Is() and errors.As() with MemoryError.
func (e *MemoryError) Unwrap() error {
	return e.Err
}

// NewMemoryError creates a new MemoryError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewMemoryError("Remember", err)
//	}
//
// Parameters:
//   - op: Name of the operation (e.g., "Remember", "Search", "Consolidate")
//   - err: The underlying error to wrap
//
// Returns a MemoryError, or nil if err is nil.
func NewMemoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &MemoryError{
		Op:  op,
		Err: err,
	}
}
