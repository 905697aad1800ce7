package storage

import "errors"

// ErrNotFound indicates that a requested memory or pattern does not exist.
//
// Backends return this (possibly wrapped) from GetMemory, GetPattern, and
// from PatchMemory / telemetry mutators when the target row is missing.
var ErrNotFound = errors.New("record not found")
