package types

import "errors"

// Sentinel errors surfaced by pkg/queue, pkg/host, and pkg/registry. Callers
// use errors.Is against these rather than matching strings, per spec.md §7's
// error taxonomy.
var (
	ErrQueueClosed    = errors.New("queue closed")
	ErrQueueOverflow  = errors.New("queue overflow")
	ErrTargetNotFound = errors.New("target not found")
	ErrHostNotRunning = errors.New("host not running")
)
