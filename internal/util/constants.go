// Package util provides common utility functions and constants used across
// the openchamber SSH session manager. This package is intentionally kept
// dependency-free (no imports from other internal/* packages) to serve as a
// shared foundation without introducing circular dependencies.
package util

import "time"

const (
	// MaxIncludeDepth is the maximum nesting level for SSH config Include
	// directives when importing host candidates. Prevents infinite recursion
	// when config files form an include cycle that escapes cycle detection
	// (e.g. via symlinks resolving to different absolute paths).
	// Used by: internal/sshimport (import.hosts recursive parsing).
	MaxIncludeDepth = 16

	// LocalTunnelProbeTimeout is the TCP dial timeout for the detach-aware
	// fallback liveness check described in spec.md §4.5 ("while masterDetached
	// is true and -O check fails, a TCP connection to 127.0.0.1:<localPort>
	// within 500ms is still considered OK").
	// Used by: internal/session (monitor liveness check).
	LocalTunnelProbeTimeout = 500 * time.Millisecond

	// HTTPProbeAttemptTimeout bounds a single readiness-poll HTTP request to
	// the anchor forward's /health endpoint (spec.md §4.5 readiness contract).
	HTTPProbeAttemptTimeout = 1 * time.Second

	// HTTPProbeDeadline bounds the overall wait for readiness after spawning
	// the anchor forward before the supervisor tears down and surfaces
	// TunnelNotReady.
	HTTPProbeDeadline = 30 * time.Second
)
