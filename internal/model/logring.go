package model

import (
	"fmt"
	"sync"
	"time"
)

// LogRing is a bounded ring buffer of formatted log lines for one instance,
// capped at MaxLogLinesPerInstance lines of the form "[epoch-ms] [LEVEL] message".
type LogRing struct {
	mu    sync.Mutex
	lines []string
}

// NewLogRing returns an empty ring buffer.
func NewLogRing() *LogRing {
	return &LogRing{}
}

// Append adds one formatted line, evicting the oldest line if the buffer is
// at capacity.
func (r *LogRing) Append(level, message string) {
	r.AppendAt(time.Now(), level, message)
}

// AppendAt is Append with an explicit timestamp, exposed for deterministic
// tests.
func (r *LogRing) AppendAt(at time.Time, level, message string) {
	line := fmt.Sprintf("[%d] [%s] %s", at.UnixMilli(), level, message)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > MaxLogLinesPerInstance {
		r.lines = r.lines[len(r.lines)-MaxLogLinesPerInstance:]
	}
}

// AppendSeparator writes a visually distinct marker line at the start of a
// connect attempt, so logs(id) stays readable across many reconnects.
// Supplemented from original_source/remote_ssh.rs's append_attempt_separator.
func (r *LogRing) AppendSeparator(connectAttempt, retryAttempt int) {
	r.Append("INFO", fmt.Sprintf("--- attempt %d (retry %d) ---", connectAttempt, retryAttempt))
}

// Tail returns up to limit most recent lines (a non-positive limit means
// 200; larger limits are capped at MaxLogLinesPerInstance).
func (r *LogRing) Tail(limit int) []string {
	if limit <= 0 {
		limit = 200
	}
	if limit > MaxLogLinesPerInstance {
		limit = MaxLogLinesPerInstance
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit >= len(r.lines) {
		out := make([]string, len(r.lines))
		copy(out, r.lines)
		return out
	}
	out := make([]string, limit)
	copy(out, r.lines[len(r.lines)-limit:])
	return out
}

// Clear drops all buffered lines.
func (r *LogRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = nil
}
