// Package events implements the JSONL event journal and in-process pub/sub
// bus that stand in for the desktop shell's "ssh-instance-status" event
// channel (spec.md §4.6/§6): every phase transition the supervisor makes is
// both appended to a durable journal and fanned out live to subscribers.
package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shekohex/openchamber/internal/appconfig"
	"github.com/shekohex/openchamber/internal/model"
)

// Event is one status transition record persisted to events.jsonl. It
// carries the full model.Status snapshot, not just the phase: a separate
// process reading the journal (the status command) must be able to
// reconstruct the local URL, ports, and the requires-user-action flag, none
// of which survive the emitting process's in-memory Manager.
type Event struct {
	Timestamp          time.Time   `json:"timestamp"`
	InstanceID         string      `json:"instanceId"`
	EventType          string      `json:"eventType"`
	Phase              model.Phase `json:"phase,omitempty"`
	Detail             string      `json:"detail,omitempty"`
	LocalURL           string      `json:"localUrl,omitempty"`
	LocalPort          int         `json:"localPort,omitempty"`
	RemotePort         int         `json:"remotePort,omitempty"`
	StartedByUs        bool        `json:"startedByUs,omitempty"`
	RetryAttempt       int         `json:"retryAttempt,omitempty"`
	RequiresUserAction bool        `json:"requiresUserAction,omitempty"`
}

// Status reconstructs the model.Status snapshot this event recorded.
func (e Event) Status() model.Status {
	return model.Status{
		ID:                 e.InstanceID,
		Phase:              e.Phase,
		Detail:             e.Detail,
		LocalURL:           e.LocalURL,
		LocalPort:          e.LocalPort,
		RemotePort:         e.RemotePort,
		StartedByUs:        e.StartedByUs,
		RetryAttempt:       e.RetryAttempt,
		RequiresUserAction: e.RequiresUserAction,
		UpdatedAtMs:        e.Timestamp.UnixMilli(),
	}
}

// Query controls event filtering and bounded reads.
type Query struct {
	InstanceID string
	EventType  string
	Since      time.Time
	Limit      int
}

// Store provides append/read access to the local event journal.
type Store struct{}

// NewStore returns a Store backed by the configured event journal path.
func NewStore() *Store {
	return &Store{}
}

func filePath() (string, error) {
	return appconfig.EventsFilePath()
}

// Append writes a single event as one JSON line.
func (s *Store) Append(evt Event) error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// Read returns events in append order, filtered by query, with optional
// limit (keeping only the most recent Limit matches).
func (s *Store) Read(q Query) ([]Event, error) {
	path, err := filePath()
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			continue
		}
		if !matches(evt, q) {
			continue
		}
		out = append(out, evt)
		if q.Limit > 0 && len(out) > q.Limit {
			out = out[len(out)-q.Limit:]
		}
	}
	return out, sc.Err()
}

// Clear drops one instance's events from the journal, keeping every other
// instance's events untouched — backing the logs.clear(id) command. A
// journal that does not exist yet is left as is.
func (s *Store) Clear(instanceID string) error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	kept, err := s.Read(Query{})
	if err != nil {
		return err
	}
	var lines [][]byte
	for _, evt := range kept {
		if evt.InstanceID == instanceID {
			continue
		}
		b, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		lines = append(lines, b)
	}
	var out strings.Builder
	for _, b := range lines {
		out.Write(b)
		out.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(out.String()), 0o600)
}

func matches(evt Event, q Query) bool {
	if strings.TrimSpace(q.InstanceID) != "" && evt.InstanceID != q.InstanceID {
		return false
	}
	if strings.TrimSpace(q.EventType) != "" && evt.EventType != q.EventType {
		return false
	}
	if !q.Since.IsZero() && evt.Timestamp.Before(q.Since) {
		return false
	}
	return true
}

// subscriberBuffer bounds how many pending statuses a slow subscriber may
// queue before new publishes to it are dropped (never blocks the publisher).
const subscriberBuffer = 32

// Bus is an in-process publish/subscribe fan-out standing in for the
// desktop shell's event emitter: every call to Publish both appends a
// journal entry and pushes the status to every live subscriber channel.
type Bus struct {
	store *Store

	mu   sync.Mutex
	subs map[int]chan model.Status
	next int
}

// NewBus constructs a Bus backed by the given journal Store.
func NewBus(store *Store) *Bus {
	return &Bus{store: store, subs: make(map[int]chan model.Status)}
}

// Subscribe registers a new listener and returns its channel plus an
// unsubscribe function the caller must invoke when done.
func (b *Bus) Subscribe() (<-chan model.Status, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan model.Status, subscriberBuffer)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
}

// Publish appends status to the journal (best-effort; journal failures
// never block delivery to live subscribers) and fans it out to every
// subscriber, dropping it for any subscriber whose buffer is full rather
// than blocking the caller.
func (b *Bus) Publish(status model.Status) {
	if b.store != nil {
		evt := Event{
			InstanceID:         status.ID,
			EventType:          "ssh-instance-status",
			Phase:              status.Phase,
			Detail:             status.Detail,
			LocalURL:           status.LocalURL,
			LocalPort:          status.LocalPort,
			RemotePort:         status.RemotePort,
			StartedByUs:        status.StartedByUs,
			RetryAttempt:       status.RetryAttempt,
			RequiresUserAction: status.RequiresUserAction,
		}
		if status.UpdatedAtMs != 0 {
			evt.Timestamp = time.UnixMilli(status.UpdatedAtMs).UTC()
		}
		_ = b.store.Append(evt)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- status:
		default:
		}
	}
}
