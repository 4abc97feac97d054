package events

import (
	"testing"
	"time"

	"github.com/shekohex/openchamber/internal/model"
)

func TestStoreAppendReadAndFilters(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s := NewStore()

	base := time.Now().Add(-2 * time.Hour).UTC()
	seed := []Event{
		{Timestamp: base, InstanceID: "a", EventType: "ssh-instance-status", Phase: model.PhaseConfigResolved},
		{Timestamp: base.Add(10 * time.Minute), InstanceID: "a", EventType: "ssh-instance-status", Phase: model.PhaseReady},
		{Timestamp: base.Add(20 * time.Minute), InstanceID: "b", EventType: "ssh-instance-status", Phase: model.PhaseError},
	}
	for _, evt := range seed {
		if err := s.Append(evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.Read(Query{})
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	instanceOnly, err := s.Read(Query{InstanceID: "a"})
	if err != nil {
		t.Fatalf("read instance: %v", err)
	}
	if len(instanceOnly) != 2 {
		t.Fatalf("expected 2 events for instance a, got %d", len(instanceOnly))
	}

	limited, err := s.Read(Query{Limit: 1})
	if err != nil {
		t.Fatalf("read limit: %v", err)
	}
	if len(limited) != 1 || limited[0].InstanceID != "b" {
		t.Fatalf("unexpected limited result: %+v", limited)
	}

	since, err := s.Read(Query{Since: base.Add(15 * time.Minute)})
	if err != nil {
		t.Fatalf("read since: %v", err)
	}
	if len(since) != 1 || since[0].InstanceID != "b" {
		t.Fatalf("unexpected since result: %+v", since)
	}
}

func TestStoreClearRemovesOnlyOneInstance(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	s := NewStore()

	if err := s.Append(Event{InstanceID: "a", EventType: "ssh-instance-status"}); err != nil {
		t.Fatalf("append a: %v", err)
	}
	if err := s.Append(Event{InstanceID: "b", EventType: "ssh-instance-status"}); err != nil {
		t.Fatalf("append b: %v", err)
	}
	if err := s.Clear("a"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	all, err := s.Read(Query{})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(all) != 1 || all[0].InstanceID != "b" {
		t.Fatalf("expected only instance b to remain, got %+v", all)
	}
}

func TestBusPublishDeliversToSubscribersAndJournal(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	store := NewStore()
	bus := NewBus(store)

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	status := model.Status{ID: "prod", Phase: model.PhaseReady, Detail: "tunnel established"}
	bus.Publish(status)

	select {
	case got := <-ch:
		if got.ID != "prod" || got.Phase != model.PhaseReady {
			t.Fatalf("unexpected status delivered: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published status")
	}

	journaled, err := store.Read(Query{InstanceID: "prod"})
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(journaled) != 1 || journaled[0].Phase != model.PhaseReady {
		t.Fatalf("expected one journaled event, got %+v", journaled)
	}
}

func TestBusPublishDoesNotBlockOnFullSubscriberBuffer(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	bus := NewBus(NewStore())

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	for i := 0; i < subscriberBuffer+5; i++ {
		bus.Publish(model.Status{ID: "x", Phase: model.PhaseReady})
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			if drained == 0 {
				t.Fatal("expected at least one status to be delivered")
			}
			return
		}
	}
}

// TestBusPublishPersistsFullStatusSnapshot asserts that a journaled event
// reconstructs the complete status — a separate process reading the journal
// is the only way the status command can surface the local URL or the
// requires-user-action flag.
func TestBusPublishPersistsFullStatusSnapshot(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	store := NewStore()
	bus := NewBus(store)

	published := model.Status{
		ID:                 "prod",
		Phase:              model.PhaseReady,
		Detail:             "tunnel established",
		LocalURL:           "http://127.0.0.1:8443/",
		LocalPort:          8443,
		RemotePort:         4096,
		StartedByUs:        true,
		RetryAttempt:       2,
		RequiresUserAction: false,
		UpdatedAtMs:        time.Now().UnixMilli(),
	}
	bus.Publish(published)

	evts, err := store.Read(Query{InstanceID: "prod"})
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one journaled event, got %d", len(evts))
	}
	got := evts[0].Status()
	if got.LocalURL != published.LocalURL || got.LocalPort != published.LocalPort || got.RemotePort != published.RemotePort {
		t.Fatalf("lossy status reconstruction: %+v", got)
	}
	if !got.StartedByUs || got.RetryAttempt != 2 {
		t.Fatalf("lossy status reconstruction: %+v", got)
	}
	if got.UpdatedAtMs != published.UpdatedAtMs {
		t.Fatalf("expected timestamp carried through, got %d want %d", got.UpdatedAtMs, published.UpdatedAtMs)
	}
}

func TestEventStatusCarriesRequiresUserAction(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	bus := NewBus(NewStore())
	bus.Publish(model.Status{
		ID:                 "prod",
		Phase:              model.PhaseError,
		Detail:             "reconnect attempts exhausted",
		RequiresUserAction: true,
	})

	evts, err := NewStore().Read(Query{InstanceID: "prod"})
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(evts) != 1 || !evts[0].Status().RequiresUserAction {
		t.Fatalf("expected requiresUserAction to survive the journal, got %+v", evts)
	}
}
