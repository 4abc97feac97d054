package settings

import (
	"testing"

	"github.com/shekohex/openchamber/internal/model"
)

func TestSetSyncsHostsAddUpdateRemove(t *testing.T) {
	t.Setenv("OPENCHAMBER_DATA_DIR", t.TempDir())

	first, err := Set([]model.Instance{
		{ID: "ssh-old", SSHCommand: "ssh user@old.example.com"},
	})
	if err != nil {
		t.Fatalf("first set: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(first))
	}

	// Seed a non-SSH host and a default host id pointing at ssh-old,
	// mirroring scenario S4 from spec.md §8.
	path, err := filePath()
	if err != nil {
		t.Fatal(err)
	}
	r := readRoot(path)
	r.Hosts = append(r.Hosts, Host{ID: "http-1", Label: "http-1", URL: "http://example.com"})
	r.DefaultHostID = "ssh-old"
	if err := writeRoot(path, r); err != nil {
		t.Fatal(err)
	}

	next, err := Set([]model.Instance{
		{ID: "ssh-new", SSHCommand: "ssh user@new.example.com"},
	})
	if err != nil {
		t.Fatalf("second set: %v", err)
	}
	if len(next) != 1 || next[0].ID != "ssh-new" {
		t.Fatalf("unexpected instances: %+v", next)
	}

	r = readRoot(path)
	if len(r.Hosts) != 2 {
		t.Fatalf("expected 2 hosts (http-1 kept, ssh-new added), got %+v", r.Hosts)
	}
	var sawHTTP, sawNew bool
	for _, h := range r.Hosts {
		if h.ID == "http-1" {
			sawHTTP = true
		}
		if h.ID == "ssh-new" {
			sawNew = true
		}
		if h.ID == "ssh-old" {
			t.Fatalf("ssh-old host should have been removed: %+v", r.Hosts)
		}
	}
	if !sawHTTP || !sawNew {
		t.Fatalf("hosts missing expected entries: %+v", r.Hosts)
	}
	if r.DefaultHostID != model.LocalHostID {
		t.Fatalf("expected default host id reset to local, got %q", r.DefaultHostID)
	}
}

func TestSetRejectsReservedAndEmptyID(t *testing.T) {
	t.Setenv("OPENCHAMBER_DATA_DIR", t.TempDir())

	if _, err := Set([]model.Instance{{ID: model.LocalHostID, SSHCommand: "ssh user@h"}}); err == nil {
		t.Fatal("expected error for reserved id")
	}
	if _, err := Set([]model.Instance{{ID: "", SSHCommand: "ssh user@h"}}); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestSetDedupesByID(t *testing.T) {
	t.Setenv("OPENCHAMBER_DATA_DIR", t.TempDir())

	out, err := Set([]model.Instance{
		{ID: "a", SSHCommand: "ssh user@a.example.com"},
		{ID: "a", SSHCommand: "ssh user@duplicate.example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected dedup to 1 instance, got %d", len(out))
	}
}

func TestGetAppliesDefaultsOnRead(t *testing.T) {
	t.Setenv("OPENCHAMBER_DATA_DIR", t.TempDir())
	if _, err := Set([]model.Instance{{ID: "a", SSHCommand: "ssh user@a.example.com"}}); err != nil {
		t.Fatal(err)
	}
	got, err := Get()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(got))
	}
	if got[0].ConnectionTimeoutSec != model.DefaultConnectionTimeoutSec {
		t.Fatalf("expected default timeout, got %d", got[0].ConnectionTimeoutSec)
	}
	if got[0].SSHParsed == nil || got[0].SSHParsed.Destination != "user@a.example.com" {
		t.Fatalf("expected cached parsed command, got %+v", got[0].SSHParsed)
	}
}

func TestPersistLocalPortWritesBack(t *testing.T) {
	t.Setenv("OPENCHAMBER_DATA_DIR", t.TempDir())
	if _, err := Set([]model.Instance{{ID: "a", SSHCommand: "ssh user@a.example.com"}}); err != nil {
		t.Fatal(err)
	}
	if err := PersistLocalPort("a", 54321); err != nil {
		t.Fatal(err)
	}
	got, err := Get()
	if err != nil {
		t.Fatal(err)
	}
	if got[0].LocalForward.PreferredLocalPort != 54321 {
		t.Fatalf("expected persisted port, got %d", got[0].LocalForward.PreferredLocalPort)
	}
}

func TestSetGeneratesForwardIDWhenMissing(t *testing.T) {
	t.Setenv("OPENCHAMBER_DATA_DIR", t.TempDir())

	out, err := Set([]model.Instance{{
		ID:         "a",
		SSHCommand: "ssh user@a.example.com",
		PortForwards: []model.PortForward{
			{Enabled: true, Type: model.ForwardLocal, LocalPort: 8080, RemotePort: 80},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || len(out[0].PortForwards) != 1 {
		t.Fatalf("unexpected instances: %+v", out)
	}
	fw := out[0].PortForwards[0]
	if fw.ID == "" {
		t.Fatal("expected a generated forward id")
	}
	if fw.LocalHost != "127.0.0.1" || fw.RemoteHost != "127.0.0.1" {
		t.Fatalf("expected defaulted hosts, got %+v", fw)
	}
}

func TestSetDropsIncompleteForwards(t *testing.T) {
	t.Setenv("OPENCHAMBER_DATA_DIR", t.TempDir())

	out, err := Set([]model.Instance{{
		ID:         "a",
		SSHCommand: "ssh user@a.example.com",
		PortForwards: []model.PortForward{
			{ID: "no-ports", Enabled: true, Type: model.ForwardLocal},
			{ID: "ok", Enabled: true, Type: model.ForwardDynamic, LocalPort: 1080},
		},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(out[0].PortForwards) != 1 || out[0].PortForwards[0].ID != "ok" {
		t.Fatalf("expected only the complete forward to survive, got %+v", out[0].PortForwards)
	}
}
