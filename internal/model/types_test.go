package model

import (
	"encoding/json"
	"testing"
)

func TestInstanceJSONRoundTripsManagedTarget(t *testing.T) {
	inst := Instance{
		ID:         "prod",
		SSHCommand: "ssh user@prod.example.com",
		RemoteTarget: ManagedTarget{
			KeepRunning:   true,
			PreferredPort: 4173,
			InstallMethod: InstallPreferredB,
		},
	}
	b, err := json.Marshal(inst)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var out Instance
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	mt, ok := out.RemoteTarget.(ManagedTarget)
	if !ok {
		t.Fatalf("expected ManagedTarget, got %T", out.RemoteTarget)
	}
	if !mt.KeepRunning || mt.PreferredPort != 4173 || mt.InstallMethod != InstallPreferredB {
		t.Fatalf("unexpected managed target: %+v", mt)
	}
}

func TestInstanceJSONRoundTripsExternalTarget(t *testing.T) {
	inst := Instance{
		ID:           "ext",
		SSHCommand:   "ssh user@ext.example.com",
		RemoteTarget: ExternalTarget{PreferredPort: 8080},
	}
	b, err := json.Marshal(inst)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Instance
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	et, ok := out.RemoteTarget.(ExternalTarget)
	if !ok {
		t.Fatalf("expected ExternalTarget, got %T", out.RemoteTarget)
	}
	if et.PreferredPort != 8080 {
		t.Fatalf("unexpected preferred port: %d", et.PreferredPort)
	}
}

func TestInstanceUnmarshalDefaultsToManagedTarget(t *testing.T) {
	var out Instance
	if err := json.Unmarshal([]byte(`{"id":"a","sshCommand":"ssh user@h"}`), &out); err != nil {
		t.Fatal(err)
	}
	if out.RemoteTarget.Mode() != RemoteModeManaged {
		t.Fatalf("expected default managed mode, got %v", out.RemoteTarget.Mode())
	}
}
