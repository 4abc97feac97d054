package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shekohex/openchamber/internal/model"
)

func captureStdout(fn func() error) (string, error) {
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}
	os.Stdout = w
	runErr := fn()
	_ = w.Close()
	os.Stdout = orig
	b, readErr := io.ReadAll(r)
	if readErr != nil {
		return "", readErr
	}
	return string(b), runErr
}

func setupEnv(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("OPENCHAMBER_DATA_DIR", t.TempDir())
}

func TestInstancesSetThenGetRoundTrips(t *testing.T) {
	setupEnv(t)

	payload := []model.Instance{{
		ID:         "api",
		SSHCommand: "ssh user@api.example.com",
	}}
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}

	setCmd := NewRootCommand()
	setCmd.SetIn(bytes.NewReader(b))
	setCmd.SetArgs([]string{"instances", "set"})
	if _, err := captureStdout(func() error { return setCmd.Execute() }); err != nil {
		t.Fatalf("instances set: %v", err)
	}

	getCmd := NewRootCommand()
	getCmd.SetArgs([]string{"instances", "get"})
	got, err := captureStdout(func() error { return getCmd.Execute() })
	if err != nil {
		t.Fatalf("instances get: %v", err)
	}

	var decoded []model.Instance
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("decode instances get output: %v (output: %s)", err, got)
	}
	if len(decoded) != 1 || decoded[0].ID != "api" {
		t.Fatalf("unexpected instance list: %+v", decoded)
	}
}

func TestInstancesSetRejectsInvalidCommand(t *testing.T) {
	setupEnv(t)

	payload := []model.Instance{{ID: "api", SSHCommand: "ssh -oProxyCommand=evil api.example.com"}}
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}

	cmd := NewRootCommand()
	cmd.SetIn(bytes.NewReader(b))
	cmd.SetArgs([]string{"instances", "set"})
	if _, err := captureStdout(func() error { return cmd.Execute() }); err == nil {
		t.Fatal("expected disallowed ProxyCommand to be rejected")
	}
}

func TestImportHostsListsConfiguredAliases(t *testing.T) {
	setupEnv(t)

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}
	sshDir := filepath.Join(home, ".ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		t.Fatal(err)
	}
	cfg := strings.Join([]string{"Host prod", "  HostName prod.example.com", ""}, "\n")
	if err := os.WriteFile(filepath.Join(sshDir, "config"), []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"import", "hosts"})
	got, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("import hosts: %v", err)
	}
	if !strings.Contains(got, `"host": "prod"`) {
		t.Fatalf("expected prod host in import output, got: %s", got)
	}
}

func TestStatusDefaultsToIdleForUnknownInstance(t *testing.T) {
	setupEnv(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"status", "never-connected", "--json"})
	got, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var decoded []model.Status
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("decode status output: %v (output: %s)", err, got)
	}
	if len(decoded) != 1 || decoded[0].Phase != model.PhaseIdle {
		t.Fatalf("expected a single idle status, got %+v", decoded)
	}
}

func TestLogsClearIsNoopOnEmptyJournal(t *testing.T) {
	setupEnv(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"logs", "clear", "api"})
	if _, err := captureStdout(func() error { return cmd.Execute() }); err != nil {
		t.Fatalf("logs clear: %v", err)
	}
}

func TestDoctorJSONOutput(t *testing.T) {
	setupEnv(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"doctor", "--json"})
	got, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("decode doctor output: %v (output: %s)", err, got)
	}
	if _, ok := decoded["issues"]; !ok {
		t.Fatalf("expected issues key in doctor output: %s", got)
	}
}

func TestSecurityAuditJSONOutput(t *testing.T) {
	setupEnv(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"security", "audit", "--json"})
	got, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("security audit: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(got), &decoded); err != nil {
		t.Fatalf("decode security audit output: %v (output: %s)", err, got)
	}
	if _, ok := decoded["findings"]; !ok {
		t.Fatalf("expected findings key in security audit output: %s", got)
	}
}
