package doctor

import (
	"encoding/json"
	"testing"

	"github.com/shekohex/openchamber/internal/model"
	"github.com/shekohex/openchamber/internal/settings"
)

func seedInstance(id, bindHost string, port int) model.Instance {
	return model.Instance{
		ID:           id,
		SSHCommand:   "ssh user@" + id + ".example.com",
		RemoteTarget: model.ManagedTarget{}.Sanitized(),
		LocalForward: model.LocalForwardConfig{BindHost: model.BindHost(bindHost), PreferredLocalPort: port},
	}
}

func TestRunIncludesDuplicateBindIssue(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("OPENCHAMBER_DATA_DIR", t.TempDir())

	if _, err := settings.Set([]model.Instance{
		seedInstance("api", "127.0.0.1", 9601),
		seedInstance("db", "127.0.0.1", 9601),
	}); err != nil {
		t.Fatal(err)
	}

	report, err := Run()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Check == "duplicate-local-bind" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected duplicate-local-bind issue, got %+v", report.Issues)
	}
}

func TestRunJSONShapeDeterministic(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("OPENCHAMBER_DATA_DIR", t.TempDir())

	if _, err := settings.Set([]model.Instance{seedInstance("api", "127.0.0.1", 9601)}); err != nil {
		t.Fatal(err)
	}

	report, err := Run()
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["issues"]; !ok {
		t.Fatalf("expected issues key in json output: %s", string(b))
	}
}
