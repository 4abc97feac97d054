// Package settings implements the Settings Store Adapter (spec.md §4.2): it
// reads and writes the single JSON settings document holding instance
// definitions, keeping the sibling "hosts" list the desktop shell reads in
// sync on every write.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/shekohex/openchamber/internal/appconfig"
	"github.com/shekohex/openchamber/internal/model"
	"github.com/shekohex/openchamber/internal/sshparse"
)

// Host is one entry of the sibling "hosts" list the desktop shell renders.
// Non-SSH hosts (entries the session manager doesn't own) pass through
// writes untouched.
type Host struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	URL   string `json:"url"`
}

// placeholderURL is written for a newly-synced host until the supervisor
// learns the real local port on first connect.
const placeholderURL = "http://127.0.0.1/"

// root is the on-disk document shape. Only the three keys below are managed
// by this package; any other top-level keys already present are preserved
// verbatim via rawExtra.
type root struct {
	Instances       []model.Instance `json:"desktopSshInstances"`
	Hosts           []Host           `json:"desktopHosts"`
	DefaultHostID   string           `json:"desktopDefaultHostId,omitempty"`
	rawExtra        map[string]json.RawMessage
}

func filePath() (string, error) {
	return appconfig.SettingsFilePath()
}

// readRoot loads the settings document, tolerating a missing file (treated
// as empty) or malformed JSON (also treated as empty, mirroring the
// original implementation's best-effort read).
func readRoot(path string) root {
	b, err := os.ReadFile(path)
	if err != nil {
		return root{rawExtra: map[string]json.RawMessage{}}
	}
	var extra map[string]json.RawMessage
	if err := json.Unmarshal(b, &extra); err != nil {
		return root{rawExtra: map[string]json.RawMessage{}}
	}
	r := root{rawExtra: extra}
	if raw, ok := extra["desktopSshInstances"]; ok {
		_ = json.Unmarshal(raw, &r.Instances)
	}
	if raw, ok := extra["desktopHosts"]; ok {
		_ = json.Unmarshal(raw, &r.Hosts)
	}
	if raw, ok := extra["desktopDefaultHostId"]; ok {
		_ = json.Unmarshal(raw, &r.DefaultHostID)
	}
	delete(r.rawExtra, "desktopSshInstances")
	delete(r.rawExtra, "desktopHosts")
	delete(r.rawExtra, "desktopDefaultHostId")
	return r
}

func writeRoot(path string, r root) error {
	out := map[string]json.RawMessage{}
	for k, v := range r.rawExtra {
		out[k] = v
	}
	instancesRaw, err := json.Marshal(r.Instances)
	if err != nil {
		return err
	}
	hostsRaw, err := json.Marshal(r.Hosts)
	if err != nil {
		return err
	}
	out["desktopSshInstances"] = instancesRaw
	out["desktopHosts"] = hostsRaw
	if r.DefaultHostID != "" {
		idRaw, err := json.Marshal(r.DefaultHostID)
		if err != nil {
			return err
		}
		out["desktopDefaultHostId"] = idRaw
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Sanitize coerces connection timeout, bind host, and supplementary-forward
// fields to valid values, recomputing the cached parsed command. It mirrors
// the original implementation's read-time and write-time normalization.
func Sanitize(inst model.Instance) (model.Instance, error) {
	inst.ID = strings.TrimSpace(inst.ID)
	if inst.ID == "" || inst.ID == model.LocalHostID {
		return model.Instance{}, model.NewSessionError(model.ErrInvalidInstance, "SSH instance id is required")
	}
	inst.SSHCommand = strings.TrimSpace(inst.SSHCommand)
	if inst.SSHCommand == "" {
		return model.Instance{}, model.NewSessionError(model.ErrInvalidInstance, "SSH command is required")
	}
	if inst.ConnectionTimeoutSec == 0 {
		inst.ConnectionTimeoutSec = model.DefaultConnectionTimeoutSec
	}
	inst.LocalForward = inst.LocalForward.Sanitized()

	parsed, err := sshparse.Parse(inst.SSHCommand)
	if err != nil {
		return model.Instance{}, err
	}
	inst.SSHParsed = parsed

	if mt, ok := inst.RemoteTarget.(model.ManagedTarget); ok {
		inst.RemoteTarget = mt.Sanitized()
	}

	seen := map[string]bool{}
	var forwards []model.PortForward
	for _, fw := range inst.PortForwards {
		norm, ok := sanitizeForward(fw)
		if !ok || seen[norm.ID] {
			continue
		}
		seen[norm.ID] = true
		forwards = append(forwards, norm)
	}
	inst.PortForwards = forwards
	return inst, nil
}

func sanitizeForward(fw model.PortForward) (model.PortForward, bool) {
	fw.ID = strings.TrimSpace(fw.ID)
	if fw.ID == "" {
		fw.ID = uuid.NewString()
	}
	if strings.TrimSpace(fw.LocalHost) == "" {
		fw.LocalHost = "127.0.0.1"
	}
	switch fw.Type {
	case model.ForwardLocal, model.ForwardRemote:
		if fw.LocalPort == 0 || fw.RemotePort == 0 {
			return model.PortForward{}, false
		}
		if strings.TrimSpace(fw.RemoteHost) == "" {
			fw.RemoteHost = "127.0.0.1"
		}
	case model.ForwardDynamic:
		if fw.LocalPort == 0 {
			return model.PortForward{}, false
		}
		fw.RemoteHost = ""
		fw.RemotePort = 0
	default:
		return model.PortForward{}, false
	}
	return fw, true
}

// displayLabel mirrors model.Instance.DisplayLabel for callers building a
// label before the parsed command has been attached (read-time sync).
func displayLabel(inst model.Instance) string {
	return inst.DisplayLabel()
}

// readInstancesFromPath loads and read-time-sanitizes the instance list
// from an arbitrary settings document path.
func readInstancesFromPath(path string) []model.Instance {
	r := readRoot(path)
	seen := map[string]bool{}
	var out []model.Instance
	for _, inst := range r.Instances {
		id := strings.TrimSpace(inst.ID)
		if id == "" || id == model.LocalHostID || seen[id] {
			continue
		}
		inst.ID = id
		if inst.ConnectionTimeoutSec == 0 {
			inst.ConnectionTimeoutSec = model.DefaultConnectionTimeoutSec
		}
		inst.LocalForward = inst.LocalForward.Sanitized()
		if inst.SSHParsed == nil {
			if parsed, err := sshparse.Parse(inst.SSHCommand); err == nil {
				inst.SSHParsed = parsed
			}
		}
		seen[id] = true
		out = append(out, inst)
	}
	return out
}

// Get returns the sanitized instance list as currently persisted.
func Get() ([]model.Instance, error) {
	path, err := filePath()
	if err != nil {
		return nil, err
	}
	return readInstancesFromPath(path), nil
}

// GetInstance returns the one instance matching id, or ok=false.
func GetInstance(id string) (model.Instance, bool, error) {
	all, err := Get()
	if err != nil {
		return model.Instance{}, false, err
	}
	for _, inst := range all {
		if inst.ID == id {
			return inst, true, nil
		}
	}
	return model.Instance{}, false, nil
}

// Set sanitizes, dedupes, and parses every instance in next, writes the
// document atomically, and syncs the sibling hosts list (spec.md §4.2,
// testable property 3).
func Set(next []model.Instance) ([]model.Instance, error) {
	path, err := filePath()
	if err != nil {
		return nil, err
	}

	r := readRoot(path)
	previous := readInstancesFromPath(path)
	previousIDs := map[string]bool{}
	for _, inst := range previous {
		previousIDs[inst.ID] = true
	}

	seen := map[string]bool{}
	var sanitized []model.Instance
	for _, inst := range next {
		norm, err := Sanitize(inst)
		if err != nil {
			return nil, err
		}
		if seen[norm.ID] {
			continue
		}
		seen[norm.ID] = true
		sanitized = append(sanitized, norm)
	}

	syncHosts(&r, previousIDs, sanitized)
	r.Instances = sanitized
	if err := writeRoot(path, r); err != nil {
		return nil, err
	}
	return sanitized, nil
}

// syncHosts applies the host-list synchronization rule from spec.md §4.2 and
// testable property 3: drop hosts whose id was present before and is absent
// now, add/update one host per instance, and reset the default host id to
// "local" if it was removed by this write.
func syncHosts(r *root, previousIDs map[string]bool, instances []model.Instance) {
	nextIDs := map[string]bool{}
	for _, inst := range instances {
		nextIDs[inst.ID] = true
	}

	kept := r.Hosts[:0:0]
	for _, h := range r.Hosts {
		id := strings.TrimSpace(h.ID)
		if id == "" {
			continue
		}
		if previousIDs[id] && !nextIDs[id] {
			continue
		}
		kept = append(kept, h)
	}

	for _, inst := range instances {
		label := displayLabel(inst)
		found := false
		for i := range kept {
			if kept[i].ID != inst.ID {
				continue
			}
			kept[i].Label = label
			if strings.TrimSpace(kept[i].URL) == "" {
				kept[i].URL = placeholderURL
			}
			found = true
			break
		}
		if !found {
			kept = append(kept, Host{ID: inst.ID, Label: label, URL: placeholderURL})
		}
	}
	r.Hosts = kept

	defaultID := strings.TrimSpace(r.DefaultHostID)
	if defaultID != "" && previousIDs[defaultID] && !nextIDs[defaultID] {
		r.DefaultHostID = model.LocalHostID
	}
}

// UpdateHostURL rewrites the hosts-list entry for id with the real local
// URL once the supervisor has a live tunnel (spec.md §4.2's "the URL is
// rewritten later by the supervisor once a real local port is known").
func UpdateHostURL(id, label, localURL string) error {
	path, err := filePath()
	if err != nil {
		return err
	}
	r := readRoot(path)
	found := false
	for i := range r.Hosts {
		if r.Hosts[i].ID != id {
			continue
		}
		r.Hosts[i].Label = label
		r.Hosts[i].URL = localURL
		found = true
		break
	}
	if !found {
		r.Hosts = append(r.Hosts, Host{ID: id, Label: label, URL: localURL})
	}
	return writeRoot(path, r)
}

// PersistLocalPort writes back the preferred local port on first successful
// connect, per spec.md §4.2's "the preferred local port is written back to
// the instance on first successful connect if it was unset or different."
func PersistLocalPort(id string, localPort int) error {
	path, err := filePath()
	if err != nil {
		return err
	}
	r := readRoot(path)
	changed := false
	for i := range r.Instances {
		if r.Instances[i].ID != id {
			continue
		}
		if r.Instances[i].LocalForward.PreferredLocalPort != localPort {
			r.Instances[i].LocalForward.PreferredLocalPort = localPort
			changed = true
		}
		break
	}
	if !changed {
		return nil
	}
	return writeRoot(path, r)
}
