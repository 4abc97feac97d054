// Package remoteprobe implements the Remote Probe & Installer (spec.md
// §4.4): OS compatibility checks, install/upgrade of the managed remote
// service, its HTTP liveness contract, and managed server start/stop.
package remoteprobe

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/shekohex/openchamber/internal/model"
	"github.com/shekohex/openchamber/internal/sshexec"
	"github.com/shekohex/openchamber/internal/sshparse"
)

// AppVersion is compared against the remote install's reported version to
// decide whether a Managed target needs an upgrade.
const AppVersion = "0.1.0"

// portCandidateBase/portCandidateSpan bound the hashed fallback port picked
// for a Managed target with no preferred port configured.
const (
	portCandidateBase = 20000
	portCandidateSpan = 30000
)

// DetectOS runs "uname -s" over the control master and validates the result
// against the two supported remote platforms.
func DetectOS(parsed *model.ParsedCommand, controlPath string, timeout time.Duration) (string, error) {
	out, err := sshexec.RunRemoteCommand(parsed, controlPath, "uname -s", timeout)
	if err != nil {
		return "", err
	}
	os := strings.ToLower(strings.TrimSpace(out))
	if os != "linux" && os != "darwin" {
		return "", model.NewSessionError(model.ErrUnsupportedRemoteOS, "unsupported remote OS: %s", os)
	}
	return os, nil
}

// ParseVersionToken extracts a dotted numeric version (e.g. "1.2.3" out of
// "openchamber v1.2.3 (linux)") from arbitrary command output.
func ParseVersionToken(raw string) (string, bool) {
	for _, token := range strings.Fields(raw) {
		candidate := strings.TrimPrefix(strings.TrimSpace(token), "v")
		candidate = strings.TrimRight(candidate, ",)(")
		parts := strings.Split(candidate, ".")
		if len(parts) < 2 {
			continue
		}
		allDigits := true
		for _, part := range parts {
			if part == "" || !isAllDigits(part) {
				allDigits = false
				break
			}
		}
		if allDigits {
			return candidate, true
		}
	}
	return "", false
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// CurrentVersion reports the installed "openchamber" version on the remote
// host, or ok=false if it is not installed (or --version produced no
// parseable token).
func CurrentVersion(parsed *model.ParsedCommand, controlPath string) (string, bool) {
	out, err := sshexec.RunRemoteCommand(parsed, controlPath, "openchamber --version 2>/dev/null || true", model.DefaultConnectionTimeoutSec*time.Second)
	if err != nil {
		return "", false
	}
	return ParseVersionToken(out)
}

// Install installs or upgrades the managed remote service to version,
// trying package managers in the order implied by preferred (the other
// manager is always tried as a fallback if available).
func Install(parsed *model.ParsedCommand, controlPath, version string, preferred model.InstallMethod) error {
	hasBun := sshexec.RemoteCommandExists(parsed, controlPath, "bun")
	hasNpm := sshexec.RemoteCommandExists(parsed, controlPath, "npm")

	var commands []string
	addBunFirst := func() {
		if hasBun {
			commands = append(commands, fmt.Sprintf("bun add -g @openchamber/web@%s", version))
		}
		if hasNpm {
			commands = append(commands, fmt.Sprintf("npm install -g @openchamber/web@%s", version))
		}
	}
	addNpmFirst := func() {
		if hasNpm {
			commands = append(commands, fmt.Sprintf("npm install -g @openchamber/web@%s", version))
		}
		if hasBun {
			commands = append(commands, fmt.Sprintf("bun add -g @openchamber/web@%s", version))
		}
	}

	switch preferred {
	case model.InstallPreferredB:
		addNpmFirst()
	default:
		addBunFirst()
	}

	if len(commands) == 0 {
		return model.NewSessionError(model.ErrNoRemotePackageManager, "remote host has neither bun nor npm available")
	}

	var lastErr error
	for _, cmd := range commands {
		if _, err := sshexec.RunRemoteCommand(parsed, controlPath, cmd, model.DefaultConnectionTimeoutSec*time.Second); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr != nil {
		return model.NewSessionError(model.ErrRemoteInstallFailed, "%s", lastErr.Error())
	}
	return model.NewSessionError(model.ErrRemoteInstallFailed, "failed to install openchamber on remote host")
}

// SystemInfo is the JSON body returned by the remote's /api/system/info
// endpoint, decoded on a best-effort basis (unknown/missing fields are
// simply left zero).
type SystemInfo struct {
	OpenChamberVersion string `json:"openchamberVersion"`
	Runtime            string `json:"runtime"`
	PID                int64  `json:"pid"`
	StartedAt          string `json:"startedAt"`
}

func isAuthHTTPStatus(status int) bool {
	return status == 401 || status == 403
}

func isLivenessHTTPStatus(status int) bool {
	return (status >= 200 && status <= 299) || isAuthHTTPStatus(status)
}

func parseProbeStatusLine(line, prefix string) int {
	value := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return v
}

// probeScript builds the remote shell script that exercises the HTTP
// liveness contract (spec.md §4.4): try curl, fall back to wget, and print
// INFO_STATUS/AUTH_STATUS/HEALTH_STATUS lines followed by the JSON body.
func probeScript(port int, password string) string {
	authEnabled := "0"
	authPayload := "{}"
	if password != "" {
		authEnabled = "1"
		body, _ := json.Marshal(map[string]string{"password": password})
		authPayload = string(body)
	}
	quotedPayload := sshparse.ShellQuote(authPayload)
	return fmt.Sprintf(
		`AUTH_STATUS=0; INFO_STATUS=0; HEALTH_STATUS=0; BODY_FILE="$(mktemp)"; COOKIE_FILE="$(mktemp)"; cleanup() { rm -f "$BODY_FILE" "$COOKIE_FILE"; }; trap cleanup EXIT; `+
			`if command -v curl >/dev/null 2>&1; then `+
			`if [ "%s" = "1" ]; then `+
			`AUTH_STATUS="$(curl -sS --max-time 3 -o /dev/null -w '%%{http_code}' -c "$COOKIE_FILE" -H 'content-type: application/json' --data %s http://127.0.0.1:%d/auth/session || true)"; `+
			`if [ "$AUTH_STATUS" = "200" ]; then INFO_STATUS="$(curl -sS --max-time 3 -b "$COOKIE_FILE" -o "$BODY_FILE" -w '%%{http_code}' http://127.0.0.1:%d/api/system/info || true)"; `+
			`else INFO_STATUS="$(curl -sS --max-time 3 -o "$BODY_FILE" -w '%%{http_code}' http://127.0.0.1:%d/api/system/info || true)"; fi; `+
			`else INFO_STATUS="$(curl -sS --max-time 3 -o "$BODY_FILE" -w '%%{http_code}' http://127.0.0.1:%d/api/system/info || true)"; fi; `+
			`HEALTH_STATUS="$(curl -sS --max-time 3 -o /dev/null -w '%%{http_code}' http://127.0.0.1:%d/health || true)"; `+
			`elif command -v wget >/dev/null 2>&1; then `+
			`wget -qO "$BODY_FILE" http://127.0.0.1:%d/api/system/info >/dev/null 2>&1; if [ $? -eq 0 ]; then INFO_STATUS=200; fi; `+
			`wget -qO- http://127.0.0.1:%d/health >/dev/null 2>&1; if [ $? -eq 0 ]; then HEALTH_STATUS=200; fi; `+
			`else exit 127; fi; `+
			`printf 'INFO_STATUS=%%s\nAUTH_STATUS=%%s\nHEALTH_STATUS=%%s\n' "$INFO_STATUS" "$AUTH_STATUS" "$HEALTH_STATUS"; cat "$BODY_FILE" 2>/dev/null || true`,
		authEnabled, quotedPayload, port, port, port, port, port, port, port,
	)
}

// ProbeSystemInfo runs the HTTP liveness contract against the remote
// service on port, disambiguating an auth-required response (password
// configured and accepted, or none configured) from an auth-rejected one.
func ProbeSystemInfo(parsed *model.ParsedCommand, controlPath string, port int, password string) (SystemInfo, error) {
	output, err := sshexec.RunRemoteCommand(parsed, controlPath, probeScript(port, password), model.DefaultConnectionTimeoutSec*time.Second)
	if err != nil {
		return SystemInfo{}, err
	}

	lines := strings.SplitN(output, "\n", 4)
	for len(lines) < 4 {
		lines = append(lines, "")
	}
	infoStatus := parseProbeStatusLine(lines[0], "INFO_STATUS=")
	authStatus := parseProbeStatusLine(lines[1], "AUTH_STATUS=")
	healthStatus := parseProbeStatusLine(lines[2], "HEALTH_STATUS=")
	body := lines[3]

	switch {
	case isLivenessHTTPStatus(infoStatus):
		if isAuthHTTPStatus(infoStatus) {
			if password != "" && authStatus != 200 {
				return SystemInfo{}, model.NewSessionError(model.ErrRemoteAuthRejected,
					"remote OpenChamber requires UI authentication and configured password was rejected (auth status %d)", authStatus)
			}
			if isLivenessHTTPStatus(healthStatus) {
				return SystemInfo{}, nil
			}
			return SystemInfo{}, model.NewSessionError(model.ErrRemoteAuthRequired,
				"remote OpenChamber requires UI authentication on /api/system/info; configure OpenChamber UI password")
		}
	case isLivenessHTTPStatus(healthStatus):
		return SystemInfo{}, nil
	default:
		return SystemInfo{}, model.NewSessionError(model.ErrRemoteProbeFailed,
			"remote OpenChamber probe failed (info status %d, health status %d)", infoStatus, healthStatus)
	}

	var info SystemInfo
	_ = json.Unmarshal([]byte(body), &info)
	return info, nil
}

// RemoteServerRunning reports whether a Managed or External target is
// currently reachable on port.
func RemoteServerRunning(parsed *model.ParsedCommand, controlPath string, port int, password string) bool {
	_, err := ProbeSystemInfo(parsed, controlPath, port, password)
	return err == nil
}

// RandomPortCandidate derives a pseudo-random port in [20000, 50000) from
// seed and the current time, used as the desired port for a Managed target
// with no preferred port configured.
func RandomPortCandidate(seed string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed))
	var tbuf [8]byte
	now := uint64(time.Now().UnixNano())
	for i := range tbuf {
		tbuf[i] = byte(now >> (8 * i))
	}
	_, _ = h.Write(tbuf[:])
	return portCandidateBase + int(h.Sum64()%uint64(portCandidateSpan))
}

// StartRemoteServerManaged runs the remote start command for a Managed
// target and returns the port it actually bound: the startup command's
// stdout is scanned for the first in-range integer token, falling back to
// desiredPort if none is present.
func StartRemoteServerManaged(parsed *model.ParsedCommand, controlPath string, uiPassword string, desiredPort int) (int, error) {
	envPrefix := "OPENCHAMBER_RUNTIME=ssh-remote"
	if strings.TrimSpace(uiPassword) != "" {
		envPrefix += " OPENCHAMBER_UI_PASSWORD=" + sshparse.ShellQuote(strings.TrimSpace(uiPassword))
	}
	script := fmt.Sprintf("%s openchamber serve --daemon --hostname 127.0.0.1 --port %d", envPrefix, desiredPort)
	out, err := sshexec.RunRemoteCommand(parsed, controlPath, script, model.DefaultConnectionTimeoutSec*time.Second)
	if err != nil {
		return 0, model.NewSessionError(model.ErrRemoteServerStartFailed, "%s", err.Error())
	}
	if port, ok := sshexec.ParsePortToken(out); ok {
		return port, nil
	}
	return desiredPort, nil
}

// StopRemoteServerBestEffort asks a Managed target's remote service to shut
// down; failures are ignored, matching the "best effort, continue teardown
// regardless" contract from spec.md §4.7.
func StopRemoteServerBestEffort(parsed *model.ParsedCommand, controlPath string, remotePort int) {
	script := fmt.Sprintf(
		`if command -v curl >/dev/null 2>&1; then curl -fsS -X POST http://127.0.0.1:%d/api/system/shutdown >/dev/null 2>&1 || true; `+
			`elif command -v wget >/dev/null 2>&1; then wget -qO- --method=POST http://127.0.0.1:%d/api/system/shutdown >/dev/null 2>&1 || true; fi`,
		remotePort, remotePort,
	)
	_, _ = sshexec.RunRemoteCommand(parsed, controlPath, script, model.DefaultConnectionTimeoutSec*time.Second)
}

// ConfiguredPassword returns the remote service's UI password if the
// instance has one enabled and non-blank.
func ConfiguredPassword(auth model.AuthConfig) string {
	if !auth.UIPassword.Enabled {
		return ""
	}
	return strings.TrimSpace(auth.UIPassword.Value)
}
