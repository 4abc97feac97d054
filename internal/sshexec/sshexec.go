// Package sshexec implements the Remote Executor (spec.md §4.3): every way
// this session manager ever shells out to the system "ssh" binary. All
// arguments are passed via exec.Command's argv, never through a shell, so a
// destination or forward spec containing shell metacharacters cannot be used
// to inject additional commands.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shekohex/openchamber/internal/appconfig"
	"github.com/shekohex/openchamber/internal/askpass"
	"github.com/shekohex/openchamber/internal/model"
	"github.com/shekohex/openchamber/internal/sshparse"
	"github.com/shekohex/openchamber/internal/util"
)

// DefaultControlPersistSec is how long an idle control master lingers after
// its last client disconnects, passed as ssh's ControlPersist option.
const DefaultControlPersistSec = 300

// masterReadyPollInterval is how often WaitForMasterReady retries the
// ControlMaster=no -O check probe while waiting for the master to come up.
const masterReadyPollInterval = 250 * time.Millisecond

// EnsureSSHBinary checks that the system "ssh" client is on PATH, so the
// supervisor can surface a clear error before spending time on anything
// else.
func EnsureSSHBinary() error {
	if _, err := exec.LookPath("ssh"); err != nil {
		return model.NewSessionError(model.ErrInternalTaskFailure, "ssh binary not found in PATH")
	}
	return nil
}

// Result is the outcome of a one-shot (non-backgrounded) ssh invocation.
type Result struct {
	Code   int
	Stdout string
	Stderr string
}

func buildCommand(ctx context.Context, parsed *model.ParsedCommand, preDestinationArgs []string, remoteCommand string) *exec.Cmd {
	args := append([]string{}, parsed.Args...)
	args = append(args, preDestinationArgs...)
	args = append(args, parsed.Destination)
	if remoteCommand != "" {
		args = append(args, remoteCommand)
	}
	if ctx == nil {
		return exec.Command("ssh", args...)
	}
	return exec.CommandContext(ctx, "ssh", args...)
}

func runOutput(cmd *exec.Cmd) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return Result{Code: -1}, fmt.Errorf("execute ssh: %w", err)
		}
	}
	return Result{Code: code, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// ResolveConfig runs "ssh -G <destination>" to resolve every effective
// OpenSSH configuration directive (HostName, User, Port, ProxyJump,
// IdentityFile, ...) the way OpenSSH itself would apply them, without this
// package reimplementing ssh_config parsing.
func ResolveConfig(ctx context.Context, parsed *model.ParsedCommand) (map[string]string, error) {
	cmd := buildCommand(ctx, parsed, []string{"-G"}, "")
	res, err := runOutput(cmd)
	if err != nil {
		return nil, err
	}
	if res.Code != 0 {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = "ssh -G failed"
		}
		return nil, model.NewSessionError(model.ErrSshConfigResolveFailed, "%s", detail)
	}
	resolved := make(map[string]string)
	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, " ")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if !ok || key == "" || value == "" {
			continue
		}
		resolved[key] = value
	}
	return resolved, nil
}

// SessionDir returns (creating if needed) the per-instance working directory
// used for the askpass script, sited next to the settings
// file so it survives on the same filesystem/volume.
func SessionDir(instanceID string) (string, error) {
	settingsPath, err := appconfig.SettingsFilePath()
	if err != nil {
		return "", err
	}
	base := filepath.Join(filepath.Dir(settingsPath), "ssh", instanceID)
	if err := os.MkdirAll(base, 0o700); err != nil {
		return "", fmt.Errorf("create session dir: %w", err)
	}
	return base, nil
}

// ControlPath derives the unix control socket path for an instance. It is
// deliberately placed in the system temp dir rather than under SessionDir:
// OpenSSH refuses control paths longer than the platform's sockaddr_un
// limit, and a settings directory nested under a long home path can already
// be close to that limit before the instance id is even appended.
func ControlPath(instanceID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(instanceID))
	return filepath.Join(os.TempDir(), fmt.Sprintf("ocssh-%x.sock", h.Sum64()))
}

// ProcessHandle wraps a backgrounded SSH child process together with an exit
// channel, replacing the blocking try_wait-in-a-loop pattern with a Wait
// call parked in its own goroutine: the monitor polls Exited() (non-blocking)
// instead of blocking the caller on Cmd.Wait().
type ProcessHandle struct {
	Cmd    *exec.Cmd
	Stderr *bytes.Buffer
	done   chan struct{}
	err    error
}

// StartTracked starts cmd with stderr captured and its Wait parked in a
// goroutine, returning the handle the monitor polls.
func StartTracked(cmd *exec.Cmd) (*ProcessHandle, error) {
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	h := &ProcessHandle{Cmd: cmd, Stderr: &stderr, done: make(chan struct{})}
	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()
	return h, nil
}

// Exited reports whether the process has already exited, without blocking.
func (h *ProcessHandle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitSuccess reports whether the process has exited with a zero status —
// the legitimate backgrounding exit of a ControlPersist master or an
// established forward (spec.md §4.5's detach transition), as opposed to a
// failure. It returns false while the process is still running.
func (h *ProcessHandle) ExitSuccess() bool {
	if !h.Exited() {
		return false
	}
	return h.err == nil
}

// Wait blocks until the process exits and returns its exec.Cmd.Wait() error.
func (h *ProcessHandle) Wait() error {
	<-h.done
	return h.err
}

// Kill sends SIGKILL and reaps the process, ignoring errors — used during
// best-effort teardown.
func (h *ProcessHandle) Kill() {
	if h.Cmd.Process != nil {
		_ = h.Cmd.Process.Kill()
	}
	<-h.done
}

// SpawnMaster starts a backgrounded "ssh -N" control master that owns the
// authenticated connection; every later operation against controlPath reuses
// it instead of authenticating again.
func SpawnMaster(parsed *model.ParsedCommand, controlPath, askpassPath string, password string, controlPersistSec int) (*ProcessHandle, error) {
	if controlPersistSec <= 0 {
		controlPersistSec = DefaultControlPersistSec
	}
	args := []string{
		"-o", "ControlMaster=yes",
		"-o", "ControlPath=" + controlPath,
		"-o", fmt.Sprintf("ControlPersist=%d", controlPersistSec),
		"-N",
	}
	cmd := buildCommand(nil, parsed, args, "")
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Env = append(os.Environ(), askpass.Env(askpassPath, strings.TrimSpace(password))...)
	h, err := StartTracked(cmd)
	if err != nil {
		return nil, model.NewSessionError(model.ErrControlMasterExitedEarly, "failed to start SSH control master for %s: %v", parsed.Destination, err)
	}
	return h, nil
}

// WaitForMasterReady polls ControlMaster=no -O check until it succeeds, the
// master process exits early, or timeout elapses.
func WaitForMasterReady(parsed *model.ParsedCommand, controlPath string, timeout time.Duration, master *ProcessHandle) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res, err := ControlMasterOp(parsed, controlPath, "check")
		if err == nil && res.Code == 0 {
			return nil
		}
		if master.Exited() {
			detail := strings.TrimSpace(master.Stderr.String())
			if detail == "" {
				return model.NewSessionError(model.ErrControlMasterExitedEarly, "SSH master process exited before ready")
			}
			return model.NewSessionError(model.ErrControlMasterExitedEarly, "%s", detail)
		}
		time.Sleep(masterReadyPollInterval)
	}
	return model.NewSessionError(model.ErrControlMasterTimeout, "SSH ControlMaster connection timed out")
}

// ControlMasterOp runs "ssh -O <op>" (check/exit/forward) against an
// existing control master.
func ControlMasterOp(parsed *model.ParsedCommand, controlPath, op string) (Result, error) {
	args := []string{
		"-o", "ControlMaster=no",
		"-o", "ControlPath=" + controlPath,
		"-o", "BatchMode=yes",
		"-o", "ConnectTimeout=3",
		"-O", op,
	}
	cmd := buildCommand(nil, parsed, args, "")
	return runOutput(cmd)
}

// IsControlMasterAlive reports whether the control master at controlPath is
// currently reachable.
func IsControlMasterAlive(parsed *model.ParsedCommand, controlPath string) bool {
	res, err := ControlMasterOp(parsed, controlPath, "check")
	return err == nil && res.Code == 0
}

// StopControlMasterBestEffort asks the control master to exit; failures are
// ignored, matching the "best effort, continue teardown regardless" contract
// from spec.md §4.7.
func StopControlMasterBestEffort(parsed *model.ParsedCommand, controlPath string) {
	_, _ = ControlMasterOp(parsed, controlPath, "exit")
}

// RunRemoteCommand runs script on the remote host via the control master,
// under "sh -lc", returning its stdout on success.
func RunRemoteCommand(parsed *model.ParsedCommand, controlPath, script string, timeout time.Duration) (string, error) {
	timeoutSec := int(timeout / time.Second)
	if timeoutSec <= 0 {
		timeoutSec = model.DefaultConnectionTimeoutSec
	}
	args := []string{
		"-o", "ControlMaster=no",
		"-o", "ControlPath=" + controlPath,
		"-o", fmt.Sprintf("ConnectTimeout=%d", timeoutSec),
		"-T",
	}
	remote := "sh -lc " + sshparse.ShellQuote(script)
	cmd := buildCommand(nil, parsed, args, remote)
	res, err := runOutput(cmd)
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = "remote command failed"
		}
		return "", model.NewSessionError(model.ErrRemoteProbeFailed, "%s", detail)
	}
	return res.Stdout, nil
}

// RemoteCommandExists reports whether name resolves on the remote PATH.
func RemoteCommandExists(parsed *model.ParsedCommand, controlPath, name string) bool {
	script := fmt.Sprintf("command -v %s >/dev/null 2>&1", sshparse.ShellQuote(name))
	_, err := RunRemoteCommand(parsed, controlPath, script, model.DefaultConnectionTimeoutSec*time.Second)
	return err == nil
}

// SpawnMainForward starts the backgrounded anchor local forward
// (bindHost:localPort -> 127.0.0.1:remotePort on the remote side) over the
// existing control master.
func SpawnMainForward(parsed *model.ParsedCommand, controlPath, bindHost string, localPort, remotePort int) (*ProcessHandle, error) {
	args := []string{
		"-o", "ControlMaster=no",
		"-o", "ControlPath=" + controlPath,
		"-N",
		"-L", fmt.Sprintf("%s:%d:127.0.0.1:%d", bindHost, localPort, remotePort),
	}
	cmd := buildCommand(nil, parsed, args, "")
	cmd.Stdin = nil
	cmd.Stdout = nil
	h, err := StartTracked(cmd)
	if err != nil {
		return nil, model.NewSessionError(model.ErrTunnelNotReady, "failed to start main SSH forward on local port %d: %v", localPort, err)
	}
	return h, nil
}

// SpawnExtraForward configures one supplementary forward on the running
// control master via "-O forward". Unlike the anchor forward, this does not
// spawn a new backgrounded process — the control master itself carries the
// additional forward for as long as it lives.
func SpawnExtraForward(parsed *model.ParsedCommand, controlPath string, fw model.PortForward) error {
	args := []string{
		"-o", "ControlMaster=no",
		"-o", "ControlPath=" + controlPath,
		"-O", "forward",
	}
	switch fw.Type {
	case model.ForwardLocal:
		if fw.LocalPort == 0 || fw.RemotePort == 0 {
			return model.NewSessionError(model.ErrInvalidInstance, "forward %s missing local or remote port", fw.ID)
		}
		args = append(args, "-L", fmt.Sprintf("%s:%d:%s:%d",
			util.NormalizeAddr(fw.LocalHost, "127.0.0.1"), fw.LocalPort,
			util.NormalizeAddr(fw.RemoteHost, "127.0.0.1"), fw.RemotePort))
	case model.ForwardRemote:
		if fw.LocalPort == 0 || fw.RemotePort == 0 {
			return model.NewSessionError(model.ErrInvalidInstance, "forward %s missing local or remote port", fw.ID)
		}
		args = append(args, "-R", fmt.Sprintf("%s:%d:%s:%d",
			util.NormalizeAddr(fw.RemoteHost, "127.0.0.1"), fw.RemotePort,
			util.NormalizeAddr(fw.LocalHost, "127.0.0.1"), fw.LocalPort))
	case model.ForwardDynamic:
		if fw.LocalPort == 0 {
			return model.NewSessionError(model.ErrInvalidInstance, "forward %s missing local port", fw.ID)
		}
		args = append(args, "-D", fmt.Sprintf("%s:%d", util.NormalizeAddr(fw.LocalHost, "127.0.0.1"), fw.LocalPort))
	default:
		return model.NewSessionError(model.ErrInvalidInstance, "forward %s has unknown type %q", fw.ID, fw.Type)
	}

	cmd := buildCommand(nil, parsed, args, "")
	res, err := runOutput(cmd)
	if err != nil {
		return fmt.Errorf("configure extra SSH forward %s: %w", fw.ID, err)
	}
	if res.Code != 0 {
		detail := strings.TrimSpace(res.Stderr)
		if detail == "" {
			detail = strings.TrimSpace(res.Stdout)
		}
		if detail == "" {
			detail = "unknown error"
		}
		return model.NewSessionError(model.ErrTunnelNotReady, "failed to configure extra SSH forward %s: %s", fw.ID, detail)
	}
	return nil
}

// ParsePortToken extracts the first whitespace-delimited integer token in
// the port range 1..65535 from a remote command's stdout, used to recover the actual listening port a
// managed remote server reports on startup.
func ParsePortToken(output string) (int, bool) {
	for _, token := range strings.Fields(output) {
		if v, err := strconv.Atoi(token); err == nil && v > 0 && v <= 65535 {
			return v, true
		}
	}
	return 0, false
}
