package session

import (
	"fmt"
	"net"
	"os/exec"
	"strings"
	"testing"

	"github.com/shekohex/openchamber/internal/appconfig"
	"github.com/shekohex/openchamber/internal/model"
	"github.com/shekohex/openchamber/internal/sshexec"
)

func TestJitterWithinBounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		d := jitter(100, 800)
		if d < 100*1_000_000 || d > 800*1_000_000 {
			t.Fatalf("jitter out of bounds: %s", d)
		}
	}
}

func TestJitterHandlesEqualMinMax(t *testing.T) {
	d := jitter(250, 250)
	if d != 250*1_000_000 {
		t.Fatalf("expected exactly 250ms, got %s", d)
	}
}

func TestPickEphemeralPortReturnsValidPort(t *testing.T) {
	port, err := pickEphemeralPort()
	if err != nil {
		t.Fatalf("pickEphemeralPort: %v", err)
	}
	if port <= 0 || port > 65535 {
		t.Fatalf("unexpected port %d", port)
	}
}

func TestManagerStatusDefaultsToIdleForUnknownInstance(t *testing.T) {
	m := NewManager(appconfig.Default(), nil)
	status := m.Status("never-connected")
	if status.Phase != model.PhaseIdle {
		t.Fatalf("expected idle phase, got %v", status.Phase)
	}
}

func TestManagerDisconnectIsNoopWhenNotConnected(t *testing.T) {
	m := NewManager(appconfig.Default(), nil)
	m.Disconnect("does-not-exist")
}

func TestManagerConnectRejectsInstanceWithoutParsedCommand(t *testing.T) {
	m := NewManager(appconfig.Default(), nil)
	err := m.Connect(model.Instance{ID: "bad"})
	if err == nil {
		t.Fatal("expected error for instance with no parsed SSH command")
	}
}

// TestManagerConnectIsNoopWhileAttemptInFlight covers spec.md §4.5's
// "connect task already in-flight" short-circuit: a redundant Connect call
// must not tear down or touch the in-flight runtime.
func TestManagerConnectIsNoopWhileAttemptInFlight(t *testing.T) {
	m := NewManager(appconfig.Default(), nil)
	inst := model.Instance{ID: "inst-1", SSHParsed: &model.ParsedCommand{Destination: "h"}}

	r := &runtime{status: model.Status{ID: inst.ID, Phase: model.PhaseMasterConnecting}}
	r.setConnecting(true)
	m.mu.Lock()
	m.sessions[inst.ID] = r
	m.mu.Unlock()

	if err := m.Connect(inst); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	m.mu.Lock()
	got := m.sessions[inst.ID]
	m.mu.Unlock()
	if got != r {
		t.Fatal("expected the in-flight runtime to be left untouched")
	}
	lines := m.Logs(inst.ID, 10)
	if len(lines) == 0 || !strings.Contains(lines[len(lines)-1], "already in progress") {
		t.Fatalf("expected an 'already in progress' log line, got %v", lines)
	}
}

// TestManagerConnectReusesAliveSession covers spec.md §4.5's "session
// already alive" rule: Connect must emit a synthetic Ready status without
// rebuilding an already-live session.
func TestManagerConnectReusesAliveSession(t *testing.T) {
	m := NewManager(appconfig.Default(), nil)
	inst := model.Instance{ID: "inst-2", SSHParsed: &model.ParsedCommand{Destination: "h"}}

	r := &runtime{
		status: model.Status{ID: inst.ID, Phase: model.PhaseReady, LocalPort: 4242, LocalURL: "http://127.0.0.1:4242/"},
		session: model.Session{
			ControlPath: "/tmp/fake-control-path",
			LocalPort:   4242,
		},
	}
	m.mu.Lock()
	m.sessions[inst.ID] = r
	m.mu.Unlock()

	if err := m.Connect(inst); err != nil {
		t.Fatalf("Connect returned error: %v", err)
	}

	m.mu.Lock()
	got := m.sessions[inst.ID]
	m.mu.Unlock()
	if got != r {
		t.Fatal("expected the live runtime to be reused, not rebuilt")
	}
	status := got.getStatus()
	if status.Phase != model.PhaseReady || status.LocalPort != 4242 {
		t.Fatalf("expected synthetic ready status preserving session info, got %+v", status)
	}
}

// exitedHandle runs a short shell command to completion and returns its
// handle, giving liveness tests a process that has already exited with a
// known status.
func exitedHandle(t *testing.T, script string) *sshexec.ProcessHandle {
	t.Helper()
	h, err := sshexec.StartTracked(exec.Command("sh", "-c", script))
	if err != nil {
		t.Fatalf("start %q: %v", script, err)
	}
	_ = h.Wait()
	return h
}

// fakeSession points the liveness check at a control path that cannot
// answer -O check, so only the process-exit state and the TCP fallback
// drive the outcome.
func fakeSession(localPort int) model.Session {
	return model.Session{
		Parsed:      model.ParsedCommand{Destination: "liveness-test-host.invalid"},
		ControlPath: "/nonexistent/openchamber-liveness-test.sock",
		LocalPort:   localPort,
	}
}

// TestCheckLivenessDetachedMasterWithReachablePortStaysAlive covers spec.md
// scenario S6: the master child has exited with success and -O check fails,
// but a TCP connection to the local port succeeds, so the session is still
// alive and the master is recorded as detached.
func TestCheckLivenessDetachedMasterWithReachablePortStaysAlive(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	sess := fakeSession(port)
	master := exitedHandle(t, "exit 0")

	dropped, reason, masterDetached, _ := checkLiveness(&sess, master, nil)
	if dropped {
		t.Fatalf("expected session alive via TCP fallback, got drop: %s", reason)
	}
	if !masterDetached {
		t.Fatal("expected master to be recorded as detached")
	}
}

// TestCheckLivenessAllProbesFailingRaisesControlMasterLost covers the last
// leg of scenario S6: master exited, -O check fails, and the local port is
// unreachable.
func TestCheckLivenessAllProbesFailingRaisesControlMasterLost(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	sess := fakeSession(port)
	master := exitedHandle(t, "exit 0")

	dropped, reason, _, _ := checkLiveness(&sess, master, nil)
	if !dropped {
		t.Fatal("expected drop when master exited and neither -O check nor TCP fallback succeeds")
	}
	if !strings.Contains(reason, "control master lost") {
		t.Fatalf("expected control-master-lost reason, got %q", reason)
	}
}

// TestCheckLivenessMainForwardFailureExitIsTunnelDropped asserts that a
// non-success exit of the anchor forward is a drop regardless of any
// fallback, carrying the captured stderr.
func TestCheckLivenessMainForwardFailureExitIsTunnelDropped(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	sess := fakeSession(port)
	mainForward := exitedHandle(t, "echo broken pipe >&2; exit 1")

	dropped, reason, _, _ := checkLiveness(&sess, nil, mainForward)
	if !dropped {
		t.Fatal("expected drop for non-success main forward exit")
	}
	if !strings.Contains(reason, "tunnel dropped") || !strings.Contains(reason, "broken pipe") {
		t.Fatalf("expected tunnel-dropped reason with stderr, got %q", reason)
	}
}

// TestCheckLivenessRunningProcessesAreAlive asserts the no-exit fast path.
func TestCheckLivenessRunningProcessesAreAlive(t *testing.T) {
	sess := fakeSession(1)
	master, err := sshexec.StartTracked(exec.Command("sleep", "5"))
	if err != nil {
		t.Fatal(err)
	}
	defer master.Kill()

	dropped, reason, masterDetached, _ := checkLiveness(&sess, master, nil)
	if dropped || masterDetached {
		t.Fatalf("expected running master to be alive and not detached, got drop=%v reason=%q", dropped, reason)
	}
}

// TestEmitStampsMonotonicUpdatedAt covers testable property 4: successive
// emissions for one instance carry non-decreasing, non-zero UpdatedAtMs,
// and the stored snapshot matches what was published.
func TestEmitStampsMonotonicUpdatedAt(t *testing.T) {
	m := NewManager(appconfig.Default(), nil)
	r := &runtime{}

	m.emit(r, model.Status{ID: "x", Phase: model.PhaseConfigResolved})
	first := r.getStatus()
	if first.UpdatedAtMs == 0 {
		t.Fatal("expected stored snapshot to carry a timestamp")
	}
	m.emit(r, model.Status{ID: "x", Phase: model.PhaseReady})
	second := r.getStatus()
	if second.UpdatedAtMs < first.UpdatedAtMs {
		t.Fatalf("UpdatedAtMs went backwards: %d then %d", first.UpdatedAtMs, second.UpdatedAtMs)
	}
}

func TestReadyStatusCarriesWarnings(t *testing.T) {
	sess := model.Session{
		Instance:   model.Instance{LocalForward: model.LocalForwardConfig{BindHost: model.BindLoopback}},
		LocalPort:  4242,
		RemotePort: 4096,
	}
	status := readyStatus("x", sess, 2, []string{"forward f1 not listening"})
	if status.Phase != model.PhaseReady || status.RetryAttempt != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.LocalURL != fmt.Sprintf("http://127.0.0.1:%d/", sess.LocalPort) {
		t.Fatalf("unexpected local url: %q", status.LocalURL)
	}
	if !strings.Contains(status.Detail, "forward f1 not listening") {
		t.Fatalf("expected warning in detail, got %q", status.Detail)
	}
}

// TestTeardownAttemptProcessesNilsHandles guards the reconnect retry path:
// after a failed attempt is torn down, the runtime must not retain handles
// a later liveness tick could mistake for a live tunnel.
func TestTeardownAttemptProcessesNilsHandles(t *testing.T) {
	m := NewManager(appconfig.Default(), nil)
	r := &runtime{}
	r.master = exitedHandle(t, "exit 0")
	r.mainForward = exitedHandle(t, "exit 0")

	m.teardownAttemptProcesses(r)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.master != nil || r.mainForward != nil {
		t.Fatal("expected process handles to be cleared after attempt teardown")
	}
}
