// Package session implements the Session Supervisor and Liveness Monitor &
// Reconnector (spec.md §4.5, §4.6): the state machine that takes a
// configured instance from idle to a live, monitored SSH tunnel, and keeps
// it alive across transient SSH control-master or forward drops.
//
// Concurrency model:
//
//	All session state is protected by a sync.Mutex. Manager is safe for
//	concurrent use from multiple goroutines (the CLI's connect/disconnect/
//	status commands and the per-session monitor goroutines all touch the
//	same map). Each connected instance owns one supervising goroutine, kept
//	alive from Connect until Disconnect cancels its context; the goroutine
//	itself runs the initial connect sequence and then the 2-second monitor
//	loop without ever returning control to the caller.
package session

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"

	"github.com/shekohex/openchamber/internal/appconfig"
	"github.com/shekohex/openchamber/internal/askpass"
	"github.com/shekohex/openchamber/internal/events"
	"github.com/shekohex/openchamber/internal/metrics"
	"github.com/shekohex/openchamber/internal/model"
	"github.com/shekohex/openchamber/internal/remoteprobe"
	"github.com/shekohex/openchamber/internal/settings"
	"github.com/shekohex/openchamber/internal/sshexec"
	"github.com/shekohex/openchamber/internal/util"
)

// runtime is the supervisor-internal record for one connected or
// connecting instance: the persisted model.Session plus the live child
// processes sshexec hands back, which model.Session deliberately does not
// carry (see model.Session's doc comment).
type runtime struct {
	mu sync.Mutex

	session     model.Session
	status      model.Status
	askpassPath string
	connecting  bool

	master      *sshexec.ProcessHandle
	mainForward *sshexec.ProcessHandle

	cancel context.CancelFunc
	done   chan struct{}
}

// setConnecting marks whether a connectBlocking call (initial or reconnect)
// is currently in flight for this runtime, backing Manager.Connect's
// "connection already in progress" short-circuit (spec.md §4.5).
func (r *runtime) setConnecting(v bool) {
	r.mu.Lock()
	r.connecting = v
	r.mu.Unlock()
}

func (r *runtime) isConnecting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connecting
}

func (r *runtime) setStatus(s model.Status) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

func (r *runtime) getStatus() model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Manager coordinates session supervisors keyed by instance id.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*runtime

	logsMu sync.Mutex
	logs   map[string]*model.LogRing

	cfg     appconfig.Config
	bus     *events.Bus
	metrics *metrics.Registry
}

// NewManager constructs a Manager. bus may be nil, in which case status
// transitions are tracked in-memory only and never published.
func NewManager(cfg appconfig.Config, bus *events.Bus) *Manager {
	return &Manager{
		sessions: make(map[string]*runtime),
		logs:     make(map[string]*model.LogRing),
		cfg:      cfg,
		bus:      bus,
	}
}

// SetMetrics attaches a metrics registry that Connect/reconnect activity
// reports to. It is optional; a Manager with no registry attached simply
// skips instrumentation.
func (m *Manager) SetMetrics(reg *metrics.Registry) {
	m.metrics = reg
}

// ReportMetrics recomputes the attached registry's session-count gauges from
// the current in-memory status snapshot. Callers that expose a metrics HTTP
// endpoint should call this on a short interval.
func (m *Manager) ReportMetrics() {
	if m.metrics != nil {
		m.metrics.SetSessionCounts(m.StatusAll())
	}
}

// MetricsHandler returns the attached registry's HTTP handler, or a handler
// reporting 404 if no registry was attached via SetMetrics.
func (m *Manager) MetricsHandler() http.Handler {
	if m.metrics == nil {
		return http.NotFoundHandler()
	}
	return m.metrics.Handler()
}

// logRing returns (creating if necessary) the log ring buffer for id (spec.md
// §3's "Logs — a ring buffer per instance of at most 1200 formatted lines").
func (m *Manager) logRing(id string) *model.LogRing {
	m.logsMu.Lock()
	defer m.logsMu.Unlock()
	r, ok := m.logs[id]
	if !ok {
		r = model.NewLogRing()
		m.logs[id] = r
	}
	return r
}

// Logs returns the tail of instance id's log ring buffer (spec.md §6's
// logs(id, limit?) command), or an empty slice if the instance has never
// emitted a status.
func (m *Manager) Logs(id string, limit int) []string {
	return m.logRing(id).Tail(limit)
}

// LogsClear drops every buffered log line for instance id (spec.md §6's
// logs.clear(id) command).
func (m *Manager) LogsClear(id string) {
	m.logRing(id).Clear()
}

// logLevel classifies a phase transition into the INFO/WARN/ERROR register
// spec.md §7 requires every emitted status to be appended to the log buffer
// as.
func logLevel(status model.Status) string {
	switch status.Phase {
	case model.PhaseError:
		return "ERROR"
	case model.PhaseDegraded:
		return "WARN"
	default:
		return "INFO"
	}
}

// emit stamps status with the current wall clock, stores it as r's snapshot
// (so readers and publishes always agree on the same UpdatedAtMs), appends a
// log line, and fans the status out on the bus. UpdatedAtMs is monotonically
// non-decreasing per instance because every emission stamps fresh.
func (m *Manager) emit(r *runtime, status model.Status) {
	status.UpdatedAtMs = time.Now().UnixMilli()
	if r != nil {
		r.setStatus(status)
	}
	message := string(status.Phase)
	if status.Detail != "" {
		message = fmt.Sprintf("%s: %s", status.Phase, status.Detail)
	}
	m.logRing(status.ID).Append(logLevel(status), message)
	if m.bus != nil {
		m.bus.Publish(status)
	}
}

// Status returns the current status for id, or model.Idle(id) if the
// instance has never been connected in this process.
func (m *Manager) Status(id string) model.Status {
	m.mu.Lock()
	r, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return model.Idle(id)
	}
	return r.getStatus()
}

// StatusAll returns the current status of every instance ever connected in
// this process.
func (m *Manager) StatusAll() []model.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Status, 0, len(m.sessions))
	for _, r := range m.sessions {
		out = append(out, r.getStatus())
	}
	return out
}

// Connect starts supervising inst: it spawns a background goroutine that
// runs the connect sequence and then the liveness monitor loop, and returns
// immediately once that goroutine has been launched.
//
// Per spec.md §4.5's "session already alive" rule, calling Connect while a
// session is already live short-circuits with a synthetic Ready status and
// does not tear anything down; calling it while a connect attempt is
// already in flight for the same id logs "already in progress" and returns
// without touching the in-flight attempt. Otherwise any existing runtime
// (e.g. Degraded or Error) is torn down and a fresh connect attempt starts,
// resetting the retry counter.
func (m *Manager) Connect(inst model.Instance) error {
	if inst.SSHParsed == nil {
		return model.NewSessionError(model.ErrInvalidInstance, "instance %s has no parsed SSH command", inst.ID)
	}

	m.mu.Lock()
	existing, ok := m.sessions[inst.ID]
	m.mu.Unlock()

	if ok {
		if existing.isConnecting() {
			m.logRing(inst.ID).Append("INFO", "Connection already in progress")
			return nil
		}
		if m.sessionIsAlive(existing) {
			status := existing.getStatus()
			status.Detail = "SSH session already active"
			m.emit(existing, status)
			m.logRing(inst.ID).Append("INFO", "Connection already active; reusing existing SSH session")
			return nil
		}
	}

	m.Disconnect(inst.ID)
	m.logRing(inst.ID).AppendSeparator(1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	r := &runtime{
		status: model.Status{ID: inst.ID, Phase: model.PhaseConfigResolved},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	m.sessions[inst.ID] = r
	m.mu.Unlock()

	go m.supervise(ctx, r, inst)
	return nil
}

// sessionIsAlive reports whether r's current connection is an established,
// live session (not merely connecting and not dropped), by applying the
// same detach-aware liveness check the monitor loop uses.
func (m *Manager) sessionIsAlive(r *runtime) bool {
	r.mu.Lock()
	sess := r.session
	master := r.master
	mainForward := r.mainForward
	r.mu.Unlock()
	if sess.ControlPath == "" {
		return false
	}
	dropped, _, _, _ := checkLiveness(&sess, master, mainForward)
	return !dropped
}

// Disconnect tears down a running or connecting session, in the order
// spec.md §4.7 specifies: cancel the supervising goroutine, remove it from
// the map, then best-effort stop the remote service (managed mode only),
// the control master, the main forward, and finally the on-disk control
// socket and askpass script, reporting Idle once teardown completes. It is
// a no-op if id is not connected.
func (m *Manager) Disconnect(id string) {
	m.mu.Lock()
	r, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
	m.teardown(r)
	m.emit(nil, model.Idle(id))
}

// ShutdownAll disconnects every tracked session, used on process exit so no
// orphaned ssh child process or control socket is left behind. Sessions are
// torn down concurrently (each teardown can block on -O exit and remote
// shutdown round-trips), and ShutdownAll returns once every one finished.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			m.Disconnect(id)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) teardown(r *runtime) {
	r.mu.Lock()
	sess := r.session
	master := r.master
	mainForward := r.mainForward
	askpassPath := r.askpassPath
	r.mu.Unlock()

	managed, isManaged := sess.Instance.RemoteTarget.(model.ManagedTarget)
	if isManaged && sess.StartedByUs && !managed.KeepRunning && sess.ControlPath != "" {
		remoteprobe.StopRemoteServerBestEffort(&sess.Parsed, sess.ControlPath, sess.RemotePort)
	}
	if sess.ControlPath != "" {
		sshexec.StopControlMasterBestEffort(&sess.Parsed, sess.ControlPath)
	}
	if mainForward != nil {
		mainForward.Kill()
	}
	if master != nil {
		master.Kill()
	}
	if sess.ControlPath != "" {
		_ = os.Remove(sess.ControlPath)
	}
	if askpassPath != "" {
		_ = os.Remove(askpassPath)
	}
}

// supervise runs the full lifecycle of one connection attempt: the initial
// connect sequence, then (on success) the monitor/reconnect loop, until ctx
// is cancelled.
func (m *Manager) supervise(ctx context.Context, r *runtime, inst model.Instance) {
	defer close(r.done)

	r.setConnecting(true)
	sess, warnings, err := m.connectBlocking(ctx, r, inst)
	r.setConnecting(false)
	if err != nil {
		m.fail(r, inst.ID, err)
		return
	}

	r.mu.Lock()
	r.session = sess
	r.mu.Unlock()

	m.emit(r, readyStatus(inst.ID, sess, 0, warnings))

	_ = settings.PersistLocalPort(inst.ID, sess.LocalPort)
	_ = settings.UpdateHostURL(inst.ID, inst.DisplayLabel(), fmt.Sprintf("http://%s:%d/", sess.Instance.LocalForward.BindHost, sess.LocalPort))

	m.monitorLoop(ctx, r, inst)
}

// readyStatus builds the Ready snapshot for a live session. Warnings from
// supplementary-forward setup don't fail the session (spec.md §4.5); they
// ride along in the detail text so the ready event still carries them.
func readyStatus(id string, sess model.Session, retryAttempt int, warnings []string) model.Status {
	return model.Status{
		ID:           id,
		Phase:        model.PhaseReady,
		Detail:       strings.Join(warnings, "; "),
		LocalURL:     fmt.Sprintf("http://%s:%d/", sess.Instance.LocalForward.BindHost, sess.LocalPort),
		LocalPort:    sess.LocalPort,
		RemotePort:   sess.RemotePort,
		StartedByUs:  sess.StartedByUs,
		RetryAttempt: retryAttempt,
	}
}

// fail reports a terminal connect failure: everything spawned so far for the
// attempt is torn down (spec.md §7) and the instance lands in Error with
// RequiresUserAction set, waiting for a manual connect.
func (m *Manager) fail(r *runtime, id string, err error) {
	m.teardown(r)
	r.mu.Lock()
	r.session = model.Session{}
	r.master = nil
	r.mainForward = nil
	r.askpassPath = ""
	r.mu.Unlock()
	m.emit(r, model.Status{ID: id, Phase: model.PhaseError, Detail: err.Error(), RequiresUserAction: true})
}

// connectBlocking runs every phase from ConfigResolved through Forwarding,
// publishing an intermediate status at each transition, and returns the
// fully-populated model.Session on success plus any non-fatal warnings from
// supplementary-forward setup.
func (m *Manager) connectBlocking(ctx context.Context, r *runtime, inst model.Instance) (model.Session, []string, error) {
	advance := func(phase model.Phase, detail string) {
		m.emit(r, model.Status{ID: inst.ID, Phase: phase, Detail: detail})
	}

	advance(model.PhaseConfigResolved, "")
	if err := sshexec.EnsureSSHBinary(); err != nil {
		return model.Session{}, nil, err
	}
	parsed := *inst.SSHParsed
	if _, err := sshexec.ResolveConfig(ctx, &parsed); err != nil {
		return model.Session{}, nil, err
	}

	advance(model.PhaseAuthCheck, "")
	sessionDir, err := sshexec.SessionDir(inst.ID)
	if err != nil {
		return model.Session{}, nil, err
	}
	controlPath := sshexec.ControlPath(inst.ID)
	_ = os.Remove(controlPath)
	askpassPath := sessionDir + "/askpass-" + uuid.NewString() + ".sh"
	if err := askpass.Write(askpassPath); err != nil {
		return model.Session{}, nil, err
	}
	r.mu.Lock()
	r.askpassPath = askpassPath
	r.mu.Unlock()

	password := ""
	if inst.Auth.SSHPassword.Enabled {
		password = strings.TrimSpace(inst.Auth.SSHPassword.Value)
	}

	advance(model.PhaseMasterConnecting, "")
	master, err := sshexec.SpawnMaster(&parsed, controlPath, askpassPath, password, sshexec.DefaultControlPersistSec)
	if err != nil {
		return model.Session{}, nil, err
	}
	r.mu.Lock()
	r.master = master
	r.mu.Unlock()
	timeout := time.Duration(inst.ConnectionTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = model.DefaultConnectionTimeoutSec * time.Second
	}
	if err := sshexec.WaitForMasterReady(&parsed, controlPath, timeout, master); err != nil {
		return model.Session{}, nil, err
	}

	advance(model.PhaseRemoteProbe, "")
	if _, err := remoteprobe.DetectOS(&parsed, controlPath, timeout); err != nil {
		return model.Session{}, nil, err
	}

	remotePort, startedByUs, err := m.ensureRemoteServer(ctx, r, &parsed, controlPath, inst, advance)
	if err != nil {
		return model.Session{}, nil, err
	}

	advance(model.PhaseForwarding, "")
	bindHost := string(inst.LocalForward.BindHost)
	if m.cfg.Security.BindPolicy != appconfig.BindPolicyAllowPublic && bindHost != string(model.BindLoopback) && bindHost != string(model.BindLocalhost) {
		bindHost = string(model.BindLoopback)
	}

	// Use the preferred local port if set and bindable; otherwise take an
	// ephemeral one. A conflict between the bindability check and the
	// forward spawn gets one retry on a fresh ephemeral port before
	// surfacing LocalPortUnavailable.
	localPort, err := chooseLocalPort(inst.LocalForward.PreferredLocalPort)
	if err != nil {
		return model.Session{}, nil, err
	}
	var mainForward *sshexec.ProcessHandle
	for spawnAttempt := 0; ; spawnAttempt++ {
		mainForward, err = sshexec.SpawnMainForward(&parsed, controlPath, bindHost, localPort, remotePort)
		if err == nil {
			break
		}
		if spawnAttempt >= 1 {
			return model.Session{}, nil, model.NewSessionError(model.ErrLocalPortUnavailable, "%s", err.Error())
		}
		localPort, err = pickEphemeralPort()
		if err != nil {
			return model.Session{}, nil, model.NewSessionError(model.ErrLocalPortUnavailable, "%s", err.Error())
		}
	}
	r.mu.Lock()
	r.mainForward = mainForward
	r.mu.Unlock()

	if err := waitLocalForwardReady(ctx, localPort, mainForward); err != nil {
		return model.Session{}, nil, err
	}

	var warnings []string
	for _, fw := range inst.PortForwards {
		if !fw.Enabled {
			continue
		}
		if err := sshexec.SpawnExtraForward(&parsed, controlPath, fw); err != nil {
			warnings = append(warnings, err.Error())
			m.logRing(inst.ID).Append("WARN", err.Error())
			continue
		}
		if fw.Type == model.ForwardLocal {
			addr := fmt.Sprintf("127.0.0.1:%d", fw.LocalPort)
			conn, err := net.DialTimeout("tcp", addr, util.LocalTunnelProbeTimeout)
			if err != nil {
				warning := fmt.Sprintf("forward %s configured but local listener %s is not accepting connections", fw.ID, addr)
				warnings = append(warnings, warning)
				m.logRing(inst.ID).Append("WARN", warning)
				continue
			}
			conn.Close()
		}
	}

	return model.Session{
		Instance:    inst,
		Parsed:      parsed,
		SessionDir:  sessionDir,
		ControlPath: controlPath,
		LocalPort:   localPort,
		RemotePort:  remotePort,
		StartedByUs: startedByUs,
	}, warnings, nil
}

// chooseLocalPort returns preferred if it is set, in range, and currently
// bindable, falling back to an OS-assigned ephemeral port otherwise.
func chooseLocalPort(preferred int) (int, error) {
	if preferred != 0 {
		if err := util.ValidatePort(preferred); err != nil {
			return 0, model.NewSessionError(model.ErrLocalPortUnavailable, "%s", err.Error())
		}
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", preferred))
		if err == nil {
			l.Close()
			return preferred, nil
		}
	}
	port, err := pickEphemeralPort()
	if err != nil {
		return 0, model.NewSessionError(model.ErrLocalPortUnavailable, "%s", err.Error())
	}
	return port, nil
}

// ensureRemoteServer implements spec.md §4.4's managed-vs-external branch:
// for a Managed target it installs/upgrades and starts the remote service
// as needed; for an External target it only verifies the configured port is
// already reachable.
func (m *Manager) ensureRemoteServer(ctx context.Context, r *runtime, parsed *model.ParsedCommand, controlPath string, inst model.Instance, advance func(model.Phase, string)) (int, bool, error) {
	password := remoteprobe.ConfiguredPassword(inst.Auth)

	switch rt := inst.RemoteTarget.(type) {
	case model.ExternalTarget:
		port := rt.PreferredPort
		if port == 0 {
			return 0, false, model.NewSessionError(model.ErrInvalidInstance, "external remote target has no preferred port configured")
		}
		advance(model.PhaseServerDetecting, "")
		if !remoteprobe.RemoteServerRunning(parsed, controlPath, port, password) {
			return 0, false, model.NewSessionError(model.ErrRemoteProbeFailed, "external remote target on port %d is not reachable", port)
		}
		return port, false, nil

	case model.ManagedTarget:
		advance(model.PhaseServerDetecting, "")
		current, installed := remoteprobe.CurrentVersion(parsed, controlPath)
		switch {
		case !installed:
			advance(model.PhaseInstalling, "")
			if err := remoteprobe.Install(parsed, controlPath, remoteprobe.AppVersion, rt.InstallMethod); err != nil {
				return 0, false, err
			}
		case current != remoteprobe.AppVersion:
			advance(model.PhaseUpdating, "")
			if err := remoteprobe.Install(parsed, controlPath, remoteprobe.AppVersion, rt.InstallMethod); err != nil {
				return 0, false, err
			}
		}

		desiredPort := rt.PreferredPort
		if desiredPort == 0 {
			desiredPort = remoteprobe.RandomPortCandidate(inst.ID)
		}
		if remoteprobe.RemoteServerRunning(parsed, controlPath, desiredPort, password) {
			return desiredPort, false, nil
		}

		advance(model.PhaseServerStarting, "")
		startedPort, err := remoteprobe.StartRemoteServerManaged(parsed, controlPath, password, desiredPort)
		if err != nil {
			return 0, false, err
		}
		return startedPort, true, nil

	default:
		return 0, false, model.NewSessionError(model.ErrInvalidInstance, "instance %s has no remote target configured", inst.ID)
	}
}

// pickEphemeralPort asks the OS for an unused local TCP port by binding
// 127.0.0.1:0 and immediately releasing it.
func pickEphemeralPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// waitLocalForwardReady polls GET /health through the anchor forward with a
// per-attempt timeout of util.HTTPProbeAttemptTimeout until a success or 401
// response arrives, the backgrounded ssh process exits early with an error,
// or the util.HTTPProbeDeadline wall clock elapses (spec.md §4.5's readiness
// contract).
func waitLocalForwardReady(ctx context.Context, localPort int, mainForward *sshexec.ProcessHandle) error {
	deadline := time.Now().Add(util.HTTPProbeDeadline)
	client := &http.Client{Timeout: util.HTTPProbeAttemptTimeout}
	url := fmt.Sprintf("http://127.0.0.1:%d/health", localPort)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if mainForward.Exited() && !mainForward.ExitSuccess() {
			detail := strings.TrimSpace(mainForward.Stderr.String())
			if detail == "" {
				detail = "main forward process exited before becoming ready"
			}
			return model.NewSessionError(model.ErrTunnelNotReady, "%s", detail)
		}
		resp, err := client.Get(url)
		if err == nil {
			code := resp.StatusCode
			resp.Body.Close()
			if (code >= 200 && code <= 299) || code == 401 {
				return nil
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	return model.NewSessionError(model.ErrTunnelNotReady, "local forward on port %d did not become ready within %s", localPort, util.HTTPProbeDeadline)
}

// monitorLoop implements the Liveness Monitor & Reconnector (spec.md §4.6):
// every 2 seconds it checks whether the control master or main forward
// processes are still alive, tolerating a "detached" backgrounding process
// as long as the control master (or, as a fallback, a raw TCP dial to the
// local port) still proves the tunnel is reachable. A genuine drop triggers
// reconnect attempts with capped exponential backoff plus jitter, up to
// Reconnect.MaxAttempts consecutive failures before giving up terminally.
func (m *Manager) monitorLoop(ctx context.Context, r *runtime, inst model.Instance) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	bo := &backoff.Backoff{
		Min:    time.Duration(m.cfg.Reconnect.BaseBackoffMs) * time.Millisecond,
		Max:    time.Duration(m.cfg.Reconnect.CapMs) * time.Millisecond,
		Factor: 2,
	}
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		r.mu.Lock()
		sess := r.session
		master := r.master
		mainForward := r.mainForward
		r.mu.Unlock()

		dropped, reason, masterDetached, mainForwardDetached := checkLiveness(&sess, master, mainForward)
		if masterDetached && !sess.MasterDetached {
			m.logRing(inst.ID).Append("INFO", "control master backgrounded; liveness now tracked via -O check")
		}
		if mainForwardDetached && !sess.MainForwardDetached {
			m.logRing(inst.ID).Append("INFO", "main forward backgrounded; liveness now tracked via control master and local port")
		}
		sess.MasterDetached = masterDetached
		sess.MainForwardDetached = mainForwardDetached
		r.mu.Lock()
		r.session = sess
		r.mu.Unlock()
		if !dropped {
			if attempt > 0 {
				attempt = 0
				bo.Reset()
			}
			continue
		}

		attempt++

		// Retry until reconnected or the cap is hit. A failed reconnect
		// counts as the next consecutive failure right here; it must not
		// fall back to the liveness tick, which would see the failed
		// attempt's partially-spawned processes as a live tunnel and reset
		// the counter.
		for {
			if attempt > m.cfg.Reconnect.MaxAttempts {
				m.teardown(r)
				r.mu.Lock()
				r.session = model.Session{}
				r.master = nil
				r.mainForward = nil
				r.askpassPath = ""
				r.mu.Unlock()
				m.emit(r, model.Status{
					ID:                 inst.ID,
					Phase:              model.PhaseError,
					Detail:             fmt.Sprintf("%s; reconnect attempts exhausted after %d tries", reason, m.cfg.Reconnect.MaxAttempts),
					RetryAttempt:       attempt - 1,
					RequiresUserAction: true,
				})
				return
			}

			m.emit(r, model.Status{
				ID:           inst.ID,
				Phase:        model.PhaseDegraded,
				Detail:       reason,
				RetryAttempt: attempt,
			})

			delay := bo.Duration() + jitter(m.cfg.Reconnect.JitterMinMs, m.cfg.Reconnect.JitterMaxMs)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			m.teardownAttemptProcesses(r)
			m.logRing(inst.ID).AppendSeparator(attempt+1, attempt)
			if m.metrics != nil {
				m.metrics.ObserveReconnectAttempt(inst.ID)
			}
			r.setConnecting(true)
			newSess, warnings, err := m.connectBlocking(ctx, r, inst)
			r.setConnecting(false)
			if err != nil {
				// Tear down whatever this attempt spawned before it failed
				// (a master that authenticated, a forward whose readiness
				// probe timed out) so nothing from the dead attempt lingers.
				m.teardownAttemptProcesses(r)
				attempt++
				reason = err.Error()
				continue
			}
			r.mu.Lock()
			r.session = newSess
			r.mu.Unlock()

			m.emit(r, readyStatus(inst.ID, newSess, attempt, warnings))
			attempt = 0
			bo.Reset()
			break
		}
	}
}

// teardownAttemptProcesses kills a connection attempt's processes and nils
// the runtime's handles, both before a reconnect spawns fresh ones and
// after a reconnect fails partway, so a half-spawned master or forward from
// a dead attempt cannot masquerade as a live tunnel on the next liveness
// tick. The runtime stays in Manager.sessions; the supervisor goroutine is
// still running it.
func (m *Manager) teardownAttemptProcesses(r *runtime) {
	r.mu.Lock()
	sess := r.session
	master := r.master
	mainForward := r.mainForward
	r.master = nil
	r.mainForward = nil
	r.mu.Unlock()
	if sess.ControlPath != "" {
		sshexec.StopControlMasterBestEffort(&sess.Parsed, sess.ControlPath)
	}
	if mainForward != nil {
		mainForward.Kill()
	}
	if master != nil {
		master.Kill()
	}
}

// checkLiveness reports whether the tunnel should be considered dropped,
// applying the detach-transition tolerance from spec.md §4.5: a
// backgrounded helper exiting with success is not itself a failure as long
// as the control master still answers "-O check", or — with the master
// detached and unreachable — a raw TCP dial to the local port still
// succeeds within 500ms (the kernel-side forward persists even when the
// control channel is transiently unreachable). A non-success exit of the
// anchor forward is a tunnel drop; a non-success exit of the master with
// "-O check" failing is a control-master loss. The two detached bools
// report whether each backgrounded process has exited while the tunnel is
// still considered live, for model.Session's bookkeeping fields.
func checkLiveness(sess *model.Session, master, mainForward *sshexec.ProcessHandle) (dropped bool, reason string, masterDetached, mainForwardDetached bool) {
	masterDetached = sess.MasterDetached
	mainForwardDetached = sess.MainForwardDetached

	localReachable := func() bool {
		addr := fmt.Sprintf("127.0.0.1:%d", sess.LocalPort)
		conn, err := net.DialTimeout("tcp", addr, util.LocalTunnelProbeTimeout)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}

	if mainForward != nil && mainForward.Exited() && !mainForward.ExitSuccess() {
		detail := strings.TrimSpace(mainForward.Stderr.String())
		if detail == "" {
			detail = "main forward process exited unexpectedly"
		}
		return true, fmt.Sprintf("tunnel dropped: %s", detail), masterDetached, mainForwardDetached
	}

	if master != nil && master.Exited() {
		if sshexec.IsControlMasterAlive(&sess.Parsed, sess.ControlPath) {
			masterDetached = masterDetached || master.ExitSuccess()
		} else if masterDetached && localReachable() {
			// control channel transiently unreachable; kernel forward persists
		} else if master.ExitSuccess() && localReachable() {
			masterDetached = true
		} else {
			detail := strings.TrimSpace(master.Stderr.String())
			if detail == "" {
				detail = "control master is no longer reachable"
			}
			return true, fmt.Sprintf("control master lost: %s", detail), masterDetached, mainForwardDetached
		}
	}

	if mainForward != nil && mainForward.Exited() {
		if sshexec.IsControlMasterAlive(&sess.Parsed, sess.ControlPath) || localReachable() {
			mainForwardDetached = true
		} else {
			return true, "tunnel dropped: main forward exited and local port is no longer reachable", masterDetached, mainForwardDetached
		}
	}
	return false, "", masterDetached, mainForwardDetached
}

func jitter(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	return time.Duration(minMs+rand.Intn(maxMs-minMs+1)) * time.Millisecond
}
