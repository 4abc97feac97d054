// Package model defines the shared domain types for the SSH session manager:
// persisted instance configuration, runtime status, the supervisor-internal
// session record, and the typed error kinds surfaced to callers.
package model

import (
	"encoding/json"
	"fmt"
)

// LocalHostID is the reserved instance id that must never appear in the
// instance list; it identifies the desktop shell's own local entry in the
// sibling hosts list.
const LocalHostID = "local"

// MaxLogLinesPerInstance bounds the in-memory ring buffer for each instance's
// log lines.
const MaxLogLinesPerInstance = 1200

// DefaultConnectionTimeoutSec is used whenever Instance.ConnectionTimeoutSec
// is zero or unset.
const DefaultConnectionTimeoutSec = 60

// ParsedCommand is the cached result of parsing Instance.SSHCommand.
type ParsedCommand struct {
	Destination string   `json:"destination"`
	Args        []string `json:"args"`
}

// InstallMethod chooses how a Managed remote target is installed/upgraded.
type InstallMethod string

const (
	InstallPreferredA    InstallMethod = "preferred_a"
	InstallPreferredB    InstallMethod = "preferred_b"
	InstallDownloadRel   InstallMethod = "download_release"
	InstallUploadBundle  InstallMethod = "upload_bundle"
	installMethodDefault               = InstallPreferredA
)

// Valid reports whether m is one of the known install methods.
func (m InstallMethod) Valid() bool {
	switch m {
	case InstallPreferredA, InstallPreferredB, InstallDownloadRel, InstallUploadBundle:
		return true
	default:
		return false
	}
}

// RemoteMode tags whether the supervisor owns the remote service lifecycle.
type RemoteMode string

const (
	RemoteModeManaged  RemoteMode = "managed"
	RemoteModeExternal RemoteMode = "external"
)

// RemoteTargetConfig is a tagged union (modeled as a Go interface, per the
// "dynamic dispatch over tagged variants, not string switches" design note)
// distinguishing a Managed remote target (the supervisor installs/starts/
// stops it) from an External one (already running, merely consumed).
type RemoteTargetConfig interface {
	Mode() RemoteMode
	isRemoteTarget()
}

// ManagedTarget is a remote target whose lifecycle this supervisor owns.
type ManagedTarget struct {
	KeepRunning         bool          `json:"keepRunning"`
	PreferredPort       int           `json:"preferredPort,omitempty"`
	InstallMethod       InstallMethod `json:"installMethod"`
	UploadBundleOverSSH bool          `json:"uploadBundleOverSsh"`
}

func (ManagedTarget) Mode() RemoteMode { return RemoteModeManaged }
func (ManagedTarget) isRemoteTarget()  {}

// Sanitized returns a copy with defaults applied.
func (m ManagedTarget) Sanitized() ManagedTarget {
	if !m.InstallMethod.Valid() {
		m.InstallMethod = installMethodDefault
	}
	return m
}

// ExternalTarget is a remote target already running, outside this
// supervisor's lifecycle control.
type ExternalTarget struct {
	PreferredPort int `json:"preferredPort"`
}

func (ExternalTarget) Mode() RemoteMode { return RemoteModeExternal }
func (ExternalTarget) isRemoteTarget()  {}

// BindHost is the whitelist of local-forward bind addresses; anything else
// is coerced to BindLoopback on sanitize.
type BindHost string

const (
	BindLoopback  BindHost = "127.0.0.1"
	BindLocalhost BindHost = "localhost"
	BindAny       BindHost = "0.0.0.0"
)

func (b BindHost) valid() bool {
	switch b {
	case BindLoopback, BindLocalhost, BindAny:
		return true
	default:
		return false
	}
}

// LocalForwardConfig describes the anchor local forward's bind preferences.
type LocalForwardConfig struct {
	BindHost          BindHost `json:"bindHost"`
	PreferredLocalPort int     `json:"preferredLocalPort,omitempty"`
}

// Sanitized coerces an invalid BindHost to the loopback default.
func (c LocalForwardConfig) Sanitized() LocalForwardConfig {
	if !c.BindHost.valid() {
		c.BindHost = BindLoopback
	}
	return c
}

// SecretStore controls whether a Secret's Value is persisted to disk.
type SecretStore string

const (
	SecretStoreNever    SecretStore = "never"
	SecretStoreSettings SecretStore = "settings"
)

// Secret is an optional stored credential (SSH password or target-service UI
// password).
type Secret struct {
	Enabled bool        `json:"enabled"`
	Value   string      `json:"value,omitempty"`
	Store   SecretStore `json:"store"`
}

// AuthConfig holds the two optional stored secrets an instance may carry.
type AuthConfig struct {
	SSHPassword Secret `json:"sshPassword"`
	UIPassword  Secret `json:"uiPassword"`
}

// PortForwardType distinguishes the three supplementary forward kinds.
type PortForwardType string

const (
	ForwardLocal   PortForwardType = "local"
	ForwardRemote  PortForwardType = "remote"
	ForwardDynamic PortForwardType = "dynamic"
)

// PortForward is one user-defined supplementary forward beyond the anchor.
type PortForward struct {
	ID         string          `json:"id"`
	Enabled    bool            `json:"enabled"`
	Type       PortForwardType `json:"type"`
	LocalHost  string          `json:"localHost,omitempty"`
	LocalPort  int             `json:"localPort,omitempty"`
	RemoteHost string          `json:"remoteHost,omitempty"`
	RemotePort int             `json:"remotePort,omitempty"`
}

// Instance is the persisted configuration for one SSH-tunneled remote
// target.
type Instance struct {
	ID                   string             `json:"id"`
	Nickname             string             `json:"nickname,omitempty"`
	SSHCommand           string             `json:"sshCommand"`
	SSHParsed            *ParsedCommand     `json:"sshParsed,omitempty"`
	ConnectionTimeoutSec int                `json:"connectionTimeoutSec"`
	RemoteTarget         RemoteTargetConfig `json:"-"`
	LocalForward         LocalForwardConfig `json:"localForward"`
	Auth                 AuthConfig         `json:"auth"`
	PortForwards         []PortForward      `json:"portForwards,omitempty"`
}

// DisplayLabel returns the nickname, falling back to the parsed destination,
// falling back to the id — the same precedence the settings store uses when
// synchronizing the sibling hosts list.
func (i Instance) DisplayLabel() string {
	if i.Nickname != "" {
		return i.Nickname
	}
	if i.SSHParsed != nil && i.SSHParsed.Destination != "" {
		return i.SSHParsed.Destination
	}
	return i.ID
}

// instanceAlias has the same fields as Instance but without its custom
// Marshal/UnmarshalJSON, breaking the infinite-recursion that would
// otherwise occur when those methods re-marshal through encoding/json.
type instanceAlias Instance

// remoteTargetWire is the on-the-wire shape of the RemoteTargetConfig tagged
// union: a discriminant field plus both variants' fields inlined (absent
// fields marshal as zero values and are ignored by the inactive variant).
type remoteTargetWire struct {
	Mode                RemoteMode    `json:"mode"`
	KeepRunning         bool          `json:"keepRunning,omitempty"`
	PreferredPort       int           `json:"preferredPort,omitempty"`
	InstallMethod       InstallMethod `json:"installMethod,omitempty"`
	UploadBundleOverSSH bool          `json:"uploadBundleOverSsh,omitempty"`
}

// MarshalJSON serializes Instance, encoding the RemoteTargetConfig tagged
// union (an interface, per the "dynamic dispatch over tagged variants"
// design note) as a single "remoteTarget" object keyed by its mode.
func (i Instance) MarshalJSON() ([]byte, error) {
	type withRemoteTarget struct {
		instanceAlias
		RemoteTarget *remoteTargetWire `json:"remoteTarget,omitempty"`
	}
	out := withRemoteTarget{instanceAlias: instanceAlias(i)}
	switch rt := i.RemoteTarget.(type) {
	case ManagedTarget:
		out.RemoteTarget = &remoteTargetWire{
			Mode:                RemoteModeManaged,
			KeepRunning:         rt.KeepRunning,
			PreferredPort:       rt.PreferredPort,
			InstallMethod:       rt.InstallMethod,
			UploadBundleOverSSH: rt.UploadBundleOverSSH,
		}
	case ExternalTarget:
		out.RemoteTarget = &remoteTargetWire{
			Mode:          RemoteModeExternal,
			PreferredPort: rt.PreferredPort,
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON, reconstructing the concrete
// ManagedTarget/ExternalTarget value from the wire discriminant.
func (i *Instance) UnmarshalJSON(data []byte) error {
	type withRemoteTarget struct {
		instanceAlias
		RemoteTarget *remoteTargetWire `json:"remoteTarget,omitempty"`
	}
	var in withRemoteTarget
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*i = Instance(in.instanceAlias)
	if in.RemoteTarget == nil {
		i.RemoteTarget = ManagedTarget{}.Sanitized()
		return nil
	}
	switch in.RemoteTarget.Mode {
	case RemoteModeExternal:
		i.RemoteTarget = ExternalTarget{PreferredPort: in.RemoteTarget.PreferredPort}
	default:
		i.RemoteTarget = ManagedTarget{
			KeepRunning:         in.RemoteTarget.KeepRunning,
			PreferredPort:       in.RemoteTarget.PreferredPort,
			InstallMethod:       in.RemoteTarget.InstallMethod,
			UploadBundleOverSSH: in.RemoteTarget.UploadBundleOverSSH,
		}.Sanitized()
	}
	return nil
}

// Phase is a node of the per-instance session state machine.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseConfigResolved   Phase = "config_resolved"
	PhaseAuthCheck        Phase = "auth_check"
	PhaseMasterConnecting Phase = "master_connecting"
	PhaseRemoteProbe      Phase = "remote_probe"
	PhaseInstalling       Phase = "installing"
	PhaseUpdating         Phase = "updating"
	PhaseServerDetecting  Phase = "server_detecting"
	PhaseServerStarting   Phase = "server_starting"
	PhaseForwarding       Phase = "forwarding"
	PhaseReady            Phase = "ready"
	PhaseDegraded         Phase = "degraded"
	PhaseError            Phase = "error"
)

// Status is the runtime snapshot surfaced to callers via the ssh-instance-status
// event and the status(id?) command.
type Status struct {
	ID                 string `json:"id"`
	Phase              Phase  `json:"phase"`
	Detail             string `json:"detail,omitempty"`
	LocalURL           string `json:"localUrl,omitempty"`
	LocalPort          int    `json:"localPort,omitempty"`
	RemotePort         int    `json:"remotePort,omitempty"`
	StartedByUs        bool   `json:"startedByUs"`
	RetryAttempt       int    `json:"retryAttempt"`
	RequiresUserAction bool   `json:"requiresUserAction"`
	UpdatedAtMs        int64  `json:"updatedAtMs"`
}

// Idle returns the default status for an instance that has never connected.
func Idle(id string) Status {
	return Status{ID: id, Phase: PhaseIdle}
}

// Session is the supervisor-internal runtime record for a live or
// in-progress connection. It is never persisted; the live child processes
// themselves (control master, anchor forward) are tracked alongside it by
// internal/session, not stored here, to keep this package free of an
// os/exec dependency.
type Session struct {
	Instance            Instance
	Parsed              ParsedCommand
	SessionDir          string
	ControlPath         string
	LocalPort           int
	RemotePort          int
	StartedByUs         bool
	MasterDetached      bool
	MainForwardDetached bool
}

// ErrorKind enumerates the typed error categories from the error handling
// design. Kind drives internal dispatch (errors.Is / switch); Detail is the
// user-facing string surfaced as Status.Detail.
type ErrorKind string

const (
	ErrInvalidInstance         ErrorKind = "invalid_instance"
	ErrUnclosedQuote           ErrorKind = "unclosed_quote"
	ErrUnsupportedOption       ErrorKind = "unsupported_option"
	ErrDisallowedOption        ErrorKind = "disallowed_option"
	ErrSshConfigResolveFailed  ErrorKind = "ssh_config_resolve_failed"
	ErrControlMasterTimeout    ErrorKind = "control_master_timeout"
	ErrControlMasterExitedEarly ErrorKind = "control_master_exited_early"
	ErrUnsupportedRemoteOS     ErrorKind = "unsupported_remote_os"
	ErrNoRemotePackageManager  ErrorKind = "no_remote_package_manager"
	ErrRemoteInstallFailed     ErrorKind = "remote_install_failed"
	ErrRemoteAuthRequired      ErrorKind = "remote_auth_required"
	ErrRemoteAuthRejected      ErrorKind = "remote_auth_rejected"
	ErrRemoteProbeFailed       ErrorKind = "remote_probe_failed"
	ErrRemoteServerStartFailed ErrorKind = "remote_server_start_failed"
	ErrLocalPortUnavailable    ErrorKind = "local_port_unavailable"
	ErrTunnelNotReady          ErrorKind = "tunnel_not_ready"
	ErrTunnelDropped           ErrorKind = "tunnel_dropped"
	ErrControlMasterLost       ErrorKind = "control_master_lost"
	ErrInternalTaskFailure     ErrorKind = "internal_task_failure"
)

// SessionError is the typed error surfaced across the session manager.
type SessionError struct {
	Kind   ErrorKind
	Detail string
}

func (e *SessionError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return string(e.Kind)
	}
	return e.Detail
}

// NewSessionError constructs a SessionError with a formatted detail message.
func NewSessionError(kind ErrorKind, format string, args ...any) *SessionError {
	return &SessionError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
