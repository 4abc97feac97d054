// Package cli provides the command-line interface for the SSH session
// manager, built with Cobra.
//
// Unlike a desktop shell (which drives the supervisor through direct
// in-process calls and listens on the "ssh-instance-status" event stream),
// this CLI exposes the same public command surface as separate,
// script-friendly invocations. Because each invocation is its own process,
// commands that need durable cross-invocation state go through the settings
// store and the on-disk event journal rather than an in-memory Manager:
//
//   - "instances get/set" and "import hosts" always operate on the settings
//     document and the user's ~/.ssh/config directly.
//   - "connect" builds a Manager, brings the tunnel up, and keeps running to
//     host the liveness monitor in the foreground (Ctrl-C to stop) — the
//     monitor loop only exists for as long as its owning process is alive.
//   - "serve" does the same for every configured instance at once; this is
//     the long-running host process a desktop shell would keep alive.
//   - "disconnect" and "status"/"logs" fall back to the event journal and a
//     best-effort teardown of the deterministic control socket when no
//     connect/serve process is reachable in-memory.
//
// Command tree:
//
//	ssh-manager instances get              → print the configured instance list
//	ssh-manager instances set --file f     → replace the instance list from JSON
//	ssh-manager import hosts               → list importable ~/.ssh/config aliases
//	ssh-manager connect <id>               → bring up and supervise a tunnel
//	ssh-manager disconnect <id>            → tear down a tunnel
//	ssh-manager status [id]                → print last known status
//	ssh-manager logs <id>                  → print the instance's log tail
//	ssh-manager logs clear <id>            → clear the instance's log history
//	ssh-manager serve                      → connect and supervise every instance
//	ssh-manager doctor                     → run operational diagnostics
//	ssh-manager security audit              → run a local security audit
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shekohex/openchamber/internal/appconfig"
	"github.com/shekohex/openchamber/internal/doctor"
	"github.com/shekohex/openchamber/internal/events"
	"github.com/shekohex/openchamber/internal/metrics"
	"github.com/shekohex/openchamber/internal/model"
	"github.com/shekohex/openchamber/internal/security"
	"github.com/shekohex/openchamber/internal/session"
	"github.com/shekohex/openchamber/internal/settings"
	"github.com/shekohex/openchamber/internal/sshexec"
	"github.com/shekohex/openchamber/internal/sshimport"
	"github.com/shekohex/openchamber/internal/util"
)

// NewRootCommand creates and returns the top-level Cobra command for the
// session manager. RunE is used throughout (instead of Run) so errors
// propagate to main() and result in a non-zero exit code.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "ssh-manager",
		Short: "SSH session manager for desktop-application remote instances",
	}

	root.AddCommand(newInstancesCmd())
	root.AddCommand(newImportCmd())
	root.AddCommand(newConnectCmd())
	root.AddCommand(newDisconnectCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newLogsCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newDoctorCmd())
	root.AddCommand(newSecurityCmd())
	return root
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newInstancesCmd implements spec.md §6's instances.get/instances.set.
func newInstancesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "Read or replace the configured instance list",
	}

	get := &cobra.Command{
		Use:   "get",
		Short: "Print the configured instance list",
		RunE: func(cmd *cobra.Command, args []string) error {
			instances, err := settings.Get()
			if err != nil {
				return err
			}
			return encodeJSON(os.Stdout, instances)
		},
	}

	var file string
	set := &cobra.Command{
		Use:   "set",
		Short: "Replace the instance list from a JSON document",
		Long:  "Reads a JSON array of instances from --file (or stdin if omitted), sanitizes and persists it, and syncs the sibling hosts list.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var next []model.Instance
			if err := json.NewDecoder(r).Decode(&next); err != nil {
				return fmt.Errorf("decode instances: %w", err)
			}
			saved, err := settings.Set(next)
			if err != nil {
				return err
			}
			return encodeJSON(os.Stdout, saved)
		},
	}
	set.Flags().StringVar(&file, "file", "", "path to a JSON instance array (defaults to stdin)")

	cmd.AddCommand(get, set)
	return cmd
}

// newImportCmd implements spec.md §6's import.hosts.
func newImportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import candidate hosts from the OpenSSH client configuration",
	}
	hosts := &cobra.Command{
		Use:   "hosts",
		Short: "List importable ~/.ssh/config and /etc/ssh/ssh_config aliases",
		RunE: func(cmd *cobra.Command, args []string) error {
			cands, err := sshimport.Hosts()
			if err != nil {
				return err
			}
			return encodeJSON(os.Stdout, cands)
		},
	}
	cmd.AddCommand(hosts)
	return cmd
}

// newManager loads the configuration and settings store and constructs a
// Manager wired to a journal-backed event bus and a dedicated metrics
// registry, the shape every command that touches a live session shares. The
// returned config is handed back too so callers can honor
// Security.RedactErrors when presenting status/error text.
func newManager() (*session.Manager, *events.Bus, appconfig.Config, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, nil, appconfig.Config{}, err
	}
	bus := events.NewBus(events.NewStore())
	mgr := session.NewManager(cfg, bus)
	mgr.SetMetrics(metrics.NewRegistry())
	return mgr, bus, cfg, nil
}

func loadInstance(id string) (model.Instance, error) {
	inst, ok, err := settings.GetInstance(id)
	if err != nil {
		return model.Instance{}, err
	}
	if !ok {
		return model.Instance{}, model.NewSessionError(model.ErrInvalidInstance, "no configured instance with id %q", id)
	}
	return inst, nil
}

// printStatus renders status as a single formatted line for terminal use.
// The detail text is routed through security.UserMessage so that, when
// redact is set (Security.RedactErrors), path-like fragments such as the
// user's home directory or ~/.ssh are stripped before they ever reach a
// terminal.
func printStatus(w io.Writer, status model.Status, redact bool) {
	detail := status.Detail
	if detail != "" {
		detail = security.UserMessage(errors.New(detail), redact)
	}
	if detail != "" {
		fmt.Fprintf(w, "%-12s %-10s %s\n", status.ID, status.Phase, detail)
		return
	}
	fmt.Fprintf(w, "%-12s %-10s\n", status.ID, status.Phase)
}

// newConnectCmd implements spec.md §6's connect(id). Because the liveness
// monitor is an in-process goroutine, this command brings the tunnel up and
// then blocks, supervising it in the foreground until interrupted — the
// foreground-tunnel idiom familiar from plain `ssh -N -L`.
func newConnectCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "connect <id>",
		Short: "Bring up and supervise a tunnel for an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			inst, err := loadInstance(id)
			if err != nil {
				return err
			}

			mgr, bus, cfg, err := newManager()
			if err != nil {
				return err
			}
			sub, unsubscribe := bus.Subscribe()
			defer unsubscribe()

			if err := mgr.Connect(inst); err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			reachedReady := false
			for {
				select {
				case status, ok := <-sub:
					if !ok {
						return nil
					}
					if status.ID != id {
						continue
					}
					if jsonOut {
						_ = encodeJSON(os.Stdout, status)
					} else {
						printStatus(os.Stdout, status, cfg.Security.RedactErrors)
					}
					if status.Phase == model.PhaseReady {
						reachedReady = true
					}
					if status.Phase == model.PhaseError && !reachedReady {
						mgr.Disconnect(id)
						return security.NewClassifiedError(
							security.UserMessage(errors.New(status.Detail), cfg.Security.RedactErrors),
							fmt.Sprintf("instance=%s phase=%s detail=%s", id, status.Phase, status.Detail),
						)
					}
				case <-sigCh:
					mgr.Disconnect(id)
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit each status transition as a JSON line")
	return cmd
}

// newDisconnectCmd implements spec.md §6's disconnect(id). Run from a
// process with no in-memory record of the session, it best-effort tears
// down the deterministic control socket a live connect/serve process for
// this id would be using.
func newDisconnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "disconnect <id>",
		Short: "Tear down a tunnel for an instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			mgr, _, _, err := newManager()
			if err != nil {
				return err
			}
			mgr.Disconnect(id)
			if inst, ok, err := settings.GetInstance(id); err == nil && ok && inst.SSHParsed != nil {
				controlPath := sshexec.ControlPath(id)
				sshexec.StopControlMasterBestEffort(inst.SSHParsed, controlPath)
				_ = os.Remove(controlPath)
			}
			fmt.Printf("disconnect requested for %s\n", id)
			return nil
		},
	}
	return cmd
}

// newStatusCmd implements spec.md §6's status(id?), reading the last status
// recorded in the event journal (an in-process Manager only exists for the
// lifetime of a connect/serve invocation).
func newStatusCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status [id]",
		Short: "Print the last known status for one or all instances",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			store := events.NewStore()
			instances, err := settings.Get()
			if err != nil {
				return err
			}
			ids := map[string]bool{}
			for _, inst := range instances {
				ids[inst.ID] = true
			}
			if len(args) == 1 {
				ids = map[string]bool{args[0]: true}
			}

			var out []model.Status
			for id := range ids {
				evts, err := store.Read(events.Query{InstanceID: id, Limit: 1})
				if err != nil {
					return err
				}
				if len(evts) == 0 {
					out = append(out, model.Idle(id))
					continue
				}
				last := evts[len(evts)-1]
				out = append(out, last.Status())
			}

			if jsonOut {
				return encodeJSON(os.Stdout, out)
			}
			for _, s := range out {
				printStatus(os.Stdout, s, cfg.Security.RedactErrors)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

// newLogsCmd implements spec.md §6's logs(id, limit?) and logs.clear(id),
// reformatting the durable event journal into the "[epoch-ms] [LEVEL]
// message" line shape spec.md §3 describes for the in-memory log ring.
func newLogsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print an instance's log tail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if limit <= 0 {
				limit = 200
			}
			if limit > model.MaxLogLinesPerInstance {
				limit = model.MaxLogLinesPerInstance
			}
			store := events.NewStore()
			evts, err := store.Read(events.Query{InstanceID: id, Limit: limit})
			if err != nil {
				return err
			}
			for _, e := range evts {
				level := "INFO"
				switch e.Phase {
				case model.PhaseError:
					level = "ERROR"
				case model.PhaseDegraded:
					level = "WARN"
				}
				message := string(e.Phase)
				if e.Detail != "" {
					message = fmt.Sprintf("%s: %s", e.Phase, e.Detail)
				}
				fmt.Printf("[%d] [%s] %s\n", e.Timestamp.UnixMilli(), level, message)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum number of lines to print")

	clear := &cobra.Command{
		Use:   "clear <id>",
		Short: "Clear an instance's log history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return events.NewStore().Clear(args[0])
		},
	}
	cmd.AddCommand(clear)
	return cmd
}

// newServeCmd runs the session manager as a long-lived host process: every
// configured instance is connected and supervised until SIGINT/SIGTERM,
// matching the persistent-backend concurrency model spec.md §5 assumes.
func newServeCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect and supervise every configured instance until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			instances, err := settings.Get()
			if err != nil {
				return err
			}
			mgr, bus, _, err := newManager()
			if err != nil {
				return err
			}
			defer mgr.ShutdownAll()

			sub, unsubscribe := bus.Subscribe()
			defer unsubscribe()

			for _, inst := range instances {
				if err := mgr.Connect(inst); err != nil {
					slog.Error("failed to start instance", "id", inst.ID, "error", security.DebugMessage(err))
				}
			}

			var srv *metricsServer
			if metricsAddr != "" {
				srv = startMetricsServer(metricsAddr, mgr)
				defer srv.Shutdown()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			for {
				select {
				case status := <-sub:
					slog.Info("status", "id", status.ID, "phase", status.Phase, "detail", status.Detail)
				case <-sigCh:
					slog.Info("shutting down")
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on (disabled if empty)")
	return cmd
}

func newDoctorCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run operational diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := doctor.Run()
			if err != nil {
				return err
			}
			if jsonOut {
				return encodeJSON(os.Stdout, report)
			}
			if len(report.Issues) == 0 {
				fmt.Println("No doctor findings.")
				return nil
			}
			fmt.Printf("%-8s %-24s %-26s %s\n", "SEV", "CHECK", "TARGET", "MESSAGE")
			for _, issue := range report.Issues {
				fmt.Printf("%-8s %-24s %-26s %s\n",
					strings.ToUpper(string(issue.Severity)),
					issue.Check,
					util.EmptyDash(issue.Target),
					issue.Message,
				)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newSecurityCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "security",
		Short: "Security checks and local posture tools",
	}
	audit := &cobra.Command{
		Use:   "audit",
		Short: "Run a local security audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := security.RunLocalAudit()
			if err != nil {
				return err
			}
			if jsonOut {
				return encodeJSON(os.Stdout, report)
			}
			if len(report.Findings) == 0 {
				fmt.Println("No security findings.")
				return nil
			}
			fmt.Printf("%-8s %-34s %-36s %s\n", "SEV", "TARGET", "MESSAGE", "RECOMMENDATION")
			for _, f := range report.Findings {
				fmt.Printf("%-8s %-34s %-36s %s\n",
					strings.ToUpper(string(f.Severity)),
					util.EmptyDash(f.Target),
					f.Message,
					util.DefaultString(f.Recommendation, "-"),
				)
			}
			return nil
		},
	}
	audit.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.AddCommand(audit)
	return cmd
}
