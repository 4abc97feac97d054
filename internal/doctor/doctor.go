// Package doctor runs local operational diagnostics for the SSH session
// manager: it aggregates issues from the settings store, the configured
// instances themselves, the askpass bridge's environment, and the security
// audit, sorted by severity — the same aggregation pattern the teacher
// repo's own doctor package used for tunnel-runtime quarantine, repointed at
// this project's own session/settings/askpass health.
package doctor

import (
	"fmt"
	"os/exec"
	"sort"

	"github.com/shekohex/openchamber/internal/model"
	"github.com/shekohex/openchamber/internal/security"
	"github.com/shekohex/openchamber/internal/settings"
	"github.com/shekohex/openchamber/internal/sshexec"
	"github.com/shekohex/openchamber/internal/sshparse"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Run executes local diagnostics for the session manager: SSH binary
// availability, instance configuration validity, duplicate local-forward
// binds across instances, askpass dialog-helper availability, and the
// security audit's own findings.
func Run() (Report, error) {
	var issues []Issue

	if err := sshexec.EnsureSSHBinary(); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "ssh-binary",
			Target:         "PATH",
			Message:        err.Error(),
			Recommendation: "install an OpenSSH client and ensure `ssh` is on PATH",
		})
	}

	instances, err := settings.Get()
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "settings-read",
			Target:         "settings.json",
			Message:        err.Error(),
			Recommendation: "inspect and repair the settings document",
		})
	} else {
		issues = append(issues, instanceParseIssues(instances)...)
		issues = append(issues, duplicateBindIssues(instances)...)
	}

	if !askpassDialogHelperAvailable() {
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "askpass-dialog-helper",
			Target:         "PATH",
			Message:        "no zenity/kdialog/osascript found for interactive prompt fallback",
			Recommendation: "install zenity (Linux) or rely on stored secrets/host-key trust-on-first-use instead of interactive prompts",
		})
	}

	if audit, err := security.RunLocalAudit(); err == nil {
		for _, f := range audit.Findings {
			sev := SeverityLow
			switch f.Severity {
			case security.SeverityMedium:
				sev = SeverityMedium
			case security.SeverityHigh:
				sev = SeverityHigh
			}
			issues = append(issues, Issue{
				Severity:       sev,
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri, rj := severityRank(issues[i].Severity), severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

// instanceParseIssues re-validates every instance's cached sshCommand parse,
// surfacing a doctor issue for any instance whose command would now fail
// parsing (e.g. hand-edited into the settings file with a disallowed flag).
func instanceParseIssues(instances []model.Instance) []Issue {
	var issues []Issue
	for _, inst := range instances {
		if _, err := sshparse.Parse(inst.SSHCommand); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "instance-parse",
				Target:         inst.ID,
				Message:        err.Error(),
				Recommendation: "fix or re-save the instance's SSH command",
			})
		}
	}
	return issues
}

// duplicateBindIssues flags instances whose anchor local forward targets the
// same bindHost:preferredLocalPort, adapted from the teacher's
// duplicate-local-bind check (originally keyed on HostEntry.Forwards) onto
// this project's Instance.LocalForward.
func duplicateBindIssues(instances []model.Instance) []Issue {
	seen := map[string][]string{}
	for _, inst := range instances {
		if inst.LocalForward.PreferredLocalPort == 0 {
			continue
		}
		key := fmt.Sprintf("%s:%d", inst.LocalForward.BindHost, inst.LocalForward.PreferredLocalPort)
		seen[key] = append(seen[key], inst.ID)
	}
	var issues []Issue
	for bind, ids := range seen {
		if len(ids) < 2 {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "duplicate-local-bind",
			Target:         bind,
			Message:        fmt.Sprintf("preferred local bind is configured by %d instances", len(ids)),
			Recommendation: "use a unique preferredLocalPort per instance to avoid tunnel startup conflicts",
		})
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].Target < issues[j].Target })
	return issues
}

func askpassDialogHelperAvailable() bool {
	for _, name := range []string{"zenity", "kdialog", "osascript"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
