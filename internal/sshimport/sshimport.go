// Package sshimport implements the import.hosts command (spec.md §6,
// scenario S5): scanning the user's and the system's OpenSSH client config
// for concrete "Host" aliases that can be imported as new instances.
package sshimport

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shekohex/openchamber/internal/util"
)

// Source identifies which config file a candidate host alias came from.
type Source string

const (
	SourceUser   Source = "user"
	SourceGlobal Source = "global"
)

// globalConfigPath is OpenSSH's system-wide client config; unlike the
// per-user config, it is never relative to $HOME.
const globalConfigPath = "/etc/ssh/ssh_config"

// Candidate is one importable host alias discovered in an SSH config file.
type Candidate struct {
	Host       string `json:"host"`
	Pattern    bool   `json:"pattern"`
	Source     Source `json:"source"`
	SSHCommand string `json:"sshCommand"`
}

// Hosts scans ~/.ssh/config (source "user") and /etc/ssh/ssh_config (source
// "global"), in that order, for concrete Host aliases — excluding the
// wildcard pattern "*", negated patterns ("!host"), and empty tokens — and
// returns them deduplicated (first occurrence wins, so a user-config alias
// shadows a same-named global one) and sorted by host.
func Hosts() ([]Candidate, error) {
	var all []Candidate

	if userPath, err := userConfigPath(); err == nil {
		cands, _ := collect(userPath, SourceUser)
		all = append(all, cands...)
	}
	globalCands, _ := collect(globalConfigPath, SourceGlobal)
	all = append(all, globalCands...)

	seen := make(map[string]bool, len(all))
	out := make([]Candidate, 0, len(all))
	for _, c := range all {
		if seen[c.Host] {
			continue
		}
		seen[c.Host] = true
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out, nil
}

func userConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".ssh", "config"), nil
}

// collect reads path, recursively expanding Include directives up to
// util.MaxIncludeDepth, and returns every concrete Host token encountered,
// in file order. Missing files and parse errors are treated as "no
// candidates from this source" rather than failing the whole import.
func collect(path string, source Source) ([]Candidate, []string) {
	seen := map[string]bool{}
	return collectRecursive(path, source, seen, 0)
}

func collectRecursive(path string, source Source, seen map[string]bool, depth int) ([]Candidate, []string) {
	if depth > util.MaxIncludeDepth {
		return nil, []string{fmt.Sprintf("include depth exceeded at %s", path)}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, []string{err.Error()}
	}
	if seen[abs] {
		return nil, []string{fmt.Sprintf("include cycle skipped: %s", abs)}
	}
	seen[abs] = true

	f, err := os.Open(abs)
	if err != nil {
		return nil, []string{fmt.Sprintf("config file not found: %s", abs)}
	}
	defer f.Close()

	var out []Candidate
	var warnings []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := stripInlineComment(strings.TrimSpace(sc.Text()))
		if line == "" {
			continue
		}
		key, value, ok := splitDirective(line)
		if !ok {
			continue
		}
		switch strings.ToLower(key) {
		case "include":
			for _, pattern := range strings.Fields(value) {
				incPattern := expandHome(pattern)
				if !filepath.IsAbs(incPattern) {
					incPattern = filepath.Join(filepath.Dir(abs), incPattern)
				}
				matches, err := filepath.Glob(incPattern)
				if err != nil {
					warnings = append(warnings, fmt.Sprintf("bad include pattern %q: %v", pattern, err))
					continue
				}
				sort.Strings(matches)
				for _, m := range matches {
					childCands, childWarnings := collectRecursive(m, source, seen, depth+1)
					out = append(out, childCands...)
					warnings = append(warnings, childWarnings...)
				}
			}
		case "host":
			for _, token := range strings.Fields(value) {
				if !isImportableAlias(token) {
					continue
				}
				out = append(out, Candidate{
					Host:       token,
					Pattern:    strings.ContainsAny(token, "*?"),
					Source:     source,
					SSHCommand: "ssh " + token,
				})
			}
		}
	}
	return out, warnings
}

// isImportableAlias reports whether token is importable — not empty, not
// the bare catch-all wildcard "*", and not a negation ("!host"). A token
// containing glob metacharacters otherwise (e.g. "*.dev") is kept and
// flagged via Candidate.Pattern rather than excluded.
func isImportableAlias(token string) bool {
	if token == "" || token == "*" {
		return false
	}
	if strings.HasPrefix(token, "!") {
		return false
	}
	return true
}

func splitDirective(line string) (key, value string, ok bool) {
	if i := strings.IndexAny(line, " \t"); i > 0 {
		key = strings.TrimSpace(line[:i])
		value = strings.TrimSpace(line[i+1:])
		return key, value, key != "" && value != ""
	}
	if i := strings.Index(line, "="); i > 0 {
		key = strings.TrimSpace(line[:i])
		value = strings.TrimSpace(line[i+1:])
		return key, value, key != "" && value != ""
	}
	return "", "", false
}

func stripInlineComment(line string) string {
	if strings.HasPrefix(line, "#") {
		return ""
	}
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '"':
			inQuote = !inQuote
		case '#':
			if !inQuote {
				return strings.TrimSpace(line[:i])
			}
		}
	}
	return strings.TrimSpace(line)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
