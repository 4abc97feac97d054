package sshimport

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestCollectExcludesWildcardsNegationsAndEmptyTokens(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config")
	writeFile(t, path, `
Host prod-1 prod-2
  HostName prod.example.com

Host *
  User deploy

Host !staging
  HostName staging.example.com

Host
  HostName orphan.example.com
`)

	cands, _ := collect(path, SourceUser)
	var hosts []string
	for _, c := range cands {
		hosts = append(hosts, c.Host)
	}
	want := []string{"prod-1", "prod-2"}
	if len(hosts) != len(want) {
		t.Fatalf("got hosts %v, want %v", hosts, want)
	}
	for i, h := range want {
		if hosts[i] != h {
			t.Fatalf("got hosts %v, want %v", hosts, want)
		}
	}
}

func TestCollectFollowsIncludeDirectives(t *testing.T) {
	dir := t.TempDir()
	main := filepath.Join(dir, "config")
	included := filepath.Join(dir, "conf.d", "extra.conf")
	writeFile(t, main, "Include conf.d/*.conf\nHost main-host\n")
	writeFile(t, included, "Host included-host\n")

	cands, _ := collect(main, SourceUser)
	var hosts []string
	for _, c := range cands {
		hosts = append(hosts, c.Host)
	}
	if len(hosts) != 2 || hosts[0] != "included-host" || hosts[1] != "main-host" {
		t.Fatalf("unexpected hosts from include expansion: %v", hosts)
	}
}

func TestCollectDetectsIncludeCycleWithoutHanging(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	writeFile(t, a, "Include "+b+"\nHost a-host\n")
	writeFile(t, b, "Include "+a+"\nHost b-host\n")

	cands, warnings := collect(a, SourceUser)
	if len(cands) != 2 {
		t.Fatalf("expected both hosts despite cycle, got %v", cands)
	}
	if len(warnings) == 0 {
		t.Fatalf("expected a cycle warning")
	}
}

func TestDedupeByHostFirstOccurrenceWins(t *testing.T) {
	first := []Candidate{{Host: "zeta", Source: SourceUser}, {Host: "alpha", Source: SourceUser}}
	second := []Candidate{{Host: "alpha", Source: SourceGlobal}, {Host: "beta", Source: SourceGlobal}}

	all := append(append([]Candidate{}, first...), second...)
	seen := map[string]bool{}
	var out []Candidate
	for _, c := range all {
		if seen[c.Host] {
			continue
		}
		seen[c.Host] = true
		out = append(out, c)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 deduped candidates, got %d", len(out))
	}
	for _, c := range out {
		if c.Host == "alpha" && c.Source != SourceUser {
			t.Fatalf("expected first-seen user source to win for alpha, got %v", c.Source)
		}
	}
}

func TestIsImportableAlias(t *testing.T) {
	cases := map[string]bool{
		"":          false,
		"*":         false,
		"!staging":  false,
		"app-*":     true,
		"app?host":  true,
		"prod":      true,
		"prod-east": true,
	}
	for token, want := range cases {
		if got := isImportableAlias(token); got != want {
			t.Fatalf("isImportableAlias(%q) = %v, want %v", token, got, want)
		}
	}
}

// TestCollectFlagsGlobAliasesAsPatternButKeepsThem covers spec.md scenario
// S5: "Host *.dev !skip" yields a kept candidate {*.dev, pattern=true}; only
// the bare "*" and the "!"-negated token are excluded.
func TestCollectFlagsGlobAliasesAsPatternButKeepsThem(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config")
	writeFile(t, path, `
Host prod
  HostName 10.0.0.1

Host *.dev !skip

Host *
`)

	cands, _ := collect(path, SourceUser)
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates, got %v", cands)
	}
	byHost := map[string]Candidate{}
	for _, c := range cands {
		byHost[c.Host] = c
	}
	prod, ok := byHost["prod"]
	if !ok || prod.Pattern {
		t.Fatalf("expected non-pattern prod candidate, got %v", prod)
	}
	if prod.SSHCommand != "ssh prod" {
		t.Fatalf("expected sshCommand %q, got %q", "ssh prod", prod.SSHCommand)
	}
	dev, ok := byHost["*.dev"]
	if !ok || !dev.Pattern {
		t.Fatalf("expected pattern candidate for *.dev, got %v", dev)
	}
	if _, excluded := byHost["skip"]; excluded {
		t.Fatalf("negated token should not produce a candidate")
	}
}
