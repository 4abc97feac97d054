// Package askpass implements the Askpass Bridge (spec.md §4.7): a small
// filesystem script that answers SSH's interactive prompts non-interactively
// so credential entry never touches the parent process's TTY.
package askpass

import (
	"fmt"
	"os"
	"path/filepath"
)

// ValueEnvVar is read by the generated script; when set and the prompt
// mentions a password/passphrase, its value is printed and the script exits
// 0 without invoking any dialog helper.
const ValueEnvVar = "OPENCHAMBER_SSH_ASKPASS_VALUE"

// scriptTemplate is POSIX sh, not bash: the generated file must run
// on any remote-agnostic login shell the askpass helper is invoked from.
// It tries zenity, then kdialog, then osascript, then falls back to refusing
// (exit 1) so a
// headless host never hangs waiting on an OS dialog that cannot appear.
const scriptTemplate = `#!/bin/sh
PROMPT="$1"

case "$PROMPT" in
  *assword*|*assphrase*)
    if [ -n "$` + ValueEnvVar + `" ]; then
      printf '%s\n' "$` + ValueEnvVar + `"
      exit 0
    fi
    ;;
esac

case "$PROMPT" in
  *yes/no*)
    printf 'yes\n'
    exit 0
    ;;
esac

if command -v zenity >/dev/null 2>&1; then
  zenity --password --title="SSH" --text="$PROMPT" 2>/dev/null
  exit $?
fi
if command -v kdialog >/dev/null 2>&1; then
  kdialog --password "$PROMPT"
  exit $?
fi
if command -v osascript >/dev/null 2>&1; then
  osascript -e "display dialog \"$PROMPT\" default answer \"\" with hidden answer buttons {\"Cancel\", \"OK\"} default button \"OK\"" -e "text returned of result" 2>/dev/null
  exit $?
fi

echo "no askpass dialog helper available" >&2
exit 1
`

// Write renders the askpass script to path with mode 0700, overwriting any
// existing file. Callers place path inside the instance's session directory
// (model.Session.SessionDir) so it is removed alongside teardown.
func Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create askpass dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(scriptTemplate), 0o700); err != nil {
		return fmt.Errorf("write askpass script: %w", err)
	}
	return nil
}

// Env returns the environment variables that redirect ssh's prompt handling
// through the askpass script at scriptPath. When password is non-empty it is
// also exported so the script can answer password/passphrase prompts
// without a dialog. secretFunc-free: callers trim password themselves.
func Env(scriptPath, password string) []string {
	env := []string{
		"SSH_ASKPASS_REQUIRE=force",
		"SSH_ASKPASS=" + scriptPath,
		"DISPLAY=1",
	}
	if password != "" {
		env = append(env, ValueEnvVar+"="+password)
	}
	return env
}
