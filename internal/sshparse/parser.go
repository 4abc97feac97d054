// Package sshparse implements the Command Parser & Validator (spec.md
// §4.1): it tokenizes a user-supplied ssh command line and validates it
// against a flag whitelist/blacklist before any process is ever spawned.
package sshparse

import (
	"strings"

	"github.com/shekohex/openchamber/internal/model"
)

// allowedBare are short options accepted with no value.
var allowedBare = map[string]bool{
	"-4": true, "-6": true, "-A": true, "-a": true, "-C": true,
	"-K": true, "-k": true, "-X": true, "-x": true, "-Y": true, "-y": true,
}

// allowedWithValue are short options whose value is either the next token
// or glued directly onto the flag (e.g. "-p2222").
var allowedWithValue = []string{
	"-B", "-b", "-c", "-D", "-F", "-I", "-i", "-J", "-l", "-m", "-o", "-P", "-p", "-R",
}

// disallowedPrimary are reserved for the session manager's own control-master
// and batch-mode contract; present in user input, they are always rejected.
var disallowedPrimary = map[string]bool{
	"-M": true, "-S": true, "-O": true, "-N": true, "-t": true, "-T": true,
	"-f": true, "-G": true, "-W": true, "-v": true, "-V": true, "-q": true,
	"-n": true, "-s": true, "-e": true, "-E": true, "-g": true,
}

// disallowedOptionKeyPrefixes are -o key=value keys (case-insensitive,
// prefix match) the session manager owns and never lets the user override.
var disallowedOptionKeyPrefixes = []string{
	"controlmaster", "controlpath", "controlpersist", "batchmode", "proxycommand",
}

// Tokenize performs POSIX-ish shell word-splitting: single- and
// double-quote scopes are tracked, and a backslash escapes the next
// character except inside single quotes (where it is literal).
func Tokenize(raw string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	var inSingle, inDouble bool
	runes := []rune(raw)

	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		switch {
		case ch == '\\' && !inSingle:
			if i+1 < len(runes) {
				i++
				current.WriteRune(runes[i])
			}
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		case isShellSpace(ch) && !inSingle && !inDouble:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(ch)
		}
	}

	if inSingle || inDouble {
		return nil, model.NewSessionError(model.ErrUnclosedQuote, "unclosed quote in SSH command")
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}

func isShellSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	default:
		return false
	}
}

func hasDisallowedOptionKey(value string) bool {
	lower := strings.ToLower(strings.TrimSpace(value))
	for _, prefix := range disallowedOptionKeyPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

// Parse tokenizes and validates raw, returning the destination and the
// flag/value args to forward verbatim to the system ssh client, or a
// *model.SessionError describing the first violation found.
func Parse(raw string) (*model.ParsedCommand, error) {
	tokens, err := Tokenize(raw)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, model.NewSessionError(model.ErrInvalidInstance, "SSH command is empty")
	}
	if tokens[0] == "ssh" {
		tokens = tokens[1:]
	}
	if len(tokens) == 0 {
		return nil, model.NewSessionError(model.ErrInvalidInstance, "SSH command must include destination")
	}

	var destination string
	var haveDestination bool
	var args []string

	idx := 0
	for idx < len(tokens) {
		token := tokens[idx]
		if haveDestination {
			return nil, model.NewSessionError(model.ErrInvalidInstance, "SSH command has unsupported trailing argument: %s", token)
		}

		if !strings.HasPrefix(token, "-") {
			destination = token
			haveDestination = true
			idx++
			continue
		}

		if disallowedPrimary[token] {
			return nil, model.NewSessionError(model.ErrDisallowedOption, "SSH option %s is not allowed", token)
		}
		if allowedBare[token] {
			args = append(args, token)
			idx++
			continue
		}

		matched := false
		for _, option := range allowedWithValue {
			if token == option {
				if idx+1 >= len(tokens) {
					return nil, model.NewSessionError(model.ErrInvalidInstance, "SSH option %s requires a value", option)
				}
				value := tokens[idx+1]
				if option == "-o" && hasDisallowedOptionKey(value) {
					return nil, model.NewSessionError(model.ErrDisallowedOption, "SSH option -o %s is not allowed", value)
				}
				args = append(args, token, value)
				idx += 2
				matched = true
				break
			}
			if strings.HasPrefix(token, option) && len(token) > len(option) {
				value := token[len(option):]
				if option == "-o" && hasDisallowedOptionKey(value) {
					return nil, model.NewSessionError(model.ErrDisallowedOption, "SSH option -o %s is not allowed", value)
				}
				args = append(args, token)
				idx++
				matched = true
				break
			}
		}
		if !matched {
			return nil, model.NewSessionError(model.ErrUnsupportedOption, "unsupported SSH option: %s", token)
		}
	}

	destination = strings.TrimSpace(destination)
	if destination == "" {
		return nil, model.NewSessionError(model.ErrInvalidInstance, "SSH command must include destination")
	}

	return &model.ParsedCommand{Destination: destination, Args: args}, nil
}

// ShellQuote single-quotes value for safe embedding in a generated shell
// script, escaping any embedded single quote as '\''.
func ShellQuote(value string) string {
	escaped := strings.ReplaceAll(value, "'", `'\''`)
	return "'" + escaped + "'"
}
