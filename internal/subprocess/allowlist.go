package subprocess

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
)

// BuildCommand renders the configured agent command line for a single run.
// When template is set it is formatted with {prompt} and {worktree_path}
// placeholders (each shell-quoted) and split into argv; otherwise a fixed
// binary plus a fixed argument list plus the raw prompt is used.
func BuildCommand(template, binary, args, prompt, worktreePath string) ([]string, error) {
	if template != "" {
		rendered := strings.NewReplacer(
			"{prompt}", shellQuote(prompt),
			"{worktree_path}", shellQuote(worktreePath),
		).Replace(template)
		command, err := shlex.Split(rendered)
		if err != nil {
			return nil, fmt.Errorf("splitting rendered command template: %w", err)
		}
		if len(command) > 0 {
			return command, nil
		}
	}

	command := []string{binary}
	if args != "" {
		split, err := shlex.Split(args)
		if err != nil {
			return nil, fmt.Errorf("splitting command args: %w", err)
		}
		command = append(command, split...)
	}
	command = append(command, prompt)
	return command, nil
}

// SplitCommand splits a configured check command string into argv using
// shell word-splitting rules (quoting, escaping) rather than a naive
// whitespace split.
func SplitCommand(s string) ([]string, error) {
	command, err := shlex.Split(s)
	if err != nil {
		return nil, fmt.Errorf("splitting check command: %w", err)
	}
	return command, nil
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// shellInterpreters are rejected unconditionally: a shell as the executable
// would let any allowlisted entry smuggle arbitrary commands through -c.
var shellInterpreters = map[string]bool{
	"sh": true, "bash": true, "dash": true, "zsh": true,
	"ksh": true, "csh": true, "tcsh": true, "fish": true,
}

// EnsureCommandAllowed rejects a command whose binary name is not present in
// allowed. An empty allowed list means no restriction, but shell
// interpreters are blocked even then, and even when explicitly listed.
func EnsureCommandAllowed(command []string, allowed []string) error {
	if len(command) == 0 {
		return nil
	}
	name := filepath.Base(command[0])
	if shellInterpreters[name] {
		return fmt.Errorf("command %q is a shell interpreter and is always blocked", command[0])
	}
	if len(allowed) == 0 {
		return nil
	}
	for _, a := range allowed {
		if a == name || a == command[0] {
			return nil
		}
	}
	return fmt.Errorf("command %q is not in the allowed command list", command[0])
}

// EnsurePathAllowed rejects a working directory outside every prefix in
// allowed, unless allowed is empty.
func EnsurePathAllowed(dir string, allowed []string) error {
	if len(allowed) == 0 {
		return nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving path %q: %w", dir, err)
	}
	for _, a := range allowed {
		allowedAbs, err := filepath.Abs(a)
		if err != nil {
			continue
		}
		if abs == allowedAbs || strings.HasPrefix(abs, allowedAbs+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("path %q is not under any allowed path", dir)
}

// FilterEnv builds the environment passed to a supervised subprocess: it
// starts from the current process environment, drops every variable named
// in block, and — when allow is non-empty — keeps only variables named in
// allow. block is applied after allow so a name can never appear in both
// and still leak through.
func FilterEnv(allow, block []string) []string {
	base := os.Environ()
	blockSet := toSet(block)

	var allowSet map[string]bool
	if len(allow) > 0 {
		allowSet = toSet(allow)
	}

	out := make([]string, 0, len(base))
	for _, kv := range base {
		name, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if blockSet[name] {
			continue
		}
		if allowSet != nil && !allowSet[name] {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func toSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}
