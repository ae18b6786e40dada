package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// PathViolation enumerates why SanitizeArg rejected an argument, so callers
// (the HTTP surface, tool handlers) can distinguish a caller mistake from an
// escape attempt instead of matching on error text.
type PathViolation string

const (
	ViolationNoWorkdir   PathViolation = "no_workdir"
	ViolationAbsolute    PathViolation = "absolute_path"
	ViolationTraversal   PathViolation = "traversal"
	ViolationEscapesRoot PathViolation = "escapes_root"
)

// PathError is returned by SanitizeArg/ensureWithinRoot on rejection.
type PathError struct {
	Arg       string
	Violation PathViolation
	Detail    string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("sandbox: %s: %q: %s", e.Violation, e.Arg, e.Detail)
}

func isPathTraversal(p string) bool {
	clean := filepath.Clean(p)
	return strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") || clean == ".."
}

func isAbsoluteOrDrive(p string) bool {
	if filepath.IsAbs(p) {
		return true
	}
	if runtime.GOOS == "windows" && len(p) >= 2 && p[1] == ':' {
		return true
	}
	return false
}

// SanitizeArg returns a cleaned argument if it looks like a path, rejecting
// absolute paths and traversal and ensuring the joined path stays under
// workdir. Non-path-like arguments pass through unchanged.
func SanitizeArg(workdir, arg string) (string, error) {
	if !looksPathLike(arg) {
		return arg, nil
	}
	if workdir == "" {
		return "", &PathError{Arg: arg, Violation: ViolationNoWorkdir, Detail: "workdir is required"}
	}
	if isAbsoluteOrDrive(arg) {
		return "", &PathError{Arg: arg, Violation: ViolationAbsolute, Detail: "absolute paths not allowed in args"}
	}
	if isPathTraversal(arg) {
		return "", &PathError{Arg: arg, Violation: ViolationTraversal, Detail: "path traversal not allowed in args"}
	}
	rel := filepath.Clean(arg)
	if rel == "." {
		return rel, nil
	}
	if !filepath.IsLocal(rel) {
		return "", &PathError{Arg: arg, Violation: ViolationEscapesRoot, Detail: "argument must stay inside workdir"}
	}
	if err := ensureWithinRoot(workdir, rel); err != nil {
		return "", err
	}
	return rel, nil
}

// ensureWithinRoot opens workdir as an os.Root and walks toward the nearest
// existing ancestor of rel, confirming the open never escapes the root.
// os.Root.Open refuses symlink/traversal escapes at the OS level, which is
// a stronger guarantee than string-prefix checking alone.
func ensureWithinRoot(workdir, rel string) error {
	root, err := os.OpenRoot(workdir)
	if err != nil {
		return fmt.Errorf("sandbox: open root %q: %w", workdir, err)
	}
	defer root.Close()

	candidate := rel
	for candidate != "" && candidate != "." {
		f, err := root.Open(candidate)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				candidate = filepath.Dir(candidate)
				continue
			}
			return &PathError{Arg: rel, Violation: ViolationEscapesRoot, Detail: err.Error()}
		}
		f.Close()
		break
	}
	return nil
}

func looksPathLike(arg string) bool {
	if arg == "" {
		return false
	}
	if strings.HasPrefix(arg, ".") {
		return true
	}
	return strings.ContainsRune(arg, os.PathSeparator) || strings.ContainsRune(arg, '/') || strings.ContainsRune(arg, '\\')
}

// IsBinaryBlocked reports whether cmd resolves outside PATH lookup (a path
// component present, which the executor never allows) or matches a
// configured denylist entry. This is the spec's explicit "defense in depth,
// not a sandbox substitute" layer.
func IsBinaryBlocked(cmd string, block map[string]struct{}) bool {
	if strings.ContainsAny(cmd, "/\\") {
		return true
	}
	if len(block) == 0 {
		return false
	}
	_, ok := block[cmd]
	return ok
}

// defaultShellDenylist names the shell-command substrings the spec
// describes (process elevation, package installation, remote shell,
// filesystem deletion outside the workdir, network mutation) to refuse
// before ever spawning a shell.
var defaultShellDenylist = []string{
	"sudo ", "su -", "doas ",
	"apt-get install", "apt install", "yum install", "brew install", "pip install", "npm install -g",
	"ssh ", "nc -", "ncat ", "/dev/tcp/",
	"rm -rf /", "rm -rf /*", "mkfs",
	"iptables", "ip route", "ifconfig", "ip addr add",
}

// ForbiddenShellRule returns the matched denylist rule if command contains
// one of the denylisted patterns, or "" if the command is not rejected at
// this layer.
func ForbiddenShellRule(command string) string {
	lower := strings.ToLower(command)
	for _, rule := range defaultShellDenylist {
		if strings.Contains(lower, rule) {
			return rule
		}
	}
	return ""
}
