// Package launcher resolves the local SSH client executable, builds its
// argument vector aimed at the tunnel endpoint, and runs it to completion.
package launcher

import (
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// Exit statuses reported by the program. A clean run passes the child's own
// exit code through instead.
const (
	ExitOK       = 0
	ExitSoftware = 70 // runtime failure, e.g. the client could not be started
	ExitConfig   = 78 // unusable configuration, nothing was spawned
)

// ClientKind captures the argument conventions of a client executable.
type ClientKind int

const (
	KindSSH ClientKind = iota
	KindPutty
	KindSCP
)

func (k ClientKind) String() string {
	switch k {
	case KindPutty:
		return "putty"
	case KindSCP:
		return "scp"
	default:
		return "ssh"
	}
}

// portFlag is the flag the client expects for a nonstandard port.
func (k ClientKind) portFlag() string {
	switch k {
	case KindPutty, KindSCP:
		return "-P"
	default:
		return "-p"
	}
}

// takesLoginFlag reports whether the client accepts -l <login>. scp encodes
// the login name in its user@host:path operands instead.
func (k ClientKind) takesLoginFlag() bool {
	return k != KindSCP
}

// wantsDestination reports whether a destination host is appended as the
// final argument. scp destinations live in the copy operands.
func (k ClientKind) wantsDestination() bool {
	return k != KindSCP
}

// Client is a resolved client executable.
type Client struct {
	Path string
	Kind ClientKind
}

// Classify derives the argument conventions from the executable's base
// name, case-insensitively: putty* is putty-style, scp* is scp-style,
// anything else is treated as a generic ssh.
func Classify(executable string) ClientKind {
	name := strings.ToLower(filepath.Base(executable))
	switch {
	case strings.HasPrefix(name, "putty"):
		return KindPutty
	case strings.HasPrefix(name, "scp"):
		return KindSCP
	default:
		return KindSSH
	}
}

// Swapped out in tests.
var (
	goos     = runtime.GOOS
	lookPath = exec.LookPath
)

// Resolve picks the client executable. The scp flag wins over the
// ssh-client option, which wins over the ssh.executable configuration
// property, which wins over the platform default. An empty Path means no
// usable client exists and the run must stop with a configuration error.
func Resolve(configured, option string, scp bool) Client {
	var path string
	switch {
	case scp:
		path = "scp"
	case option != "":
		path = option
	case configured != "":
		path = configured
	default:
		path = defaultClient()
	}
	return Client{Path: path, Kind: Classify(path)}
}

// defaultClient picks the platform's customary client. Windows has no
// guaranteed ssh, so ssh.exe and then putty.exe are searched on PATH.
func defaultClient() string {
	if goos == "windows" {
		for _, name := range []string{"ssh.exe", "putty.exe"} {
			if path, err := lookPath(name); err == nil {
				return path
			}
		}
		return ""
	}
	return "ssh"
}
