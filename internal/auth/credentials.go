package auth

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Credentials authenticate the launcher against the Remote Manager relay.
type Credentials struct {
	Username string
	Password string
}

// Test seams for terminal interaction, patched in unit tests.
var (
	isTerminal   = term.IsTerminal
	readPassword = term.ReadPassword
)

// Resolver obtains relay credentials, prompting interactively for any field
// not already supplied by configuration or flags. The zero value prompts on
// the process's stdin/stdout.
type Resolver struct {
	In  io.Reader
	Out io.Writer
}

// Resolve fills in missing credential fields from interactive prompts.
// The password is read with terminal echo disabled; the echo state is
// restored on every path out of the read, including errors. Blank input is
// accepted as-is and not re-prompted.
func (r *Resolver) Resolve(username, password string) (Credentials, error) {
	in := r.In
	if in == nil {
		in = os.Stdin
	}
	out := r.Out
	if out == nil {
		out = os.Stdout
	}
	reader := bufio.NewReader(in)

	if username == "" {
		fmt.Fprint(out, "Remote Manager Username: ")
		line, err := readLine(reader)
		if err != nil {
			return Credentials{}, fmt.Errorf("reading username: %w", err)
		}
		username = line
	}

	if password == "" {
		fmt.Fprint(out, "Remote Manager Password: ")
		secret, err := readSecret(in, reader)
		fmt.Fprintln(out)
		if err != nil {
			return Credentials{}, fmt.Errorf("reading password: %w", err)
		}
		password = secret
	}

	return Credentials{Username: username, Password: password}, nil
}

// readSecret reads the password without echoing when stdin is a terminal.
// term.ReadPassword owns the no-echo terminal state for the duration of the
// read and restores it before returning. Non-terminal input (pipes, tests)
// falls back to a plain line read.
func readSecret(in io.Reader, reader *bufio.Reader) (string, error) {
	if f, ok := in.(*os.File); ok && isTerminal(int(f.Fd())) {
		b, err := readPassword(int(f.Fd()))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return readLine(reader)
}

// readLine reads one line, accepting a final unterminated line at EOF.
func readLine(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
