package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"

	"github.com/kballard/go-shellquote"
)

// ErrSpawn means the client process could not be started.
var ErrSpawn = errors.New("cannot start client")

// Run spawns the client with the parent's standard streams and blocks until
// it exits, returning the child's exit code as the program's own status. No
// timeout is applied to the child; the session ends when the user closes
// the client or the tunnel idles out underneath it.
func Run(ctx context.Context, client Client, args []string) (int, error) {
	if client.Path == "" {
		return ExitConfig, fmt.Errorf("%w: no client executable configured", ErrSpawn)
	}
	path, err := lookPath(client.Path)
	if err != nil {
		return ExitConfig, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	slog.Debug("launching SSH client", "command", shellquote.Join(append([]string{path}, args...)...))
	if err := cmd.Start(); err != nil {
		return ExitSoftware, fmt.Errorf("%w: %w", ErrSpawn, err)
	}

	err = cmd.Wait()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			slog.Debug("SSH client terminated", "exitCode", code)
			return code, nil
		}
		// Killed by a signal; there is no child exit code to pass through.
		slog.Debug("SSH client terminated by signal")
		return ExitSoftware, nil
	}
	if err != nil {
		return ExitSoftware, fmt.Errorf("waiting for SSH client: %w", err)
	}
	slog.Debug("SSH client terminated", "exitCode", ExitOK)
	return ExitOK, nil
}
