// Package cli wires the launcher together: configuration, credentials,
// transport policy, tunnel, and finally the client process.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/webtunnelio/wtssh/internal/auth"
	"github.com/webtunnelio/wtssh/internal/config"
	"github.com/webtunnelio/wtssh/internal/launcher"
	"github.com/webtunnelio/wtssh/internal/logging"
	"github.com/webtunnelio/wtssh/internal/transport"
	"github.com/webtunnelio/wtssh/internal/tunnel"
)

const longHelp = `wtssh opens an SSH (or SCP) session to a device that is reachable only
through a Remote Manager relay server. It forwards a local TCP port to the
device's SSH port over a WebSocket tunnel and launches the SSH client
against that local port, so the device appears as localhost.

<Remote-URI> names the device on the Remote Manager server, e.g.:

    https://0a72da53-9de5-44c8-9adf-f3d916304be6.my-devices.example.com

Everything after the Remote-URI is passed to the SSH client unchanged.`

// Swapped out in tests to observe the invocation without spawning.
var runClient = launcher.Run

// app carries the flag values and the final exit status of one invocation.
type app struct {
	configFiles []string
	sshClient   string
	useSCP      bool
	localPort   uint16
	remotePort  uint16
	username    string
	password    string
	loginName   string
	defines     []string
	logLevel    string

	status int
}

// Execute runs the program and returns its exit status.
func Execute() int {
	return run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}

func run(args []string, in io.Reader, out, errOut io.Writer) int {
	a := &app{status: launcher.ExitOK}
	cmd := a.command()
	cmd.SetArgs(args)
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	if err := cmd.Execute(); err != nil {
		if a.status == launcher.ExitOK {
			a.status = launcher.ExitConfig
		}
		slog.Error("session failed", "error", err)
	}
	return a.status
}

func (a *app) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "wtssh [flags] <Remote-URI> [-- <ssh-flags...>]",
		Short:         "SSH to a device behind a Remote Manager relay",
		Long:          longHelp,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Setup(a.logLevel)
		},
		RunE: a.runSession,
	}

	flags := cmd.Flags()
	// Flags after the Remote-URI belong to the spawned client.
	flags.SetInterspersed(false)
	flags.StringArrayVarP(&a.configFiles, "config-file", "c", nil, "load configuration data from a file (repeatable)")
	flags.StringVarP(&a.sshClient, "ssh-client", "C", "", "name of the SSH client executable (default: ssh, or putty.exe)")
	flags.BoolVar(&a.useSCP, "scp", false, "use scp to copy files between local host and device")
	flags.Uint16VarP(&a.localPort, "local-port", "L", 0, "local port number (default: ephemeral)")
	flags.Uint16VarP(&a.remotePort, "remote-port", "R", 22, "remote port number (default: SSH/22)")
	flags.StringVarP(&a.username, "username", "u", "", "username for the Remote Manager server")
	flags.StringVarP(&a.password, "password", "p", "", "password for the Remote Manager server")
	flags.StringVarP(&a.loginName, "login-name", "l", "", "remote (SSH) login name")
	flags.StringArrayVarP(&a.defines, "define", "D", nil, "define or override a configuration property (name=value, repeatable)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

// runSession drives one session start to finish: resolve configuration and
// credentials, open the tunnel, run the client, adopt its exit code.
func (a *app) runSession(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Help()
	}

	if err := a.checkPorts(cmd); err != nil {
		return err
	}

	store := config.New()
	if err := store.LoadDefaultFiles(); err != nil {
		return err
	}
	for _, path := range a.configFiles {
		if err := store.LoadFile(path); err != nil {
			return err
		}
	}
	for _, def := range a.defines {
		store.Define(def)
	}

	client := launcher.Resolve(store.SSHExecutable(), a.sshClient, a.useSCP)
	if client.Path == "" {
		return errors.New("no SSH client program available; configure one with the ssh.executable property or the --ssh-client option")
	}

	resolver := &auth.Resolver{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
	creds, err := resolver.Resolve(a.username, a.password)
	if err != nil {
		return err
	}

	settings, err := transport.Configure(transportOptions(store))
	if err != nil {
		return err
	}

	params := tunnel.Params{
		URI:            args[0],
		LocalPort:      a.localPort,
		RemotePort:     a.remotePort,
		ConnectTimeout: store.ConnectTimeout(),
		RemoteTimeout:  store.RemoteTimeout(),
		LocalTimeout:   store.LocalTimeout(),
	}
	handle, err := tunnel.Open(cmd.Context(), params, creds, settings)
	if err != nil {
		return err
	}
	defer handle.Close()

	trailing := args[1:]
	if len(trailing) > 0 && trailing[0] == "--" {
		trailing = trailing[1:]
	}
	argv := launcher.BuildArgs(client, handle.LocalPort(), a.loginName, trailing)

	code, err := runClient(cmd.Context(), client, argv)
	a.status = code
	return err
}

// checkPorts rejects explicit zero ports. Values above 65535 never get
// here; the uint16 flags refuse them during parsing.
func (a *app) checkPorts(cmd *cobra.Command) error {
	if cmd.Flags().Changed("local-port") && a.localPort == 0 {
		return fmt.Errorf("local port must be in range 1..65535")
	}
	if cmd.Flags().Changed("remote-port") && a.remotePort == 0 {
		return fmt.Errorf("remote port must be in range 1..65535")
	}
	return nil
}

// transportOptions maps configuration properties onto the transport policy.
// TLS options are always carried; they only take effect for https/wss URIs.
func transportOptions(store *config.Store) transport.Options {
	opts := transport.Options{
		TLS: &transport.TLSOptions{
			AcceptUnknownCertificate: store.AcceptUnknownCertificate(),
			Ciphers:                  store.Ciphers(),
			CALocation:               store.CALocation(),
			ExtendedVerification:     store.ExtendedCertificateVerification(),
		},
	}
	if store.ProxyEnabled() {
		opts.Proxy = &transport.ProxyOptions{
			Host:     store.ProxyHost(),
			Port:     store.ProxyPort(),
			Username: store.ProxyUsername(),
			Password: store.ProxyPassword(),
		}
	}
	return opts
}
