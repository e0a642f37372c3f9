// Package tunnel opens and tears down one forwarding session between a
// local TCP port and a device port behind the Remote Manager.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/webtunnelio/wtssh/internal/auth"
	"github.com/webtunnelio/wtssh/internal/forwarder"
	"github.com/webtunnelio/wtssh/internal/transport"
)

var (
	// ErrInvalidURI means the remote URI cannot name a tunnel endpoint.
	ErrInvalidURI = errors.New("invalid remote URI")
	// ErrLocalBind means the local forwarding port could not be bound.
	ErrLocalBind = errors.New("cannot bind local forwarding port")
	// ErrRelayUnreachable means the Remote Manager did not answer the
	// preflight connection.
	ErrRelayUnreachable = errors.New("cannot reach the Remote Manager")
)

// Params describes one tunnel session.
type Params struct {
	// URI locates the device on the Remote Manager (http, https, ws or wss).
	URI string
	// LocalPort is the local listening port, 0 for an ephemeral one.
	LocalPort uint16
	// RemotePort is the TCP port on the device.
	RemotePort uint16

	ConnectTimeout time.Duration
	RemoteTimeout  time.Duration
	LocalTimeout   time.Duration
}

// Handle is an open tunnel session.
type Handle struct {
	fwd *forwarder.LocalPortForwarder
}

// Open validates the URI, binds the local port, and verifies the relay
// accepts the credentials before returning. Callers must have resolved the
// credentials already; values are passed to the relay as given and blank
// ones fail there, not here. There are no retries: each failure is reported
// once with a distinct sentinel error.
func Open(ctx context.Context, params Params, creds auth.Credentials, settings *transport.Settings) (*Handle, error) {
	uri, err := parseURI(params.URI)
	if err != nil {
		return nil, err
	}

	factory := &forwarder.DefaultWebSocketFactory{
		Username:  creds.Username,
		Password:  creds.Password,
		Timeout:   params.ConnectTimeout,
		Transport: settings,
	}

	fwd, err := forwarder.Open(params.LocalPort, params.RemotePort, uri, factory)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLocalBind, err)
	}
	fwd.SetRemoteTimeout(params.RemoteTimeout)
	fwd.SetLocalTimeout(params.LocalTimeout)

	probeCtx := ctx
	if params.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, params.ConnectTimeout)
		defer cancel()
	}
	// Surface bad credentials and unreachable relays now, before any client
	// process is started against the local port.
	if err := fwd.Probe(probeCtx); err != nil {
		fwd.Close()
		if errors.Is(err, forwarder.ErrNotAuthenticated) || errors.Is(err, forwarder.ErrProtocol) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrRelayUnreachable, err)
	}

	slog.Info("tunnel ready", "localPort", fwd.LocalPort(), "remotePort", params.RemotePort, "device", uri.Redacted())
	return &Handle{fwd: fwd}, nil
}

// LocalPort returns the bound local port, the concrete one when an
// ephemeral port was requested.
func (h *Handle) LocalPort() uint16 {
	return h.fwd.LocalPort()
}

// Close tears the session down.
func (h *Handle) Close() error {
	return h.fwd.Close()
}

func parseURI(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: no URI given", ErrInvalidURI)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: scheme %q (expected http, https, ws or wss)", ErrInvalidURI, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidURI, raw)
	}
	return u, nil
}
