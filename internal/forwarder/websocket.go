package forwarder

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/webtunnelio/wtssh/internal/transport"
)

// Protocol is the WebSocket subprotocol spoken between tunnel clients and
// the Remote Manager relay.
const Protocol = "com.appinf.webtunnel.client/1.0"

// remotePortHeader asks the relay to bridge the tunnel to this TCP port on
// the device.
const remotePortHeader = "X-WebTunnel-RemotePort"

var (
	// ErrNotAuthenticated means the relay rejected the supplied credentials.
	ErrNotAuthenticated = errors.New("relay rejected the credentials")
	// ErrProtocol means the relay answered the handshake without selecting
	// the tunnel subprotocol.
	ErrProtocol = errors.New("tunnel protocol not supported by relay")
)

// WebSocketFactory opens one relay WebSocket per local connection. The
// returned socket is already joined to the device's remotePort.
type WebSocketFactory interface {
	CreateWebSocket(ctx context.Context, uri *url.URL, remotePort uint16) (*websocket.Conn, error)
}

// DefaultWebSocketFactory dials the relay over HTTP(S) with basic-auth
// credentials and upgrades to the tunnel subprotocol.
type DefaultWebSocketFactory struct {
	Username string
	Password string
	// Timeout bounds the dial and upgrade handshake.
	Timeout time.Duration
	// Transport supplies the TLS policy and proxy selector. Nil means Go
	// defaults.
	Transport *transport.Settings
}

// CreateWebSocket implements WebSocketFactory.
func (f *DefaultWebSocketFactory) CreateWebSocket(ctx context.Context, uri *url.URL, remotePort uint16) (*websocket.Conn, error) {
	wsURL, err := tunnelURL(uri)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set(remotePortHeader, strconv.Itoa(int(remotePort)))
	if f.Username != "" {
		basic := base64.StdEncoding.EncodeToString([]byte(f.Username + ":" + f.Password))
		header.Set("Authorization", "Basic "+basic)
	}

	dialer := websocket.Dialer{
		Subprotocols:     []string{Protocol},
		HandshakeTimeout: f.Timeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	if f.Transport != nil {
		dialer.Proxy = f.Transport.ProxyFunc()
		dialer.TLSClientConfig = f.Transport.TLSConfig()
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w (HTTP %d)", ErrNotAuthenticated, resp.StatusCode)
		}
		return nil, fmt.Errorf("connecting to relay %s: %w", wsURL.Redacted(), err)
	}

	if conn.Subprotocol() != Protocol {
		conn.Close()
		return nil, ErrProtocol
	}
	return conn, nil
}

// tunnelURL maps the device URI onto the relay's WebSocket endpoint.
func tunnelURL(uri *url.URL) (*url.URL, error) {
	wsURL := *uri
	switch strings.ToLower(uri.Scheme) {
	case "http", "ws":
		wsURL.Scheme = "ws"
	case "https", "wss":
		wsURL.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q in remote URI", uri.Scheme)
	}
	if wsURL.Path == "" {
		wsURL.Path = "/"
	}
	return &wsURL, nil
}
