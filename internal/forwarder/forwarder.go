// Package forwarder relays local TCP connections to a remote device
// through the Remote Manager's WebSocket tunnel endpoint.
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds control-frame writes and the close handshake.
	writeWait = 10 * time.Second

	copyBufferSize = 32 * 1024
)

// LocalPortForwarder listens on a local TCP port and relays each accepted
// connection to the device's remote port over its own relay WebSocket. The
// relay traffic for all connections runs in background goroutines for the
// lifetime of the forwarder.
type LocalPortForwarder struct {
	remotePort uint16
	uri        *url.URL
	factory    WebSocketFactory
	listener   net.Listener

	mu            sync.Mutex
	remoteTimeout time.Duration
	localTimeout  time.Duration
	links         map[net.Conn]struct{}
	closed        bool
}

// Open binds 127.0.0.1:<localPort> (0 picks an ephemeral port) and starts
// accepting connections. Timeouts default to the zero value, meaning no
// idle limit, until the setters are called.
func Open(localPort, remotePort uint16, uri *url.URL, factory WebSocketFactory) (*LocalPortForwarder, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("listening on local port %d: %w", localPort, err)
	}

	f := &LocalPortForwarder{
		remotePort: remotePort,
		uri:        uri,
		factory:    factory,
		listener:   listener,
		links:      make(map[net.Conn]struct{}),
	}
	go f.acceptLoop()

	slog.Debug("local forwarder listening", "addr", listener.Addr().String(), "device", uri.Redacted(), "remotePort", remotePort)
	return f, nil
}

// LocalPort returns the concrete bound port, meaningful in particular when
// an ephemeral port was requested.
func (f *LocalPortForwarder) LocalPort() uint16 {
	return uint16(f.listener.Addr().(*net.TCPAddr).Port)
}

// SetRemoteTimeout sets the idle limit on the relay side of each link.
func (f *LocalPortForwarder) SetRemoteTimeout(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteTimeout = d
}

// SetLocalTimeout sets the idle limit on the local side of each link.
func (f *LocalPortForwarder) SetLocalTimeout(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localTimeout = d
}

// Probe opens one relay WebSocket and closes it again. It reports the
// failures a lazily-dialed tunnel would only hit after the client process
// is already running: unreachable relay, rejected credentials, protocol
// mismatch.
func (f *LocalPortForwarder) Probe(ctx context.Context) error {
	ws, err := f.factory.CreateWebSocket(ctx, f.uri, f.remotePort)
	if err != nil {
		return err
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return ws.Close()
}

// Close stops the listener and tears down all live links.
func (f *LocalPortForwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conns := make([]net.Conn, 0, len(f.links))
	for c := range f.links {
		conns = append(conns, c)
	}
	f.mu.Unlock()

	err := f.listener.Close()
	for _, c := range conns {
		c.Close()
	}
	return err
}

func (f *LocalPortForwarder) acceptLoop() {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			f.mu.Lock()
			closed := f.closed
			f.mu.Unlock()
			if !closed {
				slog.Error("local forwarder accept failed", "error", err)
			}
			return
		}
		if !f.track(conn) {
			conn.Close()
			return
		}
		go f.link(conn)
	}
}

func (f *LocalPortForwarder) track(conn net.Conn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.links[conn] = struct{}{}
	return true
}

func (f *LocalPortForwarder) untrack(conn net.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.links, conn)
}

func (f *LocalPortForwarder) timeouts() (remote, local time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteTimeout, f.localTimeout
}

// link relays one local connection over its own relay WebSocket until
// either side closes or idles out.
func (f *LocalPortForwarder) link(local net.Conn) {
	defer f.untrack(local)
	defer local.Close()

	id := uuid.New().String()[:8]
	ws, err := f.factory.CreateWebSocket(context.Background(), f.uri, f.remotePort)
	if err != nil {
		slog.Error("tunnel link failed", "conn", id, "error", err)
		return
	}
	var closeOnce sync.Once
	closeWS := func() { closeOnce.Do(func() { ws.Close() }) }
	defer closeWS()

	remoteTimeout, localTimeout := f.timeouts()
	slog.Debug("tunnel link established", "conn", id, "local", local.RemoteAddr().String())

	refreshRemoteDeadline := func() {
		if remoteTimeout > 0 {
			ws.SetReadDeadline(time.Now().Add(remoteTimeout))
		}
	}
	// Relay pings and pongs count as liveness on the remote side.
	ws.SetPingHandler(func(appData string) error {
		refreshRemoteDeadline()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	ws.SetPongHandler(func(string) error {
		refreshRemoteDeadline()
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(2)

	// Local socket -> relay.
	go func() {
		defer wg.Done()
		buf := make([]byte, copyBufferSize)
		for {
			if localTimeout > 0 {
				local.SetReadDeadline(time.Now().Add(localTimeout))
			}
			n, err := local.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				// EOF, idle timeout, or teardown: start the close
				// handshake. If the relay never answers it, force the
				// read side loose after the grace period.
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				time.AfterFunc(writeWait, closeWS)
				return
			}
		}
	}()

	// Relay -> local socket.
	go func() {
		defer wg.Done()
		// Unblock the local reader when the relay side ends first.
		defer local.Close()
		for {
			refreshRemoteDeadline()
			mt, data, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Debug("tunnel link closed by relay", "conn", id)
				}
				return
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			if _, err := local.Write(data); err != nil {
				return
			}
		}
	}()

	wg.Wait()
	slog.Debug("tunnel link closed", "conn", id)
}
