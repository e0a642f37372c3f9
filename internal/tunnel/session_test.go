package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webtunnelio/wtssh/internal/auth"
	"github.com/webtunnelio/wtssh/internal/forwarder"
)

// echoRelay upgrades to the tunnel subprotocol and echoes every message.
func echoRelay() http.Handler {
	upgrader := websocket.Upgrader{Subprotocols: []string{forwarder.Protocol}}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, data); err != nil {
				return
			}
		}
	})
}

func testParams(uri string) Params {
	return Params{
		URI:            uri,
		RemotePort:     22,
		ConnectTimeout: 5 * time.Second,
		RemoteTimeout:  time.Minute,
		LocalTimeout:   time.Minute,
	}
}

func TestOpenForwardsTraffic(t *testing.T) {
	srv := httptest.NewServer(echoRelay())
	defer srv.Close()

	h, err := Open(context.Background(), testParams(srv.URL), auth.Credentials{Username: "alice", Password: "sekrit"}, nil)
	require.NoError(t, err)
	defer h.Close()

	port := h.LocalPort()
	require.NotZero(t, port)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	payload := []byte("ping")
	_, err = conn.Write(payload)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestOpenRejectsBadURIs(t *testing.T) {
	cases := []struct {
		name string
		uri  string
	}{
		{"empty", ""},
		{"unsupported scheme", "ftp://rm.example.com"},
		{"missing host", "https://"},
		{"not a URL", "http://bad url with spaces"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Open(context.Background(), testParams(tc.uri), auth.Credentials{}, nil)
			assert.ErrorIs(t, err, ErrInvalidURI)
		})
	}
}

func TestOpenReportsBusyLocalPort(t *testing.T) {
	occupant, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupant.Close()
	port := occupant.Addr().(*net.TCPAddr).Port

	srv := httptest.NewServer(echoRelay())
	defer srv.Close()

	params := testParams(srv.URL)
	params.LocalPort = uint16(port)
	_, err = Open(context.Background(), params, auth.Credentials{}, nil)
	assert.ErrorIs(t, err, ErrLocalBind)
}

func TestOpenReportsRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "authentication required", http.StatusUnauthorized)
	}))
	defer srv.Close()

	// Pick a port we control so the listener teardown is observable.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(probe.Addr().(*net.TCPAddr).Port)
	require.NoError(t, probe.Close())

	params := testParams(srv.URL)
	params.LocalPort = port
	_, err = Open(context.Background(), params, auth.Credentials{Username: "alice", Password: "wrong"}, nil)
	require.ErrorIs(t, err, forwarder.ErrNotAuthenticated)

	_, dialErr := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	assert.Error(t, dialErr, "the local listener must not survive a failed preflight")
}

func TestOpenReportsUnreachableRelay(t *testing.T) {
	srv := httptest.NewServer(echoRelay())
	uri := srv.URL
	srv.Close()

	params := testParams(uri)
	params.ConnectTimeout = 2 * time.Second
	_, err := Open(context.Background(), params, auth.Credentials{}, nil)
	assert.ErrorIs(t, err, ErrRelayUnreachable)
}
