package ws_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/richtext-sync/internal/types"
	"github.com/example/richtext-sync/internal/ws"
)

func TestMessageFraming(t *testing.T) {
	t.Parallel()

	data := ws.EncodeMessage(ws.Message{Type: ws.MessageUpdate, Payload: []byte{1, 2, 3}})
	require.Equal(t, []byte{2, 1, 2, 3}, data)

	msg, err := ws.DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, ws.MessageUpdate, msg.Type)
	require.Equal(t, []byte{1, 2, 3}, msg.Payload)

	msg, err = ws.DecodeMessage([]byte{byte(ws.MessageSyncRequest)})
	require.NoError(t, err)
	require.Empty(t, msg.Payload)

	_, err = ws.DecodeMessage(nil)
	require.ErrorIs(t, err, ws.ErrMalformedMessage)
	_, err = ws.DecodeMessage([]byte{9, 1})
	require.ErrorIs(t, err, ws.ErrMalformedMessage)
	require.Equal(t, "ack", ws.MessageAck.String())
}

type harness struct {
	server   *httptest.Server
	registry *ws.ConnectionRegistry
	updates  chan []byte
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		registry: ws.NewConnectionRegistry(),
		updates:  make(chan []byte, 8),
	}
	hooks := ws.Hooks{
		OnSyncRequest: func(_ context.Context, conn *ws.Connection, payload []byte) error {
			// Echo the request back as an update.
			return conn.Send(ws.Message{Type: ws.MessageUpdate, Payload: payload})
		},
		OnUpdate: func(_ context.Context, conn *ws.Connection, payload []byte) error {
			if string(payload) == "bad" {
				return errors.New("rejected")
			}
			h.updates <- payload
			conn.Registry().Broadcast(conn.DocumentID(), ws.Message{Type: ws.MessageUpdate, Payload: payload}, conn)
			return conn.Send(ws.Message{Type: ws.MessageAck, Payload: []byte("op")})
		},
	}
	gateway, err := ws.NewGateway(ws.QueryAuthenticator, h.registry, zerolog.New(io.Discard), hooks, ws.GatewayConfig{
		HeartbeatInterval: time.Second,
	})
	require.NoError(t, err)
	h.server = httptest.NewServer(gateway)
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) dial(t *testing.T, client string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/?document_id=doc&client_id=" + client
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) ws.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	msg, err := ws.DecodeMessage(data)
	require.NoError(t, err)
	return msg
}

func send(t *testing.T, conn *websocket.Conn, m ws.Message) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, ws.EncodeMessage(m)))
}

func TestGatewayDispatchesMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	alice := h.dial(t, "alice")
	bob := h.dial(t, "bob")
	require.Eventually(t, func() bool { return h.registry.Count("doc") == 2 }, 5*time.Second, 10*time.Millisecond)

	send(t, alice, ws.Message{Type: ws.MessageSyncRequest, Payload: []byte("vv")})
	msg := readMessage(t, alice)
	require.Equal(t, ws.Message{Type: ws.MessageUpdate, Payload: []byte("vv")}, msg)

	send(t, alice, ws.Message{Type: ws.MessageUpdate, Payload: []byte("delta")})
	require.Equal(t, []byte("delta"), <-h.updates)
	require.Equal(t, ws.MessageAck, readMessage(t, alice).Type)
	require.Equal(t, ws.Message{Type: ws.MessageUpdate, Payload: []byte("delta")}, readMessage(t, bob))

	// Hook errors are reported without dropping the connection.
	send(t, alice, ws.Message{Type: ws.MessageUpdate, Payload: []byte("bad")})
	msg = readMessage(t, alice)
	require.Equal(t, ws.MessageError, msg.Type)
	require.Equal(t, "rejected", string(msg.Payload))

	n := h.registry.BroadcastByClientID("doc", ws.Message{Type: ws.MessageUpdate, Payload: []byte("relayed")}, "alice")
	require.Equal(t, 1, n)
	require.Equal(t, []byte("relayed"), readMessage(t, bob).Payload)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return h.registry.Count("doc") == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestGatewayClosesOnMalformedMessages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	conn := h.dial(t, "alice")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), err)
	require.Eventually(t, func() bool { return h.registry.Count("doc") == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestGatewayRejectsBadRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	cases := map[string]struct {
		query  string
		status int
	}{
		"no client":   {query: "?document_id=doc", status: http.StatusUnauthorized},
		"no document": {query: "?client_id=alice", status: http.StatusBadRequest},
		"no upgrade":  {query: "?document_id=doc&client_id=alice", status: http.StatusBadRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Get(h.server.URL + "/" + tc.query)
			require.NoError(t, err)
			_ = resp.Body.Close()
			require.Equal(t, tc.status, resp.StatusCode)
		})
	}

	_, err := ws.NewGateway(nil, h.registry, zerolog.New(io.Discard), ws.Hooks{}, ws.GatewayConfig{})
	require.Error(t, err)
	require.Zero(t, h.registry.Count(types.DocumentID("doc")))
}
