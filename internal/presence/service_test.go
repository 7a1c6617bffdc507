package presence

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/richtext-sync/internal/ws"
)

func dial(t *testing.T, srv *httptest.Server, client string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?document_id=doc&client_id=" + client
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readPresence(t *testing.T, conn *websocket.Conn) Update {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := ws.DecodeMessage(data)
	require.NoError(t, err)
	require.Equal(t, ws.MessagePresence, msg.Type)
	var update Update
	require.NoError(t, json.Unmarshal(msg.Payload, &update))
	return update
}

func TestPresenceRelayAndRoster(t *testing.T) {
	t.Parallel()

	registry := ws.NewConnectionRegistry()
	svc := NewService(nil, registry, zerolog.New(io.Discard))
	gateway, err := ws.NewGateway(ws.QueryAuthenticator, registry, zerolog.New(io.Discard), svc.WrapHooks(ws.Hooks{}), ws.GatewayConfig{})
	require.NoError(t, err)
	srv := httptest.NewServer(gateway)
	t.Cleanup(srv.Close)

	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")
	require.Eventually(t, func() bool { return registry.Count("doc") == 2 }, 5*time.Second, 10*time.Millisecond)

	cursor, err := json.Marshal(Update{Cursor: &Cursor{Container: "body", Anchor: 1, Head: 4}})
	require.NoError(t, err)
	require.NoError(t, alice.WriteMessage(websocket.BinaryMessage, ws.EncodeMessage(ws.Message{Type: ws.MessagePresence, Payload: cursor})))

	got := readPresence(t, bob)
	require.Equal(t, "alice", string(got.ClientID))
	require.Equal(t, "doc", string(got.DocumentID))
	require.Equal(t, &Cursor{Container: "body", Anchor: 1, Head: 4}, got.Cursor)

	roster, err := svc.Roster(context.Background(), "doc")
	require.NoError(t, err)
	require.Len(t, roster, 1)

	// Late joiners receive the roster on connect.
	carol := dial(t, srv, "carol")
	require.Equal(t, "alice", string(readPresence(t, carol).ClientID))

	require.NoError(t, alice.Close())
	gone := readPresence(t, bob)
	require.Equal(t, "alice", string(gone.ClientID))
	require.True(t, gone.Disconnected)

	roster, err = svc.Roster(context.Background(), "doc")
	require.NoError(t, err)
	require.Empty(t, roster)
}

func TestPresenceExpires(t *testing.T) {
	t.Parallel()

	svc := NewService(nil, nil, zerolog.New(io.Discard), WithTTL(time.Millisecond))
	ctx := context.Background()
	require.NoError(t, svc.Publish(ctx, Update{DocumentID: "doc", ClientID: "alice"}, nil))
	require.Error(t, svc.Publish(ctx, Update{DocumentID: "doc"}, nil))
	require.Error(t, svc.Publish(ctx, Update{DocumentID: "doc", ClientID: "bob", Cursor: &Cursor{Anchor: -1}}, nil))

	roster, err := svc.Roster(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, roster, 1)

	time.Sleep(5 * time.Millisecond)
	svc.pruneExpired(ctx)
	roster, err = svc.Roster(ctx, "doc")
	require.NoError(t, err)
	require.Empty(t, roster)
}
