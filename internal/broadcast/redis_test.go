package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/example/richtext-sync/internal/types"
	"github.com/example/richtext-sync/internal/ws"
)

type remoteCall struct {
	doc     types.DocumentID
	op      types.OperationID
	payload []byte
}

func encode(t *testing.T, msg redisMessage) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestProcessAppliesRemoteUpdatesOnce(t *testing.T) {
	t.Parallel()

	var calls []remoteCall
	b := NewRedisBroadcaster(nil, ws.NewConnectionRegistry(), zerolog.New(io.Discard),
		WithRemoteHook(func(_ context.Context, docID types.DocumentID, opID types.OperationID, payload []byte) error {
			calls = append(calls, remoteCall{doc: docID, op: opID, payload: payload})
			return nil
		}))

	msg := redisMessage{Origin: "other", DocumentID: "doc", OperationID: "op-1", Payload: []byte{1, 2}, EnqueuedAt: time.Now().UnixNano()}
	require.NoError(t, b.process(context.Background(), encode(t, msg)))
	require.NoError(t, b.process(context.Background(), encode(t, msg)))
	require.Equal(t, []remoteCall{{doc: "doc", op: "op-1", payload: []byte{1, 2}}}, calls)

	// Messages this instance published are ignored.
	own := msg
	own.Origin = b.Instance()
	own.OperationID = "op-2"
	require.NoError(t, b.process(context.Background(), encode(t, own)))
	require.Len(t, calls, 1)
}

func TestProcessRejectsBadMessages(t *testing.T) {
	t.Parallel()

	b := NewRedisBroadcaster(nil, nil, zerolog.New(io.Discard),
		WithRemoteHook(func(context.Context, types.DocumentID, types.OperationID, []byte) error {
			return errors.New("corrupt")
		}))

	require.Error(t, b.process(context.Background(), []byte("{")))
	require.Error(t, b.process(context.Background(), encode(t, redisMessage{Origin: "x", DocumentID: "doc"})))
	require.Error(t, b.process(context.Background(), encode(t, redisMessage{Origin: "x", DocumentID: "doc", OperationID: "op"})))
}

func TestIsDuplicateExpires(t *testing.T) {
	t.Parallel()

	b := NewRedisBroadcaster(nil, nil, zerolog.New(io.Discard))
	b.dedupeTTL = time.Millisecond
	require.False(t, b.isDuplicate("doc", "op"))
	time.Sleep(5 * time.Millisecond)
	require.False(t, b.isDuplicate("doc", "op"))
	require.Equal(t, "doc:doc", b.topic("doc"))

	require.Error(t, b.Publish(context.Background(), "doc", "op", "c", nil))
}
