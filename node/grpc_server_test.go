package node

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func dial(t *testing.T, n *Node) *wire.Client {
	t.Helper()
	conn, err := grpc.NewClient(n.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return wire.NewClient(conn)
}

func call(t *testing.T, c *wire.Client, method string, req wire.Request) api.Result {
	t.Helper()
	in, err := wire.EncodeRequest(req)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	out, err := c.Call(ctx, method, in)
	require.NoError(t, err)
	r, err := wire.DecodeResult(out)
	require.NoError(t, err)
	return r
}

func TestGRPC_Writes(t *testing.T) {
	n := newTestNode(t, func(cfg *api.NodeConfig) { cfg.GRPCAddr = "127.0.0.1:0" })
	c := dial(t, n)

	got := call(t, c, wire.MethodWriteEvents, wire.Request{
		CorrelationID:   "req-1",
		Stream:          "users",
		ExpectedVersion: api.ExpectedVersionNoStream,
		Events:          newEvents(2),
		TransactionID:   -1,
	})
	want := api.Result{
		Kind:                api.KindWriteEvents,
		ClientCorrelationID: "req-1",
		FirstEventNumber:    0,
		LastEventNumber:     1,
		TransactionID:       -1,
		CurrentVersion:      -1,
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(api.Result{}, "PreparePosition", "CommitPosition")); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	assert.Greater(t, got.CommitPosition, got.PreparePosition)

	got = call(t, c, wire.MethodWriteEvents, wire.Request{
		Stream:          "users",
		ExpectedVersion: api.ExpectedVersionNoStream,
		Events:          newEvents(1),
	})
	var wev *api.WrongExpectedVersionError
	require.ErrorAs(t, got.Err, &wev)
	assert.Equal(t, int64(1), wev.Actual)

	got = call(t, c, wire.MethodDeleteStream, wire.Request{
		Stream:          "users",
		ExpectedVersion: 1,
		HardDelete:      true,
	})
	require.NoError(t, got.Err)

	got = call(t, c, wire.MethodWriteEvents, wire.Request{
		Stream:          "users",
		ExpectedVersion: api.ExpectedVersionAny,
		Events:          newEvents(1),
	})
	assert.ErrorIs(t, got.Err, api.ErrStreamDeleted)
}

func TestGRPC_IsLeaderAndAck(t *testing.T) {
	n := newTestNode(t, func(cfg *api.NodeConfig) {
		cfg.GRPCAddr = "127.0.0.1:0"
		cfg.Replicas = 2
	})
	c := dial(t, n)
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()

	require.True(t, n.coord.Sync())
	out, err := c.Call(ctx, wire.MethodIsLeader, &structpb.Struct{})
	require.NoError(t, err)
	assert.True(t, out.GetFields()["leader"].GetBoolValue())

	err = c.Ack(ctx, "replica-9", 10)
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = c.Ack(ctx, "", 10)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	env := submitWrite(n, "acked", api.ExpectedVersionAny, 1)
	var r api.Result
	require.Eventually(t, func() bool {
		assert.NoError(t, c.Ack(ctx, "replica-1", int64(n.events.FlushedTo())))
		select {
		case r = <-env:
			return true
		default:
			return false
		}
	}, replyTimeout, 5*time.Millisecond)
	require.NoError(t, r.Err)

	require.NoError(t, c.Ack(ctx, "replica-1", 1<<40))
	assert.Equal(t, n.events.FlushedTo(), n.Tracker().Match()["replica-1"], "capped at the local log")

	require.NoError(t, n.Resign(ctx))
	out, err = c.Call(ctx, wire.MethodIsLeader, &structpb.Struct{})
	require.NoError(t, err)
	assert.False(t, out.GetFields()["leader"].GetBoolValue())

	got := call(t, c, wire.MethodWriteEvents, wire.Request{Stream: "s", ExpectedVersion: api.ExpectedVersionAny, Events: newEvents(1)})
	assert.ErrorIs(t, got.Err, api.ErrNotLeader)
}

func TestGRPC_MalformedRequest(t *testing.T) {
	n := newTestNode(t, func(cfg *api.NodeConfig) { cfg.GRPCAddr = "127.0.0.1:0" })
	c := dial(t, n)

	bad, err := structpb.NewStruct(map[string]any{
		"stream": "s",
		"events": []any{map[string]any{"id": "nope"}},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	_, err = c.Call(ctx, wire.MethodWriteEvents, bad)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestGRPC_DeadlineWithoutReply(t *testing.T) {
	n := newTestNode(t, func(cfg *api.NodeConfig) {
		cfg.GRPCAddr = "127.0.0.1:0"
		cfg.Replicas = 3
	})
	c := dial(t, n)

	in, err := wire.EncodeRequest(wire.Request{Stream: "s", ExpectedVersion: api.ExpectedVersionAny, Events: newEvents(1)})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Call(ctx, wire.MethodWriteEvents, in)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}
