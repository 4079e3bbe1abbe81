package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/node"
	"github.com/shrtyk/eventlog-core/pkg/logger"
	"github.com/shrtyk/eventlog-core/replication"
	"github.com/shrtyk/eventlog-core/requests"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func startNode(t *testing.T, mutate ...func(*api.NodeConfig)) *node.Node {
	t.Helper()
	cfg := node.TestsConfig()
	cfg.DataDir = t.TempDir()
	cfg.GRPCAddr = "127.0.0.1:0"
	for _, m := range mutate {
		m(cfg)
	}
	_, log := logger.NewTestLogger()

	built, err := node.NewNodeBuilder().WithConfig(cfg).WithLogger(log).Build()
	require.NoError(t, err)
	n := built.(*node.Node)
	require.NoError(t, n.Start())
	t.Cleanup(func() { _ = n.Stop() })
	return n
}

func testConfig() *api.ClientConfig {
	cfg := DefaultConfig()
	cfg.RequestTimeout = time.Second
	cfg.RetryBaseDelay = 5 * time.Millisecond
	return cfg
}

func dialNodes(t *testing.T, nodes ...*node.Node) *Client {
	t.Helper()
	return dialWithConfig(t, testConfig(), nodes...)
}

func dialWithConfig(t *testing.T, cfg *api.ClientConfig, nodes ...*node.Node) *Client {
	t.Helper()
	addrs := make([]string, len(nodes))
	for i, n := range nodes {
		addrs[i] = n.GRPCAddr()
	}
	_, log := logger.NewTestLogger()
	c, closeFunc, err := Dial(addrs, cfg, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFunc() })
	return c
}

func events(n int) []api.Event {
	evs := make([]api.Event, n)
	for i := range evs {
		evs[i] = api.Event{ID: uuid.New(), Type: "test"}
	}
	return evs
}

func resign(t *testing.T, n *node.Node) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, n.Resign(ctx))
}

func TestClient_DiscoversLeader(t *testing.T) {
	follower, leader := startNode(t), startNode(t)
	resign(t, follower)
	c := dialNodes(t, follower, leader)
	assert.Equal(t, -1, c.Leader())

	r, err := c.WriteEvents(context.Background(), "s", api.ExpectedVersionNoStream, events(2))
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.LastEventNumber)
	assert.Equal(t, 1, c.Leader())
	assert.Equal(t, int64(1), leader.Index().LastEventNumber("s"))
	assert.Equal(t, int64(-1), follower.Index().LastEventNumber("s"))
}

func TestClient_FollowsLeaderChange(t *testing.T) {
	a, b := startNode(t), startNode(t)
	resign(t, a)
	c := dialNodes(t, a, b)
	ctx := context.Background()

	_, err := c.WriteEvents(ctx, "s", api.ExpectedVersionAny, events(1))
	require.NoError(t, err)
	require.Equal(t, 1, c.Leader())

	resign(t, b)
	a.Lead()

	r, err := c.WriteEvents(ctx, "s", api.ExpectedVersionAny, events(1))
	require.NoError(t, err)
	assert.Equal(t, int64(0), r.FirstEventNumber, "fresh log on the new leader")
	assert.Equal(t, 0, c.Leader())
}

func TestClient_DomainErrorsAreNotRetried(t *testing.T) {
	n := startNode(t)
	c := dialNodes(t, n)
	ctx := context.Background()

	_, err := c.WriteEvents(ctx, "s", api.ExpectedVersionNoStream, events(1))
	require.NoError(t, err)

	r, err := c.WriteEvents(ctx, "s", api.ExpectedVersionNoStream, events(1))
	var wev *api.WrongExpectedVersionError
	require.ErrorAs(t, err, &wev)
	assert.Equal(t, int64(0), r.CurrentVersion)
	coord := n.Coordinator().(*requests.Coordinator)
	require.True(t, coord.Sync())
	assert.Equal(t, uint64(1), coord.Stats().Failed)
}

func TestClient_Transaction(t *testing.T) {
	n := startNode(t)
	c := dialNodes(t, n)
	ctx := context.Background()

	start, err := c.StartTransaction(ctx, "tx", api.ExpectedVersionNoStream)
	require.NoError(t, err)
	_, err = c.WriteTransaction(ctx, start.TransactionID, events(3))
	require.NoError(t, err)
	commit, err := c.CommitTransaction(ctx, start.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), commit.LastEventNumber)

	_, err = c.DeleteStream(ctx, "tx", 2, false)
	require.NoError(t, err)

	_, err = c.CommitTransaction(ctx, 12345)
	assert.ErrorIs(t, err, api.ErrInvalidTransaction)
}

func TestClient_NoLeader(t *testing.T) {
	n := startNode(t)
	resign(t, n)
	c := dialNodes(t, n)

	cfg := testConfig()
	cfg.MaxAttempts = 2
	c.cfg = cfg

	_, err := c.WriteEvents(context.Background(), "s", api.ExpectedVersionAny, events(1))
	assert.ErrorIs(t, err, ErrNoLeader)
}

// follow acks the node's local log for replica-1 until the test ends. The
// returned flag pauses it.
func follow(t *testing.T, n *node.Node) *atomic.Bool {
	t.Helper()
	var lagging atomic.Bool
	stop, done := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(2 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !lagging.Load() {
					local := n.Tracker().Match()[replication.LocalReplica]
					_ = n.Tracker().Ack("replica-1", local)
				}
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
	return &lagging
}

// submitted counts every operation the node's coordinator accepted.
func submitted(t *testing.T, n *node.Node) uint64 {
	t.Helper()
	coord := n.Coordinator().(*requests.Coordinator)
	require.True(t, coord.Sync())
	s := coord.Stats()
	return s.Completed + s.Failed + s.Disposed + uint64(s.InFlight)
}

func TestClient_LaggingReplica(t *testing.T) {
	n := startNode(t, func(cfg *api.NodeConfig) { cfg.Replicas = 2 })
	lagging := follow(t, n)

	cfg := testConfig()
	cfg.RequestTimeout = 150 * time.Millisecond
	cfg.MaxAttempts = 3
	c := dialWithConfig(t, cfg, n)
	ctx := context.Background()

	_, err := c.WriteEvents(ctx, "d", api.ExpectedVersionNoStream, events(1))
	require.NoError(t, err)
	start, err := c.StartTransaction(ctx, "tx", api.ExpectedVersionNoStream)
	require.NoError(t, err)

	lagging.Store(true)

	before := submitted(t, n)
	_, err = c.WriteTransaction(ctx, start.TransactionID, events(1))
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
	assert.Equal(t, before+3, submitted(t, n), "transaction writes are resent")

	before = submitted(t, n)
	_, err = c.DeleteStream(ctx, "d", 0, false)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
	var wev *api.WrongExpectedVersionError
	assert.False(t, errors.As(err, &wev))
	assert.Equal(t, before+1, submitted(t, n), "delete is sent once")

	lagging.Store(false)

	commit, err := c.CommitTransaction(ctx, start.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), commit.FirstEventNumber)
	assert.Equal(t, int64(0), commit.LastEventNumber, "resent events are prepared once")
}
