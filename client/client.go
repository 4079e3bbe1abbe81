// Package client routes writes to the leader of an event log cluster.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rs/xid"
	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/internal/cbreaker"
	"github.com/shrtyk/eventlog-core/internal/retry"
	"github.com/shrtyk/eventlog-core/internal/wire"
	"github.com/shrtyk/eventlog-core/pkg/logger"
	"github.com/shrtyk/eventlog-core/pkg/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const staleLeader = -1

var ErrNoLeader = errors.New("client: leader discovery failed: no node reported leadership")

// Client is a thread-safe client for an event log cluster.
// It discovers the leader and routes writes to it.
type Client struct {
	logger   *slog.Logger
	cfg      *api.ClientConfig
	peers    []*wire.Client
	breakers []*cbreaker.CircuitBreaker

	mu       sync.RWMutex
	leaderId int
}

func New(conns []grpc.ClientConnInterface, cfg *api.ClientConfig, log *slog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Client{
		logger:   log.With(slog.String("component", "client")),
		cfg:      cfg,
		peers:    make([]*wire.Client, len(conns)),
		breakers: make([]*cbreaker.CircuitBreaker, len(conns)),
		leaderId: staleLeader,
	}
	for i, conn := range conns {
		c.peers[i] = wire.NewClient(conn)
		c.breakers[i] = cbreaker.NewCircuitBreaker(cfg.CBreaker)
	}
	return c
}

// Dial connects to every address and returns a client with the close
// function of the connections.
func Dial(addrs []string, cfg *api.ClientConfig, log *slog.Logger) (*Client, func() error, error) {
	conns, closeFunc, err := transport.SetupConnections(addrs)
	if err != nil {
		return nil, nil, err
	}
	ifaces := make([]grpc.ClientConnInterface, len(conns))
	for i, conn := range conns {
		ifaces[i] = conn
	}
	return New(ifaces, cfg, log), closeFunc, nil
}

// WriteEvents appends events to stream. Domain failures such as a wrong
// expected version are returned both in the Result and as the error.
func (c *Client) WriteEvents(ctx context.Context, stream string, expected api.ExpectedVersion, events []api.Event) (api.Result, error) {
	return c.do(ctx, wire.MethodWriteEvents, wire.Request{
		Stream:          stream,
		ExpectedVersion: expected,
		Events:          events,
		TransactionID:   -1,
	})
}

func (c *Client) DeleteStream(ctx context.Context, stream string, expected api.ExpectedVersion, hard bool) (api.Result, error) {
	return c.do(ctx, wire.MethodDeleteStream, wire.Request{
		Stream:          stream,
		ExpectedVersion: expected,
		HardDelete:      hard,
		TransactionID:   -1,
	})
}

// StartTransaction opens an explicit transaction. Result.TransactionID
// identifies it in later calls.
func (c *Client) StartTransaction(ctx context.Context, stream string, expected api.ExpectedVersion) (api.Result, error) {
	return c.do(ctx, wire.MethodTransactionStart, wire.Request{
		Stream:          stream,
		ExpectedVersion: expected,
		TransactionID:   -1,
	})
}

func (c *Client) WriteTransaction(ctx context.Context, txID int64, events []api.Event) (api.Result, error) {
	return c.do(ctx, wire.MethodTransactionWrite, wire.Request{
		ExpectedVersion: api.ExpectedVersionAny,
		Events:          events,
		TransactionID:   txID,
	})
}

func (c *Client) CommitTransaction(ctx context.Context, txID int64) (api.Result, error) {
	return c.do(ctx, wire.MethodTransactionCommit, wire.Request{
		ExpectedVersion: api.ExpectedVersionAny,
		TransactionID:   txID,
	})
}

// do sends req to the leader. Transport failures and NotLeader replies
// invalidate the cached leader and are retried, every other reply is final.
// A failure that may have reached the node is retried only for methods that
// are safe to resend.
func (c *Client) do(ctx context.Context, method string, req wire.Request) (api.Result, error) {
	req.CorrelationID = xid.New().String()
	in, err := wire.EncodeRequest(req)
	if err != nil {
		return api.Result{}, fmt.Errorf("client: encode request: %w", err)
	}

	var result api.Result
	err = retry.Do(ctx, func(ctx context.Context) error {
		leader, err := c.getLeader(ctx)
		if err != nil {
			return err
		}

		tctx, tcancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer tcancel()
		out, err := cbreaker.Do(tctx, c.breakers[leader], func(ctx context.Context) (*structpb.Struct, error) {
			return c.peers[leader].Call(ctx, method, in)
		})
		if err != nil {
			c.logger.Warn(
				"failed to send request to leader",
				slog.Int("leader_id", leader),
				slog.String("method", method),
				logger.ErrAttr(err),
			)
			c.invalidateLeader(leader)
			if !resendable(method) && !unsent(err) {
				return retry.Permanent(err)
			}
			return err
		}

		r, err := wire.DecodeResult(out)
		if err != nil {
			return retry.Permanent(err)
		}
		if errors.Is(r.Err, api.ErrNotLeader) {
			c.logger.Debug(
				"contacted node is not leader, retrying",
				slog.Int("node_id", leader),
			)
			c.invalidateLeader(leader)
			return r.Err
		}

		result = r
		return nil
	}, retry.WithMaxAttempts(c.cfg.MaxAttempts), retry.WithBaseDelay(c.cfg.RetryBaseDelay))

	if err != nil {
		return api.Result{}, err
	}
	return result, result.Err
}

// resendable reports whether method can be sent again when the outcome of
// an attempt is unknown. The log skips event ids it already holds for both.
func resendable(method string) bool {
	return method == wire.MethodWriteEvents || method == wire.MethodTransactionWrite
}

// unsent reports whether err is known to have failed before the request
// reached the node.
func unsent(err error) bool {
	return errors.Is(err, cbreaker.ErrOpenState) || status.Code(err) == codes.Unavailable
}

// Leader returns the index of the cached leader, -1 when unknown.
func (c *Client) Leader() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leaderId
}

// getLeader returns the current leader, discovering it if necessary.
// It is safe for concurrent use.
func (c *Client) getLeader(ctx context.Context) (int, error) {
	c.mu.RLock()
	leader := c.leaderId
	c.mu.RUnlock()
	if leader != staleLeader {
		return leader, nil
	}

	discoveredLeader, err := c.discoverLeader(ctx)
	if err != nil {
		return staleLeader, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine might have updated it while discoverLeader ran.
	if c.leaderId != staleLeader {
		return c.leaderId, nil
	}

	c.leaderId = discoveredLeader
	return c.leaderId, nil
}

// invalidateLeader marks the current leader as stale if it matches the given one.
// It is safe for concurrent use.
func (c *Client) invalidateLeader(currentLeaderId int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaderId == currentLeaderId {
		c.leaderId = staleLeader
	}
}

// discoverLeader asks every node whether it leads and returns the first
// that does.
func (c *Client) discoverLeader(ctx context.Context) (peerId int, err error) {
	var wg sync.WaitGroup
	respChan := make(chan int, 1)

	tctx, tcancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer tcancel()
	for id := range c.peers {
		wg.Go(func() {
			out, err := cbreaker.Do(tctx, c.breakers[id], func(ctx context.Context) (*structpb.Struct, error) {
				return c.peers[id].Call(ctx, wire.MethodIsLeader, &structpb.Struct{})
			})
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					c.logger.Warn(
						"failed to get IsLeader response",
						slog.Int("peer_id", id),
						logger.ErrAttr(err),
					)
				}
				return
			}

			if out.GetFields()["leader"].GetBoolValue() {
				select {
				case respChan <- id:
				default:
				}
			}
		})
	}

	go func() {
		wg.Wait()
		close(respChan)
	}()

	select {
	case <-tctx.Done():
		err = tctx.Err()
	case id, ok := <-respChan:
		if !ok {
			err = ErrNoLeader
			break
		}
		peerId = id
	}

	return
}
