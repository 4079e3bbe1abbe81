// Package node wires the request coordinator to the event log, the
// replication tracker and the indexer, and serves them over gRPC.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/index"
	"github.com/shrtyk/eventlog-core/pkg/logger"
	"github.com/shrtyk/eventlog-core/replication"
	"github.com/shrtyk/eventlog-core/requests"
	"github.com/shrtyk/eventlog-core/storage"
)

var ErrNodeStopped = errors.New("node: stopped")

var _ api.Node = (*Node)(nil)

// Node is a single event log member. It takes the leader role on Start.
type Node struct {
	cfg    *api.NodeConfig
	logger *slog.Logger
	dead   int32 // set by Stop()

	coord   *requests.Coordinator
	events  *storage.EventLog
	tracker *replication.Tracker
	index   *index.Indexer

	grpcServer       GRPCServer
	monitoringServer *monitoringServer
	telemetry        *telemetry
}

// Start runs every component and takes the leader role. When a component
// fails to start the ones already running are stopped again and the node can
// not be restarted.
func (n *Node) Start() error {
	n.index.Start()
	if err := n.coord.Start(); err != nil {
		return n.abort(fmt.Errorf("failed to start request coordinator: %w", err))
	}
	n.events.Start()
	n.coord.RoleChanged(api.RoleLeader)

	if n.grpcServer != nil {
		if err := n.grpcServer.Start(); err != nil {
			return n.abort(fmt.Errorf("failed to start gRPC server: %w", err))
		}
	}

	if n.monitoringServer != nil {
		if err := n.monitoringServer.Start(); err != nil {
			return n.abort(fmt.Errorf("failed to start monitoring HTTP server: %w", err))
		}
	}

	n.logger.Info("node started",
		slog.String("data_dir", n.cfg.DataDir),
		slog.Int("replicas", n.cfg.Replicas),
	)
	return nil
}

func (n *Node) abort(err error) error {
	n.logger.Error("node failed to start", logger.ErrAttr(err))
	return errors.Join(err, n.Stop())
}

// Stop shuts every component down. In-flight operations get no reply.
func (n *Node) Stop() error {
	if !atomic.CompareAndSwapInt32(&n.dead, 0, 1) {
		return nil
	}
	tctx, tcancel := context.WithTimeout(context.Background(), n.cfg.Coordinator.Timings.ShutdownTimeout)
	defer tcancel()

	var err error
	if n.grpcServer != nil {
		if serr := n.grpcServer.Stop(); serr != nil {
			err = errors.Join(err, fmt.Errorf("failed to shutdown gRPC server: %w", serr))
		}
	}

	if n.monitoringServer != nil {
		if serr := n.monitoringServer.Stop(tctx); serr != nil {
			err = errors.Join(err, fmt.Errorf("failed to shutdown monitoring server: %w", serr))
		}
	}

	if serr := n.coord.Stop(); serr != nil {
		err = errors.Join(err, fmt.Errorf("failed to stop request coordinator: %w", serr))
	}
	if serr := n.events.Close(); serr != nil {
		err = errors.Join(err, fmt.Errorf("failed to close event log: %w", serr))
	}
	n.index.Stop()

	if n.telemetry != nil {
		if serr := n.telemetry.Shutdown(tctx); serr != nil {
			err = errors.Join(err, fmt.Errorf("failed to shutdown telemetry: %w", serr))
		}
	}
	return err
}

func (n *Node) Killed() bool {
	return atomic.LoadInt32(&n.dead) == 1
}

func (n *Node) Coordinator() api.RequestCoordinator {
	return n.coord
}

// Tracker returns the replication tracker fed by local flushes and remote
// acknowledgements.
func (n *Node) Tracker() *replication.Tracker {
	return n.tracker
}

// Index returns the read side of the node.
func (n *Node) Index() *index.Indexer {
	return n.index
}

// Lead makes the node accept writes again after a resignation.
func (n *Node) Lead() {
	n.coord.RoleChanged(api.RoleLeader)
}

// Resign stops accepting writes, waits until every in-flight operation got
// its reply and steps down to follower. When ctx expires first the node
// still steps down and the remaining operations are disposed.
func (n *Node) Resign(ctx context.Context) error {
	n.coord.RoleChanged(api.RoleResigningLeader)
	if !n.coord.Sync() {
		return ErrNodeStopped
	}

	var err error
	select {
	case <-n.coord.Drained():
		n.logger.Info("resigned with empty request queue")
	case <-ctx.Done():
		err = fmt.Errorf("node: resign: %w", ctx.Err())
		n.logger.Warn("resign deadline reached before queue drained",
			slog.Int("in_flight", n.coord.Stats().InFlight))
	}
	n.coord.RoleChanged(api.RoleFollower)
	return err
}

// GRPCAddr returns the address the gRPC server is bound to, empty when the
// server is disabled.
func (n *Node) GRPCAddr() string {
	if n.grpcServer == nil {
		return ""
	}
	return n.grpcServer.Addr()
}
