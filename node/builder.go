package node

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/index"
	"github.com/shrtyk/eventlog-core/pkg/logger"
	"github.com/shrtyk/eventlog-core/replication"
	"github.com/shrtyk/eventlog-core/requests"
	"github.com/shrtyk/eventlog-core/storage"
)

type nodeBuilder struct {
	cfg    *api.NodeConfig
	logger *slog.Logger
}

func NewNodeBuilder() api.NodeBuilder {
	return &nodeBuilder{cfg: DefaultConfig()}
}

func (nb *nodeBuilder) Build() (api.Node, error) {
	n, err := nb.build()
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (nb *nodeBuilder) build() (*Node, error) {
	cfg := nb.cfg
	log := nb.logger
	if log == nil {
		log = logger.NewLogger(cfg.Coordinator.Log.Env, cfg.Coordinator.Log.AddSource)
	}

	n := &Node{
		cfg:    cfg,
		logger: log,
	}

	if cfg.MonitoringAddr != "" {
		t, err := setupTelemetry()
		if err != nil {
			return nil, fmt.Errorf("builder: failed to set up telemetry: %w", err)
		}
		n.telemetry = t
	}

	// The coordinator is created first; its writer resolves the event log
	// lazily because the log in turn notifies the coordinator.
	n.coord = requests.New(&cfg.Coordinator, api.LogWriterFunc(func(req api.AppendRequest) {
		n.events.Append(req)
	}), requests.WithLogger(log))
	n.tracker = replication.NewTracker(replication.ReplicaNames(cfg.Replicas), log)
	n.index = index.New(log)

	events, err := storage.Open(cfg.DataDir, cfg.Fsync,
		storage.WithLogger(log),
		storage.WithNotifier(n.coord),
		storage.WithFlushObserver(n.tracker),
		storage.WithCommitSink(n.index),
	)
	if err != nil {
		if n.telemetry != nil {
			_ = n.telemetry.Shutdown(context.Background())
		}
		return nil, fmt.Errorf("builder: failed to open event log: %w", err)
	}
	n.events = events

	n.tracker.Subscribe(n.coord)
	n.tracker.Subscribe(n.index)
	n.index.Subscribe(n.coord)

	if cfg.GRPCAddr != "" {
		n.grpcServer = NewGRPCServer(n, cfg.GRPCAddr)
	}
	if cfg.MonitoringAddr != "" {
		n.monitoringServer = newMonitoringServer(n, cfg.MonitoringAddr)
	}

	return n, nil
}

func (nb *nodeBuilder) WithConfig(cfg *api.NodeConfig) api.NodeBuilder {
	nb.cfg = cfg
	return nb
}

func (nb *nodeBuilder) WithLogger(l *slog.Logger) api.NodeBuilder {
	nb.logger = l
	return nb
}
