package node

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/shrtyk/eventlog-core/pkg/logger"
	"github.com/shrtyk/eventlog-core/requests"
)

// nodeStatus represents the node's status.
type nodeStatus struct {
	Coordinator requests.Stats `json:"coordinator"`

	LogInfo struct {
		Path      string `json:"path"`
		Size      string `json:"size"`
		FlushedTo int64  `json:"flushedTo"`
	} `json:"logInfo"`

	ReplicationInfo struct {
		Quorum int64            `json:"quorum"`
		Match  map[string]int64 `json:"match"`
	} `json:"replicationInfo"`

	IndexInfo struct {
		IndexedTo int64 `json:"indexedTo"`
	} `json:"indexInfo"`
}

// statusHandler implements the http.Handler interface.
type statusHandler struct {
	n *Node
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := h.getStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		h.n.logger.Warn("failed to encode status for monitoring", logger.ErrAttr(err))
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
	}
}

// getStatus collects the current status of every component.
func (h *statusHandler) getStatus() nodeStatus {
	n := h.n
	s := nodeStatus{Coordinator: n.coord.Stats()}

	s.LogInfo.Path = n.events.Path()
	s.LogInfo.FlushedTo = int64(n.events.FlushedTo())
	if fi, err := os.Stat(n.events.Path()); err == nil {
		s.LogInfo.Size = humanize.Bytes(uint64(fi.Size()))
	}

	s.ReplicationInfo.Quorum = int64(n.tracker.QuorumPosition())
	s.ReplicationInfo.Match = make(map[string]int64)
	for replica, pos := range n.tracker.Match() {
		s.ReplicationInfo.Match[replica] = int64(pos)
	}

	s.IndexInfo.IndexedTo = int64(n.index.IndexedTo())
	return s
}

// monitoringHandler serves /status and, when telemetry is enabled, /metrics.
func (n *Node) monitoringHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/status", &statusHandler{n: n})
	if n.telemetry != nil {
		mux.Handle("/metrics", n.telemetry.handler)
	}
	return mux
}

type monitoringServer struct {
	n      *Node
	server *http.Server
	wg     sync.WaitGroup
}

func newMonitoringServer(n *Node, addr string) *monitoringServer {
	return &monitoringServer{
		n: n,
		server: &http.Server{
			Addr:    addr,
			Handler: n.monitoringHandler(),
		},
	}
}

// Start starts the HTTP server for monitoring.
func (m *monitoringServer) Start() error {
	l, err := net.Listen("tcp", m.server.Addr)
	if err != nil {
		return err
	}
	m.n.logger.Info("starting monitoring server", "addr", l.Addr().String())

	m.wg.Go(func() {
		if err := m.server.Serve(l); !errors.Is(err, http.ErrServerClosed) {
			m.n.logger.Error("monitoring server failed", logger.ErrAttr(err))
		}
	})
	return nil
}

func (m *monitoringServer) Stop(ctx context.Context) error {
	err := m.server.Shutdown(ctx)
	m.wg.Wait()
	return err
}
