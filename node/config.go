package node

import (
	"time"

	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/requests"
)

const (
	defaultDataDir        = "data"
	defaultGRPCAddr       = ""
	defaultMonitoringAddr = ""
)

func DefaultConfig() *api.NodeConfig {
	return &api.NodeConfig{
		Coordinator:    *requests.DefaultConfig(),
		DataDir:        defaultDataDir,
		GRPCAddr:       defaultGRPCAddr,
		MonitoringAddr: defaultMonitoringAddr,
		Fsync: api.FsyncCfg{
			BatchSize: 128,
			Timeout:   15 * time.Millisecond,
		},
		Replicas: 1,
	}
}

// TestsConfig returns a single replica config without network listeners.
// DataDir must be set by the caller.
func TestsConfig() *api.NodeConfig {
	return &api.NodeConfig{
		Coordinator: *requests.TestsConfig(),
		Fsync: api.FsyncCfg{
			BatchSize: 10,
			Timeout:   2 * time.Millisecond,
		},
		Replicas: 1,
	}
}
