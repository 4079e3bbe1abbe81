package api

import (
	"time"

	"github.com/shrtyk/eventlog-core/pkg/logger"
)

type CoordinatorConfig struct {
	Log     LoggerCfg
	Timings RequestTimings
	// MailboxSize is the capacity of the coordinator's inbound queue.
	MailboxSize int
	// ExplicitTransactions enables TransactionStart/Write/Commit.
	ExplicitTransactions bool
}

type LoggerCfg struct {
	Env       logger.Enviroment
	AddSource bool
}

// RequestTimings holds the per-stage bounds of an operation.
// A zero DurabilityTimeout disables the bound on replication/index waits.
type RequestTimings struct {
	PrepareTimeout    time.Duration
	CommitTimeout     time.Duration
	DurabilityTimeout time.Duration
	TickInterval      time.Duration
	ShutdownTimeout   time.Duration
}

type NodeConfig struct {
	Coordinator    CoordinatorConfig
	DataDir        string
	GRPCAddr       string
	MonitoringAddr string
	Fsync          FsyncCfg
	// Replicas is the number of log replicas the quorum is computed over.
	// The local log always counts as replica 0.
	Replicas int
}

type FsyncCfg struct {
	BatchSize int
	Timeout   time.Duration
}

// ClientConfig configures the leader routing client.
type ClientConfig struct {
	// RequestTimeout bounds a single call to one node, leader discovery
	// included.
	RequestTimeout time.Duration
	MaxAttempts    int
	RetryBaseDelay time.Duration
	CBreaker       CircuitBreakerCfg
}

type CircuitBreakerCfg struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}
