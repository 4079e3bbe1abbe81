package requests

import (
	"time"

	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/pkg/logger"
)

const defaultMailboxSize = 1024

func DefaultConfig() *api.CoordinatorConfig {
	return &api.CoordinatorConfig{
		Log: api.LoggerCfg{
			Env: logger.Prod,
		},
		Timings: api.RequestTimings{
			PrepareTimeout:    2 * time.Second,
			CommitTimeout:     2 * time.Second,
			DurabilityTimeout: 0,
			TickInterval:      time.Second,
			ShutdownTimeout:   3 * time.Second,
		},
		MailboxSize:          defaultMailboxSize,
		ExplicitTransactions: true,
	}
}

func TestsConfig() *api.CoordinatorConfig {
	return &api.CoordinatorConfig{
		Log: api.LoggerCfg{
			Env: logger.Dev,
		},
		Timings: api.RequestTimings{
			PrepareTimeout:    500 * time.Millisecond,
			CommitTimeout:     500 * time.Millisecond,
			DurabilityTimeout: 0,
			TickInterval:      20 * time.Millisecond,
			ShutdownTimeout:   time.Second,
		},
		MailboxSize:          64,
		ExplicitTransactions: true,
	}
}
