package client

import (
	"time"

	"github.com/shrtyk/eventlog-core/api"
)

func DefaultConfig() *api.ClientConfig {
	return &api.ClientConfig{
		RequestTimeout: 5 * time.Second,
		MaxAttempts:    5,
		RetryBaseDelay: 150 * time.Millisecond,
		CBreaker: api.CircuitBreakerCfg{
			FailureThreshold: 6,
			SuccessThreshold: 4,
			ResetTimeout:     5 * time.Second,
		},
	}
}
