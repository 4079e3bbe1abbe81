package api

import (
	"context"
	"time"
)

// RequestCoordinator owns every in-flight write on a node and turns
// collaborator notifications into terminal replies.
type RequestCoordinator interface {
	Notifier

	// Submit accepts a client command. Commands that fail synchronous
	// validation are answered immediately and never become in-flight.
	Submit(cmd Command) OperationHandle

	// Tick offers the current time to every in-flight operation.
	Tick(now time.Time)

	// RoleChanged reports a node role transition.
	RoleChanged(role Role)

	// Drained is closed the first time the coordinator observes an empty
	// operation table while resigning leadership. A new channel is armed on
	// every transition into ResigningLeader.
	Drained() <-chan struct{}

	Start() error
	Stop() error
}

// Node is a single member of the event log cluster.
type Node interface {
	Start() error
	Stop() error

	// Coordinator returns the node's request coordinator.
	Coordinator() RequestCoordinator

	// Resign moves the node to ResigningLeader, waits for every outstanding
	// write to finish and then steps down to follower.
	Resign(ctx context.Context) error
}
