package api

import "log/slog"

// NodeBuilder is an interface for constructing an event log node.
type NodeBuilder interface {
	// Build constructs and returns a new Node based on the
	// configurations provided to the builder. It returns an error if
	// the default components cannot be initialized.
	Build() (Node, error)

	// WithConfig sets the node configuration.
	// If not provided, node.DefaultConfig will be used.
	WithConfig(*NodeConfig) NodeBuilder

	// WithLogger sets a custom slog.Logger for the node.
	// If not provided, a default logger based on the config's Log.Env
	// will be used.
	WithLogger(*slog.Logger) NodeBuilder
}
