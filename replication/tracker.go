// Package replication tracks how far the log is acknowledged by a quorum of
// replicas and publishes the quorum position as api.ReplicatedTo.
package replication

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/pkg/logger"
)

// LocalReplica is the name of the replica backed by the node's own log.
const LocalReplica = "local"

var ErrUnknownReplica = errors.New("replication: unknown replica")

// Tracker keeps the match position of every replica. It is safe for
// concurrent use.
type Tracker struct {
	mu       sync.Mutex
	logger   *slog.Logger
	replicas []string
	match    map[string]api.Position
	quorum   api.Position

	subscribers []api.Notifier
}

// NewTracker creates a tracker over the given replica names. LocalReplica is
// added when missing.
func NewTracker(replicas []string, log *slog.Logger) *Tracker {
	if !slices.Contains(replicas, LocalReplica) {
		replicas = append([]string{LocalReplica}, replicas...)
	}
	t := &Tracker{
		logger:   log.With(slog.String("component", "replication")),
		replicas: slices.Clone(replicas),
		match:    make(map[string]api.Position, len(replicas)),
		quorum:   -1,
	}
	for _, r := range replicas {
		t.match[r] = -1
	}
	return t
}

// ReplicaNames returns the default replica set for a cluster of n replicas.
func ReplicaNames(n int) []string {
	names := []string{LocalReplica}
	for i := 1; i < n; i++ {
		names = append(names, fmt.Sprintf("replica-%d", i))
	}
	return names
}

// Subscribe registers n for ReplicatedTo notifications. It must be called
// before the first Ack.
func (t *Tracker) Subscribe(n api.Notifier) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, n)
}

// Flushed acknowledges pos for the local replica.
func (t *Tracker) Flushed(pos api.Position) {
	if err := t.Ack(LocalReplica, pos); err != nil {
		t.logger.Warn("failed to ack local flush", slog.Int64("position", int64(pos)), logger.ErrAttr(err))
	}
}

// Ack records that replica holds every record up to and including pos.
// Lower positions than already recorded are ignored. A remote replica can not
// hold records the local log has not flushed, so its position is capped at
// the local match.
func (t *Tracker) Ack(replica string, pos api.Position) error {
	t.mu.Lock()
	cur, ok := t.match[replica]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownReplica, replica)
	}
	if local := t.match[LocalReplica]; replica != LocalReplica && pos > local {
		t.logger.Debug("capping ack beyond the local log",
			slog.String("replica", replica),
			slog.Int64("position", int64(pos)),
			slog.Int64("local", int64(local)),
		)
		pos = local
	}
	if pos <= cur {
		t.mu.Unlock()
		return nil
	}
	t.match[replica] = pos

	q := t.quorumPosition()
	if q <= t.quorum {
		t.mu.Unlock()
		return nil
	}
	t.quorum = q
	subs := t.subscribers
	t.mu.Unlock()

	t.logger.Debug("quorum position advanced", slog.Int64("position", int64(q)))
	for _, s := range subs {
		s.Notify(api.ReplicatedTo{Position: q})
	}
	return nil
}

// quorumPosition returns the highest position held by a majority.
func (t *Tracker) quorumPosition() api.Position {
	positions := make([]api.Position, 0, len(t.replicas))
	for _, r := range t.replicas {
		positions = append(positions, t.match[r])
	}
	slices.Sort(positions)
	return positions[(len(positions)-1)/2]
}

// QuorumPosition returns the last published quorum position.
func (t *Tracker) QuorumPosition() api.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.quorum
}

// Match returns a copy of the per-replica match positions.
func (t *Tracker) Match() map[string]api.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]api.Position, len(t.match))
	for r, p := range t.match {
		out[r] = p
	}
	return out
}
