package replication

import (
	"testing"

	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T, n int) (*Tracker, *[]api.Position) {
	t.Helper()
	_, log := logger.NewTestLogger()
	tr := NewTracker(ReplicaNames(n), log)
	var published []api.Position
	tr.Subscribe(api.NotifierFunc(func(n api.Notification) {
		published = append(published, n.(api.ReplicatedTo).Position)
	}))
	return tr, &published
}

func TestTracker_QuorumPosition(t *testing.T) {
	tests := []struct {
		name  string
		acks  []api.Position
		quota api.Position
	}{
		{"single replica", []api.Position{40}, 40},
		{"two replicas need both", []api.Position{40, 10}, 10},
		{"three replicas", []api.Position{40, 30, 10}, 30},
		{"four replicas need three", []api.Position{40, 30, 20, 10}, 20},
		{"five replicas", []api.Position{50, 40, -1, -1, 30}, 30},
		{"minority ahead", []api.Position{90, -1, -1}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _ := newTestTracker(t, len(tt.acks))
			for i, name := range ReplicaNames(len(tt.acks)) {
				require.NoError(t, tr.Ack(name, tt.acks[i]))
			}
			assert.Equal(t, tt.quota, tr.QuorumPosition())
		})
	}
}

func TestTracker_PublishesOnlyAdvances(t *testing.T) {
	tr, published := newTestTracker(t, 3)

	tr.Flushed(100)
	assert.Empty(t, *published, "local flush alone is a minority")

	require.NoError(t, tr.Ack("replica-1", 60))
	require.NoError(t, tr.Ack("replica-2", 50))
	require.NoError(t, tr.Ack("replica-1", 40), "stale ack is ignored")
	require.NoError(t, tr.Ack("replica-2", 60))
	require.NoError(t, tr.Ack("replica-2", 120))

	assert.Equal(t, []api.Position{60, 100}, *published)
	assert.Equal(t, api.Position(60), tr.Match()["replica-1"])
}

func TestTracker_UnknownReplica(t *testing.T) {
	tr, published := newTestTracker(t, 1)
	err := tr.Ack("stranger", 10)
	assert.ErrorIs(t, err, ErrUnknownReplica)
	assert.Empty(t, *published)
	assert.Equal(t, api.Position(-1), tr.QuorumPosition())
}

func TestNewTracker_AddsLocalReplica(t *testing.T) {
	_, log := logger.NewTestLogger()
	tr := NewTracker([]string{"b"}, log)
	assert.Len(t, tr.Match(), 2)

	tr.Flushed(5)
	assert.Equal(t, api.Position(-1), tr.QuorumPosition())
	require.NoError(t, tr.Ack("b", 5))
	assert.Equal(t, api.Position(5), tr.QuorumPosition())
}

func TestTracker_RemoteAckCappedAtLocalLog(t *testing.T) {
	tr, published := newTestTracker(t, 3)

	require.NoError(t, tr.Ack("replica-1", 1_000_000))
	require.NoError(t, tr.Ack("replica-2", 1_000_000))
	assert.Equal(t, api.Position(-1), tr.QuorumPosition(), "nothing flushed locally")
	assert.Empty(t, *published)

	tr.Flushed(146)
	assert.Equal(t, api.Position(-1), tr.QuorumPosition(), "earlier acks do not cover new records")

	require.NoError(t, tr.Ack("replica-1", 1_000_000))
	assert.Equal(t, api.Position(146), tr.Match()["replica-1"])
	assert.Equal(t, api.Position(146), tr.QuorumPosition())
	assert.Equal(t, []api.Position{146}, *published)
}
