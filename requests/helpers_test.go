package requests

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/internal/clock"
	"github.com/shrtyk/eventlog-core/pkg/logger"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingWriter struct {
	reqs []api.AppendRequest
}

func (w *recordingWriter) Append(req api.AppendRequest) {
	w.reqs = append(w.reqs, req)
}

func (w *recordingWriter) last(t *testing.T) api.AppendRequest {
	t.Helper()
	require.NotEmpty(t, w.reqs, "no append issued")
	return w.reqs[len(w.reqs)-1]
}

type replies struct {
	got []api.Result
}

func (r *replies) envelope() api.Envelope {
	return api.EnvelopeFunc(func(res api.Result) {
		r.got = append(r.got, res)
	})
}

func (r *replies) only(t *testing.T) api.Result {
	t.Helper()
	require.Len(t, r.got, 1, "expected exactly one reply")
	return r.got[0]
}

type harness struct {
	c      *Coordinator
	writer *recordingWriter
	clock  *clock.Manual
}

// newHarness builds a coordinator that is driven synchronously: messages are
// handled by drain() on the test goroutine instead of the loop.
func newHarness(t *testing.T, mutate ...func(*api.CoordinatorConfig)) *harness {
	t.Helper()
	cfg := TestsConfig()
	for _, m := range mutate {
		m(cfg)
	}
	cfg.MailboxSize = 256

	w := &recordingWriter{}
	clk := clock.NewManual(testEpoch)
	_, log := logger.NewTestLogger()
	c := New(cfg, w, WithLogger(log), WithClock(clk))
	t.Cleanup(func() { _ = c.Stop() })

	h := &harness{c: c, writer: w, clock: clk}
	h.role(api.RoleLeader)
	return h
}

// drain handles every queued message.
func (h *harness) drain() {
	for {
		select {
		case msg := <-h.c.mailbox:
			h.c.handle(msg)
		default:
			return
		}
	}
}

func (h *harness) submit(cmd api.Command) uuid.UUID {
	handle := h.c.Submit(cmd)
	h.drain()
	return handle.ID
}

func (h *harness) notify(ns ...api.Notification) {
	for _, n := range ns {
		h.c.Notify(n)
	}
	h.drain()
}

func (h *harness) role(r api.Role) {
	h.c.RoleChanged(r)
	h.drain()
}

// tickAfter advances the clock by d and ticks.
func (h *harness) tickAfter(d time.Duration) {
	h.c.Tick(h.clock.Advance(d))
	h.drain()
}

func (h *harness) inFlight() int {
	return h.c.Stats().InFlight
}

func writeEvents(r *replies, stream string, ev api.ExpectedVersion, n int) api.WriteEvents {
	events := make([]api.Event, n)
	for i := range events {
		events[i] = api.Event{ID: uuid.New(), Type: "deposited", Data: []byte(`{"amount":10}`), IsJSON: true}
	}
	return api.WriteEvents{
		Base:            api.Base{ClientCorrelationID: "client-" + stream, Envelope: r.envelope()},
		Stream:          stream,
		ExpectedVersion: ev,
		Events:          events,
	}
}

func committed(id uuid.UUID, pos api.Position, first, last int64) api.LocallyCommitted {
	return api.LocallyCommitted{
		Correlated:       api.Correlated{CorrelationID: id},
		CommitPosition:   pos,
		FirstEventNumber: first,
		LastEventNumber:  last,
	}
}

func prepared(id uuid.UUID, pos, txPos api.Position) api.PrepareAcknowledged {
	return api.PrepareAcknowledged{
		Correlated:          api.Correlated{CorrelationID: id},
		LogPosition:         pos,
		TransactionPosition: txPos,
	}
}
