package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkRecorder struct {
	mu        sync.Mutex
	committed []api.CommittedEvent
	flushed   api.Position
}

func (s *sinkRecorder) Committed(events []api.CommittedEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, events...)
}

func (s *sinkRecorder) Flushed(pos api.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed = pos
}

func (s *sinkRecorder) snapshot() ([]api.CommittedEvent, api.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]api.CommittedEvent(nil), s.committed...), s.flushed
}

type testLog struct {
	*EventLog
	dir   string
	notes chan api.Notification
	sink  *sinkRecorder
}

// openTestLog opens and starts an event log in dir. A fresh temp dir is used
// when dir is empty.
func openTestLog(t *testing.T, dir string) *testLog {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	notes := make(chan api.Notification, 256)
	sink := &sinkRecorder{flushed: -1}
	_, log := logger.NewTestLogger()

	el, err := Open(dir, api.FsyncCfg{BatchSize: 1, Timeout: 5 * time.Millisecond},
		WithLogger(log),
		WithNotifier(api.NotifierFunc(func(n api.Notification) { notes <- n })),
		WithCommitSink(sink),
		WithFlushObserver(sink),
	)
	require.NoError(t, err)
	el.Start()
	t.Cleanup(func() { _ = el.Close() })
	return &testLog{EventLog: el, dir: dir, notes: notes, sink: sink}
}

// next returns the next notification or fails the test after a second.
func (tl *testLog) next(t *testing.T) api.Notification {
	t.Helper()
	select {
	case n := <-tl.notes:
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

// collect returns the n next notifications.
func (tl *testLog) collect(t *testing.T, n int) []api.Notification {
	t.Helper()
	out := make([]api.Notification, 0, n)
	for range n {
		out = append(out, tl.next(t))
	}
	return out
}

func newEvents(n int) []api.Event {
	events := make([]api.Event, n)
	for i := range events {
		events[i] = api.Event{ID: uuid.New(), Type: "item-added", Data: []byte(`{"sku":"a-1"}`), IsJSON: true}
	}
	return events
}

func write(stream string, ev api.ExpectedVersion, events []api.Event) api.AppendRequest {
	return api.AppendRequest{
		CorrelationID:   uuid.New(),
		Kind:            api.KindWriteEvents,
		Stream:          stream,
		ExpectedVersion: ev,
		Events:          events,
	}
}

func TestEventLog_WriteEvents(t *testing.T) {
	tl := openTestLog(t, "")
	req := write("cart-1", api.ExpectedVersionNoStream, newEvents(2))
	tl.Append(req)

	notes := tl.collect(t, 3)
	p1, ok := notes[0].(api.PrepareAcknowledged)
	require.True(t, ok, "got %T", notes[0])
	p2, ok := notes[1].(api.PrepareAcknowledged)
	require.True(t, ok, "got %T", notes[1])
	lc, ok := notes[2].(api.LocallyCommitted)
	require.True(t, ok, "got %T", notes[2])

	assert.Equal(t, req.CorrelationID, p1.Target())
	assert.Equal(t, api.Position(0), p1.LogPosition)
	assert.Equal(t, p1.LogPosition, p1.TransactionPosition)
	assert.Equal(t, p1.LogPosition, p2.TransactionPosition)
	assert.Greater(t, p2.LogPosition, p1.LogPosition)
	assert.Greater(t, lc.CommitPosition, p2.LogPosition)
	assert.Equal(t, int64(0), lc.FirstEventNumber)
	assert.Equal(t, int64(1), lc.LastEventNumber)

	committed, flushed := tl.sink.snapshot()
	require.Len(t, committed, 2)
	assert.Equal(t, lc.CommitPosition, flushed)
	assert.Equal(t, lc.CommitPosition, tl.FlushedTo())
	assert.Equal(t, "cart-1", committed[1].Stream)
	assert.Equal(t, int64(1), committed[1].EventNumber)
	assert.Equal(t, req.Events[1].ID, committed[1].Event.ID)
	assert.Equal(t, lc.CommitPosition, committed[0].CommitPosition)
}

func TestEventLog_EmptyWriteStillPrepares(t *testing.T) {
	tl := openTestLog(t, "")
	tl.Append(write("s", api.ExpectedVersionAny, nil))

	notes := tl.collect(t, 2)
	assert.IsType(t, api.PrepareAcknowledged{}, notes[0])
	lc := notes[1].(api.LocallyCommitted)
	assert.Equal(t, int64(0), lc.FirstEventNumber)
	assert.Equal(t, int64(-1), lc.LastEventNumber)
}

func TestEventLog_WrongExpectedVersion(t *testing.T) {
	tl := openTestLog(t, "")
	tl.Append(write("s", api.ExpectedVersionAny, newEvents(2)))
	tl.collect(t, 3)

	tests := []struct {
		name string
		ev   api.ExpectedVersion
		ok   bool
	}{
		{"no stream", api.ExpectedVersionNoStream, false},
		{"stale revision", api.ExpectedVersion(0), false},
		{"future revision", api.ExpectedVersion(5), false},
		{"stream exists", api.ExpectedVersionStreamExists, true},
	}
	next := int64(2)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := write("s", tt.ev, newEvents(1))
			tl.Append(req)
			if !tt.ok {
				wev, ok := tl.next(t).(api.WrongExpectedVersion)
				require.True(t, ok)
				assert.Equal(t, req.CorrelationID, wev.Target())
				assert.Equal(t, next-1, wev.CurrentVersion)
				return
			}
			notes := tl.collect(t, 2)
			assert.Equal(t, next, notes[1].(api.LocallyCommitted).FirstEventNumber)
			next++
		})
	}
}

func TestEventLog_DuplicateWriteIsAlreadyCommitted(t *testing.T) {
	tl := openTestLog(t, "")
	events := newEvents(3)
	tl.Append(write("s", api.ExpectedVersionNoStream, events))
	lc := tl.collect(t, 4)[3].(api.LocallyCommitted)

	retry := write("s", api.ExpectedVersionNoStream, events)
	tl.Append(retry)
	ac, ok := tl.next(t).(api.AlreadyCommitted)
	require.True(t, ok)
	assert.Equal(t, retry.CorrelationID, ac.Target())
	assert.Equal(t, lc.CommitPosition, ac.LogPosition)
	assert.Equal(t, int64(0), ac.FirstEventNumber)
	assert.Equal(t, int64(2), ac.LastEventNumber)

	// A partial overlap is not a retry.
	tl.Append(write("s", api.ExpectedVersionNoStream, append(events[1:2:2], newEvents(1)...)))
	assert.IsType(t, api.WrongExpectedVersion{}, tl.next(t))
}

func TestEventLog_Delete(t *testing.T) {
	t.Run("soft delete allows recreation", func(t *testing.T) {
		tl := openTestLog(t, "")
		tl.Append(write("s", api.ExpectedVersionAny, newEvents(2)))
		tl.collect(t, 3)

		tl.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindDeleteStream, Stream: "s", ExpectedVersion: 1})
		notes := tl.collect(t, 2)
		assert.IsType(t, api.PrepareAcknowledged{}, notes[0])
		lc := notes[1].(api.LocallyCommitted)
		assert.Equal(t, int64(1), lc.LastEventNumber)

		tl.Append(write("s", api.ExpectedVersionNoStream, newEvents(1)))
		lc = tl.collect(t, 2)[1].(api.LocallyCommitted)
		assert.Equal(t, int64(2), lc.FirstEventNumber, "numbering continues after a soft delete")
	})

	t.Run("hard delete is permanent", func(t *testing.T) {
		tl := openTestLog(t, "")
		tl.Append(write("s", api.ExpectedVersionAny, newEvents(1)))
		tl.collect(t, 2)

		tl.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindDeleteStream, Stream: "s", ExpectedVersion: api.ExpectedVersionAny, HardDelete: true})
		tl.collect(t, 2)

		for _, req := range []api.AppendRequest{
			write("s", api.ExpectedVersionAny, newEvents(1)),
			{CorrelationID: uuid.New(), Kind: api.KindDeleteStream, Stream: "s", ExpectedVersion: api.ExpectedVersionAny},
			{CorrelationID: uuid.New(), Kind: api.KindTransactionStart, Stream: "s", ExpectedVersion: api.ExpectedVersionAny},
		} {
			tl.Append(req)
			sd, ok := tl.next(t).(api.StreamDeleted)
			require.True(t, ok)
			assert.Equal(t, req.CorrelationID, sd.Target())
		}
	})
}

func TestEventLog_Transaction(t *testing.T) {
	tl := openTestLog(t, "")
	tl.Append(write("ledger", api.ExpectedVersionAny, newEvents(1)))
	tl.collect(t, 2)

	start := api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindTransactionStart, Stream: "ledger", ExpectedVersion: 0}
	tl.Append(start)
	sp := tl.next(t).(api.PrepareAcknowledged)
	assert.Equal(t, sp.LogPosition, sp.TransactionPosition)
	txID := int64(sp.LogPosition)

	tl.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindTransactionWrite, TransactionID: txID, Events: newEvents(2)})
	for _, n := range tl.collect(t, 2) {
		assert.Equal(t, sp.LogPosition, n.(api.PrepareAcknowledged).TransactionPosition)
	}
	committed, _ := tl.sink.snapshot()
	assert.Len(t, committed, 1, "transaction events are invisible before commit")

	tl.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindTransactionCommit, TransactionID: txID})
	notes := tl.collect(t, 2)
	assert.IsType(t, api.PrepareAcknowledged{}, notes[0])
	lc := notes[1].(api.LocallyCommitted)
	assert.Equal(t, int64(1), lc.FirstEventNumber)
	assert.Equal(t, int64(2), lc.LastEventNumber)

	committed, _ = tl.sink.snapshot()
	require.Len(t, committed, 3)
	assert.Equal(t, lc.CommitPosition, committed[2].CommitPosition)

	// The transaction is closed now.
	tl.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindTransactionWrite, TransactionID: txID, Events: newEvents(1)})
	assert.IsType(t, api.InvalidTransaction{}, tl.next(t))
}

func TestEventLog_TransactionWriteResent(t *testing.T) {
	tl := openTestLog(t, "")
	tl.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindTransactionStart, Stream: "s", ExpectedVersion: api.ExpectedVersionNoStream})
	txID := int64(tl.next(t).(api.PrepareAcknowledged).LogPosition)

	events := newEvents(2)
	tl.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindTransactionWrite, TransactionID: txID, Events: events})
	first := tl.collect(t, 2)
	size := tl.FlushedTo()

	resent := append(events, newEvents(1)...)
	tl.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindTransactionWrite, TransactionID: txID, Events: resent})
	second := tl.collect(t, 3)
	for i := range first {
		assert.Equal(t, first[i].(api.PrepareAcknowledged).LogPosition, second[i].(api.PrepareAcknowledged).LogPosition)
	}
	assert.Greater(t, second[2].(api.PrepareAcknowledged).LogPosition, size, "only the new event is written")

	tl.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindTransactionCommit, TransactionID: txID})
	lc := tl.collect(t, 2)[1].(api.LocallyCommitted)
	assert.Equal(t, int64(0), lc.FirstEventNumber)
	assert.Equal(t, int64(2), lc.LastEventNumber)
}

func TestEventLog_TransactionCommitChecksVersion(t *testing.T) {
	tl := openTestLog(t, "")
	tl.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindTransactionStart, Stream: "s", ExpectedVersion: api.ExpectedVersionNoStream})
	txID := int64(tl.next(t).(api.PrepareAcknowledged).LogPosition)

	tl.Append(write("s", api.ExpectedVersionAny, newEvents(1)))
	tl.collect(t, 2)

	tl.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindTransactionCommit, TransactionID: txID})
	wev, ok := tl.next(t).(api.WrongExpectedVersion)
	require.True(t, ok)
	assert.Equal(t, int64(0), wev.CurrentVersion)
}

func TestEventLog_UnknownTransaction(t *testing.T) {
	tl := openTestLog(t, "")
	tl.Append(write("s", api.ExpectedVersionAny, newEvents(1)))
	tl.collect(t, 2)

	for _, kind := range []api.OperationKind{api.KindTransactionWrite, api.KindTransactionCommit} {
		tl.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: kind, TransactionID: 0, Events: newEvents(1)})
		it, ok := tl.next(t).(api.InvalidTransaction)
		require.True(t, ok, kind.String())
		assert.NotEmpty(t, it.Reason)
	}
}

func TestEventLog_Replay(t *testing.T) {
	dir := t.TempDir()
	tl := openTestLog(t, dir)
	events := newEvents(2)
	tl.Append(write("a", api.ExpectedVersionNoStream, events))
	lc := tl.collect(t, 3)[2].(api.LocallyCommitted)

	tl.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindTransactionStart, Stream: "b", ExpectedVersion: api.ExpectedVersionAny})
	txID := int64(tl.next(t).(api.PrepareAcknowledged).LogPosition)
	tl.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindTransactionWrite, TransactionID: txID, Events: newEvents(1)})
	tl.next(t)
	require.NoError(t, tl.Close())

	reopened := openTestLog(t, dir)
	committed, flushed := reopened.sink.snapshot()
	require.Len(t, committed, 2, "replayed events are handed to the sink on start")
	assert.Equal(t, events[0].ID, committed[0].Event.ID)
	assert.Equal(t, lc.CommitPosition, committed[1].CommitPosition)
	assert.Greater(t, flushed, lc.CommitPosition)

	reopened.Append(write("a", api.ExpectedVersion(1), newEvents(1)))
	lc2 := reopened.collect(t, 2)[1].(api.LocallyCommitted)
	assert.Equal(t, int64(2), lc2.FirstEventNumber)

	reopened.Append(write("a", api.ExpectedVersionAny, events))
	assert.IsType(t, api.AlreadyCommitted{}, reopened.next(t), "idempotency survives replay")

	reopened.Append(api.AppendRequest{CorrelationID: uuid.New(), Kind: api.KindTransactionCommit, TransactionID: txID})
	tlc := reopened.collect(t, 2)[1].(api.LocallyCommitted)
	assert.Equal(t, int64(0), tlc.FirstEventNumber, "open transaction survives replay")
}

func TestEventLog_TornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	tl := openTestLog(t, dir)
	tl.Append(write("s", api.ExpectedVersionAny, newEvents(1)))
	tl.collect(t, 2)
	require.NoError(t, tl.Close())

	path := filepath.Join(dir, walFileName)
	info, err := os.Stat(path)
	require.NoError(t, err)
	good := info.Size()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 42, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openTestLog(t, dir)
	info, err = os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, good, info.Size())

	reopened.Append(write("s", api.ExpectedVersion(0), newEvents(1)))
	p := reopened.next(t).(api.PrepareAcknowledged)
	assert.Equal(t, api.Position(good), p.LogPosition)
}

func TestEventLog_CorruptRecordFailsOpen(t *testing.T) {
	dir := t.TempDir()
	tl := openTestLog(t, dir)
	tl.Append(write("s", api.ExpectedVersionAny, newEvents(1)))
	tl.collect(t, 2)
	require.NoError(t, tl.Close())

	path := filepath.Join(dir, walFileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[frameHeaderSize+2] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, log := logger.NewTestLogger()
	_, err = Open(dir, api.FsyncCfg{BatchSize: 1, Timeout: time.Millisecond}, WithLogger(log))
	require.Error(t, err)
	assert.ErrorIs(t, err, errCorruptFrame)
}

func TestEventLog_AppendAfterClose(t *testing.T) {
	tl := openTestLog(t, "")
	require.NoError(t, tl.Close())
	require.NoError(t, tl.Close())

	tl.Append(write("s", api.ExpectedVersionAny, newEvents(1)))
	select {
	case n := <-tl.notes:
		t.Fatalf("unexpected notification %T", n)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRecord_UnknownFieldsSkipped(t *testing.T) {
	rec := &Record{
		Type:                RecordCommit,
		CorrelationID:       uuid.New(),
		Stream:              "s",
		TransactionPosition: 12,
		FirstEventNumber:    3,
		LastEventNumber:     4,
	}
	b := marshalRecord(rec)
	// field 99, varint 7
	b = append(b, 0x98, 0x06, 0x07)

	var got Record
	require.NoError(t, unmarshalRecord(b, &got))
	assert.Equal(t, *rec, got)

	require.Error(t, unmarshalRecord([]byte{0x08}, &got), "truncated varint")
}
