package storage

import (
	"github.com/google/uuid"
	"github.com/shrtyk/eventlog-core/api"
)

type streamState struct {
	last        int64 // -1 for an empty stream
	softDeleted bool
	hardDeleted bool
}

type eventRef struct {
	stream string
	number int64
	commit api.Position
}

type pendingEvent struct {
	position api.Position
	event    api.Event
}

// pendingTx collects prepares until their commit record.
type pendingTx struct {
	start     api.Position
	stream    string
	expected  api.ExpectedVersion
	explicit  bool
	events    []pendingEvent
	tombstone bool
	hard      bool
}

// preparedAt maps the event ids prepared so far to their log positions.
func (tx *pendingTx) preparedAt() map[uuid.UUID]api.Position {
	out := make(map[uuid.UUID]api.Position, len(tx.events))
	for _, pe := range tx.events {
		out[pe.event.ID] = pe.position
	}
	return out
}

// logState is the stream view rebuilt from the WAL. It is owned by the
// writer goroutine after Open returns.
type logState struct {
	streams map[string]*streamState
	events  map[uuid.UUID]eventRef
	open    map[api.Position]*pendingTx
}

func newLogState() *logState {
	return &logState{
		streams: make(map[string]*streamState),
		events:  make(map[uuid.UUID]eventRef),
		open:    make(map[api.Position]*pendingTx),
	}
}

func (s *logState) stream(name string) *streamState {
	st, ok := s.streams[name]
	if !ok {
		st = &streamState{last: -1}
		s.streams[name] = st
	}
	return st
}

// versionMatches checks ev against the current revision of st.
func versionMatches(ev api.ExpectedVersion, st *streamState) bool {
	exists := st.last >= 0 && !st.softDeleted
	switch ev {
	case api.ExpectedVersionAny:
		return true
	case api.ExpectedVersionNoStream:
		return !exists
	case api.ExpectedVersionStreamExists:
		return exists
	default:
		return int64(ev) == st.last
	}
}

// alreadyWritten reports whether every event id was committed to stream
// under consecutive numbers. It returns the reference of the last one.
func (s *logState) alreadyWritten(stream string, events []api.Event) (first eventRef, last eventRef, ok bool) {
	if len(events) == 0 {
		return eventRef{}, eventRef{}, false
	}
	for i, ev := range events {
		ref, found := s.events[ev.ID]
		if !found || ref.stream != stream {
			return eventRef{}, eventRef{}, false
		}
		if i == 0 {
			first = ref
		} else if ref.number != first.number+int64(i) {
			return eventRef{}, eventRef{}, false
		}
		last = ref
	}
	return first, last, true
}

// apply folds a record into the state. It is used both when replaying the
// WAL and after the writer validated a request, so the two can not diverge.
// Commit records return the events they made visible.
func (s *logState) apply(r *Record) []api.CommittedEvent {
	switch r.Type {
	case RecordTxStart:
		s.open[r.Position] = &pendingTx{
			start:    r.Position,
			stream:   r.Stream,
			expected: r.ExpectedVersion,
			explicit: true,
		}
	case RecordPrepare:
		// An empty prepare opens a transaction without events.
		tx := s.txFor(r)
		if r.Event.ID != uuid.Nil {
			tx.events = append(tx.events, pendingEvent{position: r.Position, event: r.Event})
		}
	case RecordTombstone:
		tx := s.txFor(r)
		tx.tombstone = true
		tx.hard = r.HardDelete
	case RecordTxEnd:
	case RecordCommit:
		return s.commit(r)
	}
	return nil
}

// txFor returns the transaction a prepare belongs to. Implicit transactions
// start with their first prepare.
func (s *logState) txFor(r *Record) *pendingTx {
	tx, ok := s.open[r.TransactionPosition]
	if !ok {
		tx = &pendingTx{start: r.TransactionPosition, stream: r.Stream, expected: r.ExpectedVersion}
		s.open[r.TransactionPosition] = tx
	}
	return tx
}

func (s *logState) commit(r *Record) []api.CommittedEvent {
	tx, ok := s.open[r.TransactionPosition]
	if !ok {
		return nil
	}
	delete(s.open, r.TransactionPosition)
	st := s.stream(tx.stream)

	if tx.tombstone {
		if tx.hard {
			st.hardDeleted = true
		}
		st.softDeleted = true
		return nil
	}
	if len(tx.events) == 0 {
		return nil
	}

	committed := make([]api.CommittedEvent, 0, len(tx.events))
	for i, pe := range tx.events {
		n := r.FirstEventNumber + int64(i)
		s.events[pe.event.ID] = eventRef{stream: tx.stream, number: n, commit: r.Position}
		committed = append(committed, api.CommittedEvent{
			Stream:          tx.stream,
			EventNumber:     n,
			PreparePosition: pe.position,
			CommitPosition:  r.Position,
			Event:           pe.event,
		})
	}
	st.last = r.FirstEventNumber + int64(len(tx.events)) - 1
	st.softDeleted = false
	return committed
}
