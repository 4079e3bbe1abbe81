package storage

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/pkg/logger"
)

const walFileName = "events.wal"

// FlushObserver learns the position of the last record made durable locally.
type FlushObserver interface {
	Flushed(pos api.Position)
}

// FlushObserverFunc adapts a function to the FlushObserver interface.
type FlushObserverFunc func(pos api.Position)

func (f FlushObserverFunc) Flushed(pos api.Position) { f(pos) }

// CommitSink receives events once their commit record is durable.
type CommitSink interface {
	Committed(events []api.CommittedEvent)
}

// CommitSinkFunc adapts a function to the CommitSink interface.
type CommitSinkFunc func(events []api.CommittedEvent)

func (f CommitSinkFunc) Committed(events []api.CommittedEvent) { f(events) }

// EventLog is the WAL-backed log writer.
//
// Append validates a request against the stream state, frames its records
// and hands them to a background worker that batches writes and fsyncs on
// batch size or timeout. Only after the fsync are the resulting
// notifications delivered. It is safe for concurrent use.
type EventLog struct {
	logger   *slog.Logger
	dir      string
	walPath  string
	fsyncCfg api.FsyncCfg
	metrics  *storageMetrics

	notifier api.Notifier
	flushed  FlushObserver
	sink     CommitSink

	walFile *os.File
	size    int64 // bytes written including the pending batch
	last    atomic.Int64
	state   *logState

	replayed   []api.CommittedEvent
	replayedTo api.Position

	reqCh        chan api.AppendRequest
	shutdownChan chan struct{}
	wg           sync.WaitGroup
	started      atomic.Bool
	closed       atomic.Bool
	failed       error
}

var _ api.LogWriter = (*EventLog)(nil)

// Option configures an EventLog.
type Option func(*EventLog)

func WithLogger(l *slog.Logger) Option {
	return func(e *EventLog) { e.logger = l }
}

// WithNotifier sets the receiver of prepare, commit and failure notifications.
func WithNotifier(n api.Notifier) Option {
	return func(e *EventLog) { e.notifier = n }
}

func WithFlushObserver(o FlushObserver) Option {
	return func(e *EventLog) { e.flushed = o }
}

func WithCommitSink(s CommitSink) Option {
	return func(e *EventLog) { e.sink = s }
}

// Open replays the WAL in dir and returns a log ready to Start.
func Open(dir string, cfg api.FsyncCfg, opts ...Option) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Millisecond
	}

	e := &EventLog{
		dir:          dir,
		walPath:      filepath.Join(dir, walFileName),
		fsyncCfg:     cfg,
		replayedTo:   -1,
		state:        newLogState(),
		reqCh:        make(chan api.AppendRequest, cfg.BatchSize*64),
		shutdownChan: make(chan struct{}),
	}
	e.last.Store(-1)
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logger.NewLogger(logger.Prod, false)
	}
	e.logger = e.logger.With(slog.String("component", "storage"))
	e.metrics = newStorageMetrics(e.logger)

	if err := e.replay(); err != nil {
		return nil, fmt.Errorf("failed to replay WAL: %w", err)
	}

	walFile, err := os.OpenFile(e.walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file %s: %w", e.walPath, err)
	}
	e.walFile = walFile
	if err := syncDir(dir); err != nil {
		e.logger.Warn("failed to sync storage directory", logger.ErrAttr(err))
	}

	e.logger.Info("event log opened",
		slog.String("path", e.walPath),
		slog.String("size", humanize.IBytes(uint64(e.size))),
		slog.Int("streams", len(e.state.streams)),
		slog.Int("open_transactions", len(e.state.open)),
	)
	return e, nil
}

// Start hands replayed events to the commit sink and starts the writer.
func (e *EventLog) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	if len(e.replayed) > 0 && e.sink != nil {
		e.sink.Committed(e.replayed)
	}
	e.replayed = nil
	if e.replayedTo >= 0 && e.flushed != nil {
		e.flushed.Flushed(e.replayedTo)
	}
	e.wg.Go(e.writer)
}

// Close stops the writer, flushing the pending batch, and closes the WAL.
func (e *EventLog) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(e.shutdownChan)
	e.wg.Wait()
	return e.walFile.Close()
}

// Append queues req for the writer. It never blocks: when the queue is full
// the request is dropped and the operation will time out.
func (e *EventLog) Append(req api.AppendRequest) {
	if e.closed.Load() {
		e.logger.Warn("append on closed event log", slog.String("op", req.CorrelationID.String()))
		return
	}
	select {
	case e.reqCh <- req:
	default:
		e.metrics.recordDropped()
		e.logger.Warn("append queue full, dropping request",
			slog.String("op", req.CorrelationID.String()),
			slog.String("kind", req.Kind.String()),
		)
	}
}

// FlushedTo returns the position of the last record made durable.
func (e *EventLog) FlushedTo() api.Position {
	return api.Position(e.last.Load())
}

// Path returns the WAL file path.
func (e *EventLog) Path() string {
	return e.walPath
}

// stopTimer safely stops a timer and drains its channel if the stop fails.
func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// batch is the writer's pending work between two fsyncs.
type batch struct {
	buf       []byte
	requests  int
	notes     []api.Notification
	committed []api.CommittedEvent
	last      api.Position
}

func (b *batch) reset() {
	b.buf = b.buf[:0]
	b.requests = 0
	b.notes = b.notes[:0]
	b.committed = b.committed[:0]
	b.last = -1
}

// writer is the background worker that validates, batches and writes to disk.
func (e *EventLog) writer() {
	b := &batch{last: -1}
	timer := time.NewTimer(e.fsyncCfg.Timeout)
	stopTimer(timer)

	for {
		select {
		case req := <-e.reqCh:
			e.process(b, req)
			b.requests++
			if b.requests == 1 {
				timer.Reset(e.fsyncCfg.Timeout)
			}
			if b.requests >= e.fsyncCfg.BatchSize {
				e.flush(b)
				stopTimer(timer)
			}
		case <-timer.C:
			if b.requests > 0 {
				e.flush(b)
			}
		case <-e.shutdownChan:
			for {
				select {
				case req := <-e.reqCh:
					e.process(b, req)
					b.requests++
				default:
					if b.requests > 0 {
						e.flush(b)
					}
					return
				}
			}
		}
	}
}

// flush writes the batch, fsyncs and only then publishes its outcome.
func (e *EventLog) flush(b *batch) {
	defer b.reset()
	if e.failed != nil {
		return
	}

	start := time.Now()
	if len(b.buf) > 0 {
		if _, err := e.walFile.Write(b.buf); err != nil {
			e.fail(fmt.Errorf("failed to write to WAL file: %w", err))
			return
		}
		if err := e.walFile.Sync(); err != nil {
			e.fail(fmt.Errorf("failed to sync WAL file: %w", err))
			return
		}
		e.metrics.recordFlush(len(b.buf), b.requests, time.Since(start))
	}

	if len(b.committed) > 0 && e.sink != nil {
		e.sink.Committed(append([]api.CommittedEvent(nil), b.committed...))
	}
	if b.last >= 0 {
		e.last.Store(int64(b.last))
		if e.flushed != nil {
			e.flushed.Flushed(b.last)
		}
	}
	if e.notifier != nil {
		for _, n := range b.notes {
			e.notifier.Notify(n)
		}
	}
}

// fail stops all further writes. The in-memory state may be ahead of the
// file, so the log must be reopened to recover.
func (e *EventLog) fail(err error) {
	e.failed = err
	e.logger.Error("event log failed, rejecting further appends", logger.ErrAttr(err))
}

// process validates req and appends its records to the batch.
func (e *EventLog) process(b *batch, req api.AppendRequest) {
	if e.failed != nil {
		return
	}
	e.metrics.recordAppend(req.Kind)

	switch req.Kind {
	case api.KindWriteEvents:
		e.writeEvents(b, req)
	case api.KindDeleteStream:
		e.deleteStream(b, req)
	case api.KindTransactionStart:
		e.transactionStart(b, req)
	case api.KindTransactionWrite:
		e.transactionWrite(b, req)
	case api.KindTransactionCommit:
		e.transactionCommit(b, req)
	default:
		e.logger.Warn("unknown append kind", slog.String("op", req.CorrelationID.String()))
	}
}

// write frames r at the end of the batch and folds it into the state.
func (e *EventLog) write(b *batch, r *Record) []api.CommittedEvent {
	r.Position = api.Position(e.size + int64(len(b.buf)))
	before := len(b.buf)
	b.buf = appendFrame(b.buf, r)
	e.size += int64(len(b.buf) - before)
	b.last = r.Position
	committed := e.state.apply(r)
	b.committed = append(b.committed, committed...)
	return committed
}

func (e *EventLog) notify(b *batch, n api.Notification) {
	b.notes = append(b.notes, n)
}

func correlated(id uuid.UUID) api.Correlated {
	return api.Correlated{CorrelationID: id}
}

func (e *EventLog) writeEvents(b *batch, req api.AppendRequest) {
	st := e.state.stream(req.Stream)
	if st.hardDeleted {
		e.notify(b, api.StreamDeleted{Correlated: correlated(req.CorrelationID)})
		return
	}
	if first, last, ok := e.state.alreadyWritten(req.Stream, req.Events); ok {
		e.notify(b, api.AlreadyCommitted{
			Correlated:       correlated(req.CorrelationID),
			LogPosition:      last.commit,
			FirstEventNumber: first.number,
			LastEventNumber:  last.number,
		})
		return
	}
	if !versionMatches(req.ExpectedVersion, st) {
		e.notify(b, api.WrongExpectedVersion{Correlated: correlated(req.CorrelationID), CurrentVersion: st.last})
		return
	}

	first := st.last + 1
	txPos := api.Position(e.size + int64(len(b.buf)))
	prepares := max(1, len(req.Events))
	for i := range prepares {
		r := &Record{
			Type:                RecordPrepare,
			CorrelationID:       req.CorrelationID,
			Stream:              req.Stream,
			TransactionPosition: txPos,
			ExpectedVersion:     req.ExpectedVersion,
		}
		if i < len(req.Events) {
			r.Event = req.Events[i]
		}
		e.write(b, r)
		e.notify(b, api.PrepareAcknowledged{
			Correlated:          correlated(req.CorrelationID),
			LogPosition:         r.Position,
			TransactionPosition: txPos,
		})
	}

	commit := &Record{
		Type:                RecordCommit,
		CorrelationID:       req.CorrelationID,
		Stream:              req.Stream,
		TransactionPosition: txPos,
		FirstEventNumber:    first,
		LastEventNumber:     first + int64(len(req.Events)) - 1,
	}
	e.write(b, commit)
	e.notify(b, api.LocallyCommitted{
		Correlated:       correlated(req.CorrelationID),
		CommitPosition:   commit.Position,
		FirstEventNumber: commit.FirstEventNumber,
		LastEventNumber:  commit.LastEventNumber,
	})
}

func (e *EventLog) deleteStream(b *batch, req api.AppendRequest) {
	st := e.state.stream(req.Stream)
	if st.hardDeleted {
		e.notify(b, api.StreamDeleted{Correlated: correlated(req.CorrelationID)})
		return
	}
	if !versionMatches(req.ExpectedVersion, st) {
		e.notify(b, api.WrongExpectedVersion{Correlated: correlated(req.CorrelationID), CurrentVersion: st.last})
		return
	}

	txPos := api.Position(e.size + int64(len(b.buf)))
	tombstone := &Record{
		Type:                RecordTombstone,
		CorrelationID:       req.CorrelationID,
		Stream:              req.Stream,
		TransactionPosition: txPos,
		ExpectedVersion:     req.ExpectedVersion,
		HardDelete:          req.HardDelete,
	}
	e.write(b, tombstone)
	e.notify(b, api.PrepareAcknowledged{
		Correlated:          correlated(req.CorrelationID),
		LogPosition:         tombstone.Position,
		TransactionPosition: txPos,
	})

	last := st.last
	commit := &Record{
		Type:                RecordCommit,
		CorrelationID:       req.CorrelationID,
		Stream:              req.Stream,
		TransactionPosition: txPos,
		FirstEventNumber:    -1,
		LastEventNumber:     last,
	}
	e.write(b, commit)
	e.notify(b, api.LocallyCommitted{
		Correlated:       correlated(req.CorrelationID),
		CommitPosition:   commit.Position,
		FirstEventNumber: -1,
		LastEventNumber:  last,
	})
	e.logger.Info("stream deleted", slog.String("stream", req.Stream), slog.Bool("hard", req.HardDelete))
}

func (e *EventLog) transactionStart(b *batch, req api.AppendRequest) {
	st := e.state.stream(req.Stream)
	if st.hardDeleted {
		e.notify(b, api.StreamDeleted{Correlated: correlated(req.CorrelationID)})
		return
	}
	if !versionMatches(req.ExpectedVersion, st) {
		e.notify(b, api.WrongExpectedVersion{Correlated: correlated(req.CorrelationID), CurrentVersion: st.last})
		return
	}

	start := &Record{
		Type:            RecordTxStart,
		CorrelationID:   req.CorrelationID,
		Stream:          req.Stream,
		ExpectedVersion: req.ExpectedVersion,
	}
	start.TransactionPosition = api.Position(e.size + int64(len(b.buf)))
	e.write(b, start)
	e.notify(b, api.PrepareAcknowledged{
		Correlated:          correlated(req.CorrelationID),
		LogPosition:         start.Position,
		TransactionPosition: start.Position,
	})
}

// openTransaction returns the explicit transaction id refers to.
func (e *EventLog) openTransaction(b *batch, req api.AppendRequest) (*pendingTx, bool) {
	tx, ok := e.state.open[api.Position(req.TransactionID)]
	if !ok || !tx.explicit {
		e.notify(b, api.InvalidTransaction{
			Correlated: correlated(req.CorrelationID),
			Reason:     fmt.Sprintf("transaction %d is not open", req.TransactionID),
		})
		return nil, false
	}
	return tx, true
}

func (e *EventLog) transactionWrite(b *batch, req api.AppendRequest) {
	tx, ok := e.openTransaction(b, req)
	if !ok {
		return
	}
	if len(req.Events) == 0 {
		// Nothing to write: the start record is the durable prepare.
		e.notify(b, api.PrepareAcknowledged{
			Correlated:          correlated(req.CorrelationID),
			LogPosition:         tx.start,
			TransactionPosition: tx.start,
		})
		return
	}
	prepared := tx.preparedAt()
	for _, ev := range req.Events {
		if pos, ok := prepared[ev.ID]; ok {
			// A resent write acknowledges the prepare already in the log.
			e.notify(b, api.PrepareAcknowledged{
				Correlated:          correlated(req.CorrelationID),
				LogPosition:         pos,
				TransactionPosition: tx.start,
			})
			continue
		}
		r := &Record{
			Type:                RecordPrepare,
			CorrelationID:       req.CorrelationID,
			Stream:              tx.stream,
			TransactionPosition: tx.start,
			Event:               ev,
		}
		e.write(b, r)
		e.notify(b, api.PrepareAcknowledged{
			Correlated:          correlated(req.CorrelationID),
			LogPosition:         r.Position,
			TransactionPosition: tx.start,
		})
	}
}

func (e *EventLog) transactionCommit(b *batch, req api.AppendRequest) {
	tx, ok := e.openTransaction(b, req)
	if !ok {
		return
	}
	st := e.state.stream(tx.stream)
	switch {
	case st.hardDeleted:
		delete(e.state.open, tx.start)
		e.notify(b, api.StreamDeleted{Correlated: correlated(req.CorrelationID)})
		return
	case !versionMatches(tx.expected, st):
		delete(e.state.open, tx.start)
		e.notify(b, api.WrongExpectedVersion{Correlated: correlated(req.CorrelationID), CurrentVersion: st.last})
		return
	}

	end := &Record{
		Type:                RecordTxEnd,
		CorrelationID:       req.CorrelationID,
		Stream:              tx.stream,
		TransactionPosition: tx.start,
	}
	e.write(b, end)
	e.notify(b, api.PrepareAcknowledged{
		Correlated:          correlated(req.CorrelationID),
		LogPosition:         end.Position,
		TransactionPosition: tx.start,
	})

	first := st.last + 1
	commit := &Record{
		Type:                RecordCommit,
		CorrelationID:       req.CorrelationID,
		Stream:              tx.stream,
		TransactionPosition: tx.start,
		FirstEventNumber:    first,
		LastEventNumber:     first + int64(len(tx.events)) - 1,
	}
	e.write(b, commit)
	e.notify(b, api.LocallyCommitted{
		Correlated:       correlated(req.CorrelationID),
		CommitPosition:   commit.Position,
		FirstEventNumber: commit.FirstEventNumber,
		LastEventNumber:  commit.LastEventNumber,
	})
}

// replay rebuilds the stream state from the WAL. A torn tail left by a crash
// mid-write is truncated.
func (e *EventLog) replay() error {
	f, err := os.Open(e.walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open WAL file for replay: %w", err)
	}
	defer f.Close()

	var (
		offset  int64
		records int
	)
	reader := bufio.NewReader(f)
	for {
		rec, n, err := readFrame(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				e.logger.Warn("truncating torn WAL tail",
					slog.Int64("offset", offset),
					slog.String("path", e.walPath),
				)
				if err := os.Truncate(e.walPath, offset); err != nil {
					return fmt.Errorf("failed to truncate WAL file: %w", err)
				}
				break
			}
			return fmt.Errorf("failed to decode WAL record at offset %d: %w", offset, err)
		}
		rec.Position = api.Position(offset)
		e.replayed = append(e.replayed, e.state.apply(rec)...)
		e.replayedTo = rec.Position
		offset += n
		records++
	}

	e.size = offset
	e.last.Store(int64(e.replayedTo))
	e.logger.Debug("WAL replayed", slog.Int("records", records), slog.Int("events", len(e.replayed)))
	return nil
}
