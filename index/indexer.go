// Package index keeps an in-memory stream index over committed events and
// reports how far the log is searchable.
package index

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shrtyk/eventlog-core/api"
)

// Indexer makes committed events searchable once they are replicated.
//
// Committed events arrive from the log writer, replication progress arrives
// as api.ReplicatedTo. A background worker indexes everything up to the
// replicated position and publishes api.IndexedTo.
type Indexer struct {
	wg     sync.WaitGroup
	logger *slog.Logger
	ctx    context.Context
	cancel func()
	dead   int32

	mu          sync.RWMutex
	pending     []api.CommittedEvent
	replicated  api.Position
	indexedTo   api.Position
	streams     map[string][]api.CommittedEvent
	subscribers []api.Notifier

	signalChan chan struct{}
}

func New(log *slog.Logger) *Indexer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Indexer{
		logger:     log.With(slog.String("component", "index")),
		ctx:        ctx,
		cancel:     cancel,
		replicated: -1,
		indexedTo:  -1,
		streams:    make(map[string][]api.CommittedEvent),
		signalChan: make(chan struct{}, 1),
	}
}

// Subscribe registers n for IndexedTo notifications. It must be called
// before Start.
func (ix *Indexer) Subscribe(n api.Notifier) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.subscribers = append(ix.subscribers, n)
}

func (ix *Indexer) Start() {
	ix.wg.Go(ix.worker)
}

func (ix *Indexer) Stop() {
	if !atomic.CompareAndSwapInt32(&ix.dead, 0, 1) {
		return
	}
	ix.cancel()
	ix.wg.Wait()
}

// Committed queues events whose commit record is durable locally.
func (ix *Indexer) Committed(events []api.CommittedEvent) {
	if len(events) == 0 {
		return
	}
	ix.mu.Lock()
	ix.pending = append(ix.pending, events...)
	ix.mu.Unlock()
	ix.signal()
}

// Notify consumes ReplicatedTo, other notifications are ignored.
func (ix *Indexer) Notify(n api.Notification) {
	rt, ok := n.(api.ReplicatedTo)
	if !ok {
		return
	}
	ix.mu.Lock()
	if rt.Position > ix.replicated {
		ix.replicated = rt.Position
	}
	ix.mu.Unlock()
	ix.signal()
}

func (ix *Indexer) signal() {
	select {
	case ix.signalChan <- struct{}{}:
	default:
	}
}

// worker indexes replicated events in the background.
func (ix *Indexer) worker() {
	for {
		select {
		case <-ix.ctx.Done():
			return
		case <-ix.signalChan:
			if to, advanced := ix.catchUp(); advanced {
				ix.publish(to)
			}
		}
	}
}

// catchUp indexes every pending event committed at or below the replicated
// position.
func (ix *Indexer) catchUp() (api.Position, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	n := 0
	for _, ev := range ix.pending {
		if ev.CommitPosition > ix.replicated {
			break
		}
		ix.streams[ev.Stream] = append(ix.streams[ev.Stream], ev)
		n++
	}
	ix.pending = ix.pending[n:]
	if n > 0 {
		ix.logger.Debug("indexed events", slog.Int("count", n), slog.Int64("position", int64(ix.replicated)))
	}

	// Events committed below an already published position are indexed
	// late and announced again.
	if ix.replicated <= ix.indexedTo {
		return ix.indexedTo, n > 0
	}
	ix.indexedTo = ix.replicated
	return ix.indexedTo, true
}

func (ix *Indexer) publish(to api.Position) {
	ix.mu.RLock()
	subs := ix.subscribers
	ix.mu.RUnlock()
	for _, s := range subs {
		s.Notify(api.IndexedTo{Position: to})
	}
}

// IndexedTo returns the position up to which the log is searchable.
func (ix *Indexer) IndexedTo() api.Position {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.indexedTo
}

// LastEventNumber returns the number of the last indexed event of stream,
// -1 when nothing is indexed.
func (ix *Indexer) LastEventNumber(stream string) int64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	evs := ix.streams[stream]
	if len(evs) == 0 {
		return -1
	}
	return evs[len(evs)-1].EventNumber
}

// Lookup returns event number n of stream.
func (ix *Indexer) Lookup(stream string, n int64) (api.CommittedEvent, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	evs := ix.streams[stream]
	i := sort.Search(len(evs), func(i int) bool { return evs[i].EventNumber >= n })
	if i == len(evs) || evs[i].EventNumber != n {
		return api.CommittedEvent{}, false
	}
	return evs[i], true
}

// Read returns up to limit events of stream starting at event number from.
func (ix *Indexer) Read(stream string, from int64, limit int) []api.CommittedEvent {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	evs := ix.streams[stream]
	i := sort.Search(len(evs), func(i int) bool { return evs[i].EventNumber >= from })
	end := min(len(evs), i+max(0, limit))
	return append([]api.CommittedEvent(nil), evs[i:end]...)
}
