package requests

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shrtyk/eventlog-core/api"
	"github.com/shrtyk/eventlog-core/internal/clock"
	"github.com/shrtyk/eventlog-core/pkg/logger"
)

var _ api.RequestCoordinator = (*Coordinator)(nil)

// Coordinator owns every in-flight write of a node.
//
// All state below the mailbox is mutated only by the loop goroutine; the
// exported methods just enqueue messages.
type Coordinator struct {
	wg      sync.WaitGroup
	cfg     *api.CoordinatorConfig
	writer  api.LogWriter
	clock   clock.Clock
	logger  *slog.Logger
	metrics *coordinatorMetrics
	dead    int32 // set by Stop()

	mailbox chan message
	ctx     context.Context
	cancel  func()

	// Loop-owned state:

	ops      map[uuid.UUID]*operation
	wm       *Watermark
	role     api.Role
	counters Stats

	// Drained signal, read by other goroutines through Drained().
	drainMu    sync.Mutex
	drainCh    chan struct{}
	drainArmed bool

	stats atomic.Pointer[Stats]
}

// Stats is a point-in-time view of the coordinator.
type Stats struct {
	Role           string       `json:"role"`
	InFlight       int          `json:"inFlight"`
	LastReplicated api.Position `json:"lastReplicated"`
	LastIndexed    api.Position `json:"lastIndexed"`
	Completed      uint64       `json:"completed"`
	Failed         uint64       `json:"failed"`
	Disposed       uint64       `json:"disposed"`
	Drained        uint64       `json:"drained"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. The default is built from cfg.Log.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithClock sets the clock used to timestamp submissions.
// The default is clock.Real.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

// New creates a coordinator issuing appends to writer. It starts as
// RoleUnknown and accepts writes only after RoleChanged(api.RoleLeader).
func New(cfg *api.CoordinatorConfig, writer api.LogWriter, opts ...Option) *Coordinator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:     cfg,
		writer:  writer,
		clock:   clock.Real{},
		mailbox: make(chan message, max(1, cfg.MailboxSize)),
		ctx:     ctx,
		cancel:  cancel,
		ops:     make(map[uuid.UUID]*operation),
		wm:      NewWatermark(),
		role:    api.RoleUnknown,
		drainCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.NewLogger(cfg.Log.Env, cfg.Log.AddSource)
	}
	c.logger = c.logger.With(slog.String("component", "requests"))
	c.metrics = newCoordinatorMetrics(c.logger)
	c.publishStats()
	return c
}

// Start runs the mailbox loop and the tick source.
func (c *Coordinator) Start() error {
	c.logger.Info("starting request coordinator",
		slog.Duration("prepare_timeout", c.cfg.Timings.PrepareTimeout),
		slog.Duration("commit_timeout", c.cfg.Timings.CommitTimeout),
		slog.Duration("durability_timeout", c.cfg.Timings.DurabilityTimeout),
		slog.Bool("explicit_transactions", c.cfg.ExplicitTransactions),
	)
	c.wg.Go(c.loop)
	if c.cfg.Timings.TickInterval > 0 {
		c.wg.Go(c.ticker)
	}
	return nil
}

// Stop terminates the loop. Operations still in flight get no reply.
func (c *Coordinator) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.dead, 0, 1) {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	c.logger.Info("request coordinator stopped")
	return nil
}

// Killed returns true once Stop has been called.
func (c *Coordinator) Killed() bool {
	return atomic.LoadInt32(&c.dead) == 1
}

// Submit validates cmd and hands it to the loop. Commands that fail
// validation are answered on the caller's goroutine.
func (c *Coordinator) Submit(cmd api.Command) api.OperationHandle {
	id := uuid.Must(uuid.NewV7())
	if err := validate(cmd, c.cfg.ExplicitTransactions); err != nil {
		c.reject(cmd, err)
		return api.OperationHandle{ID: id, Rejected: true}
	}
	c.enqueue(submitMsg{id: id, cmd: cmd})
	return api.OperationHandle{ID: id}
}

// Notify delivers a collaborator notification.
func (c *Coordinator) Notify(n api.Notification) {
	c.enqueue(notifyMsg{n: n})
}

// Tick offers now to every in-flight operation.
func (c *Coordinator) Tick(now time.Time) {
	c.enqueue(tickMsg{now: now})
}

// RoleChanged reports a node role transition.
func (c *Coordinator) RoleChanged(role api.Role) {
	c.enqueue(roleMsg{role: role})
}

// Drained returns the channel closed once the operation table is empty
// while resigning leadership.
func (c *Coordinator) Drained() <-chan struct{} {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	return c.drainCh
}

// Stats returns the latest published snapshot.
func (c *Coordinator) Stats() Stats {
	return *c.stats.Load()
}

func (c *Coordinator) reject(cmd api.Command, err error) {
	var kind api.OperationKind
	if cmd != nil {
		kind = cmd.Kind()
	}
	c.metrics.recordRejected(kind, err)
	c.logger.Debug("rejecting command", slog.String("kind", kind.String()), logger.ErrAttr(err))
	if cmd == nil || cmd.ReplyTo() == nil {
		return
	}
	cmd.ReplyTo().Reply(api.Result{
		Kind:                kind,
		ClientCorrelationID: cmd.Correlation(),
		Err:                 err,
		FirstEventNumber:    -1,
		LastEventNumber:     -1,
		PreparePosition:     -1,
		CommitPosition:      -1,
		TransactionID:       -1,
		CurrentVersion:      -1,
	})
}

func (c *Coordinator) enqueue(msg message) {
	select {
	case c.mailbox <- msg:
	case <-c.ctx.Done():
		c.logger.Debug("coordinator stopped, dropping message", slog.String("type", typeName(msg)))
	}
}

// host implementation

func (c *Coordinator) watermark() *Watermark { return c.wm }

func (c *Coordinator) logWriter() api.LogWriter { return c.writer }

func (c *Coordinator) timings() api.RequestTimings { return c.cfg.Timings }

func (c *Coordinator) now() time.Time { return c.clock.Now() }

func (c *Coordinator) log() *slog.Logger { return c.logger }

// onCompleted removes a finished operation from the table. A second call
// for the same id is a no-op.
func (c *Coordinator) onCompleted(op *operation, r api.Result) {
	if _, ok := c.ops[op.id]; !ok {
		c.logger.Warn("completion for unknown operation", slog.String("op", op.id.String()))
		return
	}
	delete(c.ops, op.id)

	elapsed := c.clock.Now().Sub(op.startedAt)
	c.metrics.recordCompleted(op.kind, r.Err, elapsed)
	if r.Err != nil {
		c.counters.Failed++
		c.logger.Debug("operation failed",
			slog.String("op", op.id.String()),
			slog.String("kind", op.kind.String()),
			logger.ErrAttr(r.Err),
		)
	} else {
		c.counters.Completed++
		c.logger.Debug("operation completed",
			slog.String("op", op.id.String()),
			slog.String("kind", op.kind.String()),
			slog.Int64("commit_position", int64(r.CommitPosition)),
		)
	}
	c.maybeSignalDrained()
}
