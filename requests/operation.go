package requests

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shrtyk/eventlog-core/api"
)

// State is the lifecycle stage of an in-flight operation.
type State uint8

const (
	_ State = iota
	// Preparing waits for every prepare acknowledgement.
	Preparing
	// Committing waits for the local commit record (commit kinds only).
	Committing
	// LocallyCommitted has a durability target and waits for replication.
	LocallyCommitted
	// AwaitingDurability is replicated and waits for indexing.
	AwaitingDurability
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Preparing:
		return "preparing"
	case Committing:
		return "committing"
	case LocallyCommitted:
		return "locally_committed"
	case AwaitingDurability:
		return "awaiting_durability"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// host is the part of the coordinator an operation talks to.
type host interface {
	watermark() *Watermark
	logWriter() api.LogWriter
	timings() api.RequestTimings
	now() time.Time
	log() *slog.Logger
	onCompleted(op *operation, r api.Result)
}

// operation is the state machine of a single in-flight command. One type
// serves every kind; per-kind behaviour comes from kindPolicy.
type operation struct {
	id     uuid.UUID
	cmd    api.Command
	kind   api.OperationKind
	policy kindPolicy
	host   host

	state       State
	terminal    bool
	startedAt   time.Time
	deadline    time.Time
	deadlineErr error

	pendingPrepares int
	acked           map[api.Position]struct{}

	preparePosition  api.Position
	target           api.Position
	transactionID    int64
	firstEventNumber int64
	lastEventNumber  int64
}

func newOperation(id uuid.UUID, cmd api.Command, h host) (*operation, error) {
	policy, err := policyFor(cmd.Kind())
	if err != nil {
		return nil, err
	}
	return &operation{
		id:              id,
		cmd:             cmd,
		kind:            cmd.Kind(),
		policy:          policy,
		host:            h,
		preparePosition: -1,
		target:          -1,
		transactionID:   transactionOf(cmd),
		acked:           make(map[api.Position]struct{}),
	}, nil
}

// start issues the local append and begins timing the prepare stage.
func (op *operation) start(now time.Time) {
	op.state = Preparing
	op.startedAt = now
	op.setDeadline(now, op.host.timings().PrepareTimeout, api.ErrPrepareTimeout)
	op.pendingPrepares = expectedPrepares(op.cmd)
	op.host.logWriter().Append(appendRequest(op.id, op.cmd))
}

// apply routes a targeted notification to its handler.
func (op *operation) apply(n api.Notification) {
	switch n := n.(type) {
	case api.PrepareAcknowledged:
		op.onPrepareAcknowledged(n)
	case api.LocallyCommitted:
		op.onLocallyCommitted(n)
	case api.AlreadyCommitted:
		op.onAlreadyCommitted(n)
	case api.WrongExpectedVersion:
		op.onWrongExpectedVersion(n)
	case api.InvalidTransaction:
		op.onInvalidTransaction(n)
	case api.StreamDeleted:
		op.onStreamDeleted(n)
	default:
		op.host.log().Warn("unexpected notification for operation",
			slog.String("op", op.id.String()), slog.String("type", typeName(n)))
	}
}

func (op *operation) onPrepareAcknowledged(n api.PrepareAcknowledged) {
	if op.terminal || op.state != Preparing {
		return
	}
	if _, dup := op.acked[n.LogPosition]; dup {
		return
	}
	op.acked[n.LogPosition] = struct{}{}

	if op.preparePosition < 0 || n.LogPosition < op.preparePosition {
		op.preparePosition = n.LogPosition
	}
	if op.kind == api.KindTransactionStart {
		op.transactionID = int64(n.TransactionPosition)
	}
	if n.LogPosition > op.target {
		// Until a commit is seen the highest prepare is the candidate target.
		op.target = n.LogPosition
	}

	op.pendingPrepares--
	if op.pendingPrepares > 0 {
		return
	}

	if op.policy.commitRecord {
		op.state = Committing
		op.setDeadline(op.host.now(), op.host.timings().CommitTimeout, api.ErrCommitTimeout)
		return
	}
	op.recordTarget(op.target)
}

func (op *operation) onLocallyCommitted(n api.LocallyCommitted) {
	if op.terminal {
		return
	}
	if !op.policy.commitRecord {
		op.host.log().Debug("ignoring commit for kind without commit record",
			slog.String("op", op.id.String()), slog.String("kind", op.kind.String()))
		return
	}
	if op.state != Preparing && op.state != Committing {
		return
	}
	op.firstEventNumber = n.FirstEventNumber
	op.lastEventNumber = n.LastEventNumber
	op.recordTarget(n.CommitPosition)
}

// recordTarget stores the durability target and checks it right away, the
// watermark may already be past it.
func (op *operation) recordTarget(p api.Position) {
	op.target = p
	op.state = LocallyCommitted
	op.setDeadline(op.host.now(), op.host.timings().DurabilityTimeout, api.ErrDurabilityTimeout)
	op.onDurabilityAdvanced()
}

// onDurabilityAdvanced re-checks the watermark against the target.
func (op *operation) onDurabilityAdvanced() {
	if op.terminal {
		return
	}
	wm := op.host.watermark()
	switch op.state {
	case LocallyCommitted:
		if !wm.IsReplicated(op.target) {
			return
		}
		if op.policy.needsIndex && !wm.IsIndexed(op.target) {
			op.state = AwaitingDurability
			return
		}
		op.succeed()
	case AwaitingDurability:
		if wm.IsIndexed(op.target) {
			op.succeed()
		}
	}
}

func (op *operation) onAlreadyCommitted(n api.AlreadyCommitted) {
	if op.terminal {
		return
	}
	op.firstEventNumber = n.FirstEventNumber
	op.lastEventNumber = n.LastEventNumber
	op.target = n.LogPosition
	if op.preparePosition < 0 {
		op.preparePosition = n.LogPosition
	}
	op.succeed()
}

func (op *operation) onWrongExpectedVersion(n api.WrongExpectedVersion) {
	if op.terminal || !op.acceptsFailure(failWrongExpectedVersion, "wrong_expected_version") {
		return
	}
	r := op.result(&api.WrongExpectedVersionError{
		Stream:   streamOf(op.cmd),
		Expected: expectedVersionOf(op.cmd),
		Actual:   n.CurrentVersion,
	})
	r.CurrentVersion = n.CurrentVersion
	op.finish(Failed, r)
}

func (op *operation) onInvalidTransaction(n api.InvalidTransaction) {
	if op.terminal || !op.acceptsFailure(failInvalidTransaction, "invalid_transaction") {
		return
	}
	op.fail(api.ErrInvalidTransaction)
}

func (op *operation) onStreamDeleted(api.StreamDeleted) {
	if op.terminal || !op.acceptsFailure(failStreamDeleted, "stream_deleted") {
		return
	}
	op.fail(api.ErrStreamDeleted)
}

// onTick fails the operation once the deadline of its current stage passed.
func (op *operation) onTick(now time.Time) {
	if op.terminal || op.deadline.IsZero() {
		return
	}
	if !now.After(op.deadline) {
		return
	}
	op.host.log().Warn("operation timed out",
		slog.String("op", op.id.String()),
		slog.String("kind", op.kind.String()),
		slog.String("state", op.state.String()),
		slog.Duration("elapsed", now.Sub(op.startedAt)),
	)
	op.fail(op.deadlineErr)
}

// dispose drops the operation without replying.
func (op *operation) dispose() {
	if op.terminal {
		return
	}
	op.terminal = true
	op.state = Failed
}

func (op *operation) acceptsFailure(f failure, name string) bool {
	if op.policy.accepts(f) {
		return true
	}
	op.host.log().Warn("ignoring failure notification not applicable to kind",
		slog.String("op", op.id.String()),
		slog.String("kind", op.kind.String()),
		slog.String("failure", name),
	)
	return false
}

// setDeadline arms the stage timeout. A non-positive timeout disarms it.
func (op *operation) setDeadline(now time.Time, timeout time.Duration, err error) {
	if timeout <= 0 {
		op.deadline = time.Time{}
		op.deadlineErr = nil
		return
	}
	op.deadline = now.Add(timeout)
	op.deadlineErr = err
}

func (op *operation) succeed() {
	op.finish(Completed, op.result(nil))
}

func (op *operation) fail(err error) {
	op.finish(Failed, op.result(err))
}

// finish emits the single terminal reply.
func (op *operation) finish(st State, r api.Result) {
	op.terminal = true
	op.state = st
	if env := op.cmd.ReplyTo(); env != nil {
		env.Reply(r)
	}
	op.host.onCompleted(op, r)
}

func (op *operation) result(err error) api.Result {
	r := api.Result{
		Kind:                op.kind,
		ClientCorrelationID: op.cmd.Correlation(),
		Err:                 err,
		FirstEventNumber:    -1,
		LastEventNumber:     -1,
		PreparePosition:     -1,
		CommitPosition:      -1,
		TransactionID:       -1,
		CurrentVersion:      -1,
	}
	if err != nil {
		return r
	}
	switch op.kind {
	case api.KindWriteEvents, api.KindTransactionCommit:
		r.FirstEventNumber = op.firstEventNumber
		r.LastEventNumber = op.lastEventNumber
		r.PreparePosition = op.preparePosition
		r.CommitPosition = op.target
		if op.kind == api.KindTransactionCommit {
			r.TransactionID = op.transactionID
		}
	case api.KindDeleteStream:
		r.LastEventNumber = op.lastEventNumber
		r.PreparePosition = op.preparePosition
		r.CommitPosition = op.target
	case api.KindTransactionStart, api.KindTransactionWrite:
		r.TransactionID = op.transactionID
		r.PreparePosition = op.preparePosition
	}
	return r
}
