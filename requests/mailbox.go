package requests

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shrtyk/eventlog-core/api"
)

// message is an entry of the coordinator mailbox.
type message interface {
	isMessage()
}

type submitMsg struct {
	id  uuid.UUID
	cmd api.Command
}

type notifyMsg struct {
	n api.Notification
}

type tickMsg struct {
	now time.Time
}

type roleMsg struct {
	role api.Role
}

// syncMsg is closed by the loop once every earlier message was handled.
type syncMsg struct {
	done chan struct{}
}

func (submitMsg) isMessage() {}
func (notifyMsg) isMessage() {}
func (tickMsg) isMessage()   {}
func (roleMsg) isMessage()   {}
func (syncMsg) isMessage()   {}

// loop is the single consumer of the mailbox
func (c *Coordinator) loop() {
	defer c.logger.Info("coordinator loop exiting")
	c.logger.Info("coordinator loop starting")

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.mailbox:
			c.handle(msg)
		}
	}
}

// Sync blocks until the loop handled every message enqueued before it. It
// returns false once the coordinator is stopped.
func (c *Coordinator) Sync() bool {
	done := make(chan struct{})
	select {
	case c.mailbox <- syncMsg{done: done}:
	case <-c.ctx.Done():
		return false
	}
	select {
	case <-done:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *Coordinator) handle(msg message) {
	switch m := msg.(type) {
	case submitMsg:
		c.handleSubmit(m.id, m.cmd)
	case notifyMsg:
		c.handleNotification(m.n)
	case tickMsg:
		c.handleTick(m.now)
	case roleMsg:
		c.handleRoleChanged(m.role)
	case syncMsg:
		close(m.done)
	default:
		c.logger.Warn("unknown mailbox message", slog.String("type", typeName(msg)))
	}
	c.publishStats()
}

func (c *Coordinator) handleSubmit(id uuid.UUID, cmd api.Command) {
	if c.role != api.RoleLeader {
		c.reject(cmd, api.ErrNotLeader)
		return
	}
	op, err := newOperation(id, cmd, c)
	if err != nil {
		c.reject(cmd, err)
		return
	}
	c.ops[id] = op
	c.metrics.recordSubmitted(op.kind)
	c.logger.Debug("operation submitted",
		slog.String("op", id.String()),
		slog.String("kind", op.kind.String()),
		slog.String("client_correlation_id", cmd.Correlation()),
	)
	op.start(c.clock.Now())
}

func (c *Coordinator) handleNotification(n api.Notification) {
	switch n := n.(type) {
	case api.ReplicatedTo:
		if c.wm.RecordReplicated(n.Position) {
			c.offerDurability()
		}
	case api.IndexedTo:
		if c.wm.RecordIndexed(n.Position) {
			c.offerDurability()
		}
	case api.Targeted:
		op, ok := c.ops[n.Target()]
		if !ok {
			c.logger.Debug("dropping notification for unknown operation",
				slog.String("op", n.Target().String()),
				slog.String("type", typeName(n)),
			)
			return
		}
		op.apply(n)
	default:
		c.logger.Warn("unknown notification", slog.String("type", typeName(n)))
	}
}

// offerDurability re-evaluates every live operation after a watermark moved.
func (c *Coordinator) offerDurability() {
	for _, op := range c.ops {
		op.onDurabilityAdvanced()
	}
}

func (c *Coordinator) handleTick(now time.Time) {
	for _, op := range c.ops {
		op.onTick(now)
	}
}

func (c *Coordinator) handleRoleChanged(role api.Role) {
	prev := c.role
	c.role = role
	if prev != role {
		c.logger.Info("node role changed",
			slog.String("from", prev.String()),
			slog.String("to", role.String()),
			slog.Int("in_flight", len(c.ops)),
		)
	}

	switch role {
	case api.RoleLeader:
	case api.RoleResigningLeader:
		if prev != api.RoleResigningLeader {
			c.armDrain()
		}
		c.maybeSignalDrained()
	default:
		c.disposeAll()
	}
}

// disposeAll drops every in-flight operation without a reply. The new
// leader has none of this node's in-memory state so clients must retry.
func (c *Coordinator) disposeAll() {
	if len(c.ops) == 0 {
		return
	}
	c.logger.Warn("leadership lost, disposing in-flight operations", slog.Int("count", len(c.ops)))
	for id, op := range c.ops {
		op.dispose()
		c.metrics.recordDisposed(op.kind)
		c.counters.Disposed++
		delete(c.ops, id)
	}
}

// armDrain prepares a fresh drained signal for a new resignation.
func (c *Coordinator) armDrain() {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	if !c.drainArmed {
		select {
		case <-c.drainCh:
			c.drainCh = make(chan struct{})
		default:
		}
	}
	c.drainArmed = true
}

func (c *Coordinator) maybeSignalDrained() {
	if c.role != api.RoleResigningLeader || len(c.ops) > 0 {
		return
	}
	c.drainMu.Lock()
	defer c.drainMu.Unlock()
	if !c.drainArmed {
		return
	}
	c.drainArmed = false
	close(c.drainCh)
	c.counters.Drained++
	c.metrics.recordDrained()
	c.logger.Info("request queue drained")
}

func (c *Coordinator) publishStats() {
	s := c.counters
	s.Role = c.role.String()
	s.InFlight = len(c.ops)
	s.LastReplicated = c.wm.Replicated()
	s.LastIndexed = c.wm.Indexed()
	c.stats.Store(&s)
}

func typeName(v any) string {
	return fmt.Sprintf("%T", v)
}
