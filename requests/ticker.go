package requests

import "time"

// ticker is the shared timeout clock: a single tick per interval is offered
// to every in-flight operation, no operation owns a timer of its own.
func (c *Coordinator) ticker() {
	t := time.NewTicker(c.cfg.Timings.TickInterval)
	defer t.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.Tick(c.clock.Now())
		}
	}
}
