package requests

import "github.com/shrtyk/eventlog-core/api"

// Watermark tracks how far the cluster has durably accepted the log.
//
// Both positions only move forward; reports below the current value are
// ignored since replication and index notifications may arrive out of order.
// It is owned by the coordinator loop and is not safe for concurrent use.
type Watermark struct {
	replicated api.Position
	indexed    api.Position
}

// NewWatermark returns a watermark with nothing replicated or indexed.
func NewWatermark() *Watermark {
	return &Watermark{replicated: -1, indexed: -1}
}

// RecordReplicated raises the replicated position and reports whether it moved.
func (w *Watermark) RecordReplicated(p api.Position) bool {
	if p <= w.replicated {
		return false
	}
	w.replicated = p
	return true
}

// RecordIndexed raises the indexed position and reports whether it moved.
func (w *Watermark) RecordIndexed(p api.Position) bool {
	if p <= w.indexed {
		return false
	}
	w.indexed = p
	return true
}

func (w *Watermark) IsReplicated(p api.Position) bool { return w.replicated >= p }
func (w *Watermark) IsIndexed(p api.Position) bool    { return w.indexed >= p }

func (w *Watermark) Replicated() api.Position { return w.replicated }
func (w *Watermark) Indexed() api.Position    { return w.indexed }
