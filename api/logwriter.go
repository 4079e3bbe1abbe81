package api

import "github.com/google/uuid"

// AppendRequest is issued by an operation to the log writer.
type AppendRequest struct {
	CorrelationID   uuid.UUID
	Kind            OperationKind
	Stream          string
	ExpectedVersion ExpectedVersion
	Events          []Event
	HardDelete      bool
	TransactionID   int64
}

// LogWriter appends records to the local log.
//
// Append is fire-and-forget: it must not block and reports every outcome as a
// Notification tagged with req.CorrelationID.
type LogWriter interface {
	Append(req AppendRequest)
}

// LogWriterFunc adapts a function to the LogWriter interface.
type LogWriterFunc func(req AppendRequest)

func (f LogWriterFunc) Append(req AppendRequest) { f(req) }

// CommittedEvent is an event whose commit record is durable in the local log.
type CommittedEvent struct {
	Stream          string
	EventNumber     int64
	PreparePosition Position
	CommitPosition  Position
	Event           Event
}
