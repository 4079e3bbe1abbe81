package api

import "github.com/google/uuid"

// Notification is an asynchronous message from a collaborator to the
// coordinator. The set of implementations is closed.
type Notification interface {
	isNotification()
}

// Targeted notifications concern exactly one in-flight operation.
type Targeted interface {
	Notification
	Target() uuid.UUID
}

// Notifier accepts notifications. Implementations must not block indefinitely.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// Correlated is embedded by targeted notifications.
type Correlated struct {
	CorrelationID uuid.UUID
}

func (c Correlated) Target() uuid.UUID { return c.CorrelationID }
func (Correlated) isNotification()     {}

// PrepareAcknowledged reports a prepare record durable in the local log.
type PrepareAcknowledged struct {
	Correlated
	LogPosition Position
	// TransactionPosition is the position of the transaction start record the
	// prepare belongs to; for implicit transactions it equals the first prepare.
	TransactionPosition Position
}

// LocallyCommitted reports the commit record durable in the local log.
type LocallyCommitted struct {
	Correlated
	CommitPosition   Position
	FirstEventNumber int64
	LastEventNumber  int64
}

// AlreadyCommitted reports that the operation's effect is already part of the log.
type AlreadyCommitted struct {
	Correlated
	LogPosition      Position
	FirstEventNumber int64
	LastEventNumber  int64
}

type WrongExpectedVersion struct {
	Correlated
	CurrentVersion int64
}

type InvalidTransaction struct {
	Correlated
	Reason string
}

type StreamDeleted struct {
	Correlated
}

// ReplicatedTo reports that every record up to and including Position is
// acknowledged by a quorum.
type ReplicatedTo struct {
	Position Position
}

func (ReplicatedTo) isNotification() {}

// IndexedTo reports that every record up to and including Position is searchable.
type IndexedTo struct {
	Position Position
}

func (IndexedTo) isNotification() {}

var (
	_ Targeted     = PrepareAcknowledged{}
	_ Targeted     = LocallyCommitted{}
	_ Targeted     = AlreadyCommitted{}
	_ Targeted     = WrongExpectedVersion{}
	_ Targeted     = InvalidTransaction{}
	_ Targeted     = StreamDeleted{}
	_ Notification = ReplicatedTo{}
	_ Notification = IndexedTo{}
)
