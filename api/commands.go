package api

// Command is a client request accepted by the coordinator.
// The set of implementations is closed.
type Command interface {
	Kind() OperationKind
	// Correlation returns the client correlation id echoed in the Result.
	Correlation() string
	// ReplyTo returns the envelope that receives the terminal Result.
	ReplyTo() Envelope

	isCommand()
}

// Base carries the fields shared by every command.
type Base struct {
	ClientCorrelationID string
	Envelope            Envelope
}

func (b Base) Correlation() string { return b.ClientCorrelationID }
func (b Base) ReplyTo() Envelope   { return b.Envelope }
func (Base) isCommand()            {}

type WriteEvents struct {
	Base
	Stream          string
	ExpectedVersion ExpectedVersion
	Events          []Event
}

func (WriteEvents) Kind() OperationKind { return KindWriteEvents }

type DeleteStream struct {
	Base
	Stream          string
	ExpectedVersion ExpectedVersion
	HardDelete      bool
}

func (DeleteStream) Kind() OperationKind { return KindDeleteStream }

type TransactionStart struct {
	Base
	Stream          string
	ExpectedVersion ExpectedVersion
}

func (TransactionStart) Kind() OperationKind { return KindTransactionStart }

type TransactionWrite struct {
	Base
	TransactionID int64
	Events        []Event
}

func (TransactionWrite) Kind() OperationKind { return KindTransactionWrite }

type TransactionCommit struct {
	Base
	TransactionID int64
}

func (TransactionCommit) Kind() OperationKind { return KindTransactionCommit }

var (
	_ Command = WriteEvents{}
	_ Command = DeleteStream{}
	_ Command = TransactionStart{}
	_ Command = TransactionWrite{}
	_ Command = TransactionCommit{}
)
