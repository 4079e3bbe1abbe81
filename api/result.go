package api

// Result is the single terminal reply for a command.
// Err is nil on success.
type Result struct {
	Kind                OperationKind
	ClientCorrelationID string
	Err                 error

	FirstEventNumber int64
	LastEventNumber  int64
	PreparePosition  Position
	CommitPosition   Position
	TransactionID    int64
	// CurrentVersion is set for wrong expected version failures.
	CurrentVersion int64
}

// Succeeded reports whether the result is a success.
func (r Result) Succeeded() bool { return r.Err == nil }

// Envelope receives exactly one Result per command.
type Envelope interface {
	Reply(Result)
}

// EnvelopeFunc adapts a function to the Envelope interface.
type EnvelopeFunc func(Result)

func (f EnvelopeFunc) Reply(r Result) { f(r) }

// ChanEnvelope delivers the Result on a buffered channel.
type ChanEnvelope chan Result

// NewChanEnvelope returns an envelope whose Reply never blocks.
func NewChanEnvelope() ChanEnvelope {
	return make(ChanEnvelope, 1)
}

func (c ChanEnvelope) Reply(r Result) {
	select {
	case c <- r:
	default:
	}
}
