package requests

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shrtyk/eventlog-core/api"
)

// failure is the set of terminal failure notifications a kind reacts to.
type failure uint8

const (
	failWrongExpectedVersion failure = 1 << iota
	failStreamDeleted
	failInvalidTransaction
)

// kindPolicy is what differs between operation kinds. Everything else is
// the shared transition function in operation.go.
type kindPolicy struct {
	// commitRecord is true when the log writer follows the prepares with a
	// commit record whose position becomes the durability target. Kinds
	// without one use their last prepare position instead.
	commitRecord bool
	needsIndex   bool
	failures     failure
}

func (p kindPolicy) accepts(f failure) bool { return p.failures&f != 0 }

func policyFor(k api.OperationKind) (kindPolicy, error) {
	switch k {
	case api.KindWriteEvents:
		return kindPolicy{
			commitRecord: true,
			failures:     failWrongExpectedVersion | failStreamDeleted,
		}, nil
	case api.KindDeleteStream:
		return kindPolicy{
			commitRecord: true,
			failures:     failWrongExpectedVersion | failStreamDeleted,
		}, nil
	case api.KindTransactionStart:
		return kindPolicy{
			failures: failWrongExpectedVersion | failStreamDeleted,
		}, nil
	case api.KindTransactionWrite:
		return kindPolicy{
			failures: failInvalidTransaction,
		}, nil
	case api.KindTransactionCommit:
		return kindPolicy{
			commitRecord: true,
			needsIndex:   true,
			failures:     failInvalidTransaction | failWrongExpectedVersion | failStreamDeleted,
		}, nil
	default:
		return kindPolicy{}, fmt.Errorf("%w: unknown kind %d", api.ErrInvalidOperation, k)
	}
}

// expectedPrepares is the number of prepare acknowledgements the log writer
// emits for cmd.
func expectedPrepares(cmd api.Command) int {
	switch c := cmd.(type) {
	case api.WriteEvents:
		return max(1, len(c.Events))
	case api.TransactionWrite:
		return max(1, len(c.Events))
	default:
		return 1
	}
}

func appendRequest(id uuid.UUID, cmd api.Command) api.AppendRequest {
	req := api.AppendRequest{CorrelationID: id, Kind: cmd.Kind()}
	switch c := cmd.(type) {
	case api.WriteEvents:
		req.Stream = c.Stream
		req.ExpectedVersion = c.ExpectedVersion
		req.Events = c.Events
	case api.DeleteStream:
		req.Stream = c.Stream
		req.ExpectedVersion = c.ExpectedVersion
		req.HardDelete = c.HardDelete
	case api.TransactionStart:
		req.Stream = c.Stream
		req.ExpectedVersion = c.ExpectedVersion
	case api.TransactionWrite:
		req.TransactionID = c.TransactionID
		req.Events = c.Events
	case api.TransactionCommit:
		req.TransactionID = c.TransactionID
	}
	return req
}

// streamOf returns the stream a command targets, or "" for commands that
// address a transaction.
func streamOf(cmd api.Command) string {
	switch c := cmd.(type) {
	case api.WriteEvents:
		return c.Stream
	case api.DeleteStream:
		return c.Stream
	case api.TransactionStart:
		return c.Stream
	default:
		return ""
	}
}

func expectedVersionOf(cmd api.Command) api.ExpectedVersion {
	switch c := cmd.(type) {
	case api.WriteEvents:
		return c.ExpectedVersion
	case api.DeleteStream:
		return c.ExpectedVersion
	case api.TransactionStart:
		return c.ExpectedVersion
	default:
		return api.ExpectedVersionAny
	}
}

func transactionOf(cmd api.Command) int64 {
	switch c := cmd.(type) {
	case api.TransactionWrite:
		return c.TransactionID
	case api.TransactionCommit:
		return c.TransactionID
	default:
		return -1
	}
}

// validate performs the synchronous checks done before a command may enter
// the operation table.
func validate(cmd api.Command, explicitTransactions bool) error {
	if cmd == nil {
		return fmt.Errorf("%w: nil command", api.ErrInvalidOperation)
	}
	if cmd.ReplyTo() == nil {
		return fmt.Errorf("%w: nil envelope", api.ErrInvalidOperation)
	}
	kind := cmd.Kind()
	if _, err := policyFor(kind); err != nil {
		return err
	}
	if kind.IsTransactional() && !explicitTransactions {
		return api.ErrExplicitTransactionsNotSupported
	}

	switch kind {
	case api.KindWriteEvents, api.KindDeleteStream, api.KindTransactionStart:
		if streamOf(cmd) == "" {
			return fmt.Errorf("%w: empty stream name", api.ErrInvalidOperation)
		}
		if ev := expectedVersionOf(cmd); !ev.Valid() {
			return fmt.Errorf("%w: expected version %d", api.ErrInvalidOperation, ev)
		}
	case api.KindTransactionWrite, api.KindTransactionCommit:
		if transactionOf(cmd) < 0 {
			return fmt.Errorf("%w: transaction id %d", api.ErrInvalidOperation, transactionOf(cmd))
		}
	}
	return nil
}
