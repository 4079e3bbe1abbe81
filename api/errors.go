package api

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidOperation                 = errors.New("eventlog: invalid operation")
	ErrExplicitTransactionsNotSupported = errors.New("eventlog: explicit transactions are not supported")
	ErrNotLeader                        = errors.New("eventlog: node is not the leader")
	ErrStreamDeleted                    = errors.New("eventlog: stream deleted")
	ErrInvalidTransaction               = errors.New("eventlog: invalid transaction")
	ErrPrepareTimeout                   = errors.New("eventlog: prepare timeout")
	ErrCommitTimeout                    = errors.New("eventlog: commit timeout")
	ErrDurabilityTimeout                = errors.New("eventlog: durability timeout")
	ErrWrongExpectedVersion             = errors.New("eventlog: wrong expected version")
)

// WrongExpectedVersionError is returned when the stream revision does not
// match the expected version carried by the command.
//
// It matches ErrWrongExpectedVersion with errors.Is.
type WrongExpectedVersionError struct {
	Stream   string
	Expected ExpectedVersion
	Actual   int64
}

func (e *WrongExpectedVersionError) Error() string {
	return fmt.Sprintf("eventlog: wrong expected version for stream %q: expected %s, actual %d",
		e.Stream, e.Expected, e.Actual)
}

func (e *WrongExpectedVersionError) Is(target error) bool {
	return target == ErrWrongExpectedVersion
}

// IsTimeout reports whether err is one of the stage timeout errors.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrPrepareTimeout) ||
		errors.Is(err, ErrCommitTimeout) ||
		errors.Is(err, ErrDurabilityTimeout)
}
