package api

import (
	"strconv"

	"github.com/google/uuid"
)

// Position is a log position. The log writer assigns positions in strictly
// increasing order; the default writer uses byte offsets in its WAL.
type Position int64

// ExpectedVersion is the optimistic concurrency check carried by writes.
// Values >= 0 denote an exact stream revision.
type ExpectedVersion int64

const (
	ExpectedVersionAny          ExpectedVersion = -2
	ExpectedVersionNoStream     ExpectedVersion = -1
	ExpectedVersionStreamExists ExpectedVersion = -4
)

func (v ExpectedVersion) String() string {
	switch v {
	case ExpectedVersionAny:
		return "any"
	case ExpectedVersionNoStream:
		return "no-stream"
	case ExpectedVersionStreamExists:
		return "stream-exists"
	default:
		return strconv.FormatInt(int64(v), 10)
	}
}

// Valid reports whether v is either a known sentinel or an exact revision.
func (v ExpectedVersion) Valid() bool {
	switch v {
	case ExpectedVersionAny, ExpectedVersionNoStream, ExpectedVersionStreamExists:
		return true
	}
	return v >= 0
}

// Event is a single event appended to a stream. Its payload is opaque to the
// coordination core.
type Event struct {
	ID       uuid.UUID
	Type     string
	Data     []byte
	Metadata []byte
	IsJSON   bool
}

// OperationKind is the closed set of client operations.
type OperationKind uint8

const (
	_ OperationKind = iota
	KindWriteEvents
	KindDeleteStream
	KindTransactionStart
	KindTransactionWrite
	KindTransactionCommit
)

func (k OperationKind) String() string {
	switch k {
	case KindWriteEvents:
		return "write_events"
	case KindDeleteStream:
		return "delete_stream"
	case KindTransactionStart:
		return "transaction_start"
	case KindTransactionWrite:
		return "transaction_write"
	case KindTransactionCommit:
		return "transaction_commit"
	default:
		return "unknown"
	}
}

// IsTransactional reports whether the kind belongs to explicit multi-step
// transactions.
func (k OperationKind) IsTransactional() bool {
	return k == KindTransactionStart || k == KindTransactionWrite || k == KindTransactionCommit
}

// Role is the node role as published by the leadership layer.
type Role uint8

const (
	RoleUnknown Role = iota
	RoleLeader
	RoleResigningLeader
	RoleFollower
	RoleCandidate
)

func (r Role) String() string {
	switch r {
	case RoleLeader:
		return "leader"
	case RoleResigningLeader:
		return "resigning_leader"
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	default:
		return "unknown"
	}
}

// OperationHandle identifies a submitted operation.
type OperationHandle struct {
	ID uuid.UUID
	// Rejected is true when the command was answered synchronously and
	// never entered the operation table.
	Rejected bool
}
