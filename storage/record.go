package storage

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shrtyk/eventlog-core/api"
	"google.golang.org/protobuf/encoding/protowire"
)

// RecordType is the kind of a WAL record.
type RecordType uint8

const (
	_ RecordType = iota
	// RecordPrepare carries one event of a transaction.
	RecordPrepare
	// RecordTombstone is the prepare of a stream deletion.
	RecordTombstone
	// RecordTxStart opens a transaction. Its position is the transaction id.
	RecordTxStart
	// RecordTxEnd closes the prepares of an explicit transaction.
	RecordTxEnd
	// RecordCommit makes every prepare of a transaction visible.
	RecordCommit
)

func (t RecordType) String() string {
	switch t {
	case RecordPrepare:
		return "prepare"
	case RecordTombstone:
		return "tombstone"
	case RecordTxStart:
		return "tx_start"
	case RecordTxEnd:
		return "tx_end"
	case RecordCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Record is a single WAL record. Position is not encoded, it is the byte
// offset of the record's frame.
type Record struct {
	Position            api.Position
	Type                RecordType
	CorrelationID       uuid.UUID
	Stream              string
	TransactionPosition api.Position
	ExpectedVersion     api.ExpectedVersion
	Event               api.Event
	HardDelete          bool
	FirstEventNumber    int64
	LastEventNumber     int64
}

const (
	fieldType protowire.Number = iota + 1
	fieldCorrelationID
	fieldStream
	fieldTransactionPosition
	fieldExpectedVersion
	fieldEventID
	fieldEventType
	fieldEventData
	fieldEventMetadata
	fieldEventIsJSON
	fieldHardDelete
	fieldFirstEventNumber
	fieldLastEventNumber
)

var errMalformedRecord = errors.New("malformed record")

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSigned(b []byte, num protowire.Number, v int64) []byte {
	return appendVarint(b, num, protowire.EncodeZigZag(v))
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// marshalRecord encodes r in protobuf wire format.
func marshalRecord(r *Record) []byte {
	b := make([]byte, 0, 64+len(r.Event.Data)+len(r.Event.Metadata))
	b = appendVarint(b, fieldType, uint64(r.Type))
	b = appendBytes(b, fieldCorrelationID, r.CorrelationID[:])
	if r.Stream != "" {
		b = protowire.AppendTag(b, fieldStream, protowire.BytesType)
		b = protowire.AppendString(b, r.Stream)
	}
	b = appendSigned(b, fieldTransactionPosition, int64(r.TransactionPosition))
	b = appendSigned(b, fieldExpectedVersion, int64(r.ExpectedVersion))

	if r.Event.ID != uuid.Nil {
		b = appendBytes(b, fieldEventID, r.Event.ID[:])
		if r.Event.Type != "" {
			b = protowire.AppendTag(b, fieldEventType, protowire.BytesType)
			b = protowire.AppendString(b, r.Event.Type)
		}
		b = appendBytes(b, fieldEventData, r.Event.Data)
		b = appendBytes(b, fieldEventMetadata, r.Event.Metadata)
		b = appendVarint(b, fieldEventIsJSON, protowire.EncodeBool(r.Event.IsJSON))
	}

	if r.HardDelete {
		b = appendVarint(b, fieldHardDelete, protowire.EncodeBool(true))
	}
	b = appendSigned(b, fieldFirstEventNumber, r.FirstEventNumber)
	b = appendSigned(b, fieldLastEventNumber, r.LastEventNumber)
	return b
}

// unmarshalRecord decodes b. Unknown fields are skipped.
func unmarshalRecord(b []byte, r *Record) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", errMalformedRecord, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", errMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
			setVarint(r, num, v)
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", errMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
			if err := setBytes(r, num, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %w", errMalformedRecord, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if r.Type == 0 || r.Type > RecordCommit {
		return fmt.Errorf("%w: unknown record type %d", errMalformedRecord, r.Type)
	}
	return nil
}

func setVarint(r *Record, num protowire.Number, v uint64) {
	switch num {
	case fieldType:
		r.Type = RecordType(v)
	case fieldTransactionPosition:
		r.TransactionPosition = api.Position(protowire.DecodeZigZag(v))
	case fieldExpectedVersion:
		r.ExpectedVersion = api.ExpectedVersion(protowire.DecodeZigZag(v))
	case fieldEventIsJSON:
		r.Event.IsJSON = protowire.DecodeBool(v)
	case fieldHardDelete:
		r.HardDelete = protowire.DecodeBool(v)
	case fieldFirstEventNumber:
		r.FirstEventNumber = protowire.DecodeZigZag(v)
	case fieldLastEventNumber:
		r.LastEventNumber = protowire.DecodeZigZag(v)
	}
}

func setBytes(r *Record, num protowire.Number, v []byte) error {
	switch num {
	case fieldCorrelationID:
		id, err := uuid.FromBytes(v)
		if err != nil {
			return fmt.Errorf("%w: correlation id: %w", errMalformedRecord, err)
		}
		r.CorrelationID = id
	case fieldStream:
		r.Stream = string(v)
	case fieldEventID:
		id, err := uuid.FromBytes(v)
		if err != nil {
			return fmt.Errorf("%w: event id: %w", errMalformedRecord, err)
		}
		r.Event.ID = id
	case fieldEventType:
		r.Event.Type = string(v)
	case fieldEventData:
		r.Event.Data = append([]byte(nil), v...)
	case fieldEventMetadata:
		r.Event.Metadata = append([]byte(nil), v...)
	}
	return nil
}
