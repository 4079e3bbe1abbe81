// Package wire converts commands and results to and from the structpb
// payloads of the eventlog.v1 gRPC services.
package wire

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/google/uuid"
	"github.com/shrtyk/eventlog-core/api"
	"google.golang.org/protobuf/types/known/structpb"
)

var ErrMalformedPayload = errors.New("wire: malformed payload")

// Request is the transport form of a client command.
type Request struct {
	CorrelationID   string
	Stream          string
	ExpectedVersion api.ExpectedVersion
	Events          []api.Event
	HardDelete      bool
	TransactionID   int64
}

// RemoteError is a failure reported by the server. It unwraps to the api
// sentinel matching Code.
type RemoteError struct {
	Code    string
	Message string
	err     error
}

func (e *RemoteError) Error() string { return e.Message }

func (e *RemoteError) Unwrap() error { return e.err }

func EncodeRequest(r Request) (*structpb.Struct, error) {
	events := make([]any, 0, len(r.Events))
	for _, ev := range r.Events {
		events = append(events, map[string]any{
			"id":       ev.ID.String(),
			"type":     ev.Type,
			"data":     ev.Data,
			"metadata": ev.Metadata,
			"is_json":  ev.IsJSON,
		})
	}
	return structpb.NewStruct(map[string]any{
		"correlation_id":   r.CorrelationID,
		"stream":           r.Stream,
		"expected_version": formatInt(int64(r.ExpectedVersion)),
		"events":           events,
		"hard_delete":      r.HardDelete,
		"transaction_id":   formatInt(r.TransactionID),
	})
}

func DecodeRequest(s *structpb.Struct) (Request, error) {
	if s == nil {
		return Request{}, fmt.Errorf("%w: nil request", ErrMalformedPayload)
	}
	f := s.GetFields()
	ints := intFields{f: f}
	r := Request{
		CorrelationID:   f["correlation_id"].GetStringValue(),
		Stream:          f["stream"].GetStringValue(),
		ExpectedVersion: api.ExpectedVersion(ints.get("expected_version", int64(api.ExpectedVersionAny))),
		HardDelete:      f["hard_delete"].GetBoolValue(),
		TransactionID:   ints.get("transaction_id", -1),
	}
	if ints.err != nil {
		return Request{}, ints.err
	}
	for i, v := range f["events"].GetListValue().GetValues() {
		ev, err := decodeEvent(v.GetStructValue())
		if err != nil {
			return Request{}, fmt.Errorf("event %d: %w", i, err)
		}
		r.Events = append(r.Events, ev)
	}
	return r, nil
}

func decodeEvent(s *structpb.Struct) (api.Event, error) {
	if s == nil {
		return api.Event{}, fmt.Errorf("%w: event is not an object", ErrMalformedPayload)
	}
	f := s.GetFields()
	id, err := uuid.Parse(f["id"].GetStringValue())
	if err != nil {
		return api.Event{}, fmt.Errorf("%w: event id: %w", ErrMalformedPayload, err)
	}
	data, err := bytesField(f, "data")
	if err != nil {
		return api.Event{}, err
	}
	meta, err := bytesField(f, "metadata")
	if err != nil {
		return api.Event{}, err
	}
	return api.Event{
		ID:       id,
		Type:     f["type"].GetStringValue(),
		Data:     data,
		Metadata: meta,
		IsJSON:   f["is_json"].GetBoolValue(),
	}, nil
}

// Command builds the command of kind from r, replying to env.
func (r Request) Command(kind api.OperationKind, env api.Envelope) (api.Command, error) {
	base := api.Base{ClientCorrelationID: r.CorrelationID, Envelope: env}
	switch kind {
	case api.KindWriteEvents:
		return api.WriteEvents{Base: base, Stream: r.Stream, ExpectedVersion: r.ExpectedVersion, Events: r.Events}, nil
	case api.KindDeleteStream:
		return api.DeleteStream{Base: base, Stream: r.Stream, ExpectedVersion: r.ExpectedVersion, HardDelete: r.HardDelete}, nil
	case api.KindTransactionStart:
		return api.TransactionStart{Base: base, Stream: r.Stream, ExpectedVersion: r.ExpectedVersion}, nil
	case api.KindTransactionWrite:
		return api.TransactionWrite{Base: base, TransactionID: r.TransactionID, Events: r.Events}, nil
	case api.KindTransactionCommit:
		return api.TransactionCommit{Base: base, TransactionID: r.TransactionID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", api.ErrInvalidOperation, kind)
	}
}

func EncodeResult(r api.Result) (*structpb.Struct, error) {
	m := map[string]any{
		"kind":               int64(r.Kind),
		"correlation_id":     r.ClientCorrelationID,
		"code":               api.ErrorCode(r.Err),
		"first_event_number": formatInt(r.FirstEventNumber),
		"last_event_number":  formatInt(r.LastEventNumber),
		"prepare_position":   formatInt(int64(r.PreparePosition)),
		"commit_position":    formatInt(int64(r.CommitPosition)),
		"transaction_id":     formatInt(r.TransactionID),
		"current_version":    formatInt(r.CurrentVersion),
	}
	if r.Err != nil {
		m["message"] = r.Err.Error()
	}
	var wev *api.WrongExpectedVersionError
	if errors.As(r.Err, &wev) {
		m["stream"] = wev.Stream
		m["expected_version"] = formatInt(int64(wev.Expected))
	}
	return structpb.NewStruct(m)
}

func DecodeResult(s *structpb.Struct) (api.Result, error) {
	if s == nil {
		return api.Result{}, fmt.Errorf("%w: nil result", ErrMalformedPayload)
	}
	f := s.GetFields()
	ints := intFields{f: f}
	r := api.Result{
		Kind:                api.OperationKind(ints.get("kind", 0)),
		ClientCorrelationID: f["correlation_id"].GetStringValue(),
		FirstEventNumber:    ints.get("first_event_number", -1),
		LastEventNumber:     ints.get("last_event_number", -1),
		PreparePosition:     api.Position(ints.get("prepare_position", -1)),
		CommitPosition:      api.Position(ints.get("commit_position", -1)),
		TransactionID:       ints.get("transaction_id", -1),
		CurrentVersion:      ints.get("current_version", -1),
	}
	expected := api.ExpectedVersion(ints.get("expected_version", int64(api.ExpectedVersionAny)))
	if ints.err != nil {
		return api.Result{}, ints.err
	}

	code := f["code"].GetStringValue()
	switch code {
	case api.CodeOK, "":
	case api.CodeWrongExpectedVersion:
		r.Err = &api.WrongExpectedVersionError{
			Stream:   f["stream"].GetStringValue(),
			Expected: expected,
			Actual:   r.CurrentVersion,
		}
	default:
		sentinel := api.ErrorFromCode(code)
		msg := f["message"].GetStringValue()
		if msg == "" {
			msg = sentinel.Error()
		}
		r.Err = &RemoteError{Code: code, Message: msg, err: sentinel}
	}
	return r, nil
}

// maxExactFloat is the largest magnitude a float64 holds without rounding.
const maxExactFloat = 1 << 53

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

// intFields reads int64 values carried as decimal strings. Plain numbers are
// accepted while they are exact. The first bad value is kept in err.
type intFields struct {
	f   map[string]*structpb.Value
	err error
}

// get returns the value of name, def when it is absent.
func (d *intFields) get(name string, def int64) int64 {
	v, ok := d.f[name]
	if !ok || d.err != nil {
		return def
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(k.StringValue, 10, 64)
		if err != nil {
			d.err = fmt.Errorf("%w: %s: %w", ErrMalformedPayload, name, err)
			return def
		}
		return n
	case *structpb.Value_NumberValue:
		n := k.NumberValue
		if n != math.Trunc(n) || math.Abs(n) > maxExactFloat {
			d.err = fmt.Errorf("%w: %s: %v is not an exact integer", ErrMalformedPayload, name, n)
			return def
		}
		return int64(n)
	case *structpb.Value_NullValue:
		return def
	default:
		d.err = fmt.Errorf("%w: %s is not a number", ErrMalformedPayload, name)
		return def
	}
}

// bytesField reads a value written by structpb.NewValue([]byte).
func bytesField(f map[string]*structpb.Value, name string) ([]byte, error) {
	s := f[name].GetStringValue()
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedPayload, name, err)
	}
	return b, nil
}
