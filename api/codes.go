package api

import "errors"

// Error codes carried over the wire and used as metric labels.
const (
	CodeOK                   = "ok"
	CodeInvalidOperation     = "invalid_operation"
	CodeTransactionsDisabled = "transactions_disabled"
	CodeNotLeader            = "not_leader"
	CodeStreamDeleted        = "stream_deleted"
	CodeInvalidTransaction   = "invalid_transaction"
	CodePrepareTimeout       = "prepare_timeout"
	CodeCommitTimeout        = "commit_timeout"
	CodeDurabilityTimeout    = "durability_timeout"
	CodeWrongExpectedVersion = "wrong_expected_version"
)

var codeErrors = map[string]error{
	CodeInvalidOperation:     ErrInvalidOperation,
	CodeTransactionsDisabled: ErrExplicitTransactionsNotSupported,
	CodeNotLeader:            ErrNotLeader,
	CodeStreamDeleted:        ErrStreamDeleted,
	CodeInvalidTransaction:   ErrInvalidTransaction,
	CodePrepareTimeout:       ErrPrepareTimeout,
	CodeCommitTimeout:        ErrCommitTimeout,
	CodeDurabilityTimeout:    ErrDurabilityTimeout,
	CodeWrongExpectedVersion: ErrWrongExpectedVersion,
}

// ErrorCode maps err to its code. Unknown errors map to CodeInvalidOperation.
func ErrorCode(err error) string {
	if err == nil {
		return CodeOK
	}
	for code, target := range codeErrors {
		if errors.Is(err, target) {
			return code
		}
	}
	return CodeInvalidOperation
}

// ErrorFromCode is the inverse of ErrorCode. It returns nil for CodeOK and
// ErrInvalidOperation for unknown codes.
func ErrorFromCode(code string) error {
	if code == CodeOK || code == "" {
		return nil
	}
	if err, ok := codeErrors[code]; ok {
		return err
	}
	return ErrInvalidOperation
}
