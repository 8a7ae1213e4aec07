// Package protoerr defines the closed set of error kinds the server can
// reply with, each serialized as a RESP error frame "-<KIND> message".
package protoerr

import "fmt"

// Kind is one of the fixed reply-error tags the wire protocol recognizes.
type Kind string

const (
	KindErr          Kind = "ERR"
	KindWrongType    Kind = "WRONGTYPE"
	KindNoAuth       Kind = "NOAUTH"
	KindReadOnly     Kind = "READONLY"
	KindLoading      Kind = "LOADING"
	KindBusy         Kind = "BUSY"
	KindMasterDown   Kind = "MASTERDOWN"
	KindOOM          Kind = "OOM"
	KindExecAbort    Kind = "EXECABORT"
	KindNoReplicas   Kind = "NOREPLICAS"
)

// Error is a protocol-level error carrying the tag the client sees.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("%s %s", e.Kind, e.Msg) }

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func WrongType() *Error {
	return &Error{Kind: KindWrongType, Msg: "Operation against a key holding the wrong kind of value"}
}

func NoAuth() *Error {
	return &Error{Kind: KindNoAuth, Msg: "Authentication required."}
}

func ReadOnly() *Error {
	return &Error{Kind: KindReadOnly, Msg: "You can't write against a read only replica."}
}

func Busy(msg string) *Error {
	return &Error{Kind: KindBusy, Msg: msg}
}

func MasterDown() *Error {
	return &Error{Kind: KindMasterDown, Msg: "Link with MASTER is down and replica-serve-stale-data is set to 'no'."}
}

func OOM(msg string) *Error {
	return &Error{Kind: KindOOM, Msg: "command not allowed when used memory > 'maxmemory': " + msg}
}

func ExecAbort(msg string) *Error {
	return &Error{Kind: KindExecAbort, Msg: "Transaction discarded because of previous errors. " + msg}
}

func NoReplicas(msg string) *Error {
	return &Error{Kind: KindNoReplicas, Msg: msg}
}
