package ipc

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error carried across the connection.
type ErrorKind string

const (
	KindOperation          ErrorKind = "operation"
	KindKey                ErrorKind = "key-error"
	KindProtocol           ErrorKind = "protocol"
	KindNoSuchHandle       ErrorKind = "no-such-handle"
	KindUnknownCommand     ErrorKind = "unknown-command"
	KindNotInitialized     ErrorKind = "not-initialized"
	KindAlreadyInitialized ErrorKind = "already-initialized"
	KindUnknownAttribute   ErrorKind = "unknown-attribute"
	KindAttributeCallable  ErrorKind = "attribute-callable"
	KindUnknownMethod      ErrorKind = "unknown-method"
	KindNotIterable        ErrorKind = "not-iterable"
	KindNotIndexable       ErrorKind = "not-indexable"
)

// IsProtocol reports whether the kind describes a caller-side protocol
// violation rather than a failed operation.
func (k ErrorKind) IsProtocol() bool {
	switch k {
	case KindOperation, KindKey, "":
		return false
	default:
		return true
	}
}

// RemoteError is an error value copied across the connection. The daemon
// never raises on the wire; failures travel as RemoteError values and the
// client returns them to its caller.
type RemoteError struct {
	Kind    ErrorKind
	Message string
	Trace   string
}

// Errorf builds a RemoteError of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *RemoteError {
	return &RemoteError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *RemoteError) Error() string {
	if e.Kind == "" || e.Kind == KindOperation {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches another RemoteError by kind, so errors.Is(err,
// &RemoteError{Kind: KindNoSuchHandle}) works.
func (e *RemoteError) Is(target error) bool {
	t, ok := target.(*RemoteError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// AsRemoteError converts err into a RemoteError, keeping an existing one.
func AsRemoteError(err error) *RemoteError {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re
	}
	return &RemoteError{Kind: KindOperation, Message: err.Error()}
}

// ConnError reports a transport failure. It is never produced from a
// structured result.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("ipc: %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}
