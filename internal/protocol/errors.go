package protocol

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
)

// Standard JSON-RPC 2.0 codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Application codes, allocated downward from -32000.
const (
	CodeDaemonNotRunning  = -32000
	CodeWorkspaceNotFound = -32001
	CodeSnapshotFailed    = -32002
	CodeValidationFailed  = -32003
	CodePermissionDenied  = -32004
	CodeTimeout           = -32005
)

// Kind names an entry of the error taxonomy. It travels in error.data.type.
type Kind string

const (
	KindParse             Kind = "ParseError"
	KindInvalidRequest    Kind = "InvalidRequestError"
	KindMethodNotFound    Kind = "MethodNotFoundError"
	KindInvalidParams     Kind = "InvalidParamsError"
	KindInternal          Kind = "InternalError"
	KindWorkspaceNotFound Kind = "WorkspaceNotFoundError"
	KindSnapshot          Kind = "SnapshotError"
	KindValidation        Kind = "ValidationError"
	KindPermissionDenied  Kind = "PermissionDeniedError"
	KindTimeout           Kind = "TimeoutError"
	KindPathTraversal     Kind = "PathTraversalError"
	KindRequestTooLarge   Kind = "RequestTooLargeError"
	KindNotImplemented    Kind = "NotImplementedError"
	KindConnection        Kind = "ConnectionError"
)

var kindCodes = map[Kind]int{
	KindParse:             CodeParseError,
	KindInvalidRequest:    CodeInvalidRequest,
	KindMethodNotFound:    CodeMethodNotFound,
	KindInvalidParams:     CodeInvalidParams,
	KindInternal:          CodeInternalError,
	KindWorkspaceNotFound: CodeWorkspaceNotFound,
	KindSnapshot:          CodeSnapshotFailed,
	KindValidation:        CodeValidationFailed,
	KindPermissionDenied:  CodePermissionDenied,
	KindTimeout:           CodeTimeout,
	KindPathTraversal:     CodeValidationFailed,
	KindRequestTooLarge:   CodeInvalidRequest,
	KindNotImplemented:    CodeMethodNotFound,
	KindConnection:        CodeDaemonNotRunning,
}

var codeKinds = map[int]Kind{
	CodeParseError:        KindParse,
	CodeInvalidRequest:    KindInvalidRequest,
	CodeMethodNotFound:    KindMethodNotFound,
	CodeInvalidParams:     KindInvalidParams,
	CodeInternalError:     KindInternal,
	CodeDaemonNotRunning:  KindConnection,
	CodeWorkspaceNotFound: KindWorkspaceNotFound,
	CodeSnapshotFailed:    KindSnapshot,
	CodeValidationFailed:  KindValidation,
	CodePermissionDenied:  KindPermissionDenied,
	CodeTimeout:           KindTimeout,
}

// Error is the single error type crossing the RPC boundary.
type Error struct {
	Kind      Kind
	Code      int
	Message   string
	Context   map[string]any
	Transient bool
}

// NewError builds an error of the given kind with its canonical code.
func NewError(kind Kind, message string, ctx map[string]any) *Error {
	code, ok := kindCodes[kind]
	if !ok {
		code = CodeInternalError
	}
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Context:   ctx,
		Transient: kind == KindTimeout,
	}
}

// Errorf is NewError with a formatted message and no context.
func Errorf(kind Kind, format string, args ...any) *Error {
	return NewError(kind, fmt.Sprintf(format, args...), nil)
}

// NewConnectionError builds a ConnectionError; transient ones may be retried.
func NewConnectionError(message string, transient bool, cause error) *Error {
	ctx := map[string]any{}
	if cause != nil {
		ctx["cause"] = cause.Error()
	}
	e := NewError(KindConnection, message, ctx)
	e.Transient = transient
	return e
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Kind, e.Code, e.Message)
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// With returns a copy carrying an extra context entry.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	maps.Copy(cp.Context, e.Context)
	cp.Context[key] = value
	return &cp
}

// Object renders the wire form. data always names the kind.
func (e *Error) Object() ErrorObject {
	data := make(map[string]any, len(e.Context)+2)
	maps.Copy(data, e.Context)
	data["type"] = string(e.Kind)
	if e.Kind == KindConnection {
		data["isTransient"] = e.Transient
	}
	return ErrorObject{Code: e.Code, Message: e.Message, Data: data}
}

// FromObject rebuilds an *Error from its wire form.
func FromObject(obj *ErrorObject) *Error {
	e := &Error{Code: obj.Code, Message: obj.Message}
	if data, ok := obj.Data.(map[string]any); ok {
		if k, ok := data["type"].(string); ok {
			e.Kind = Kind(k)
		}
		if t, ok := data["isTransient"].(bool); ok {
			e.Transient = t
		}
		ctx := make(map[string]any, len(data))
		for k, v := range data {
			if k == "type" || k == "isTransient" {
				continue
			}
			ctx[k] = v
		}
		if len(ctx) > 0 {
			e.Context = ctx
		}
	}
	if e.Kind == "" {
		if k, ok := codeKinds[obj.Code]; ok {
			e.Kind = k
		} else {
			e.Kind = KindInternal
		}
	}
	if e.Kind == KindTimeout {
		e.Transient = true
	}
	return e
}

// ToDaemonError normalizes any error into the taxonomy. Unknown errors become
// InternalError with their Go type preserved in the context.
func ToDaemonError(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindTimeout, err.Error(), nil)
	case errors.Is(err, fs.ErrPermission):
		return NewError(KindPermissionDenied, err.Error(), nil)
	}
	return NewError(KindInternal, err.Error(), map[string]any{"errorType": fmt.Sprintf("%T", err)})
}

// FromPanic normalizes a recovered panic value.
func FromPanic(v any) *Error {
	if err, ok := v.(error); ok {
		return ToDaemonError(err).With("panic", true)
	}
	return NewError(KindInternal, fmt.Sprintf("panic: %v", v), map[string]any{
		"errorType": fmt.Sprintf("%T", v),
		"panic":     true,
	})
}

// IsTransient reports whether a retry may succeed.
func IsTransient(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	switch de.Kind {
	case KindTimeout:
		return true
	case KindConnection:
		return de.Transient
	}
	return false
}

// IsKind reports whether err is a daemon error of the given kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}
