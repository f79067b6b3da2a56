// Package protocol implements the newline-delimited JSON-RPC 2.0 codec spoken
// between snapbackd and its clients.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Version is the only JSON-RPC version accepted on the wire.
const Version = "2.0"

// MaxLineSize caps a single encoded message, delimiter excluded.
const MaxLineSize = 1 << 20

// NotificationMethod is the method name carried by every server push.
const NotificationMethod = "notification"

// Request is a client call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response carries exactly one of Result or Error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// MarshalJSON writes "id": null when the request could not be identified.
func (r Response) MarshalJSON() ([]byte, error) {
	var id *string
	if r.ID != "" {
		id = &r.ID
	}
	return json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *string         `json:"id"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *ErrorObject    `json:"error,omitempty"`
	}{r.JSONRPC, id, r.Result, r.Error})
}

// ErrorObject is the wire form of an error.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Notification is a fire-and-forget server push. It never has an id.
type Notification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  NotificationParams `json:"params"`
}

// NotificationParams describes what happened and where.
type NotificationParams struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Workspace string `json:"workspace,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// rawEnvelope mirrors every field a line may carry so malformed input can be
// told apart from well-formed input with the wrong shape.
type rawEnvelope struct {
	JSONRPC *string         `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *ErrorObject    `json:"error"`
}

var emptyParams = json.RawMessage("{}")

// ParseRequest decodes one line into a Request.
func ParseRequest(line []byte) (*Request, error) {
	line = bytes.TrimSpace(line)
	var env rawEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, NewError(KindParse, "parse error: "+err.Error(), nil)
	}

	if env.JSONRPC == nil || *env.JSONRPC != Version {
		return nil, NewError(KindInvalidRequest, `missing or invalid "jsonrpc" field`, nil)
	}

	id, ok := decodeString(env.ID)
	if !ok || id == "" {
		return nil, NewError(KindInvalidRequest, `missing or invalid "id" field`, nil)
	}

	method, ok := decodeString(env.Method)
	if !ok || method == "" {
		return nil, NewError(KindInvalidRequest, `missing or invalid "method" field`, map[string]any{"id": id})
	}

	params := env.Params
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		params = emptyParams
	} else if params[0] != '{' && params[0] != '[' {
		return nil, NewError(KindInvalidRequest, `"params" must be an object`, map[string]any{"id": id})
	}

	return &Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	}, nil
}

// decodeString accepts only a JSON string value.
func decodeString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// NewRequest builds a request with params already encoded.
func NewRequest(id, method string, params any) (*Request, error) {
	raw := emptyParams
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params for %s: %w", method, err)
		}
		raw = encoded
	}
	return &Request{JSONRPC: Version, ID: id, Method: method, Params: raw}, nil
}

// NewResponse builds a success response.
func NewResponse(id string, result any) (*Response, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: encoded}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id string, code int, message string, data any) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &ErrorObject{Code: code, Message: message, Data: data},
	}
}

// ErrorResponse builds an error response from a daemon error.
func ErrorResponse(id string, err *Error) *Response {
	obj := err.Object()
	return &Response{JSONRPC: Version, ID: id, Error: &obj}
}

// NewNotification builds a notification; a zero timestamp is filled in.
func NewNotification(params NotificationParams) *Notification {
	if params.Timestamp == 0 {
		params.Timestamp = time.Now().UnixMilli()
	}
	return &Notification{JSONRPC: Version, Method: NotificationMethod, Params: params}
}

// Serialize encodes msg and appends the line delimiter.
func Serialize(msg any) ([]byte, error) {
	encoded, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(encoded) > MaxLineSize {
		return nil, NewError(KindRequestTooLarge, fmt.Sprintf("message of %d bytes exceeds %d byte limit", len(encoded), MaxLineSize), nil)
	}
	return append(encoded, '\n'), nil
}

// Message is an inbound line on the client side.
type Message struct {
	Response     *Response
	Notification *Notification
}

// ParseMessage decodes a line received by a client: a response when it has an
// id, a notification otherwise.
func ParseMessage(line []byte) (*Message, error) {
	line = bytes.TrimSpace(line)
	var env rawEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, NewError(KindParse, "parse error: "+err.Error(), nil)
	}
	if env.JSONRPC == nil || *env.JSONRPC != Version {
		return nil, NewError(KindInvalidRequest, `missing or invalid "jsonrpc" field`, nil)
	}

	if len(env.ID) == 0 || bytes.Equal(env.ID, []byte("null")) {
		method, _ := decodeString(env.Method)
		if method != NotificationMethod {
			// A response to a request the server could not identify.
			if env.Error != nil {
				return &Message{Response: &Response{JSONRPC: Version, Error: env.Error}}, nil
			}
			return nil, NewError(KindInvalidRequest, "message has neither id nor notification method", nil)
		}
		var n Notification
		if err := json.Unmarshal(line, &n); err != nil {
			return nil, NewError(KindParse, "parse notification: "+err.Error(), nil)
		}
		return &Message{Notification: &n}, nil
	}

	id, ok := decodeString(env.ID)
	if !ok {
		return nil, NewError(KindInvalidRequest, `response "id" must be a string`, nil)
	}
	if (env.Error == nil) == (len(env.Result) == 0) {
		return nil, NewError(KindInvalidRequest, "response must carry exactly one of result or error", map[string]any{"id": id})
	}
	return &Message{Response: &Response{
		JSONRPC: Version,
		ID:      id,
		Result:  env.Result,
		Error:   env.Error,
	}}, nil
}
