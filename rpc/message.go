package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const jsonRPCVersion = "2.0"

const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotAllowed = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeServerError      = -32000
	CodeTimeout          = -32001
	CodeActionDenied     = -32002
)

// Error is the JSON-RPC error envelope.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return "rpc: unknown error"
	}
	return fmt.Sprintf("rpc: %s (code %d)", e.Message, e.Code)
}

// Message is a single JSON-RPC object in either direction: a request carries
// Method and Params, a response carries Result or Error. The original wire
// bytes are retained so untouched messages forward byte-for-byte; mutating a
// field through one of the setters discards them.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	raw json.RawMessage
}

// DecodeMessage parses a single JSON-RPC object, keeping the raw bytes.
func DecodeMessage(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("rpc: decode message: %w", err)
	}
	msg.raw = append(json.RawMessage(nil), data...)
	return msg, nil
}

// IsRequest reports whether the message carries a method call.
func (m *Message) IsRequest() bool {
	return m != nil && m.Method != ""
}

// HasID reports whether the message carries a non-null id.
func (m *Message) HasID() bool {
	if m == nil || len(m.ID) == 0 {
		return false
	}
	return !bytes.Equal(m.ID, []byte("null"))
}

// IDKey returns the raw id bytes as a string, suitable for map keys. Ids of
// different JSON types never collide because the raw encoding differs.
func (m *Message) IDKey() string {
	if m == nil {
		return ""
	}
	return string(m.ID)
}

// Bytes returns the wire encoding, preferring the original bytes when the
// message has not been mutated.
func (m *Message) Bytes() ([]byte, error) {
	if len(m.raw) > 0 {
		return m.raw, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode message: %w", err)
	}
	return data, nil
}

// SetParams replaces the request parameters and discards the retained wire bytes.
func (m *Message) SetParams(params json.RawMessage) {
	m.Params = params
	m.raw = nil
}

// SetResult replaces the response result and discards the retained wire bytes.
func (m *Message) SetResult(result json.RawMessage) {
	m.Result = result
	m.raw = nil
}

// NewErrorResponse builds a response message carrying rpcErr for the given id.
func NewErrorResponse(id json.RawMessage, rpcErr *Error) *Message {
	return &Message{JSONRPC: jsonRPCVersion, ID: id, Error: rpcErr}
}

// NewResultResponse builds a response message carrying result for the given id.
func NewResultResponse(id json.RawMessage, result json.RawMessage) *Message {
	return &Message{JSONRPC: jsonRPCVersion, ID: id, Result: result}
}

// NewRequest builds a request message. Used by tests and the control client;
// forwarded traffic keeps its original bytes instead.
func NewRequest(id json.RawMessage, method string, params json.RawMessage) *Message {
	return &Message{JSONRPC: jsonRPCVersion, ID: id, Method: method, Params: params}
}

// ErrMethodNotAllowed builds the policy rejection error for a blocked method.
func ErrMethodNotAllowed(method string) *Error {
	return &Error{Code: CodeMethodNotAllowed, Message: fmt.Sprintf("method %q not allowed", method)}
}

// ErrTimeout builds the synthesized error used when a request is abandoned by
// the daemon, the socket fails, or the per-request timer fires.
func ErrTimeout() *Error {
	return &Error{Code: CodeTimeout, Message: "request timed out"}
}

// ErrTransactionDenied is returned when the confirmation surface denies a
// transaction or closes without a decision.
func ErrTransactionDenied() *Error {
	return &Error{Code: CodeActionDenied, Message: "transaction denied"}
}

// ErrBatchTransactionDenied is returned for every element of a batch that
// contained a transaction submission.
func ErrBatchTransactionDenied() *Error {
	return &Error{Code: CodeActionDenied, Message: "transactions denied, sendTransaction is not allowed in batch requests"}
}

// ErrBatchCompileDenied is returned for every element of a batch that
// contained a compilation request.
func ErrBatchCompileDenied() *Error {
	return &Error{Code: CodeActionDenied, Message: "compilation denied, compileSolidity is not allowed in batch requests"}
}

// ErrRateLimited is returned when a view exceeds its request budget.
func ErrRateLimited() *Error {
	return &Error{Code: CodeServerError, Message: "request rate limit exceeded"}
}

// ErrCompileFailed wraps compiler diagnostics in an error envelope.
func ErrCompileFailed(diagnostics string) *Error {
	data, err := json.Marshal(diagnostics)
	if err != nil {
		data = nil
	}
	return &Error{Code: CodeServerError, Message: "compilation failed", Data: data}
}
