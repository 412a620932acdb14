// Package jsonrpc defines the wire envelope and relay-specific method types
// exchanged over the socket session layer. It has no knowledge of sockets,
// stores, or the broker -- it only encodes and decodes JSON-RPC 2.0 frames.
package jsonrpc

import (
	"encoding/json"
	"errors"
)

const Version = "2.0"

// Request is an inbound JSON-RPC 2.0 call. ID is a json.RawMessage because
// the spec's protocol errors (7.) must be able to echo back whatever id
// shape the caller sent, even when Params fails to parse.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is an outbound JSON-RPC 2.0 reply, either a result or an error,
// never both.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error mirrors the JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

// Protocol error codes, JSON-RPC 2.0 reserved range plus relay extensions.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeBrokerDegraded = -32000
	CodeHistoryRecord  = -32001
)

// ErrEmptyFrame is returned by Parse when given a frame that is empty or
// only whitespace; the socket layer treats this as a protocol error that
// keeps the connection open rather than a parse failure.
var ErrEmptyFrame = errors.New("jsonrpc: empty frame")

// Parse decodes one inbound frame. Per spec 4.4, an empty/whitespace frame
// and a malformed frame are both protocol errors that never close the
// socket; callers distinguish the two only to pick an error message.
func Parse(frame []byte) (*Request, error) {
	trimmed := trimSpace(frame)
	if len(trimmed) == 0 {
		return nil, ErrEmptyFrame
	}
	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func trimSpace(b []byte) []byte {
	start := 0
	for start < len(b) && isSpace(b[start]) {
		start++
	}
	end := len(b)
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

// NewResult builds a successful Response for id with result marshaled to
// JSON.
func NewResult(id json.RawMessage, result interface{}) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewError builds an error Response for id. id may be nil when the request
// could not be parsed far enough to recover an id.
func NewError(id json.RawMessage, code int, message string) *Response {
	return &Response{
		JSONRPC: Version,
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// Marshal encodes a Response to a single JSON frame.
func Marshal(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}
