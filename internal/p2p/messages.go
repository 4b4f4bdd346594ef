package p2p

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ccoin/shielded/internal/ledger"
	"github.com/ccoin/shielded/pkg/types"
)

// Message types
const (
	MsgTypeRequest  uint8 = 0x01
	MsgTypeResponse uint8 = 0x02
	MsgTypeEvent    uint8 = 0x03
)

// Message errors
var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrMessageTooLarge    = errors.New("message too large")
	ErrUnknownMethod      = errors.New("unknown method")
	ErrRemote             = errors.New("remote ledger error")
)

// MaxMessageSize is the maximum size of a network message
const MaxMessageSize = 4 * 1024 * 1024 // 4 MB

// Methods served on LedgerProtocol
const (
	MethodRoot           = "root"
	MethodTreeDepth      = "tree_depth"
	MethodSibling        = "sibling"
	MethodBalance        = "balance"
	MethodFindNullifier  = "find_nullifier"
	MethodFindCommitment = "find_commitment"
	MethodSubmit         = "submit"
	MethodWatch          = "watch"
)

// Error codes carried in responses
const (
	CodeNotFound    = "not_found"
	CodeBadRequest  = "bad_request"
	CodeUnavailable = "unavailable"
	CodeRejected    = "rejected"
)

// Message is a framed network message: type byte, uint32 length, payload
type Message struct {
	Type    uint8
	Payload []byte
}

// Request is one call on a ledger stream
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers a request
type Response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// SiblingParams addresses a tree node
type SiblingParams struct {
	Level int    `json:"level"`
	Index uint64 `json:"index"`
}

// AccountParams names a public account
type AccountParams struct {
	Account types.Address `json:"account"`
}

// HashParams carries a nullifier, commitment or extrinsic hash
type HashParams struct {
	Hash types.Hash `json:"hash"`
}

// FindResult answers history lookups
type FindResult struct {
	Found     bool                `json:"found"`
	Spend     *ledger.SpendRecord `json:"spend,omitempty"`
	LeafIndex uint64              `json:"leaf_index,omitempty"`
}

// Encode serializes a message for network transmission
func (m *Message) Encode(w io.Writer) error {
	if len(m.Payload) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	if err := binary.Write(w, binary.BigEndian, m.Type); err != nil {
		return err
	}

	payloadLen := uint32(len(m.Payload))
	if err := binary.Write(w, binary.BigEndian, payloadLen); err != nil {
		return err
	}

	if _, err := w.Write(m.Payload); err != nil {
		return err
	}

	return nil
}

// Decode deserializes a message from network data
func (m *Message) Decode(r io.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &m.Type); err != nil {
		return err
	}

	var payloadLen uint32
	if err := binary.Read(r, binary.BigEndian, &payloadLen); err != nil {
		return err
	}

	if payloadLen > MaxMessageSize {
		return ErrMessageTooLarge
	}

	m.Payload = make([]byte, payloadLen)
	if _, err := io.ReadFull(r, m.Payload); err != nil {
		return err
	}

	return nil
}

// writeJSON frames v as a message of the given type
func writeJSON(w io.Writer, typ uint8, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := Message{Type: typ, Payload: payload}
	return msg.Encode(w)
}

// readJSON reads one message of the given type into v
func readJSON(r io.Reader, typ uint8, v any) error {
	var msg Message
	if err := msg.Decode(r); err != nil {
		return err
	}
	if msg.Type != typ {
		return fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrInvalidMessageType, msg.Type, typ)
	}
	return json.Unmarshal(msg.Payload, v)
}

// newRequest builds a request with encoded params
func newRequest(method string, params any) (*Request, error) {
	req := &Request{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	return req, nil
}

// newResult builds a successful response
func newResult(v any) *Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return &Response{Error: err.Error(), Code: CodeUnavailable}
	}
	return &Response{Result: raw}
}

// newError builds an error response, classifying err
func newError(code string, err error) *Response {
	return &Response{Error: err.Error(), Code: code}
}

// Err converts an error response back into an error
func (r *Response) Err() error {
	if r.Error == "" && r.Code == "" {
		return nil
	}
	switch r.Code {
	case CodeNotFound:
		return fmt.Errorf("%w: %s", ledger.ErrNotFound, r.Error)
	case CodeUnavailable:
		return fmt.Errorf("%w: %s", ledger.ErrUnavailable, r.Error)
	case CodeBadRequest:
		return fmt.Errorf("%w: bad request: %s", ErrRemote, r.Error)
	default:
		return fmt.Errorf("%w: %s", ErrRemote, r.Error)
	}
}
