package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Envelope is a decoded JSON-RPC payload: either a single message or a batch.
// The batch flag is preserved through filtering so the output shape always
// matches the input shape, even for a batch of one.
type Envelope struct {
	Batch    bool
	Messages []*Message
}

// DecodeEnvelope parses a payload into its envelope form. Batch detection
// follows the wire shape: a payload whose first significant byte is '[' is a
// batch, anything else is treated as a single message.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("rpc: empty payload")
	}
	if !bytes.HasPrefix(trimmed, []byte("[")) {
		msg, err := DecodeMessage(trimmed)
		if err != nil {
			return nil, err
		}
		return &Envelope{Messages: []*Message{msg}}, nil
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, fmt.Errorf("rpc: decode batch: %w", err)
	}
	env := &Envelope{Batch: true, Messages: make([]*Message, 0, len(elements))}
	for _, element := range elements {
		msg, err := DecodeMessage(element)
		if err != nil {
			return nil, err
		}
		env.Messages = append(env.Messages, msg)
	}
	return env, nil
}

// Single wraps one message in a non-batch envelope.
func Single(msg *Message) *Envelope {
	return &Envelope{Messages: []*Message{msg}}
}

// BatchOf wraps messages in a batch envelope.
func BatchOf(msgs ...*Message) *Envelope {
	return &Envelope{Batch: true, Messages: msgs}
}

// Bytes assembles the wire encoding, preserving original bytes of untouched
// elements.
func (e *Envelope) Bytes() ([]byte, error) {
	if e == nil || len(e.Messages) == 0 {
		return nil, fmt.Errorf("rpc: empty envelope")
	}
	if !e.Batch {
		return e.Messages[0].Bytes()
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, msg := range e.Messages {
		if i > 0 {
			buf.WriteByte(',')
		}
		data, err := msg.Bytes()
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// IDs returns the id keys of all messages carrying one, in order.
func (e *Envelope) IDs() []string {
	if e == nil {
		return nil
	}
	keys := make([]string, 0, len(e.Messages))
	for _, msg := range e.Messages {
		if msg.HasID() {
			keys = append(keys, msg.IDKey())
		}
	}
	return keys
}

// FindByID returns the first message whose id key matches, or nil.
func (e *Envelope) FindByID(key string) *Message {
	if e == nil {
		return nil
	}
	for _, msg := range e.Messages {
		if msg.HasID() && msg.IDKey() == key {
			return msg
		}
	}
	return nil
}

// Map applies fn to every message and returns an envelope of the results,
// keeping the input shape. fn must return a non-nil message.
func (e *Envelope) Map(fn func(*Message) *Message) *Envelope {
	out := &Envelope{Batch: e.Batch, Messages: make([]*Message, 0, len(e.Messages))}
	for _, msg := range e.Messages {
		out.Messages = append(out.Messages, fn(msg))
	}
	return out
}

// HasMethod reports whether any message in the envelope calls the method.
func (e *Envelope) HasMethod(method string) bool {
	if e == nil {
		return false
	}
	for _, msg := range e.Messages {
		if msg.Method == method {
			return true
		}
	}
	return false
}
