// Package bridge exposes the node gateway to out-of-process UI surfaces over
// WebSocket. Each surface gets one session, which doubles as the view the
// connection multiplexer pushes to.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"nhooyr.io/websocket"

	"nodegate/gate"
)

// Kind classifies the UI surface that opened a session. Main and popup
// surfaces are privileged; embedded surfaces go through the capability
// filter.
type Kind string

const (
	KindMain     Kind = "main"
	KindPopup    Kind = "popup"
	KindEmbedded Kind = "embedded"
)

// ParseKind maps the query parameter declared on upgrade. An empty value is
// an embedded surface, the least privileged default.
func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.TrimSpace(raw)) {
	case "":
		return KindEmbedded, nil
	case KindMain:
		return KindMain, nil
	case KindPopup:
		return KindPopup, nil
	case KindEmbedded:
		return KindEmbedded, nil
	default:
		return "", fmt.Errorf("bridge: unknown surface kind %q", raw)
	}
}

func (k Kind) privileged() bool {
	return k == KindMain || k == KindPopup
}

// Surface → core operations.
const (
	OpCreate    = "create"
	OpDestroy   = "destroy"
	OpWrite     = "write"
	OpWriteSync = "writeSync"
	OpDecision  = "decision"
)

// Core → surface event types.
const (
	EventSession     = "session"
	EventSetWritable = "setWritable"
	EventData        = "data"
	EventError       = "error"
	EventTimeout     = "timeout"
	EventEnd         = "end"
	EventReply       = "reply"
	EventConfirm     = "confirm"
)

// Command is one surface → core envelope.
type Command struct {
	Op      string          `json:"op"`
	Seq     uint64          `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Decision fields, only meaningful for OpDecision.
	ID       string `json:"id,omitempty"`
	Approved bool   `json:"approved,omitempty"`
	Gas      uint64 `json:"gas,omitempty"`
}

// Event is one core → surface envelope.
type Event struct {
	Type     string          `json:"type"`
	Seq      uint64          `json:"seq,omitempty"`
	Writable *bool           `json:"writable,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Info     string          `json:"info,omitempty"`
	ID       string          `json:"id,omitempty"`
	Tx       json.RawMessage `json:"tx,omitempty"`
	ViewID   uint64          `json:"viewId,omitempty"`
	Kind     Kind            `json:"kind,omitempty"`
}

// Session is one connected UI surface. Pushes from the multiplexer arrive on
// multiple goroutines; writeMu serializes them onto the socket.
type Session struct {
	id   uint64
	kind Kind
	sock *websocket.Conn
	srv  *Server

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex
}

func (s *Session) ID() uint64 {
	return s.id
}

func (s *Session) Privileged() bool {
	return s.kind.privileged()
}

func (s *Session) PushWritable(writable bool) {
	s.send(Event{Type: EventSetWritable, Writable: &writable})
}

func (s *Session) PushData(payload []byte) {
	s.send(Event{Type: EventData, Payload: json.RawMessage(payload)})
}

func (s *Session) PushError(info string) {
	s.send(Event{Type: EventError, Info: info})
}

func (s *Session) PushTimeout(info string) {
	s.send(Event{Type: EventTimeout, Info: info})
}

func (s *Session) PushEnd(info string) {
	s.send(Event{Type: EventEnd, Info: info})
}

func (s *Session) pushConfirm(id string, tx json.RawMessage) {
	s.send(Event{Type: EventConfirm, ID: id, Tx: tx})
}

func (s *Session) send(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.srv.log.Warn("encode event", "view", s.id, "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(s.ctx, wsWriteTimeout)
	defer cancel()
	if err := s.sock.Write(writeCtx, websocket.MessageText, data); err != nil {
		s.srv.log.Debug("session write failed", "view", s.id, "error", err)
		s.cancel()
	}
}

// run reads commands until the socket or the session context ends.
func (s *Session) run() error {
	for {
		_, data, err := s.sock.Read(s.ctx)
		if err != nil {
			return err
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.srv.log.Debug("malformed command", "view", s.id, "error", err)
			continue
		}
		s.dispatch(cmd)
	}
}

func (s *Session) dispatch(cmd Command) {
	switch cmd.Op {
	case OpCreate:
		writable, err := s.srv.mux.Create(s.ctx, s)
		if err != nil {
			s.srv.log.Debug("create failed", "view", s.id, "error", err)
			writable = false
		}
		s.send(Event{Type: EventReply, Seq: cmd.Seq, Payload: writableReply(writable)})
	case OpDestroy:
		s.srv.mux.Destroy(s.id)
	case OpWrite:
		s.srv.mux.Write(s, cmd.Payload)
	case OpWriteSync:
		// Blocking here would wedge the read loop, and with it any
		// confirmation decision this surface still has to deliver.
		go s.writeSync(cmd)
	case OpDecision:
		if s.srv.confirm != nil {
			s.srv.confirm.Resolve(cmd.ID, gate.Decision{Approved: cmd.Approved, Gas: cmd.Gas})
		}
	default:
		s.srv.log.Debug("unknown op", "view", s.id, "op", cmd.Op)
	}
}

func (s *Session) writeSync(cmd Command) {
	out, err := s.srv.mux.WriteSync(s.ctx, s, cmd.Payload)
	if err != nil {
		s.srv.log.Debug("sync write abandoned", "view", s.id, "error", err)
		return
	}
	s.send(Event{Type: EventReply, Seq: cmd.Seq, Payload: json.RawMessage(out)})
}

func writableReply(writable bool) json.RawMessage {
	data, _ := json.Marshal(struct {
		Writable bool `json:"writable"`
	}{Writable: writable})
	return data
}
