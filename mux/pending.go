package mux

import (
	"encoding/json"
	"sync"
	"time"

	"nodegate/observability"
	"nodegate/rpc"
)

const (
	outcomeResult  = "result"
	outcomeTimeout = "timeout"
	outcomeLocal   = "local"
)

// slot pairs one element of the original envelope with its answer source:
// either a locally synthesized response, or a daemon response matched by id
// key. A pending slot with an empty key is a forwarded notification and never
// produces an answer.
type slot struct {
	id    json.RawMessage
	key   string
	local *rpc.Message
}

// pendingCall tracks one relayed envelope until its response, its expiry, or
// the death of its connection. A batch is a single call registered under each
// of its forwarded ids; whichever id a response array carries resolves the
// whole call. Resolution happens at most once.
type pendingCall struct {
	slots      []slot
	forwardIDs []string
	methods    map[string]string
	batch      bool
	mode       Mode
	view       View
	started    time.Time

	done  chan []byte
	once  sync.Once
	timer *time.Timer
}

// newPendingCall lays out the answer slots for the original envelope. forward
// holds the subset of original messages still destined for the daemon (it may
// be nil), locals the synthesized responses for everything else. Locals are
// matched to their originating element by id; requests without an id pair
// with null-id responses in order.
func newPendingCall(original, forward *rpc.Envelope, locals []*rpc.Message, mode Mode, view View, started time.Time) *pendingCall {
	p := &pendingCall{
		batch:   original.Batch,
		methods: make(map[string]string),
		mode:    mode,
		view:    view,
		started: started,
		done:    make(chan []byte, 1),
	}

	forwarded := make(map[*rpc.Message]struct{})
	if forward != nil {
		for _, msg := range forward.Messages {
			forwarded[msg] = struct{}{}
		}
	}
	localByKey := make(map[string][]*rpc.Message)
	for _, resp := range locals {
		key := responseKey(resp)
		localByKey[key] = append(localByKey[key], resp)
	}

	for _, msg := range original.Messages {
		if _, ok := forwarded[msg]; ok {
			sl := slot{id: msg.ID}
			if msg.HasID() {
				sl.key = msg.IDKey()
				p.forwardIDs = append(p.forwardIDs, sl.key)
				p.methods[sl.key] = msg.Method
			}
			p.slots = append(p.slots, sl)
			continue
		}
		key := "null"
		if msg.HasID() {
			key = msg.IDKey()
		}
		if queue := localByKey[key]; len(queue) > 0 {
			p.slots = append(p.slots, slot{local: queue[0]})
			localByKey[key] = queue[1:]
		}
	}
	return p
}

func responseKey(msg *rpc.Message) string {
	if msg.HasID() {
		return msg.IDKey()
	}
	return "null"
}

func (p *pendingCall) hasLocal() bool {
	for _, sl := range p.slots {
		if sl.local != nil {
			return true
		}
	}
	return false
}

// respond assembles the answer payload in original element order, taking each
// slot's answer from the daemon envelope when present and from the local
// responses otherwise. Slots the daemon left unanswered are omitted.
func (p *pendingCall) respond(daemon *rpc.Envelope) []byte {
	out := &rpc.Envelope{Batch: p.batch}
	for _, sl := range p.slots {
		if sl.local != nil {
			out.Messages = append(out.Messages, sl.local)
			continue
		}
		if sl.key == "" || daemon == nil {
			continue
		}
		if resp := daemon.FindByID(sl.key); resp != nil {
			out.Messages = append(out.Messages, resp)
		}
	}
	return encode(out)
}

// timeoutPayload answers every unanswered slot with a synthesized timeout
// error while keeping already-known local responses.
func (p *pendingCall) timeoutPayload() []byte {
	out := &rpc.Envelope{Batch: p.batch}
	for _, sl := range p.slots {
		switch {
		case sl.local != nil:
			out.Messages = append(out.Messages, sl.local)
		case sl.key != "":
			out.Messages = append(out.Messages, rpc.NewErrorResponse(sl.id, rpc.ErrTimeout()))
		}
	}
	return encode(out)
}

// finish delivers the payload exactly once: on the blocked caller for sync
// calls, as a data push for async ones. Later resolutions are ignored.
func (p *pendingCall) finish(outcome string, payload []byte) {
	p.once.Do(func() {
		if p.timer != nil {
			p.timer.Stop()
		}
		observability.Gateway().Observe(p.mode.String(), outcome, time.Since(p.started))
		if p.mode == ModeSync {
			p.done <- payload
			return
		}
		if len(payload) > 0 {
			p.view.PushData(payload)
		}
	})
}

func encode(env *rpc.Envelope) []byte {
	if env == nil || len(env.Messages) == 0 {
		return nil
	}
	data, err := env.Bytes()
	if err != nil {
		return nil
	}
	return data
}
