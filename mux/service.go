package mux

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"nodegate/gate"
	"nodegate/observability"
	"nodegate/policy"
	"nodegate/rpc"
)

// Defaults for the connection service. The interactive connect timeout is
// deliberately short: a view waiting on its first page load should fail fast
// when the node is down, while lifecycle-driven reconnects can afford to wait
// for a node that is still starting up.
const (
	DefaultConnectTimeout   = 500 * time.Millisecond
	DefaultReconnectTimeout = 5 * time.Second
	DefaultRequestTimeout   = 10 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultMaxFrameBytes    = 1 << 20
)

// Config carries the socket and correlation tunables.
type Config struct {
	ConnectTimeout   time.Duration
	ReconnectTimeout time.Duration
	RequestTimeout   time.Duration
	WriteTimeout     time.Duration
	MaxFrameBytes    int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectTimeout <= 0 {
		c.ReconnectTimeout = DefaultReconnectTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	return c
}

var errClosed = errors.New("mux: service closed")

// Service multiplexes node connections across view identities. Each view gets
// at most one socket; requests pass through rate limiting, the capability
// filter, and the privileged-action gate before they reach the wire.
//
// The registry is owned by a single supervisor goroutine so that creation and
// removal for one identity always serialize: a destroyed connection is gone
// from the registry before a replacement can be inserted.
type Service struct {
	cfg     Config
	dialer  Dialer
	filter  *policy.Filter
	gate    *gate.Gate
	limiter *policy.RateLimiter
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan func()
	done   chan struct{}

	conns map[uint64]*conn
}

// New starts the connection service. filter must be non-nil; g and limiter
// may be nil to disable gating or rate limiting.
func New(cfg Config, dialer Dialer, filter *policy.Filter, g *gate.Gate, limiter *policy.RateLimiter, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:     cfg.withDefaults(),
		dialer:  dialer,
		filter:  filter,
		gate:    g,
		limiter: limiter,
		log:     log.With("component", "mux"),
		ctx:     ctx,
		cancel:  cancel,
		ops:     make(chan func()),
		done:    make(chan struct{}),
		conns:   make(map[uint64]*conn),
	}
	go s.run()
	return s
}

func (s *Service) run() {
	defer close(s.done)
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.ctx.Done():
			return
		}
	}
}

// do runs op on the supervisor goroutine and waits for it. Returns false when
// the service has been closed. op must not call back into do.
func (s *Service) do(op func()) bool {
	ran := make(chan struct{})
	select {
	case s.ops <- func() { op(); close(ran) }:
		<-ran
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Service) ensureConn(view View) *conn {
	var c *conn
	s.do(func() {
		c = s.conns[view.ID()]
		if c == nil || c.isDestroyed() {
			c = newConn(s, view)
			s.conns[view.ID()] = c
		}
	})
	return c
}

// dropConn removes c from the registry unless the identity has already been
// replaced by a newer connection.
func (s *Service) dropConn(c *conn) {
	s.do(func() {
		if s.conns[c.viewID] == c {
			delete(s.conns, c.viewID)
		}
	})
}

func (s *Service) snapshot() []*conn {
	var list []*conn
	s.do(func() {
		list = make([]*conn, 0, len(s.conns))
		for _, c := range s.conns {
			list = append(list, c)
		}
	})
	return list
}

// Create ensures a connection exists for the view and dials the node when no
// socket is up. Calling it for an already-connected view is a no-op. The
// returned flag reports whether the view may write.
func (s *Service) Create(ctx context.Context, view View) (bool, error) {
	c := s.ensureConn(view)
	if c == nil {
		return false, errClosed
	}
	if err := c.ensureConnected(ctx, s.cfg.ConnectTimeout); err != nil {
		return false, err
	}
	return true, nil
}

// Destroy removes the view's connection, closing its socket and timing out
// every pending call. Unknown identities are ignored.
func (s *Service) Destroy(viewID uint64) {
	var c *conn
	s.do(func() {
		c = s.conns[viewID]
		delete(s.conns, viewID)
	})
	if c != nil {
		c.destroy()
	}
	s.limiter.Release(viewID)
}

// Write relays an asynchronous payload for the view. The eventual response,
// daemon-produced or synthesized, arrives as a data push; Write itself never
// blocks on the node or on a user confirmation.
func (s *Service) Write(view View, payload []byte) {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	go func() {
		if _, err := s.process(s.ctx, view, buf, ModeAsync); err != nil {
			s.log.Debug("async write abandoned", "view", view.ID(), "error", err)
		}
	}()
}

// WriteSync relays a payload and blocks until its response, a synthesized
// error payload, or ctx cancellation.
func (s *Service) WriteSync(ctx context.Context, view View, payload []byte) ([]byte, error) {
	return s.process(ctx, view, payload, ModeSync)
}

// SuspendAll tells every view it may no longer write and drops all sockets
// while keeping correlation bookkeeping, so in-flight calls still expire
// individually and a later resume reattaches the same identities.
func (s *Service) SuspendAll() {
	for _, c := range s.snapshot() {
		c.suspend()
	}
}

// ResumeAll redials every registered connection. Failures are logged and left
// for the next interactive request; a half-started node must not wedge the
// lifecycle transition.
func (s *Service) ResumeAll(ctx context.Context) {
	conns := s.snapshot()
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			if err := c.ensureConnected(ctx, s.cfg.ReconnectTimeout); err != nil {
				s.log.Warn("reconnect failed", "view", c.viewID, "error", err)
			}
		}(c)
	}
	wg.Wait()
}

// Close destroys every connection and stops the supervisor.
func (s *Service) Close() {
	for _, c := range s.snapshot() {
		c.destroy()
	}
	s.cancel()
	<-s.done
}

// process runs the full outbound pipeline for one payload: decode, rate
// limit, capability filter, privileged-action gate, then correlation and the
// wire. Local answers are delivered through the same path as daemon
// responses so callers cannot tell a synthesized response from a real one.
func (s *Service) process(ctx context.Context, view View, payload []byte, mode Mode) ([]byte, error) {
	started := time.Now()

	env, err := rpc.DecodeEnvelope(payload)
	if err != nil {
		observability.Gateway().RecordRejection("malformed")
		resp := rpc.NewErrorResponse(json.RawMessage("null"), &rpc.Error{
			Code:    rpc.CodeParseError,
			Message: "invalid JSON payload",
		})
		return s.deliver(view, mode, outcomeLocal, started, encode(rpc.Single(resp)))
	}

	if s.limiter != nil && !s.limiter.Allow(view) {
		observability.Gateway().RecordRejection("rate_limited")
		out := env.Map(func(msg *rpc.Message) *rpc.Message {
			return rpc.NewErrorResponse(respondID(msg), rpc.ErrRateLimited())
		})
		return s.deliver(view, mode, outcomeLocal, started, encode(out))
	}

	forward, locals := s.filter.FilterRequest(view, env)
	for range locals {
		observability.Gateway().RecordRejection("method_not_allowed")
	}
	if forward != nil && s.gate != nil {
		res := s.gate.Process(ctx, view, forward)
		locals = append(locals, res.Local...)
		forward = res.Forward
	}

	call := newPendingCall(env, forward, locals, mode, view, started)

	if forward == nil || len(forward.Messages) == 0 {
		return s.deliver(view, mode, outcomeLocal, started, call.respond(nil))
	}

	c := s.ensureConn(view)
	if c == nil {
		return nil, errClosed
	}
	if err := c.ensureConnected(ctx, s.cfg.ConnectTimeout); err != nil {
		s.log.Warn("connect failed", "view", view.ID(), "error", err)
		return s.deliver(view, mode, outcomeTimeout, started, call.timeoutPayload())
	}

	data, err := forward.Bytes()
	if err != nil {
		resp := rpc.NewErrorResponse(json.RawMessage("null"), &rpc.Error{
			Code:    rpc.CodeInternalError,
			Message: "failed to encode request",
		})
		return s.deliver(view, mode, outcomeLocal, started, encode(rpc.Single(resp)))
	}

	if len(call.forwardIDs) == 0 {
		// Nothing to correlate: forwarded notifications only.
		if err := c.write(data); err != nil {
			c.fail(-1, disconnectError, err)
		}
		if call.hasLocal() {
			return s.deliver(view, mode, outcomeLocal, started, call.respond(nil))
		}
		if mode == ModeSync {
			resp := rpc.NewErrorResponse(json.RawMessage("null"), &rpc.Error{
				Code:    rpc.CodeInvalidRequest,
				Message: "synchronous requests require an id",
			})
			return s.deliver(view, mode, outcomeLocal, started, encode(rpc.Single(resp)))
		}
		return nil, nil
	}

	c.register(call)
	if err := c.write(data); err != nil {
		c.unregister(call)
		c.fail(-1, disconnectError, err)
		return s.deliver(view, mode, outcomeTimeout, started, call.timeoutPayload())
	}

	if mode == ModeAsync {
		return nil, nil
	}
	select {
	case out := <-call.done:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliver hands a locally produced payload to the caller or the view,
// mirroring how resolved calls are delivered.
func (s *Service) deliver(view View, mode Mode, outcome string, started time.Time, payload []byte) ([]byte, error) {
	observability.Gateway().Observe(mode.String(), outcome, time.Since(started))
	if mode == ModeSync {
		return payload, nil
	}
	if len(payload) > 0 {
		view.PushData(payload)
	}
	return nil, nil
}

func respondID(msg *rpc.Message) json.RawMessage {
	if msg.HasID() {
		return msg.ID
	}
	return json.RawMessage("null")
}
