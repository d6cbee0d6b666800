package mux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"nodegate/observability"
	"nodegate/observability/metrics"
	"nodegate/rpc"
)

const readBufferSize = 4096

const (
	disconnectError   = "error"
	disconnectTimeout = "timeout"
	disconnectEnd     = "end"
)

var (
	errNotConnected = errors.New("mux: not connected")
	errDestroyed    = errors.New("mux: connection destroyed")
)

// conn is the node-side socket for one view identity together with its
// correlation bookkeeping. The socket may come and go over the conn's
// lifetime; pending calls survive a deliberate suspend and are timed out on
// failure or destroy.
type conn struct {
	viewID uint64
	view   View
	svc    *Service

	// connectMu serializes dial attempts so concurrent requests for the same
	// view cannot open two sockets.
	connectMu sync.Mutex

	mu           sync.Mutex
	sock         net.Conn
	gen          int
	destroyed    bool
	pendingSync  map[string]*pendingCall
	pendingAsync map[string]*pendingCall

	writeMu sync.Mutex
}

func newConn(svc *Service, view View) *conn {
	return &conn{
		viewID:       view.ID(),
		view:         view,
		svc:          svc,
		pendingSync:  make(map[string]*pendingCall),
		pendingAsync: make(map[string]*pendingCall),
	}
}

// ensureConnected dials the node unless a socket is already up. An
// already-connected view is a no-op, which keeps repeated create requests
// idempotent. On the not-connected to connected transition the view is told
// it may write.
func (c *conn) ensureConnected(ctx context.Context, timeout time.Duration) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return errDestroyed
	}
	if c.sock != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sock, err := c.svc.dialer.Dial(dialCtx)
	observability.Sockets().RecordConnect(err)
	if err != nil {
		return fmt.Errorf("mux: connect view %d: %w", c.viewID, err)
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		sock.Close()
		return errDestroyed
	}
	c.gen++
	gen := c.gen
	c.sock = sock
	c.mu.Unlock()

	go c.readLoop(gen, sock)
	metrics.Bridge().ConnectionOpened()
	c.view.PushWritable(true)
	return nil
}

func (c *conn) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock != nil
}

func (c *conn) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// write sends one framed payload. The trailing newline is ignored by the
// node's delimiter-balancing reader and keeps line-based tooling usable
// against the same socket.
func (c *conn) write(payload []byte) error {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return errNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if d := c.svc.cfg.WriteTimeout; d > 0 {
		sock.SetWriteDeadline(time.Now().Add(d))
	}
	framed := make([]byte, 0, len(payload)+1)
	framed = append(framed, payload...)
	framed = append(framed, '\n')
	_, err := sock.Write(framed)
	return err
}

// register indexes the call under each of its forwarded ids and arms its
// expiry timer. The timer is armed first so a racing response can never
// observe a half-initialized call.
func (c *conn) register(call *pendingCall) {
	call.timer = time.AfterFunc(c.svc.cfg.RequestTimeout, func() { c.expire(call) })
	c.mu.Lock()
	target := c.pendingAsync
	if call.mode == ModeSync {
		target = c.pendingSync
	}
	for _, key := range call.forwardIDs {
		target[key] = call
	}
	c.mu.Unlock()
}

func (c *conn) unregister(call *pendingCall) {
	c.mu.Lock()
	c.removeLocked(call)
	c.mu.Unlock()
	if call.timer != nil {
		call.timer.Stop()
	}
}

func (c *conn) removeLocked(call *pendingCall) {
	for _, key := range call.forwardIDs {
		if c.pendingSync[key] == call {
			delete(c.pendingSync, key)
		}
		if c.pendingAsync[key] == call {
			delete(c.pendingAsync, key)
		}
	}
}

func (c *conn) expire(call *pendingCall) {
	c.mu.Lock()
	c.removeLocked(call)
	c.mu.Unlock()
	call.finish(outcomeTimeout, call.timeoutPayload())
}

// claim finds the pending call owning any id the envelope carries and removes
// all of its ids from the maps. Returns nil when nothing matches, which makes
// the envelope a node-initiated notification.
func (c *conn) claim(env *rpc.Envelope) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range env.IDs() {
		call := c.pendingSync[key]
		if call == nil {
			call = c.pendingAsync[key]
		}
		if call == nil {
			continue
		}
		c.removeLocked(call)
		return call
	}
	return nil
}

func (c *conn) readLoop(gen int, sock net.Conn) {
	framer := rpc.NewFramerLimit(c.svc.cfg.MaxFrameBytes)
	buf := make([]byte, readBufferSize)
	for {
		n, err := sock.Read(buf)
		if n > 0 {
			frames, ferr := framer.Push(buf[:n])
			for _, frame := range frames {
				c.dispatch(frame)
			}
			if ferr != nil {
				c.fail(gen, disconnectError, ferr)
				return
			}
		}
		if err != nil {
			kind := disconnectError
			var nerr net.Error
			switch {
			case errors.Is(err, io.EOF):
				kind = disconnectEnd
			case errors.As(err, &nerr) && nerr.Timeout():
				kind = disconnectTimeout
			}
			c.fail(gen, kind, err)
			return
		}
	}
}

// dispatch routes one complete frame: a response resolves its pending call
// after account narrowing, anything unmatched is pushed to the view verbatim.
func (c *conn) dispatch(frame []byte) {
	observability.Sockets().RecordFrame(len(frame))
	env, err := rpc.DecodeEnvelope(frame)
	if err != nil {
		c.svc.log.Warn("dropping undecodable frame", "view", c.viewID, "error", err)
		return
	}
	call := c.claim(env)
	if call == nil {
		observability.Sockets().RecordNotification()
		c.view.PushData(frame)
		return
	}
	narrowed := env.Map(func(msg *rpc.Message) *rpc.Message {
		return c.svc.filter.FilterResponse(c.view, call.methods[msg.IDKey()], msg)
	})
	call.finish(outcomeResult, call.respond(narrowed))
}

// fail tears the connection down after a socket-level problem. The view is
// notified before the connection is removed from the registry, and every
// pending call resolves with a synthesized timeout error. gen guards stale
// readers racing a deliberate teardown; pass a negative gen to force.
func (c *conn) fail(gen int, kind string, cause error) {
	c.mu.Lock()
	if gen >= 0 && gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.destroyed || c.sock == nil {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.gen++
	c.sock.Close()
	c.sock = nil
	calls := c.drainLocked()
	c.mu.Unlock()

	c.svc.log.Warn("node connection lost", "view", c.viewID, "kind", kind, "error", cause)
	observability.Sockets().RecordDisconnect(kind)
	metrics.Bridge().ConnectionClosed()

	info := cause.Error()
	switch kind {
	case disconnectTimeout:
		c.view.PushTimeout(info)
	case disconnectEnd:
		c.view.PushEnd(info)
	default:
		c.view.PushError(info)
	}
	c.view.PushWritable(false)

	for _, call := range calls {
		call.finish(outcomeTimeout, call.timeoutPayload())
	}
	c.svc.dropConn(c)
}

// suspend drops the socket while keeping the correlation maps and the
// registry entry, so a later resume reconnects the same view and in-flight
// calls still expire individually.
func (c *conn) suspend() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	closed := false
	if c.sock != nil {
		c.gen++
		c.sock.Close()
		c.sock = nil
		closed = true
	}
	c.mu.Unlock()

	if closed {
		observability.Sockets().RecordDisconnect("suspend")
		metrics.Bridge().ConnectionClosed()
	}
	c.view.PushWritable(false)
}

// destroy closes the socket, times out every pending call, and marks the conn
// dead. Safe to call repeatedly.
func (c *conn) destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	hadSock := c.sock != nil
	if hadSock {
		c.gen++
		c.sock.Close()
		c.sock = nil
	}
	calls := c.drainLocked()
	c.mu.Unlock()

	if hadSock {
		observability.Sockets().RecordDisconnect("destroy")
		metrics.Bridge().ConnectionClosed()
	}
	c.view.PushWritable(false)
	for _, call := range calls {
		call.finish(outcomeTimeout, call.timeoutPayload())
	}
}

func (c *conn) drainLocked() []*pendingCall {
	seen := make(map[*pendingCall]struct{})
	var calls []*pendingCall
	for _, call := range c.pendingSync {
		if _, ok := seen[call]; !ok {
			seen[call] = struct{}{}
			calls = append(calls, call)
		}
	}
	for _, call := range c.pendingAsync {
		if _, ok := seen[call]; !ok {
			seen[call] = struct{}{}
			calls = append(calls, call)
		}
	}
	c.pendingSync = make(map[string]*pendingCall)
	c.pendingAsync = make(map[string]*pendingCall)
	return calls
}
