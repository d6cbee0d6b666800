package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"nodegate/gate"
	"nodegate/observability/metrics"
)

// ErrNoSurface reports that no main surface is connected to host the
// confirmation workflow.
var ErrNoSurface = errors.New("bridge: no confirmation surface connected")

// Confirmer relays transaction confirmations to the main surface and latches
// the first decision per request. A disconnecting host abandons everything it
// still owes an answer.
type Confirmer struct {
	log *slog.Logger

	mu      sync.Mutex
	host    *Session
	pending map[string]*gate.DecisionCell
}

// NewConfirmer builds the relay unattached. The server adopts it and manages
// the host as main surfaces come and go, which keeps construction order
// simple: confirmer, then gate, then connection service, then server.
func NewConfirmer(log *slog.Logger) *Confirmer {
	if log == nil {
		log = slog.Default()
	}
	return &Confirmer{log: log, pending: make(map[string]*gate.DecisionCell)}
}

func (c *Confirmer) setHost(s *Session) {
	c.mu.Lock()
	c.host = s
	c.mu.Unlock()
}

func (c *Confirmer) dropHost(s *Session) {
	c.mu.Lock()
	if c.host != s {
		c.mu.Unlock()
		return
	}
	c.host = nil
	abandoned := make([]*gate.DecisionCell, 0, len(c.pending))
	for id, cell := range c.pending {
		delete(c.pending, id)
		abandoned = append(abandoned, cell)
	}
	c.mu.Unlock()

	for _, cell := range abandoned {
		cell.Abandon()
	}
	if len(abandoned) > 0 {
		c.log.Warn("confirmation surface lost", "abandoned", len(abandoned))
	}
}

// Confirm implements the gate collaborator: surface the transaction on the
// host and block until a decision, abandonment, or ctx cancellation.
func (c *Confirmer) Confirm(ctx context.Context, req gate.ConfirmRequest) (gate.Decision, error) {
	c.mu.Lock()
	host := c.host
	if host == nil {
		c.mu.Unlock()
		return gate.Decision{}, ErrNoSurface
	}
	cell := gate.NewDecisionCell()
	c.pending[req.ID] = cell
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	metrics.Bridge().ConfirmationPending()
	started := time.Now()
	defer func() {
		metrics.Bridge().ConfirmationSettled(time.Since(started).Seconds())
	}()

	host.pushConfirm(req.ID, req.Tx)
	return cell.Wait(ctx)
}

// Resolve latches the surface's decision for one confirmation id. Unknown or
// already settled ids are ignored.
func (c *Confirmer) Resolve(id string, decision gate.Decision) {
	c.mu.Lock()
	cell := c.pending[id]
	c.mu.Unlock()
	if cell == nil {
		c.log.Debug("decision for unknown confirmation", "id", id)
		return
	}
	cell.Resolve(decision)
}
