package gate

import (
	"context"
	"errors"
	"sync"
)

// ErrAbandoned reports that the confirmation surface went away without a
// decision.
var ErrAbandoned = errors.New("gate: confirmation abandoned")

// DecisionCell carries the outcome of one confirmation. The decision and the
// surface-closed signal can race; the first writer wins and later signals are
// no-ops, so a request resolves exactly once.
type DecisionCell struct {
	once sync.Once
	ch   chan Decision
}

func NewDecisionCell() *DecisionCell {
	return &DecisionCell{ch: make(chan Decision, 1)}
}

// Resolve delivers the decision. It reports whether this call was the winner.
func (c *DecisionCell) Resolve(decision Decision) bool {
	won := false
	c.once.Do(func() {
		won = true
		c.ch <- decision
		close(c.ch)
	})
	return won
}

// Abandon marks the confirmation as closed without a decision. It reports
// whether this call was the winner.
func (c *DecisionCell) Abandon() bool {
	won := false
	c.once.Do(func() {
		won = true
		close(c.ch)
	})
	return won
}

// Wait blocks until the cell is resolved, abandoned, or the context ends.
func (c *DecisionCell) Wait(ctx context.Context) (Decision, error) {
	select {
	case decision, ok := <-c.ch:
		if !ok {
			return Decision{}, ErrAbandoned
		}
		return decision, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}
