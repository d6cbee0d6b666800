package lifecycle

import (
	"context"
	"log/slog"
)

// Target is the connection layer the coordinator drives. Suspend must keep
// correlation bookkeeping so calls issued just before a stop still expire
// individually; resume failures must be non-fatal.
type Target interface {
	SuspendAll()
	ResumeAll(ctx context.Context)
}

// Coordinator consumes a state source and drives mass disconnect/reconnect.
// Only StateConnected and StateStopping are acted on; the other phases are
// logged and ignored.
type Coordinator struct {
	src    Source
	target Target
	log    *slog.Logger
}

// NewCoordinator wires a source to a target.
func NewCoordinator(src Source, target Target, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{src: src, target: target, log: log.With("component", "lifecycle")}
}

// Run blocks until ctx is cancelled or the source closes, applying each
// transition as it arrives.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case state, ok := <-c.src.States():
			if !ok {
				return
			}
			c.apply(ctx, state)
		}
	}
}

func (c *Coordinator) apply(ctx context.Context, state State) {
	switch state {
	case StateConnected:
		c.log.Info("node available, resuming views", "state", state.String())
		c.target.ResumeAll(ctx)
	case StateStopping:
		c.log.Info("node stopping, suspending views", "state", state.String())
		c.target.SuspendAll()
	default:
		c.log.Debug("ignoring node state", "state", state.String())
	}
}
