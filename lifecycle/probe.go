package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"nodegate/mux"
)

const (
	// DefaultProbeInterval is how often the prober attempts a liveness dial.
	DefaultProbeInterval = 2 * time.Second
	// DefaultProbeTimeout bounds one liveness dial.
	DefaultProbeTimeout = time.Second
)

// Prober synthesizes a daemon state stream by polling the node socket. It
// emits StateConnected when a dial starts succeeding and StateStopping when
// dials start failing again; steady states produce nothing. Useful when no
// supervisor feeds lifecycle events externally.
type Prober struct {
	dialer   mux.Dialer
	interval time.Duration
	timeout  time.Duration
	states   chan State
	log      *slog.Logger
}

// NewProber returns a prober polling at interval. Zero durations select the
// defaults.
func NewProber(dialer mux.Dialer, interval, timeout time.Duration, log *slog.Logger) *Prober {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		dialer:   dialer,
		interval: interval,
		timeout:  timeout,
		states:   make(chan State, 1),
		log:      log.With("component", "probe"),
	}
}

// States implements Source.
func (p *Prober) States() <-chan State {
	return p.states
}

// Run probes until ctx is cancelled. The first successful dial emits
// StateConnected; a node that is down from the start emits nothing until it
// comes up.
func (p *Prober) Run(ctx context.Context) {
	up := false
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive := p.probe(ctx)
			if alive == up {
				continue
			}
			up = alive
			if alive {
				p.log.Info("node socket reachable")
				p.publish(StateConnected)
			} else {
				p.log.Warn("node socket unreachable")
				p.publish(StateStopping)
			}
		}
	}
}

func (p *Prober) probe(ctx context.Context) bool {
	dialCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dialer.Dial(dialCtx)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// publish keeps only the latest transition when the consumer lags. Stale
// intermediate states are worthless once a newer one exists.
func (p *Prober) publish(state State) {
	for {
		select {
		case p.states <- state:
			return
		default:
			select {
			case <-p.states:
			default:
			}
		}
	}
}
