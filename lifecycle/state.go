// Package lifecycle reacts to node daemon state transitions by suspending or
// resuming every multiplexed view connection.
package lifecycle

import "sync"

// State is the daemon lifecycle phase as reported by a state source.
type State int

const (
	// StateStarting indicates the daemon process exists but is not yet serving.
	StateStarting State = iota
	// StateConnected indicates the daemon socket is accepting connections.
	StateConnected
	// StateStopping indicates the daemon announced shutdown and will drop sockets.
	StateStopping
	// StateStopped indicates the daemon process is gone.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Source exposes a stream of daemon state transitions. The channel closing
// means the source is exhausted and the coordinator should stop.
type Source interface {
	States() <-chan State
}

// Feed is a manual state source for embedders that learn about daemon
// transitions through their own supervision (process manager, init system).
type Feed struct {
	ch   chan State
	once sync.Once
}

// NewFeed returns a buffered manual source.
func NewFeed() *Feed {
	return &Feed{ch: make(chan State, 8)}
}

// Publish pushes one transition to the coordinator. Blocks when the buffer is
// full, which only happens when nothing consumes the feed.
func (f *Feed) Publish(state State) {
	f.ch <- state
}

// Close ends the stream. Safe to call more than once.
func (f *Feed) Close() {
	f.once.Do(func() { close(f.ch) })
}

// States implements Source.
func (f *Feed) States() <-chan State {
	return f.ch
}
