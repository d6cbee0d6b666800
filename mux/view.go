// Package mux owns the per-view connections to the node: one socket per view
// identity, request/response correlation with per-call expiry, and the push
// channel back to the owning surface.
package mux

// View is the surface-side endpoint of a Connection. Pushes arrive from
// multiple goroutines; implementations must serialize delivery themselves.
type View interface {
	ID() uint64
	Privileged() bool

	PushWritable(writable bool)
	PushData(payload []byte)
	PushError(info string)
	PushTimeout(info string)
	PushEnd(info string)
}

// Mode selects how a relayed request's response is delivered.
type Mode int

const (
	// ModeAsync delivers the response as a data push on the view.
	ModeAsync Mode = iota
	// ModeSync blocks the caller until the response or a synthesized error.
	ModeSync
)

func (m Mode) String() string {
	if m == ModeSync {
		return "sync"
	}
	return "async"
}
