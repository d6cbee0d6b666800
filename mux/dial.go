package mux

import (
	"context"
	"net"
)

// Dialer opens a fresh stream to the node endpoint.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// SocketDialer connects to the node's local IPC endpoint. Network defaults to
// "unix" when empty.
type SocketDialer struct {
	Network string
	Path    string
}

func (d SocketDialer) Dial(ctx context.Context) (net.Conn, error) {
	network := d.Network
	if network == "" {
		network = "unix"
	}
	var nd net.Dialer
	return nd.DialContext(ctx, network, d.Path)
}
