//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// UDP port bus.
//

package kernel

import (
	"fmt"
	"math"
	"net/netip"

	"github.com/rbmk-project/detsim/descriptor"
)

// bindRecord is a bound address. Releasing port unbinds it.
type bindRecord struct {
	// addr is the bound address.
	addr netip.AddrPort

	// port owns the bound port.
	port *descriptor.Guard
}

// udpBus maps bound UDP sockets to the ports they own.
//
// This type IS NOT goroutine safe.
type udpBus struct {
	// binds maps the socket descriptor to its [*bindRecord].
	binds map[descriptor.ID]*bindRecord

	// ports is the port pool.
	ports *descriptor.Pool
}

var _ transportBus = &udpBus{}

// newUDPBus creates a [*udpBus] allocating ports from the given pool.
func newUDPBus(ports *descriptor.Pool) *udpBus {
	return &udpBus{
		binds: make(map[descriptor.ID]*bindRecord),
		ports: ports,
	}
}

// bind claims the socket port. The port must already be decided.
func (b *udpBus) bind(sock *Socket) error {
	port, err := b.ports.Claim(descriptor.ID(sock.Addr.Port()))
	if err != nil {
		return fmt.Errorf("kernel: %s: %w", sock.Addr, EADDRINUSE)
	}

	// The record is stale when its socket was closed without being
	// unbound and the descriptor was reused: drop it.
	if old := b.binds[sock.FD]; old != nil {
		old.port.Release()
	}
	b.binds[sock.FD] = &bindRecord{addr: sock.Addr, port: port}
	return nil
}

// unbind releases the socket port, if bound.
func (b *udpBus) unbind(sock *Socket) error {
	record := b.binds[sock.FD]
	delete(b.binds, sock.FD)
	if record != nil {
		record.port.Release()
	}
	return nil
}

// ephemeralPort chooses a free port without keeping it: the
// subsequent bind claims it again.
func (b *udpBus) ephemeralPort() (uint16, error) {
	port, err := b.ports.ClaimAny()
	if err != nil {
		return 0, ErrNoEphemeralPorts
	}
	defer port.Release()
	if port.ID() > math.MaxUint16 {
		return 0, fmt.Errorf("%w: %d", ErrPortRange, port.ID())
	}
	return uint16(port.ID()), nil
}

// lookup returns the address bound by the given descriptor.
func (b *udpBus) lookup(fd descriptor.ID) (netip.AddrPort, bool) {
	record := b.binds[fd]
	if record == nil {
		return netip.AddrPort{}, false
	}
	return record.addr, true
}

// len returns the number of bound sockets.
func (b *udpBus) len() int {
	return len(b.binds)
}
