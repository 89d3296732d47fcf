//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// AF_INET address family.
//

package kernel

import (
	"fmt"
	"net/netip"

	"github.com/rbmk-project/detsim/descriptor"
	"github.com/rbmk-project/detsim/netipx"
)

// transportBus is the per-protocol port registry.
type transportBus interface {
	bind(sock *Socket) error
	unbind(sock *Socket) error
	ephemeralPort() (uint16, error)
	lookup(fd descriptor.ID) (netip.AddrPort, bool)
	len() int
}

// afInet dispatches binds to the per-protocol bus.
//
// This type IS NOT goroutine safe.
type afInet struct {
	// udp is the UDP bus.
	udp *udpBus
}

// newAfInet creates an [*afInet] whose buses allocate from the given pool.
func newAfInet(udpPorts *descriptor.Pool) *afInet {
	return &afInet{udp: newUDPBus(udpPorts)}
}

// bus returns the bus handling the given protocol.
func (af *afInet) bus(protocol Protocol) (transportBus, error) {
	switch protocol {
	case ProtocolUDP:
		return af.udp, nil
	case ProtocolTCP:
		return nil, ErrTCPNotImplemented
	default:
		return nil, fmt.Errorf("kernel: protocol %d: %w", uint8(protocol), EPROTONOSUPPORT)
	}
}

// bind binds the socket, choosing an ephemeral port when the socket
// port is zero. The socket address is updated with the chosen port.
//
// Only the unspecified and the loopback addresses can be bound.
func (af *afInet) bind(sock *Socket) error {
	if !netipx.IsLocalBindable(sock.Addr.Addr()) {
		return fmt.Errorf("kernel: %s is not supported: %w", sock.Addr, EADDRNOTAVAIL)
	}

	bus, err := af.bus(sock.Protocol)
	if err != nil {
		return err
	}

	if sock.Addr.Port() == 0 {
		port, err := bus.ephemeralPort()
		if err != nil {
			return err
		}
		sock.Addr = netip.AddrPortFrom(sock.Addr.Addr(), port)
	}

	return bus.bind(sock)
}

// unbind releases the socket binding.
func (af *afInet) unbind(sock *Socket) error {
	bus, err := af.bus(sock.Protocol)
	if err != nil {
		return err
	}
	return bus.unbind(sock)
}
