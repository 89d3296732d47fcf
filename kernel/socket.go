//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Socket definition.
//

package kernel

import (
	"fmt"
	"net/netip"

	"github.com/rbmk-project/detsim/descriptor"
	"github.com/rbmk-project/detsim/packet"
)

// Protocol is the socket protocol tag.
type Protocol = packet.IPProtocol

const (
	// ProtocolUDP is the UDP protocol.
	ProtocolUDP = packet.IPProtocolUDP

	// ProtocolTCP is the TCP protocol, which is not implemented yet.
	ProtocolTCP = packet.IPProtocolTCP
)

// Socket is a socket created by [*Kernel.Bind].
//
// The socket owns its file descriptor until [*Socket.Close] is called.
// Closing a socket does not unbind it: use [*Kernel.Unbind] for that.
type Socket struct {
	// Addr is the local address. After a successful bind the port
	// is never zero.
	Addr netip.AddrPort

	// FD is the socket file descriptor.
	FD descriptor.ID

	// Protocol is the socket protocol.
	Protocol Protocol

	// fd owns FD.
	fd *descriptor.Guard
}

// newSocket creates a new [*Socket] owning the given descriptor.
func newSocket(addr netip.AddrPort, protocol Protocol, fd *descriptor.Guard) *Socket {
	return &Socket{
		Addr:     addr,
		FD:       fd.ID(),
		Protocol: protocol,
		fd:       fd,
	}
}

// Close releases the socket file descriptor. Only the first
// call has effect.
//
// Close does not release the port: a socket closed without
// [*Kernel.Unbind] keeps its port until its descriptor is bound
// again, which replaces the stale bind and releases the port.
func (s *Socket) Close() error {
	return s.fd.Close()
}

// String returns a string representation of the socket.
func (s *Socket) String() string {
	return fmt.Sprintf("fd=%d %s %s", s.FD, s.Addr, s.Protocol)
}
