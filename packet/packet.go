// SPDX-License-Identifier: GPL-3.0-or-later

// Package packet contains [*Packet] and the related definitions.
package packet

import (
	"fmt"
	"net/netip"
	"time"
)

// IPProtocol is the protocol number of an IP packet.
//
// The kernel uses it as the socket protocol tag. Only [IPProtocolUDP]
// is implemented; [IPProtocolTCP] exists so that code handling it is
// tracked at compile time.
type IPProtocol uint8

// String returns the string representation of the IP protocol.
func (p IPProtocol) String() string {
	switch p {
	case IPProtocolTCP:
		return "tcp"

	case IPProtocolUDP:
		return "udp"

	default:
		return "unknown"
	}
}

const (
	// IPProtocolTCP is the TCP protocol number.
	IPProtocolTCP = IPProtocol(6)

	// IPProtocolUDP is the UDP protocol number.
	IPProtocolUDP = IPProtocol(17)
)

// Packet is the wire view of a message exchanged by simulated hosts.
type Packet struct {
	// SrcAddr is the source address.
	SrcAddr netip.Addr

	// DstAddr is the destination address.
	DstAddr netip.Addr

	// IPProtocol is the protocol number.
	IPProtocol IPProtocol

	// SrcPort is the source port.
	SrcPort uint16

	// DstPort is the destination port.
	DstPort uint16

	// Time is the virtual time at which the packet was delivered.
	Time time.Time

	// Payload is the packet payload.
	Payload []byte
}

// String returns the string representation of the packet.
func (p *Packet) String() string {
	return fmt.Sprintf(
		"%s -> %s %s length=%d",
		netip.AddrPortFrom(p.SrcAddr, p.SrcPort),
		netip.AddrPortFrom(p.DstAddr, p.DstPort),
		p.IPProtocol,
		len(p.Payload),
	)
}
