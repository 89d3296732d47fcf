// SPDX-License-Identifier: GPL-3.0-or-later

// Package netipx contains [net/netip] extensions.
package netipx

import "net/netip"

// Family is an IP address family.
type Family int

const (
	// FamilyInvalid is the family of the zero [netip.Addr].
	FamilyInvalid = Family(iota)

	// FamilyIPv4 is the IPv4 family.
	FamilyIPv4

	// FamilyIPv6 is the IPv6 family.
	FamilyIPv6
)

// String returns the string representation of the family.
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "invalid"
	}
}

// FamilyOf returns the [Family] of the given address.
//
// IPv4-mapped IPv6 addresses belong to [FamilyIPv4].
func FamilyOf(addr netip.Addr) Family {
	switch {
	case !addr.IsValid():
		return FamilyInvalid
	case addr.Unmap().Is4():
		return FamilyIPv4
	default:
		return FamilyIPv6
	}
}

// StrictFamilyOf is like [FamilyOf] but does not unmap: IPv4-mapped
// IPv6 addresses belong to [FamilyIPv6], as they do on the wire.
func StrictFamilyOf(addr netip.Addr) Family {
	switch {
	case !addr.IsValid():
		return FamilyInvalid
	case addr.Is4():
		return FamilyIPv4
	default:
		return FamilyIPv6
	}
}

// IsLocalBindable returns whether a socket can bind to the given address
// without a configured interface, i.e., whether the address is either
// unspecified or loopback.
func IsLocalBindable(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsUnspecified() || addr.IsLoopback()
}
