// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package names maps simulated host names to IP addresses.

A [*Table] is a small DNS database built on [github.com/miekg/dns]. Names
are resolved by running an in-process DNS exchange against the table, so
CNAME chains behave like on a real resolver. Resolving an unknown name
with [*Table.Lookup] allocates the next free address of the configured
prefix and records it, which gives every registered host a stable address
in registration order.
*/
package names

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/miekg/dns"
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/detsim/netipx"
)

var (
	// ErrInvalidName indicates a string that is neither an IP
	// address nor a valid domain name.
	ErrInvalidName = errors.New("names: invalid name")

	// ErrNoAddresses indicates that the prefix has no free address.
	ErrNoAddresses = errors.New("names: no addresses left in prefix")
)

// ttl is the TTL of the records we create.
const ttl = 3600

// Table is the name table of a simulation.
//
// Construct using [NewTable].
type Table struct {
	// next is the next address to allocate.
	next netip.Addr

	// prefix is the prefix from which we allocate addresses.
	prefix netip.Prefix

	// records maps canonical names to their records.
	records map[string][]dns.RR

	// reverse maps an address to the first name registered for it.
	reverse map[netip.Addr]string
}

// NewTable creates a new [*Table] allocating addresses from the given
// prefix. The first allocated address follows the prefix address, so
// 192.168.0.0/24 yields 192.168.0.1, 192.168.0.2, and so on.
//
// This function panics if the prefix is not valid.
func NewTable(prefix netip.Prefix) *Table {
	runtimex.Assert(prefix.IsValid(), "names: invalid prefix")
	prefix = prefix.Masked()
	return &Table{
		next:    prefix.Addr().Next(),
		prefix:  prefix,
		records: make(map[string][]dns.RR),
		reverse: make(map[netip.Addr]string),
	}
}

// Prefix returns the prefix used for allocating addresses.
func (t *Table) Prefix() netip.Prefix {
	return t.prefix
}

// Family returns the family of the allocated addresses.
func (t *Table) Family() netipx.Family {
	return netipx.FamilyOf(t.prefix.Addr())
}

// Lookup returns the address of the given name.
//
// A name that parses as an IP address is returned as is. A known name
// resolves to its address. An unknown name gets the next free address.
//
// This method IS NOT goroutine safe.
func (t *Table) Lookup(name string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(name); err == nil {
		return addr.Unmap(), nil
	}
	if addr, found := t.Resolve(name); found {
		return addr, nil
	}
	if _, ok := dns.IsDomainName(name); !ok || name == "" {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !t.prefix.Contains(t.next) {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrNoAddresses, t.prefix)
	}
	addr := t.next
	t.next = t.next.Next()
	t.Add(name, addr)
	return addr, nil
}

// Add adds an A or AAAA record mapping name to addr.
//
// This method IS NOT goroutine safe.
func (t *Table) Add(name string, addr netip.Addr) {
	name = dns.CanonicalName(name)
	addr = addr.Unmap()
	header := dns.RR_Header{
		Name:     name,
		Rrtype:   0,
		Class:    dns.ClassINET,
		Ttl:      ttl,
		Rdlength: 0,
	}
	var rr dns.RR
	switch {
	case addr.Is4():
		header.Rrtype = dns.TypeA
		rr = &dns.A{Hdr: header, A: net.IP(addr.AsSlice())}
	default:
		header.Rrtype = dns.TypeAAAA
		rr = &dns.AAAA{Hdr: header, AAAA: net.IP(addr.AsSlice())}
	}
	t.records[name] = append(t.records[name], rr)
	if _, found := t.reverse[addr]; !found {
		t.reverse[addr] = strings.TrimSuffix(name, ".")
	}
}

// Alias makes name a CNAME for target.
//
// This method IS NOT goroutine safe.
func (t *Table) Alias(name, target string) {
	name = dns.CanonicalName(name)
	rr := &dns.CNAME{
		Hdr: dns.RR_Header{
			Name:     name,
			Rrtype:   dns.TypeCNAME,
			Class:    dns.ClassINET,
			Ttl:      ttl,
			Rdlength: 0,
		},
		Target: dns.CanonicalName(target),
	}
	t.records[name] = append(t.records[name], rr)
}

// Name returns the first name registered for the given address.
func (t *Table) Name(addr netip.Addr) (string, bool) {
	name, found := t.reverse[addr.Unmap()]
	return name, found
}

// Resolve resolves a name to an address of the table family without
// allocating. It follows CNAME chains.
//
// This method is goroutine safe as long as one does not
// modify the table while resolving.
func (t *Table) Resolve(name string) (netip.Addr, bool) {
	if _, ok := dns.IsDomainName(name); !ok || name == "" {
		return netip.Addr{}, false
	}
	qtype := dns.TypeA
	if t.Family() == netipx.FamilyIPv6 {
		qtype = dns.TypeAAAA
	}
	query := &dns.Msg{}
	query.SetQuestion(dns.CanonicalName(name), qtype)
	response := t.Exchange(query)
	for _, rr := range response.Answer {
		switch rr := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(rr.A.To4()); ok {
				return addr, true
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(rr.AAAA.To16()); ok {
				return addr, true
			}
		}
	}
	return netip.Addr{}, false
}

// Exchange answers a DNS query using the table.
//
// This method is goroutine safe as long as one does not
// modify the table while handling queries.
func (t *Table) Exchange(query *dns.Msg) *dns.Msg {
	response := &dns.Msg{}
	response.SetReply(query)
	if query.Response || query.Opcode != dns.OpcodeQuery || len(query.Question) != 1 {
		response.Rcode = dns.RcodeFormatError
		return response
	}

	q0 := query.Question[0]
	switch {
	case q0.Qclass != dns.ClassINET:
		response.Rcode = dns.RcodeRefused
	case q0.Qtype == dns.TypeA || q0.Qtype == dns.TypeAAAA || q0.Qtype == dns.TypeCNAME:
		response.Answer, response.Rcode = t.lookup(q0.Qtype, dns.CanonicalName(q0.Name))
	default:
		response.Rcode = dns.RcodeNotImplemented
	}
	return response
}

// maxChain is the maximum number of CNAME records we follow.
const maxChain = 8

// lookup returns the answer section and the rcode for a query. A name
// existing without records of qtype yields an empty NOERROR answer.
func (t *Table) lookup(qtype uint16, name string) ([]dns.RR, int) {
	var answer []dns.RR
	for range maxChain + 1 {
		rrs, found := t.records[name]
		if !found {
			return answer, dns.RcodeNameError
		}
		var target string
		for _, rr := range rrs {
			switch rr := rr.(type) {
			case *dns.CNAME:
				answer = append(answer, rr)
				target = rr.Target
			default:
				if rr.Header().Rrtype == qtype {
					answer = append(answer, rr)
				}
			}
		}
		if target == "" || qtype == dns.TypeCNAME {
			return answer, dns.RcodeSuccess
		}
		name = target
	}
	return nil, dns.RcodeServerFailure
}
