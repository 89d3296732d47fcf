// SPDX-License-Identifier: GPL-3.0-or-later

package names_test

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/rbmk-project/detsim/names"
	"github.com/rbmk-project/detsim/netipx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableLookup(t *testing.T) {
	t.Run("allocates addresses in order", func(t *testing.T) {
		table := names.NewTable(netip.MustParsePrefix("192.168.0.0/24"))

		server, err := table.Lookup("server")
		require.NoError(t, err)
		client, err := table.Lookup("client")
		require.NoError(t, err)
		again, err := table.Lookup("server")
		require.NoError(t, err)

		assert.Equal(t, netip.MustParseAddr("192.168.0.1"), server)
		assert.Equal(t, netip.MustParseAddr("192.168.0.2"), client)
		assert.Equal(t, server, again)
		assert.Equal(t, netipx.FamilyIPv4, table.Family())
	})

	t.Run("names are case insensitive", func(t *testing.T) {
		table := names.NewTable(netip.MustParsePrefix("10.0.0.0/8"))

		lower, err := table.Lookup("server")
		require.NoError(t, err)
		upper, err := table.Lookup("SERVER.")
		require.NoError(t, err)
		assert.Equal(t, lower, upper)
	})

	t.Run("IPv6 prefix", func(t *testing.T) {
		table := names.NewTable(netip.MustParsePrefix("fd00::/64"))

		addr, err := table.Lookup("server")
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddr("fd00::1"), addr)
		assert.Equal(t, netipx.FamilyIPv6, table.Family())
	})

	t.Run("IP literals are returned as is", func(t *testing.T) {
		table := names.NewTable(netip.MustParsePrefix("192.168.0.0/24"))

		addr, err := table.Lookup("10.1.2.3")
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddr("10.1.2.3"), addr)

		addr, err = table.Lookup("::ffff:10.1.2.3")
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddr("10.1.2.3"), addr)

		// literals do not consume the prefix
		next, err := table.Lookup("server")
		require.NoError(t, err)
		assert.Equal(t, netip.MustParseAddr("192.168.0.1"), next)
	})

	t.Run("invalid names", func(t *testing.T) {
		table := names.NewTable(netip.MustParsePrefix("192.168.0.0/24"))

		for _, name := range []string{"", "a..b"} {
			_, err := table.Lookup(name)
			assert.ErrorIs(t, err, names.ErrInvalidName, name)
		}
	})

	t.Run("prefix exhaustion", func(t *testing.T) {
		table := names.NewTable(netip.MustParsePrefix("192.168.0.0/30"))

		for _, name := range []string{"a", "b", "c"} {
			_, err := table.Lookup(name)
			require.NoError(t, err)
		}
		_, err := table.Lookup("d")
		assert.ErrorIs(t, err, names.ErrNoAddresses)
	})
}

func TestTableAlias(t *testing.T) {
	table := names.NewTable(netip.MustParsePrefix("192.168.0.0/24"))
	addr, err := table.Lookup("server")
	require.NoError(t, err)

	table.Alias("www", "server")
	table.Alias("web", "www")

	got, found := table.Resolve("web")
	require.True(t, found)
	assert.Equal(t, addr, got)

	// lookup must not allocate for an alias
	got, err = table.Lookup("www")
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	_, found = table.Resolve("missing")
	assert.False(t, found)
}

func TestTableName(t *testing.T) {
	table := names.NewTable(netip.MustParsePrefix("192.168.0.0/24"))
	addr, err := table.Lookup("Server")
	require.NoError(t, err)
	table.Add("second", addr)

	name, found := table.Name(addr)
	require.True(t, found)
	assert.Equal(t, "server", name)

	_, found = table.Name(netip.MustParseAddr("192.168.0.200"))
	assert.False(t, found)
}

func TestTableExchange(t *testing.T) {
	table := names.NewTable(netip.MustParsePrefix("192.168.0.0/24"))
	table.Add("server", netip.MustParseAddr("192.168.0.10"))
	table.Add("server", netip.MustParseAddr("fd00::10"))
	table.Alias("www", "server")
	table.Add("legacy", netip.MustParseAddr("192.168.0.11"))
	table.Alias("old", "legacy")
	table.Alias("dangling", "nowhere")
	table.Alias("loop1", "loop2")
	table.Alias("loop2", "loop1")

	tests := []struct {
		name    string
		qname   string
		qtype   uint16
		qclass  uint16
		rcode   int
		answers int
	}{{
		name:    "A record",
		qname:   "server.",
		qtype:   dns.TypeA,
		qclass:  dns.ClassINET,
		rcode:   dns.RcodeSuccess,
		answers: 1,
	}, {
		name:    "AAAA through CNAME",
		qname:   "www.",
		qtype:   dns.TypeAAAA,
		qclass:  dns.ClassINET,
		rcode:   dns.RcodeSuccess,
		answers: 2,
	}, {
		name:    "no AAAA for an IPv4-only name",
		qname:   "legacy.",
		qtype:   dns.TypeAAAA,
		qclass:  dns.ClassINET,
		rcode:   dns.RcodeSuccess,
		answers: 0,
	}, {
		name:    "no AAAA through CNAME",
		qname:   "old.",
		qtype:   dns.TypeAAAA,
		qclass:  dns.ClassINET,
		rcode:   dns.RcodeSuccess,
		answers: 1,
	}, {
		name:    "dangling CNAME",
		qname:   "dangling.",
		qtype:   dns.TypeA,
		qclass:  dns.ClassINET,
		rcode:   dns.RcodeNameError,
		answers: 1,
	}, {
		name:    "CNAME loop",
		qname:   "loop1.",
		qtype:   dns.TypeA,
		qclass:  dns.ClassINET,
		rcode:   dns.RcodeServerFailure,
		answers: 0,
	}, {
		name:    "CNAME record",
		qname:   "www.",
		qtype:   dns.TypeCNAME,
		qclass:  dns.ClassINET,
		rcode:   dns.RcodeSuccess,
		answers: 1,
	}, {
		name:    "unknown name",
		qname:   "missing.",
		qtype:   dns.TypeA,
		qclass:  dns.ClassINET,
		rcode:   dns.RcodeNameError,
		answers: 0,
	}, {
		name:    "unsupported type",
		qname:   "server.",
		qtype:   dns.TypeMX,
		qclass:  dns.ClassINET,
		rcode:   dns.RcodeNotImplemented,
		answers: 0,
	}, {
		name:    "wrong class",
		qname:   "server.",
		qtype:   dns.TypeA,
		qclass:  dns.ClassCHAOS,
		rcode:   dns.RcodeRefused,
		answers: 0,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := &dns.Msg{}
			query.SetQuestion(tt.qname, tt.qtype)
			query.Question[0].Qclass = tt.qclass

			// go through the wire format like a real client would
			raw, err := query.Pack()
			require.NoError(t, err)
			parsed := &dns.Msg{}
			require.NoError(t, parsed.Unpack(raw))

			response := table.Exchange(parsed)
			assert.True(t, response.Response)
			assert.Equal(t, query.Id, response.Id)
			assert.Equal(t, tt.rcode, response.Rcode)
			assert.Len(t, response.Answer, tt.answers)
		})
	}

	t.Run("malformed query", func(t *testing.T) {
		query := &dns.Msg{}
		query.SetQuestion("server.", dns.TypeA)
		query.Question = append(query.Question, query.Question[0])
		response := table.Exchange(query)
		assert.Equal(t, dns.RcodeFormatError, response.Rcode)
	})
}
