// SPDX-License-Identifier: GPL-3.0-or-later

package capture_test

import (
	"bytes"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rbmk-project/detsim/capture"
	"github.com/rbmk-project/detsim/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

func newPacket(src, dst string, payload string) *packet.Packet {
	return &packet.Packet{
		SrcAddr:    netip.MustParseAddr(src),
		DstAddr:    netip.MustParseAddr(dst),
		IPProtocol: packet.IPProtocolUDP,
		SrcPort:    7000,
		DstPort:    7000,
		Time:       t0.Add(1500 * time.Microsecond),
		Payload:    []byte(payload),
	}
}

func TestWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	w, err := capture.NewWriter(buf)
	require.NoError(t, err)

	require.NoError(t, w.WritePacket(newPacket("192.168.0.1", "192.168.0.2", "ping")))
	require.NoError(t, w.WritePacket(newPacket("fd00::1", "fd00::2", "pong")))
	assert.Equal(t, 2, w.Count())
	require.NoError(t, w.Close())

	err = w.WritePacket(newPacket("192.168.0.1", "192.168.0.2", "late"))
	assert.ErrorIs(t, err, capture.ErrClosed)

	reader, err := pcapgo.NewReader(buf)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, reader.LinkType())

	data, ci, err := reader.ReadPacketData()
	require.NoError(t, err)
	assert.True(t, t0.Add(1500*time.Microsecond).Equal(ci.Timestamp))
	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	assert.Equal(t, "192.168.0.1", ip4.SrcIP.String())
	assert.Equal(t, "192.168.0.2", ip4.DstIP.String())
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, layers.UDPPort(7000), udp.DstPort)
	assert.Equal(t, []byte("ping"), udp.Payload)

	data, _, err = reader.ReadPacketData()
	require.NoError(t, err)
	pkt = gopacket.NewPacket(data, layers.LayerTypeIPv6, gopacket.Default)
	ip6, ok := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	require.True(t, ok)
	assert.Equal(t, "fd00::2", ip6.DstIP.String())
	udp, ok = pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	require.True(t, ok)
	assert.Equal(t, []byte("pong"), udp.Payload)
}

func TestCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim.pcap")
	w, err := capture.Create(path)
	require.NoError(t, err)
	require.NoError(t, w.WritePacket(newPacket("10.0.0.1", "10.0.0.2", "hello")))
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	_, err = capture.Create(filepath.Join(t.TempDir(), "missing", "sim.pcap"))
	assert.Error(t, err)
}

func TestSerialize(t *testing.T) {
	t.Run("TCP is not supported", func(t *testing.T) {
		pkt := newPacket("10.0.0.1", "10.0.0.2", "")
		pkt.IPProtocol = packet.IPProtocolTCP
		_, err := capture.Serialize(pkt)
		assert.ErrorIs(t, err, capture.ErrUnsupportedProtocol)
	})

	t.Run("mixed families", func(t *testing.T) {
		_, err := capture.Serialize(newPacket("10.0.0.1", "fd00::2", ""))
		assert.Error(t, err)
	})

	t.Run("payload too large", func(t *testing.T) {
		tests := []struct {
			name     string
			src, dst string
			size     int
			wantErr  bool
		}{
			{"IPv4 largest payload", "10.0.0.1", "10.0.0.2", 65507, false},
			{"IPv4 one byte more", "10.0.0.1", "10.0.0.2", 65508, true},
			{"IPv6 largest payload", "fd00::1", "fd00::2", 65527, false},
			{"IPv6 one byte more", "fd00::1", "fd00::2", 65528, true},
			{"IPv4 way too large", "10.0.0.1", "10.0.0.2", 70000, true},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				pkt := newPacket(tt.src, tt.dst, "")
				pkt.Payload = make([]byte, tt.size)
				data, err := capture.Serialize(pkt)
				if tt.wantErr {
					assert.ErrorIs(t, err, capture.ErrPayloadTooLarge)
					assert.Nil(t, data)
					return
				}
				require.NoError(t, err)
				assert.LessOrEqual(t, len(data), 65535+40)
			})
		}

		buf := &bytes.Buffer{}
		w, err := capture.NewWriter(buf)
		require.NoError(t, err)
		pkt := newPacket("10.0.0.1", "10.0.0.2", "")
		pkt.Payload = make([]byte, 70000)
		assert.ErrorIs(t, w.WritePacket(pkt), capture.ErrPayloadTooLarge)
		assert.Equal(t, 0, w.Count())
	})

	t.Run("lengths and checksums", func(t *testing.T) {
		data, err := capture.Serialize(newPacket("10.0.0.1", "10.0.0.2", "abc"))
		require.NoError(t, err)
		assert.Len(t, data, 20+8+3)

		pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
		require.Nil(t, pkt.ErrorLayer())
		ip4 := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		assert.Equal(t, uint16(31), ip4.Length)
		assert.NotZero(t, ip4.Checksum)
	})
}
