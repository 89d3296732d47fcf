// SPDX-License-Identifier: GPL-3.0-or-later

// Package capture writes simulated packets to pcap files.
//
// Packets are written with [layers.LinkTypeRaw], so each record starts
// with the IP header. Wireshark and tcpdump read the result directly.
package capture

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rbmk-project/detsim/packet"
)

// snapLen is the snapshot length advertised in the file header.
const snapLen = 262144

// ErrUnsupportedProtocol indicates a packet we cannot serialize.
var ErrUnsupportedProtocol = errors.New("capture: unsupported protocol")

// ErrPayloadTooLarge indicates a payload that does not fit an IP datagram.
var ErrPayloadTooLarge = errors.New("capture: payload too large")

const (
	// maxPayloadIPv4 is the largest UDP payload of an IPv4 datagram
	// without options.
	maxPayloadIPv4 = 65535 - 20 - 8

	// maxPayloadIPv6 is the largest UDP payload of an IPv6 packet
	// without jumbograms.
	maxPayloadIPv6 = 65535 - 8
)

// ErrClosed indicates the [*Writer] is closed.
var ErrClosed = errors.New("capture: writer closed")

// Writer writes [*packet.Packet] to a pcap stream.
//
// Construct using [NewWriter] or [Create].
type Writer struct {
	// closer is the optional underlying closer.
	closer io.Closer

	// count is the number of packets written.
	count int

	// mu provides mutual exclusion.
	mu sync.Mutex

	// pw is the pcap writer.
	pw *pcapgo.Writer
}

// NewWriter writes the pcap file header to w and returns a [*Writer]
// using nanosecond timestamps. When w is an [io.Closer], closing the
// [*Writer] also closes w.
func NewWriter(w io.Writer) (*Writer, error) {
	pw := pcapgo.NewWriterNanos(w)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, err
	}
	closer, _ := w.(io.Closer)
	return &Writer{closer: closer, count: 0, mu: sync.Mutex{}, pw: pw}, nil
}

// Create creates the named file and returns a [*Writer] for it.
func Create(path string) (*Writer, error) {
	filep, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(filep)
	if err != nil {
		filep.Close()
		return nil, err
	}
	return w, nil
}

// WritePacket serializes the packet as IP+UDP and writes it.
//
// This method is goroutine safe.
func (w *Writer) WritePacket(pkt *packet.Packet) error {
	data, err := Serialize(pkt)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pw == nil {
		return ErrClosed
	}
	ci := gopacket.CaptureInfo{
		Timestamp:      pkt.Time,
		CaptureLength:  len(data),
		Length:         len(data),
		InterfaceIndex: 0,
	}
	if err := w.pw.WritePacket(ci, data); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of packets written so far.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close closes the underlying stream, if it is closable. Further
// writes fail with [ErrClosed].
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pw = nil
	closer := w.closer
	w.closer = nil
	if closer != nil {
		return closer.Close()
	}
	return nil
}

// Serialize returns the raw IP datagram corresponding to pkt.
func Serialize(pkt *packet.Packet) ([]byte, error) {
	if pkt.IPProtocol != packet.IPProtocolUDP {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, pkt.IPProtocol)
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(pkt.SrcPort),
		DstPort: layers.UDPPort(pkt.DstPort),
	}

	var (
		maxPayload int
		network    gopacket.NetworkLayer
	)
	switch {
	case pkt.SrcAddr.Is4() && pkt.DstAddr.Is4():
		maxPayload = maxPayloadIPv4
		network = &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.IP(pkt.SrcAddr.AsSlice()),
			DstIP:    net.IP(pkt.DstAddr.AsSlice()),
		}
	case pkt.SrcAddr.Is6() && pkt.DstAddr.Is6():
		maxPayload = maxPayloadIPv6
		network = &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      net.IP(pkt.SrcAddr.AsSlice()),
			DstIP:      net.IP(pkt.DstAddr.AsSlice()),
		}
	default:
		return nil, fmt.Errorf("capture: mixed address families: %s", pkt)
	}
	if len(pkt.Payload) > maxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(pkt.Payload))
	}
	if err := udp.SetNetworkLayerForChecksum(network); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	err := gopacket.SerializeLayers(
		buf,
		opts,
		network.(gopacket.SerializableLayer),
		udp,
		gopacket.Payload(pkt.Payload),
	)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
