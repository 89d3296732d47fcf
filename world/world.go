// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package world contains the state shared by every simulated host.

The [*World] owns the host registry, the name table, the [*Topology],
the partitions and the messages in flight. Hosts send messages with
[*World.Send]. The driver delivers them with [*World.Tick] once the
destination clock reaches their delivery time, after which the
destination obtains them with [*World.Recv].

# Concurrency

The world is accessed by one goroutine at a time: the simulation driver
or the task it is currently running. Overlapping calls mean the driver
is broken and cause a panic.
*/
package world

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"slices"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/detsim/names"
	"github.com/rbmk-project/detsim/packet"
	"github.com/rbmk-project/detsim/rt"
)

// ErrHostExists indicates that an address is already registered.
var ErrHostExists = errors.New("world: host already registered")

// CapturePort is the UDP port attributed to messages in captures.
const CapturePort = 7000

// Sink receives a copy of every delivered message.
//
// The [*capture.Writer] type implements this interface.
type Sink interface {
	WritePacket(pkt *packet.Packet) error
}

// Config contains the [*World] settings.
type Config struct {
	// Capture is the optional [Sink] for delivered messages.
	Capture Sink

	// Logger is the optional logger.
	Logger *slog.Logger

	// Names is the MANDATORY name table.
	Names *names.Table

	// Registerer is the optional registerer for the metrics.
	Registerer prometheus.Registerer

	// Seed seeds the random source.
	Seed uint64

	// Topology contains the initial topology.
	Topology TopologyConfig
}

// Envelope is a message travelling between two hosts.
type Envelope struct {
	// Src is the sending host.
	Src netip.Addr

	// Dst is the receiving host.
	Dst netip.Addr

	// Msg is the message.
	Msg any

	// SentAt is the virtual time when the message was sent.
	SentAt time.Time

	// DeliverAt is the virtual time when the message arrives.
	DeliverAt time.Time

	// seq orders messages with the same delivery time.
	seq uint64
}

// compareEnvelopes orders envelopes by (DeliverAt, seq).
func compareEnvelopes(a, b *Envelope) int {
	if c := a.DeliverAt.Compare(b.DeliverAt); c != 0 {
		return c
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	default:
		return 0
	}
}

// Host is the world view of a simulated host.
type Host struct {
	// addr is the host address.
	addr netip.Addr

	// inbox contains the delivered messages.
	inbox []*Envelope

	// inflight contains the messages for this host sorted by delivery.
	inflight []*Envelope

	// now is the host clock as of the last tick.
	now time.Time

	// notify is signaled for each delivered message.
	notify *rt.Notify
}

// Addr returns the host address.
func (h *Host) Addr() netip.Addr {
	return h.addr
}

// Now returns the host clock as of the last [*World.Tick].
func (h *Host) Now() time.Time {
	return h.now
}

// InFlight returns the number of messages travelling to the host.
func (h *Host) InFlight() int {
	return len(h.inflight)
}

// Queued returns the number of delivered messages not received yet.
func (h *Host) Queued() int {
	return len(h.inbox)
}

// World is the shared state of a simulation.
//
// Construct using [New].
type World struct {
	// borrowed is set while a method is running.
	borrowed atomic.Bool

	// capture is the optional sink.
	capture Sink

	// current is the host currently running, if valid.
	current netip.Addr

	// hosts contains the registered hosts.
	hosts map[netip.Addr]*Host

	// logger is the logger to use.
	logger *slog.Logger

	// metrics contains the counters.
	metrics *metrics

	// names is the name table.
	names *names.Table

	// partitions contains the partitioned links.
	partitions map[link]struct{}

	// rand is the deterministic random source.
	rand *rand.Rand

	// seq is the last message sequence number.
	seq uint64

	// topology is the network topology.
	topology *Topology
}

// New creates a new [*World].
//
// This function panics if the configuration is invalid.
func New(cfg Config) *World {
	runtimex.Assert(cfg.Names != nil, "world: nil name table")
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &World{
		capture:    cfg.Capture,
		hosts:      make(map[netip.Addr]*Host),
		logger:     logger,
		metrics:    newMetrics(cfg.Registerer),
		names:      cfg.Names,
		partitions: make(map[link]struct{}),
		rand:       rand.New(rand.NewChaCha8(seedBytes(cfg.Seed))),
		topology:   NewTopology(cfg.Topology),
	}
}

// seedBytes expands a seed to the ChaCha8 seed size.
func seedBytes(seed uint64) (out [32]byte) {
	binary.LittleEndian.PutUint64(out[:8], seed)
	return
}

// enter marks the world as borrowed and returns the function
// undoing that. Use as `defer w.enter()()`.
func (w *World) enter() func() {
	runtimex.Assert(w.borrowed.CompareAndSwap(false, true), "world: already borrowed")
	return func() { w.borrowed.Store(false) }
}

// Names returns the name table.
func (w *World) Names() *names.Table {
	return w.names
}

// Topology returns the topology.
func (w *World) Topology() *Topology {
	return w.topology
}

// Lookup returns the address of a host name, allocating one for
// names never seen before.
func (w *World) Lookup(name string) (netip.Addr, error) {
	defer w.enter()()
	return w.names.Lookup(name)
}

// Register registers a host whose clock starts at epoch and whose
// notify is signaled for every delivered message.
func (w *World) Register(addr netip.Addr, epoch time.Time, notify *rt.Notify) (*Host, error) {
	defer w.enter()()
	if _, found := w.hosts[addr]; found {
		return nil, fmt.Errorf("%w: %s", ErrHostExists, addr)
	}
	host := &Host{addr: addr, now: epoch, notify: notify}
	w.hosts[addr] = host
	return host, nil
}

// Host returns the host registered with the given address.
func (w *World) Host(addr netip.Addr) (*Host, bool) {
	host, found := w.hosts[addr]
	return host, found
}

// Partition drops every message between a and b, including those
// already in flight, until [*World.Repair].
func (w *World) Partition(a, b netip.Addr) {
	defer w.enter()()
	w.partitions[newLink(a, b)] = struct{}{}
	w.logger.Info("partition", slog.String("a", w.label(a)), slog.String("b", w.label(b)))
}

// Repair removes the partition between a and b.
func (w *World) Repair(a, b netip.Addr) {
	defer w.enter()()
	delete(w.partitions, newLink(a, b))
	w.logger.Info("repair", slog.String("a", w.label(a)), slog.String("b", w.label(b)))
}

// Partitioned returns whether a and b are partitioned.
func (w *World) Partitioned(a, b netip.Addr) bool {
	_, found := w.partitions[newLink(a, b)]
	return found
}

// SetCurrent marks addr as the host currently running.
//
// This method panics if addr is not registered.
func (w *World) SetCurrent(addr netip.Addr) {
	_, found := w.hosts[addr]
	runtimex.Assert(found, "world: current host is not registered")
	w.current = addr
}

// ClearCurrent clears the current host marker.
func (w *World) ClearCurrent() {
	w.current = netip.Addr{}
}

// Current returns the host currently running, if any.
func (w *World) Current() (netip.Addr, bool) {
	return w.current, w.current.IsValid()
}

// Send sends msg from src to dst at the given virtual time. The
// message is lost when the hosts are partitioned, when dst does not
// exist or according to the link fail rate. Otherwise, it is queued
// for delivery after the link latency.
//
// This method panics if src is not registered.
func (w *World) Send(src, dst netip.Addr, msg any, now time.Time) {
	defer w.enter()()
	_, found := w.hosts[src]
	runtimex.Assert(found, "world: sending from unregistered host")
	w.metrics.sent.Inc()

	w.seq++
	env := &Envelope{Src: src, Dst: dst, Msg: msg, SentAt: now, seq: w.seq}

	target, found := w.hosts[dst]
	switch {
	case !found:
		w.drop(env, DropUnknownHost)
		return
	case w.Partitioned(src, dst):
		w.drop(env, DropPartition)
		return
	case w.topology.fails(w.rand, src, dst):
		w.drop(env, DropFailRate)
		return
	}

	env.DeliverAt = now.Add(w.topology.latency(w.rand, src, dst))
	idx, _ := slices.BinarySearchFunc(target.inflight, env, compareEnvelopes)
	target.inflight = slices.Insert(target.inflight, idx, env)

	w.logger.Info(
		"messageSent",
		slog.String("src", w.label(src)),
		slog.String("dst", w.label(dst)),
		slog.Time("deliverAt", env.DeliverAt),
		slog.Time("t", now),
	)
}

// Recv pops the oldest delivered message of addr, if any.
func (w *World) Recv(addr netip.Addr) (*Envelope, bool) {
	defer w.enter()()
	host, found := w.hosts[addr]
	if !found || len(host.inbox) <= 0 {
		return nil, false
	}
	env := host.inbox[0]
	host.inbox[0] = nil
	host.inbox = host.inbox[1:]
	return env, true
}

// Tick sets the clock of addr to now and delivers the messages whose
// delivery time is not after now, in delivery order. Messages between
// partitioned hosts are dropped.
//
// This method panics if addr is not registered.
func (w *World) Tick(addr netip.Addr, now time.Time) {
	defer w.enter()()
	host, found := w.hosts[addr]
	runtimex.Assert(found, "world: ticking unregistered host")
	host.now = now

	var count int
	for _, env := range host.inflight {
		if env.DeliverAt.After(now) {
			break
		}
		count++
		if w.Partitioned(env.Src, env.Dst) {
			w.drop(env, DropPartition)
			continue
		}
		w.deliver(host, env)
	}
	clear(host.inflight[:count])
	host.inflight = host.inflight[count:]
}

// deliver moves env to the inbox of host.
func (w *World) deliver(host *Host, env *Envelope) {
	host.inbox = append(host.inbox, env)
	w.metrics.delivered.Inc()
	w.logger.Info(
		"messageDelivered",
		slog.String("src", w.label(env.Src)),
		slog.String("dst", w.label(env.Dst)),
		slog.Duration("latency", env.DeliverAt.Sub(env.SentAt)),
		slog.Time("t", env.DeliverAt),
	)
	w.record(env)
	if host.notify != nil {
		host.notify.NotifyOne()
	}
}

// drop accounts for a lost message.
func (w *World) drop(env *Envelope, reason string) {
	w.metrics.dropped.WithLabelValues(reason).Inc()
	w.logger.Info(
		"messageDropped",
		slog.String("src", w.label(env.Src)),
		slog.String("dst", w.label(env.Dst)),
		slog.String("reason", reason),
		slog.Time("t", env.SentAt),
	)
}

// record writes a delivered message to the capture sink.
func (w *World) record(env *Envelope) {
	if w.capture == nil {
		return
	}
	pkt := &packet.Packet{
		SrcAddr:    env.Src,
		DstAddr:    env.Dst,
		IPProtocol: packet.IPProtocolUDP,
		SrcPort:    CapturePort,
		DstPort:    CapturePort,
		Time:       env.DeliverAt,
		Payload:    payload(env.Msg),
	}
	if err := w.capture.WritePacket(pkt); err != nil {
		w.logger.Warn(
			"captureFailed",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.String("packet", pkt.String()),
		)
	}
}

// label returns the name of a host or its address.
func (w *World) label(addr netip.Addr) string {
	if name, found := w.names.Name(addr); found {
		return name
	}
	return addr.String()
}

// payload returns the bytes representing msg in captures.
func payload(msg any) []byte {
	switch msg := msg.(type) {
	case []byte:
		return msg
	case string:
		return []byte(msg)
	case encoding.BinaryMarshaler:
		if data, err := msg.MarshalBinary(); err == nil {
			return data
		}
	}
	return fmt.Appendf(nil, "%v", msg)
}
