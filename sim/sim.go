// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package sim drives deterministic network simulations.

A [*Sim] hosts many simulated hosts inside one process. Each host runs
on its own cooperative [*rt.Runtime] and owns a simulated [*kernel.Kernel].
Hosts exchange messages through the shared [*world.World], which applies
latencies, failures and partitions. Nothing runs in real time: the driver
advances virtual time by a fixed tick, running every host in registration
order, so the same configuration always produces the same execution.

Typical usage:

	s := sim.MustNew(sim.NewConfig())
	defer s.Close()
	s.MustRegister("server", func(ctx context.Context, io *sim.IO) error {
		// ... serve requests ...
	})
	client := s.MustClient("client")
	err := s.RunUntil(ctx, func(ctx context.Context) error {
		// ... use client ...
	})

# Concurrency

A [*Sim] IS NOT goroutine safe. Host functions run one at a time, so
they may share state with the test without further synchronization.
*/
package sim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/detsim/closepool"
	"github.com/rbmk-project/detsim/names"
	"github.com/rbmk-project/detsim/rt"
	"github.com/rbmk-project/detsim/world"
)

// ErrDeadlineExceeded indicates that a run did not complete within
// the configured duration.
var ErrDeadlineExceeded = errors.New("sim: deadline exceeded")

// HostFunc is the entry point of a simulated host.
//
// An error returned by the function is logged. Wait points return
// [rt.ErrClosed] when the [*Sim] is closed.
type HostFunc func(ctx context.Context, io *IO) error

// hostEntry is a registered host or client.
type hostEntry struct {
	// addr is the host address.
	addr netip.Addr

	// err is the error returned by the host function.
	err error

	// handle is the host task handle, nil for clients.
	handle *rt.Handle

	// io is the host handle.
	io *IO

	// rt is the host runtime, nil for clients.
	rt *rt.Runtime
}

// Sim is a network simulation.
//
// Construct using [New] or [MustNew].
type Sim struct {
	// config is the configuration.
	config *Config

	// hosts contains the hosts in registration order.
	hosts []*hostEntry

	// index maps an address to its entry.
	index map[netip.Addr]*hostEntry

	// logger is the logger to use.
	logger *slog.Logger

	// now is the virtual time reached by the hosts.
	now time.Time

	// pool tracks all that which needs to be closed.
	pool *closepool.Pool

	// running is set while RunUntil runs.
	running bool

	// world is the shared world.
	world *world.World
}

// New creates a new [*Sim]. A nil config means [NewConfig].
//
// When the config Capture implements [io.Closer], the [*Sim] takes
// ownership of it and closes it in [*Sim.Close].
func New(config *Config) (*Sim, error) {
	if config == nil {
		config = NewConfig()
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Sim{
		config: config,
		hosts:  nil,
		index:  make(map[netip.Addr]*hostEntry),
		logger: logger,
		now:    config.Epoch,
		pool:   &closepool.Pool{},
		world: world.New(world.Config{
			Capture:    config.Capture,
			Logger:     logger,
			Names:      names.NewTable(config.Network),
			Registerer: config.Registerer,
			Seed:       config.Seed,
			Topology: world.TopologyConfig{
				FailRate:            config.FailRate,
				MaxMessageLatency:   config.MaxMessageLatency,
				MessageLatencyCurve: config.MessageLatencyCurve,
				MinMessageLatency:   config.MinMessageLatency,
			},
		}),
	}
	if closer, ok := config.Capture.(io.Closer); ok {
		_ = s.pool.Add(closer)
	}
	return s, nil
}

// MustNew is like [New] but panics on error.
func MustNew(config *Config) *Sim {
	return runtimex.Try1(New(config))
}

// Close closes every host runtime, in reverse registration order, and
// then the capture sink, if owned. Parked hosts observe [rt.ErrClosed].
func (s *Sim) Close() error {
	return s.pool.Close()
}

// Now returns the virtual time reached by the hosts.
func (s *Sim) Now() time.Time {
	return s.now
}

// World returns the shared [*world.World].
func (s *Sim) World() *world.World {
	return s.world
}

// Register registers a host named name running fn. The host starts
// running at the next [*Sim.RunUntil] and keeps running across runs.
//
// This method IS NOT goroutine safe.
func (s *Sim) Register(name string, fn HostFunc) error {
	addr, err := s.world.Lookup(name)
	if err != nil {
		return err
	}
	runtime := rt.New(s.now)
	entry, err := s.newEntry(addr, runtime)
	if err != nil {
		return err
	}
	_ = s.pool.Add(closepool.Func(func() error {
		err := runtime.Close()
		s.logger.Info(
			"hostClosed",
			slog.String("host", name),
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
		)
		return err
	}))

	entry.handle = runtime.Spawn(context.Background(), func(ctx context.Context) {
		entry.err = fn(ctx, entry.io)
		s.logger.Info(
			"hostDone",
			slog.String("host", name),
			slog.Any("err", entry.err),
			slog.String("errClass", errclass.New(entry.err)),
			slog.Time("t", rt.Now(ctx)),
		)
	})

	s.logger.Info(
		"hostRegistered",
		slog.String("host", name),
		slog.String("addr", addr.String()),
		slog.Time("t", s.now),
	)
	return nil
}

// MustRegister is like [*Sim.Register] but panics on error.
func (s *Sim) MustRegister(name string, fn HostFunc) {
	runtimex.Try0(s.Register(name, fn))
}

// Client registers a client named name and returns its [*IO]. Clients
// have no runtime: the function passed to [*Sim.RunUntil] uses them.
//
// This method IS NOT goroutine safe.
func (s *Sim) Client(name string) (*IO, error) {
	addr, err := s.world.Lookup(name)
	if err != nil {
		return nil, err
	}
	entry, err := s.newEntry(addr, nil)
	if err != nil {
		return nil, err
	}
	s.logger.Info(
		"clientRegistered",
		slog.String("host", name),
		slog.String("addr", addr.String()),
		slog.Time("t", s.now),
	)
	return entry.io, nil
}

// MustClient is like [*Sim.Client] but panics on error.
func (s *Sim) MustClient(name string) *IO {
	return runtimex.Try1(s.Client(name))
}

// newEntry registers addr with the world and creates its entry.
func (s *Sim) newEntry(addr netip.Addr, runtime *rt.Runtime) (*hostEntry, error) {
	notify := &rt.Notify{}
	if _, err := s.world.Register(addr, s.now, notify); err != nil {
		return nil, err
	}
	entry := &hostEntry{
		addr:   addr,
		err:    nil,
		handle: nil,
		io:     newIO(s, addr, notify),
		rt:     runtime,
	}
	s.hosts = append(s.hosts, entry)
	s.index[addr] = entry
	return entry, nil
}

// HostStatus returns whether the host function of name has returned
// and, if so, its error.
func (s *Sim) HostStatus(name string) (done bool, err error) {
	entry, found := s.entry(name)
	if !found || entry.handle == nil {
		return false, nil
	}
	return entry.handle.Done(), entry.err
}

// entry returns the entry of a registered name.
func (s *Sim) entry(name string) (*hostEntry, bool) {
	addr, found := s.world.Names().Resolve(name)
	if parsed, err := netip.ParseAddr(name); err == nil {
		addr, found = parsed.Unmap(), true
	}
	if !found {
		return nil, false
	}
	entry, found := s.index[addr]
	return entry, found
}

// Lookup returns the address of a host name. Unknown names get
// the next address of the configured network.
func (s *Sim) Lookup(name string) (netip.Addr, error) {
	return s.world.Lookup(name)
}

// MustLookup is like [*Sim.Lookup] but panics on error.
func (s *Sim) MustLookup(name string) netip.Addr {
	return runtimex.Try1(s.Lookup(name))
}

// Alias makes name resolve to the address of target.
func (s *Sim) Alias(name, target string) {
	s.world.Names().Alias(name, target)
}

// Partition drops every message between a and b until [*Sim.Repair].
//
// This method panics if a name is not valid.
func (s *Sim) Partition(a, b string) {
	s.world.Partition(s.MustLookup(a), s.MustLookup(b))
}

// Repair repairs a partition between a and b.
//
// This method panics if a name is not valid.
func (s *Sim) Repair(a, b string) {
	s.world.Repair(s.MustLookup(a), s.MustLookup(b))
}

// SetMinMessageLatency sets the minimum message latency.
func (s *Sim) SetMinMessageLatency(value time.Duration) {
	s.world.Topology().SetMinMessageLatency(value)
}

// SetMaxMessageLatency sets the maximum message latency.
func (s *Sim) SetMaxMessageLatency(value time.Duration) {
	s.world.Topology().SetMaxMessageLatency(value)
}

// SetLinkMaxMessageLatency sets the maximum message latency
// between a and b.
//
// This method panics if a name is not valid.
func (s *Sim) SetLinkMaxMessageLatency(a, b string, value time.Duration) {
	s.world.Topology().SetLinkMaxMessageLatency(s.MustLookup(a), s.MustLookup(b), value)
}

// SetMessageLatencyCurve sets the message latency distribution curve.
//
// Latencies follow an exponential distribution whose lambda is value.
func (s *Sim) SetMessageLatencyCurve(value float64) {
	s.world.Topology().SetMessageLatencyCurve(value)
}

// SetFailRate sets the probability that a message is lost.
func (s *Sim) SetFailRate(value float64) {
	s.world.Topology().SetFailRate(value)
}

// SetLinkFailRate sets the probability that a message between
// a and b is lost.
//
// This method panics if a name is not valid.
func (s *Sim) SetLinkFailRate(a, b string, value float64) {
	s.world.Topology().SetLinkFailRate(s.MustLookup(a), s.MustLookup(b), value)
}

// RunUntil runs the simulation until fn returns and returns its error.
//
// At each step, RunUntil ticks the runtime running fn. Unless fn has
// returned, it then ticks each host in registration order, delivering
// the messages due by the host clock. The error wraps
// [ErrDeadlineExceeded] when the elapsed virtual time exceeds the
// configured duration, and is the ctx error if ctx is done. Use
// [*Sim.MustRunUntil] to treat running out of time as fatal.
//
// A panic inside fn or a host propagates to the caller.
//
// This method IS NOT goroutine safe and is not reentrant.
func (s *Sim) RunUntil(ctx context.Context, fn func(ctx context.Context) error) error {
	runtimex.Assert(!s.running, "sim: RunUntil is not reentrant")
	s.running = true
	defer func() { s.running = false }()

	driver := rt.New(s.now)
	defer driver.Close()

	var runErr error
	until := driver.Spawn(ctx, func(ctx context.Context) {
		runErr = fn(ctx)
	})

	s.logger.Info("runStart", slog.Time("t", s.now))
	var elapsed time.Duration
	tick := s.config.Tick
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		driver.Tick(tick)
		if until.Done() {
			s.logger.Info(
				"runDone",
				slog.Any("err", runErr),
				slog.String("errClass", errclass.New(runErr)),
				slog.Duration("elapsed", elapsed),
				slog.Time("t", s.now),
			)
			return runErr
		}

		for _, entry := range s.hosts {
			s.tickHost(entry, tick)
		}

		elapsed += tick
		s.now = s.now.Add(tick)
		if elapsed > s.config.Duration {
			s.logger.Info(
				"runDeadlineExceeded",
				slog.Duration("duration", s.config.Duration),
				slog.Time("t", s.now),
			)
			return fmt.Errorf("%w: ran for %s without completing", ErrDeadlineExceeded, s.config.Duration)
		}
	}
}

// MustRunUntil is like [*Sim.RunUntil] but panics on error.
func (s *Sim) MustRunUntil(ctx context.Context, fn func(ctx context.Context) error) {
	runtimex.Try0(s.RunUntil(ctx, fn))
}

// tickHost advances a host by one tick and delivers its messages.
func (s *Sim) tickHost(entry *hostEntry, tick time.Duration) {
	if entry.rt == nil {
		host, _ := s.world.Host(entry.addr)
		s.world.Tick(entry.addr, host.Now().Add(tick))
		return
	}
	now := func() time.Time {
		s.world.SetCurrent(entry.addr)
		defer s.world.ClearCurrent()
		return entry.rt.Tick(tick)
	}()
	s.world.Tick(entry.addr, now)
}
