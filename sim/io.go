// SPDX-License-Identifier: GPL-3.0-or-later

package sim

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/detsim/kernel"
	"github.com/rbmk-project/detsim/netipx"
	"github.com/rbmk-project/detsim/rt"
	"github.com/rbmk-project/detsim/world"
)

// Envelope is a received message along with its metadata.
type Envelope = world.Envelope

// ErrRecvTimeout is returned by [*IO.RecvTimeout] on timeout.
var ErrRecvTimeout = fmt.Errorf("sim: recv: %w", os.ErrDeadlineExceeded)

// IO is the network handle of a host or client.
//
// Use [rt.Sleep] and [rt.Now] with the context passed to the host
// function for timing.
type IO struct {
	// addr is the host address.
	addr netip.Addr

	// kernel is the host socket layer.
	kernel *kernel.Kernel

	// notify is signaled when a message is delivered.
	notify *rt.Notify

	// sim is the owning simulation.
	sim *Sim
}

// newIO creates the [*IO] of a host with its own kernel.
func newIO(s *Sim, addr netip.Addr, notify *rt.Notify) *IO {
	return &IO{
		addr: addr,
		kernel: kernel.New(&kernel.Config{
			Family:    netipx.FamilyOf(addr),
			FirstFD:   s.config.FirstFD,
			LastFD:    s.config.LastFD,
			FirstPort: s.config.FirstPort,
			LastPort:  s.config.LastPort,
			Logger:    s.logger.With(slog.String("host", addr.String())),
		}),
		notify: notify,
		sim:    s,
	}
}

// Addr returns the host address.
func (h *IO) Addr() netip.Addr {
	return h.addr
}

// Kernel returns the host socket layer.
func (h *IO) Kernel() *kernel.Kernel {
	return h.kernel
}

// Lookup returns the address of a host name.
func (h *IO) Lookup(name string) (netip.Addr, error) {
	return h.sim.Lookup(name)
}

// Send sends msg to the host named dst. The send never blocks and
// there is no delivery guarantee: the network may lose the message.
//
// This method panics if invoked from another host.
func (h *IO) Send(ctx context.Context, dst string, msg any) error {
	h.checkCurrent()
	addr, err := h.sim.world.Lookup(dst)
	if err != nil {
		return err
	}
	h.sim.world.Send(h.addr, addr, msg, rt.Now(ctx))
	return nil
}

// Recv waits for the next message.
//
// The error is [rt.ErrClosed] when the simulation is closed.
func (h *IO) Recv(ctx context.Context) (*Envelope, error) {
	h.checkCurrent()
	for {
		if env, found := h.sim.world.Recv(h.addr); found {
			return env, nil
		}
		if err := h.notify.Wait(ctx); err != nil {
			return nil, err
		}
	}
}

// RecvTimeout is like [*IO.Recv] but fails with [ErrRecvTimeout]
// after waiting d of virtual time.
func (h *IO) RecvTimeout(ctx context.Context, d time.Duration) (*Envelope, error) {
	h.checkCurrent()
	deadline := rt.Now(ctx).Add(d)
	for {
		if env, found := h.sim.world.Recv(h.addr); found {
			return env, nil
		}
		remaining := deadline.Sub(rt.Now(ctx))
		if remaining <= 0 {
			return nil, ErrRecvTimeout
		}
		if _, err := h.notify.WaitTimeout(ctx, remaining); err != nil {
			return nil, err
		}
	}
}

// checkCurrent panics if another host is running.
func (h *IO) checkCurrent() {
	if current, found := h.sim.world.Current(); found {
		runtimex.Assert(current == h.addr, "sim: IO used from another host")
	}
}
