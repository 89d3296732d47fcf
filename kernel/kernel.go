// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package kernel implements the socket layer of a simulated host.

A [*Kernel] owns a descriptor pool and the AF_INET address family,
which in turn owns the port pool and the per-protocol port buses. The
kernel does not know the host address: it only knows the address family
of the host, which the caller obtains from its host registry.

Only UDP is implemented. TCP operations fail with an error wrapping
[errors.ErrUnsupported] ([ErrTCPNotImplemented]).

Errors are the same [syscall.Errno] the operating system would return
in similar cases (we use the [x/sys] repository to pull system-dependent
error values), wrapped with context.
*/
package kernel

import (
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/detsim/descriptor"
	"github.com/rbmk-project/detsim/netipx"
)

// Datagram is the payload of a datagram socket write.
type Datagram []byte

// Config contains configuration for creating a new [*Kernel].
type Config struct {
	// Family is the address family of the host. It must be valid.
	Family netipx.Family

	// FirstFD and LastFD delimit the descriptor range. When both are
	// zero, we use [DefaultFirstFD] and [DefaultLastFD].
	FirstFD, LastFD descriptor.ID

	// FirstPort and LastPort delimit the port range. When both are
	// zero, we use [DefaultFirstPort] and [DefaultLastPort]. Port zero
	// cannot belong to the range.
	FirstPort, LastPort descriptor.ID

	// Logger is the optional structured logger. If this field is
	// nil, we will not be emitting structured logs.
	Logger *slog.Logger
}

const (
	// DefaultFirstFD is the default first descriptor.
	DefaultFirstFD = 1

	// DefaultLastFD is the default last descriptor.
	DefaultLastFD = 65535

	// DefaultFirstPort is the default first port.
	DefaultFirstPort = 1

	// DefaultLastPort is the default last port.
	DefaultLastPort = 65535
)

// Kernel is the socket layer of a simulated host.
//
// Construct using [New].
//
// A [*Kernel] IS NOT goroutine safe: only the host owning it should
// invoke its methods. Sockets may be closed from any goroutine.
type Kernel struct {
	// family is the host address family.
	family netipx.Family

	// fds is the descriptor pool.
	fds *descriptor.Pool

	// inet is the AF_INET address family.
	inet *afInet

	// logger is the structured logger.
	logger *slog.Logger
}

// New creates a new [*Kernel] using the given configuration.
//
// This function panics if the configuration is invalid.
func New(config *Config) *Kernel {
	runtimex.Assert(config.Family != netipx.FamilyInvalid, "kernel: invalid address family")
	firstFD, lastFD := config.FirstFD, config.LastFD
	if firstFD == 0 && lastFD == 0 {
		firstFD, lastFD = DefaultFirstFD, DefaultLastFD
	}
	firstPort, lastPort := config.FirstPort, config.LastPort
	if firstPort == 0 && lastPort == 0 {
		firstPort, lastPort = DefaultFirstPort, DefaultLastPort
	}
	runtimex.Assert(firstPort >= 1, "kernel: port zero cannot belong to the port range")
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Kernel{
		family: config.Family,
		fds:    descriptor.NewPool(firstFD, lastFD),
		inet:   newAfInet(descriptor.NewPool(firstPort, lastPort)),
		logger: logger,
	}
}

// Family returns the address family served by the kernel.
func (k *Kernel) Family() netipx.Family {
	return k.family
}

// Descriptors returns the descriptor pool.
func (k *Kernel) Descriptors() *descriptor.Pool {
	return k.fds
}

// Bind creates a new [*Socket] bound to the given address.
//
// When the port is zero, we choose an ephemeral port and the returned
// socket address contains it. Only the unspecified and the loopback
// addresses can be bound; other addresses fail with [EADDRNOTAVAIL].
// A port that is already bound fails with [EADDRINUSE].
//
// This method panics if the address family of addr differs from the
// kernel one, because that is a configuration error.
func (k *Kernel) Bind(addr netip.AddrPort, protocol Protocol) (*Socket, error) {
	if family := netipx.StrictFamilyOf(addr.Addr()); family != k.family {
		panic(fmt.Sprintf("kernel: ip version mismatch: %s host: %s", addr, k.family))
	}

	k.logger.Info(
		"bindStart",
		slog.String("localAddr", addr.String()),
		slog.String("protocol", protocol.String()),
	)

	fd, err := k.fds.ClaimAny()
	if err != nil {
		k.logBindDone(addr, protocol, 0, ErrNoDescriptors)
		return nil, ErrNoDescriptors
	}

	sock := newSocket(addr, protocol, fd)
	if err := k.inet.bind(sock); err != nil {
		sock.Close()
		k.logBindDone(addr, protocol, sock.FD, err)
		return nil, err
	}

	k.logBindDone(sock.Addr, protocol, sock.FD, nil)
	return sock, nil
}

// logBindDone emits the bindDone event.
func (k *Kernel) logBindDone(addr netip.AddrPort, protocol Protocol, fd descriptor.ID, err error) {
	k.logger.Info(
		"bindDone",
		slog.Any("err", err),
		slog.String("errClass", errclass.New(err)),
		slog.Uint64("fd", fd),
		slog.String("localAddr", addr.String()),
		slog.String("protocol", protocol.String()),
	)
}

// Unbind releases the port bound by the socket. The socket descriptor
// is released by [*Socket.Close]. Unbinding a socket that is not bound
// is a no-op.
func (k *Kernel) Unbind(sock *Socket) error {
	err := k.inet.unbind(sock)
	k.logger.Info(
		"unbind",
		slog.Any("err", err),
		slog.String("errClass", errclass.New(err)),
		slog.Uint64("fd", sock.FD),
		slog.String("localAddr", sock.Addr.String()),
		slog.String("protocol", sock.Protocol.String()),
	)
	return err
}

// LocalAddr returns the address bound by the socket, if any.
func (k *Kernel) LocalAddr(sock *Socket) (netip.AddrPort, bool) {
	bus, err := k.inet.bus(sock.Protocol)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return bus.lookup(sock.FD)
}

// BoundCount returns the number of sockets bound using the given protocol.
func (k *Kernel) BoundCount(protocol Protocol) int {
	bus, err := k.inet.bus(protocol)
	if err != nil {
		return 0
	}
	return bus.len()
}

// UDPPorts returns the UDP port pool.
func (k *Kernel) UDPPorts() *descriptor.Pool {
	return k.inet.udp.ports
}

// SendTo sends a datagram to the given target.
//
// Delivery is the responsibility of the simulated world, so this method
// currently accepts the datagram without sending anything and returns zero.
func (k *Kernel) SendTo(datagram Datagram, target netip.AddrPort) (int, error) {
	return 0, nil
}
