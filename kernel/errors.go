// SPDX-License-Identifier: GPL-3.0-or-later

package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDescriptors indicates that the descriptor pool is exhausted.
	ErrNoDescriptors = fmt.Errorf("kernel: ran out of descriptors - try raising the limits: %w", EMFILE)

	// ErrNoEphemeralPorts indicates that the port pool is exhausted.
	ErrNoEphemeralPorts = fmt.Errorf("kernel: ran out of ephemeral ports: %w", EADDRNOTAVAIL)

	// ErrPortRange indicates that a claimed port does not fit 16 bits.
	ErrPortRange = fmt.Errorf("kernel: port out of range: %w", EINVAL)

	// ErrTCPNotImplemented is returned by any TCP operation.
	ErrTCPNotImplemented = fmt.Errorf("kernel: tcp: %w", errors.ErrUnsupported)
)
