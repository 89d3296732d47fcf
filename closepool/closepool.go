// SPDX-License-Identifier: GPL-3.0-or-later

// Package closepool collects [io.Closer] instances owned by a
// simulation and closes them in a single operation.
package closepool

import (
	"errors"
	"io"
	"slices"
	"sync"
)

// Func adapts a function to [io.Closer].
type Func func() error

var _ io.Closer = Func(nil)

// Close implements [io.Closer].
func (fx Func) Close() error {
	return fx()
}

// Pool owns a set of [io.Closer].
//
// The zero value is ready to use.
type Pool struct {
	// closed is set once Close has run.
	closed bool

	// handles contains the [io.Closer] to close.
	handles []io.Closer

	// mu provides mutual exclusion.
	mu sync.Mutex
}

// Add transfers ownership of c to the pool. Adding to a closed
// pool closes c immediately and returns the resulting error.
func (p *Pool) Add(c io.Closer) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return c.Close()
	}
	p.handles = append(p.handles, c)
	p.mu.Unlock()
	return nil
}

// Len returns the number of [io.Closer] waiting to be closed.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Close closes all the [io.Closer] in the pool in backward order,
// so that what was added last, and may depend on what was added
// before, is closed first. The returned error joins the errors
// returned by each Close. Closing again is a no-op.
func (p *Pool) Close() error {
	p.mu.Lock()
	handles := p.handles
	p.handles = nil
	p.closed = true
	p.mu.Unlock()

	var errv []error
	for _, c := range slices.Backward(handles) {
		if err := c.Close(); err != nil {
			errv = append(errv, err)
		}
	}
	return errors.Join(errv...)
}
