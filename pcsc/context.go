// Package pcsc binds the core's transport components (spec §4: C1 platform
// binding, C3 connection, C4 device listener) to the PC/SC resource manager
// through github.com/ebfe/scard, following the same establish/list/connect
// shape the teacher repo's card package used.
package pcsc

import (
	"sort"
	"time"

	"github.com/ebfe/scard"
)

// Context wraps a PC/SC resource-manager context. It is the root object an
// application creates once and shares between the device listener and any
// number of Connections.
type Context struct {
	ctx *scard.Context
}

// EstablishContext opens a new resource-manager context (spec §4.1, C1).
func EstablishContext() (*Context, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, ClassifyError(err)
	}
	return &Context{ctx: ctx}, nil
}

// Release releases the underlying resource-manager context.
func (c *Context) Release() error {
	if err := c.ctx.Release(); err != nil {
		return ClassifyError(err)
	}
	return nil
}

// Cancel aborts an in-progress GetStatusChange call on this context, used by
// the listener to unblock its wait loop on shutdown (spec §4.4).
func (c *Context) Cancel() error {
	if err := c.ctx.Cancel(); err != nil {
		return ClassifyError(err)
	}
	return nil
}

// ListReaders returns the names of readers currently known to the resource
// manager, sorted for deterministic iteration order (the listener diffs
// successive snapshots of this list to detect reader attach/detach).
func (c *Context) ListReaders() ([]string, error) {
	readers, err := c.ctx.ListReaders()
	if err != nil {
		return nil, ClassifyError(err)
	}
	sort.Strings(readers)
	return readers, nil
}

// InfiniteTimeout blocks GetStatusChange until a matching event occurs or
// Cancel is called.
const InfiniteTimeout time.Duration = -1

// GetStatusChange blocks until the state of one of the given reader states
// changes, or timeout elapses (InfiniteTimeout for no timeout). It is the
// primitive the listener uses to watch for card insertion/removal without
// polling (spec §4.4).
func (c *Context) GetStatusChange(timeout time.Duration, states []scard.ReaderState) error {
	if err := c.ctx.GetStatusChange(states, timeout); err != nil {
		return ClassifyError(err)
	}
	return nil
}

// Connect opens a card handle on readerName (spec §4.1, C1/C3).
func (c *Context) Connect(readerName string, shareMode scard.ShareMode, protocol scard.Protocol) (*Card, error) {
	h, err := c.ctx.Connect(readerName, shareMode, protocol)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return &Card{handle: h, readerName: readerName}, nil
}
