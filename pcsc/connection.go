package pcsc

import (
	"fmt"
	"sync"

	"github.com/ebfe/scard"

	"tokencore/apdu"
)

// Connection is a single-card channel (spec §4.3, C3): it owns one card
// handle and one active protocol, and exposes transmit/scoped-transaction
// semantics on top of the raw PC/SC binding. The secure-channel data layer
// (C9) wraps a Connection rather than registering into it — it implements
// the same Transmit(cmd) signature and is installed between C5 and C3
// (spec §2 data-flow line, §4.9 "wraps C3's transmit").
type Connection struct {
	mu sync.Mutex

	ctx        *Context
	card       *Card
	readerName string
	shareMode  scard.ShareMode
	protocol   scard.Protocol

	generation int
}

// Connect opens a Connection to readerName with the given share mode and
// preferred protocol (spec §4.1 C1, §4.3 C3).
func Connect(ctx *Context, readerName string, shareMode scard.ShareMode, protocol scard.Protocol) (*Connection, error) {
	card, err := ctx.Connect(readerName, shareMode, protocol)
	if err != nil {
		return nil, err
	}
	return &Connection{
		ctx:        ctx,
		card:       card,
		readerName: readerName,
		shareMode:  shareMode,
		protocol:   protocol,
	}, nil
}

// Generation returns a counter incremented on every successful Reconnect.
// A secure-channel session captures this value when it keys itself and
// compares it before every transmit; a mismatch means the connection was
// reset underneath it and the session must be re-established (spec §4.8
// "Re-keying").
func (c *Connection) Generation() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// ReaderName returns the reader this connection is bound to.
func (c *Connection) ReaderName() string {
	return c.readerName
}

// ATR returns the decoded ATR of the currently connected card.
func (c *Connection) ATR() (ATR, error) {
	st, err := c.card.Status()
	if err != nil {
		return ATR{}, err
	}
	return DecodeATR(st.Atr)
}

// Transmit sends cmd, resolving GET RESPONSE chaining and wrong-Le retries
// at the C1/C2 level (spec §4.3).
func (c *Connection) Transmit(cmd apdu.Command) (apdu.Response, error) {
	return apdu.DriveChaining(&connectionTransmitter{c: c}, cmd)
}

// rawTransmit implements apdu.Transmitter for DriveChaining: it sends one
// raw APDU through the card handle, automatically reconnecting once on
// RESET_CARD before surfacing a failure (spec §4.3 "transmit").
func (c *Connection) rawTransmit(raw []byte) ([]byte, error) {
	out, err := c.card.Transmit(raw)
	if err == nil {
		return out, nil
	}
	if !isResetCard(err) {
		return nil, err
	}
	if rerr := c.reconnectLocked(true); rerr != nil {
		return nil, rerr
	}
	out, err = c.card.Transmit(raw)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// BeginTransaction acquires exclusive access to the card for a scoped
// operation, reconnecting exactly once on RESET_CARD before retrying (spec
// §4.3 "scoped_transaction"). cardWasReset reports whether that recovery
// path was taken.
func (c *Connection) BeginTransaction() (cardWasReset bool, err error) {
	err = c.card.BeginTransaction()
	if err == nil {
		return false, nil
	}
	if !isResetCard(err) {
		return false, err
	}
	if rerr := c.reconnectLocked(true); rerr != nil {
		return false, rerr
	}
	if err := c.card.BeginTransaction(); err != nil {
		return false, fmt.Errorf("pcsc: begin_transaction failed after reset recovery: %w", err)
	}
	return true, nil
}

// Guard releases a transaction acquired by BeginTransaction. Release is
// safe to call from a defer unconditionally, including during panic
// unwinding, and always leaves the card powered (spec §4.3 "the guard
// releases the transaction on every exit path... release disposition is
// leave card").
type Guard struct {
	conn     *Connection
	released bool
}

// ScopedTransaction begins a transaction and returns a Guard whose Release
// method ends it. Callers should `defer guard.Release()` immediately.
func (c *Connection) ScopedTransaction() (*Guard, bool, error) {
	reset, err := c.BeginTransaction()
	if err != nil {
		return nil, false, err
	}
	return &Guard{conn: c}, reset, nil
}

// Release ends the transaction with "leave card" disposition. Calling
// Release more than once is a no-op.
func (g *Guard) Release() error {
	if g == nil || g.released {
		return nil
	}
	g.released = true
	return g.conn.card.EndTransaction(scard.LeaveCard)
}

// reconnectLocked re-establishes the card handle on the same reader with
// exclusive share mode and a reset disposition, bumping the connection's
// generation so any outer secure-channel session knows to re-key (spec
// §4.3 "reconnect"). The caller holds no lock; this serialises internally.
func (c *Connection) reconnectLocked(resetDisposition bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	disp := scard.LeaveCard
	if resetDisposition {
		disp = scard.ResetCard
	}
	if err := c.card.Reconnect(scard.ShareExclusive, c.protocol, disp); err != nil {
		return err
	}
	c.shareMode = scard.ShareExclusive
	c.generation++
	return nil
}

// Disconnect releases the underlying card handle, leaving the card
// powered for any other application.
func (c *Connection) Disconnect() error {
	return c.card.Disconnect(scard.LeaveCard)
}

var _ apdu.Transmitter = (*connectionTransmitter)(nil)

// connectionTransmitter adapts Connection to apdu.Transmitter without
// exposing rawTransmit on Connection's own method set under the name
// "Transmit" (which is reserved for the chaining-driving entry point
// above).
type connectionTransmitter struct{ c *Connection }

func (t *connectionTransmitter) Transmit(raw []byte) ([]byte, error) {
	return t.c.rawTransmit(raw)
}
