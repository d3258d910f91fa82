package pcsc

import (
	"github.com/ebfe/scard"
)

// Card wraps a connected PC/SC card handle. It implements apdu.Transmitter
// so it can be driven directly by apdu.Send/apdu.DriveChaining, or wrapped
// by a Connection that adds chaining, transaction scoping and reconnect
// policy on top (spec §4.1 C1, §4.3 C3).
type Card struct {
	handle     *scard.Card
	readerName string
}

// ReaderName returns the name of the reader this card handle is bound to.
func (c *Card) ReaderName() string {
	return c.readerName
}

// Transmit sends a raw APDU and returns the raw response bytes, satisfying
// apdu.Transmitter.
func (c *Card) Transmit(raw []byte) ([]byte, error) {
	resp, err := c.handle.Transmit(raw)
	if err != nil {
		return nil, ClassifyError(err)
	}
	return resp, nil
}

// Status returns the current reader/card state and protocol in use.
func (c *Card) Status() (*scard.CardStatus, error) {
	st, err := c.handle.Status()
	if err != nil {
		return nil, ClassifyError(err)
	}
	return st, nil
}

// BeginTransaction acquires exclusive access to the card for the duration
// of a scoped operation (spec §4.3 "scoped_transaction").
func (c *Card) BeginTransaction() error {
	if err := c.handle.BeginTransaction(); err != nil {
		return ClassifyError(err)
	}
	return nil
}

// EndTransaction releases exclusive access acquired by BeginTransaction.
// disposition controls what happens to the card on release (scard.LeaveCard,
// scard.ResetCard, scard.UnpowerCard, scard.EjectCard).
func (c *Card) EndTransaction(disposition scard.Disposition) error {
	if err := c.handle.EndTransaction(disposition); err != nil {
		return ClassifyError(err)
	}
	return nil
}

// Reconnect re-establishes the card handle in place, optionally power-
// cycling the card first. Used to recover from errs.TransportResetCard
// without dropping the Connection (spec §4.3).
func (c *Card) Reconnect(shareMode scard.ShareMode, protocol scard.Protocol, initialization scard.Disposition) error {
	if err := c.handle.Reconnect(shareMode, protocol, initialization); err != nil {
		return ClassifyError(err)
	}
	return nil
}

// Disconnect releases the card handle. disposition is applied as in
// EndTransaction.
func (c *Card) Disconnect(disposition scard.Disposition) error {
	if err := c.handle.Disconnect(disposition); err != nil {
		return ClassifyError(err)
	}
	return nil
}
