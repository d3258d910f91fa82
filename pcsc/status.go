package pcsc

import (
	"errors"

	"github.com/ebfe/scard"

	"tokencore/errs"
)

// ClassifyError is the one seam where scard's native error values are
// translated into the core's error taxonomy (spec §4.1, §7). Every other
// package only ever sees *errs.Transport.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	var scardErr scard.Error
	if errors.As(err, &scardErr) {
		switch scardErr {
		case scard.ErrResetCard:
			return &errs.Transport{Code: errs.TransportResetCard, Err: err}
		case scard.ErrCancelled, scard.ErrSystemCancelled:
			return &errs.Transport{Code: errs.TransportCancelled, Err: err}
		case scard.ErrServiceStopped:
			return &errs.Transport{Code: errs.TransportServiceStopped, Err: err}
		case scard.ErrNoService:
			return &errs.Transport{Code: errs.TransportNoService, Err: err}
		case scard.ErrNoReadersAvailable:
			return &errs.Transport{Code: errs.TransportNoReaders, Err: err}
		default:
			return &errs.Transport{Code: errs.TransportOther, Err: err}
		}
	}

	return &errs.Transport{Code: errs.TransportOther, Err: err}
}

// isNonCritical reports whether a classified transport error is one the
// device listener treats as recoverable by re-establishing its context
// (spec §4.1 "Core policy" / §4.4 main loop).
func isNonCritical(err error) bool {
	var t *errs.Transport
	if !errors.As(err, &t) {
		return false
	}
	switch t.Code {
	case errs.TransportServiceStopped, errs.TransportNoService, errs.TransportNoReaders:
		return true
	default:
		return false
	}
}

// isCancelled reports whether a classified transport error is Cancelled.
func isCancelled(err error) bool {
	var t *errs.Transport
	if !errors.As(err, &t) {
		return false
	}
	return t.Code == errs.TransportCancelled
}

// isResetCard reports whether a classified transport error is ResetCard.
func isResetCard(err error) bool {
	var t *errs.Transport
	if !errors.As(err, &t) {
		return false
	}
	return t.Code == errs.TransportResetCard
}
