package pcsc

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ebfe/scard"
)

// virtualReaderName is the synthetic "notification" reader PC/SC exposes on
// platforms that support it, used to wake get_status_change without
// polling every real reader (spec §4.4).
const virtualReaderName = `\\?\PnP?\Notification`

// EventKind distinguishes the two events the listener emits.
type EventKind int

const (
	// EventArrived reports a card was inserted into a reader.
	EventArrived EventKind = iota
	// EventRemoved reports a card was removed from (or a reader
	// disappeared from) the system.
	EventRemoved
)

// Event describes a single card-arrival/removal transition.
type Event struct {
	Kind       EventKind
	ReaderName string
	ATR        []byte
}

// Handler receives listener events. A Handler must not block for long
// periods; the listener invokes handlers synchronously from its worker.
type Handler func(Event)

// readerEntry tracks one row of the listener's reader-state table.
type readerEntry struct {
	name         string
	currentState scard.StateFlag
	eventState   scard.StateFlag
	atr          []byte
	present      bool
}

// Listener is a single background worker that watches reader attach/detach
// and card insert/remove transitions and fans them out to subscribers
// (spec §4.4, C4).
type Listener struct {
	ctx *Context
	log *slog.Logger

	mu        sync.Mutex
	handlers  []Handler
	usePoll   bool
	err       error
	cancelCh  chan struct{}
	doneCh    chan struct{}
	cancelled bool
}

// NewListener establishes a context and starts the background worker. If
// context establishment fails, the returned Listener is in the Error state
// described by §4.4: no worker runs and it emits nothing.
func NewListener(log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	l := &Listener{log: log}

	ctx, err := EstablishContext()
	if err != nil {
		l.err = err
		return l
	}
	l.ctx = ctx
	l.cancelCh = make(chan struct{})
	l.doneCh = make(chan struct{})

	states := l.initialStates()
	l.usePoll = l.probePnPWorkaround(states)

	go l.run(states)
	return l
}

// Err reports the error that put the listener into the Error state, if any.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Subscribe registers h to receive future events.
func (l *Listener) Subscribe(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

func (l *Listener) snapshotHandlers() []Handler {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Handler(nil), l.handlers...)
}

// initialStates builds the starting reader-state table: the virtual
// notification reader first, then every real reader currently known.
func (l *Listener) initialStates() []readerEntry {
	entries := []readerEntry{{name: virtualReaderName}}
	readers, err := l.ctx.ListReaders()
	if err != nil {
		return entries
	}
	for _, r := range readers {
		entries = append(entries, readerEntry{name: r})
	}
	return entries
}

// probePnPWorkaround issues a one-shot zero-timeout get_status_change on
// just the virtual reader; if the platform reports it as Unknown, virtual
// reader notifications cannot be trusted and the listener must poll
// list_readers to detect reader attach/detach instead (spec §4.4).
func (l *Listener) probePnPWorkaround(entries []readerEntry) bool {
	states := []scard.ReaderState{{Reader: virtualReaderName, CurrentState: scard.StateUnaware}}
	err := l.ctx.GetStatusChange(0, states) // zero-timeout, one-shot probe
	if err != nil {
		return false
	}
	return states[0].EventState&scard.StateUnknown != 0
}

// run is the single background worker described by §4.4's main loop.
func (l *Listener) run(entries []readerEntry) {
	defer close(l.doneCh)

	for {
		select {
		case <-l.cancelCh:
			return
		default:
		}

		states := toReaderStates(entries)
		err := l.ctx.GetStatusChange(InfiniteTimeout, states)
		if err != nil {
			if isCancelled(err) {
				return
			}
			if isNonCritical(err) {
				entries = l.reestablish(entries)
				continue
			}
			l.log.Warn("pcsc: listener status-change error, exiting", "error", err)
			return
		}

		applyEventStates(entries, states)
		entries = l.reconcileReaderList(entries)
		entries = l.emitRelevantChanges(entries)
		entries = acknowledge(entries)
	}
}

// reestablish rebuilds the PC/SC context after a SERVICE_STOPPED/
// NO_SERVICE/NO_READERS_AVAILABLE result, preserving the virtual entry
// first in the rebuilt list.
func (l *Listener) reestablish(prior []readerEntry) []readerEntry {
	if l.ctx != nil {
		_ = l.ctx.Release()
	}
	ctx, err := EstablishContext()
	if err != nil {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		time.Sleep(250 * time.Millisecond)
		return prior
	}
	l.ctx = ctx
	return l.initialStates()
}

// reconcileReaderList runs the reader-list-change phase until quiescent:
// detect whether the reader set changed (via polling or the virtual
// entry's Changed bit), compute additions/removals, emit removed events
// for cards that were present, and populate ATRs for newly added readers.
func (l *Listener) reconcileReaderList(entries []readerEntry) []readerEntry {
	for {
		changed, err := l.readerListChanged(entries)
		if err != nil || !changed {
			return entries
		}

		newNames, err := l.ctx.ListReaders()
		if err != nil {
			return entries
		}

		known := make(map[string]readerEntry, len(entries))
		for _, e := range entries {
			known[e.name] = e
		}
		newSet := make(map[string]bool, len(newNames))
		for _, n := range newNames {
			newSet[n] = true
		}

		var added []string
		for _, n := range newNames {
			if _, ok := known[n]; !ok {
				added = append(added, n)
			}
		}
		var removed []string
		for _, e := range entries {
			if e.name == virtualReaderName {
				continue
			}
			if !newSet[e.name] {
				removed = append(removed, e.name)
			}
		}

		next := []readerEntry{{name: virtualReaderName, currentState: entries[0].currentState}}
		for _, e := range entries {
			if e.name == virtualReaderName {
				continue
			}
			isRemoved := false
			for _, r := range removed {
				if r == e.name {
					isRemoved = true
					break
				}
			}
			if isRemoved {
				if e.present {
					l.dispatch(Event{Kind: EventRemoved, ReaderName: e.name, ATR: e.atr})
				}
				continue
			}
			next = append(next, e)
		}
		for _, n := range added {
			next = append(next, readerEntry{name: n})
		}

		if len(added) > 0 {
			states := toReaderStates(next)
			if err := l.ctx.GetStatusChange(0, states); err == nil {
				applyEventStates(next, states)
			}
		}
		entries = next
	}
}

// readerListChanged implements the detection step of §4.4 item 1: with
// the PnP workaround active, compare list_readers' count to the known
// reader count (excluding the virtual entry); otherwise inspect the
// virtual entry's Changed event-state bit.
func (l *Listener) readerListChanged(entries []readerEntry) (bool, error) {
	if l.usePoll {
		readers, err := l.ctx.ListReaders()
		if err != nil {
			return false, err
		}
		return len(readers) != len(entries)-1, nil
	}
	if len(entries) == 0 {
		return false, nil
	}
	return entries[0].eventState&scard.StateChanged != 0, nil
}

// emitRelevantChanges implements §4.4's relevant-changes phase: for every
// entry, compare current-state to event-state and emit arrived/removed
// when the Present bit toggled.
func (l *Listener) emitRelevantChanges(entries []readerEntry) []readerEntry {
	for i := range entries {
		e := &entries[i]
		if e.name == virtualReaderName {
			continue
		}
		wasPresent := e.currentState&scard.StatePresent != 0
		isPresent := e.eventState&scard.StatePresent != 0
		if wasPresent == isPresent {
			continue
		}
		if isPresent {
			e.present = true
			l.dispatch(Event{Kind: EventArrived, ReaderName: e.name, ATR: e.atr})
		} else {
			e.present = false
			l.dispatch(Event{Kind: EventRemoved, ReaderName: e.name, ATR: e.atr})
		}
	}
	return entries
}

// dispatch invokes every subscribed handler individually; a panicking
// handler must not stop delivery to the others or kill the worker (spec
// §4.4 "Handler invocation").
func (l *Listener) dispatch(ev Event) {
	for _, h := range l.snapshotHandlers() {
		func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("pcsc: listener handler panicked", "panic", r)
				}
			}()
			h(ev)
		}(h)
	}
}

// acknowledge folds each entry's event-state into its current-state,
// completing one iteration of the main loop.
func acknowledge(entries []readerEntry) []readerEntry {
	for i := range entries {
		entries[i].currentState = entries[i].eventState
	}
	return entries
}

func toReaderStates(entries []readerEntry) []scard.ReaderState {
	states := make([]scard.ReaderState, len(entries))
	for i, e := range entries {
		states[i] = scard.ReaderState{Reader: e.name, CurrentState: e.currentState}
	}
	return states
}

func applyEventStates(entries []readerEntry, states []scard.ReaderState) {
	for i := range entries {
		if i >= len(states) {
			continue
		}
		entries[i].eventState = states[i].EventState
		if len(states[i].Atr) > 0 {
			entries[i].atr = append([]byte(nil), states[i].Atr...)
		}
	}
}

// Dispose cancels the worker, joins it with a 5-second timeout, and
// releases the context (spec §4.4 "Cancellation").
func (l *Listener) Dispose() {
	l.mu.Lock()
	if l.cancelled || l.ctx == nil {
		l.mu.Unlock()
		return
	}
	l.cancelled = true
	l.mu.Unlock()

	_ = l.ctx.Cancel()
	close(l.cancelCh)

	select {
	case <-l.doneCh:
	case <-time.After(5 * time.Second):
		l.log.Warn("pcsc: listener worker did not exit within 5s of dispose")
	}

	_ = l.ctx.Release()
}
