// Package etw implements the Windows ETW control-thread/collector-thread
// split described in spec section 5 ("For the Windows session a separate
// control thread owns provider enable/disable and hook invocation while
// the collector thread drains events") and section 9's guidance for
// cross-thread state ("switch to an owned state object transferred by
// move across the thread boundary and back").
//
// That "owned state object transferred by move" becomes, in Go, a Handle
// passed by pointer over a pair of single-slot channels: at any instant
// exactly one of Controller or Collector holds it, so no lock is needed
// to protect it — the same rendezvous-by-ownership-transfer discipline
// the teacher's perfsession package uses for its own single-writer state
// (machine/process bookkeeping is likewise only ever touched from one
// goroutine at a time, just without an explicit handoff since there is
// only one thread in the Linux path).
package etw

import (
	"context"

	"github.com/microsoft/one-collect-sub000/onecollecterrors"
)

// Event is one ETW record handed to a Collector's emit callback.
type Event struct {
	ProviderGUID string
	Opcode       uint8
	Level        uint8
	Keyword      uint64
	Payload      []byte
}

// pump is the OS-specific event source a Handle drains: a real-time ETW
// trace session on Windows, an always-failing stub elsewhere.
type pump interface {
	start(h *Handle, providers []string) error
	stop() error
}

// Handle is the owned ETW session state object moved between the control
// thread and the collector thread, per spec section 5's "start -> enable
// -> loop -> disable -> stop" contract.
type Handle struct {
	Name string

	enabled bool
	events  chan Event
	pump    pump
}

// Inject delivers ev to whichever goroutine currently owns h for read. A
// production pump calls this as ETW records arrive; tests call it
// directly to simulate provider traffic without a real trace session.
func (h *Handle) Inject(ev Event) {
	h.events <- ev
}

// Controller owns start/enable/disable/stop, per spec section 5's "the
// control thread owns enable/disable".
type Controller struct {
	handle        *Handle
	fromCollector chan *Handle
	toCollector   chan *Handle
}

// Collector drains events off a handle handed to it by a Controller, per
// spec section 5's "the collector thread owns the handle for read".
type Collector struct {
	toCollector   chan *Handle
	fromCollector chan *Handle
}

// NewSession returns a Controller/Collector pair for a real ETW session
// named name, wired to the platform's pump (a working one on Windows, an
// always-failing stub elsewhere).
func NewSession(name string) (*Controller, *Collector) {
	return newSession(name, newPump())
}

// NewNopPumpSession is like NewSession but wires a no-op pump that never
// produces events on its own — useful for driving the control/collector
// handoff itself (in tests, or as a building block for an injected event
// source) without a real ETW provider. It also returns the Handle so a
// caller can Inject synthetic events into it once Enable has handed it to
// the collector side.
func NewNopPumpSession(name string) (*Controller, *Collector, *Handle) {
	ctrl, coll := newSession(name, nopPump{})
	return ctrl, coll, ctrl.handle
}

func newSession(name string, p pump) (*Controller, *Collector) {
	toCollector := make(chan *Handle, 1)
	fromCollector := make(chan *Handle, 1)
	h := &Handle{Name: name, events: make(chan Event, 256), pump: p}
	return &Controller{handle: h, toCollector: toCollector, fromCollector: fromCollector},
		&Collector{toCollector: toCollector, fromCollector: fromCollector}
}

type nopPump struct{}

func (nopPump) start(*Handle, []string) error { return nil }
func (nopPump) stop() error                   { return nil }

// Start prepares the session (spec section 5's "start"); no provider is
// armed yet.
func (c *Controller) Start() error {
	if c.handle == nil {
		return onecollecterrors.New(onecollecterrors.KindResourceUnavailable, "etw: session already handed to collector")
	}
	return nil
}

// Enable arms providers and hands the handle to the collector thread, per
// spec section 5's "enable -> loop": after this call the control thread no
// longer holds the handle.
func (c *Controller) Enable(providers ...string) error {
	if c.handle == nil {
		return onecollecterrors.New(onecollecterrors.KindResourceUnavailable, "etw: no handle to enable")
	}
	if err := c.handle.pump.start(c.handle, providers); err != nil {
		return onecollecterrors.Wrap(onecollecterrors.KindResourceUnavailable, err)
	}
	c.handle.enabled = true

	h := c.handle
	c.handle = nil
	c.toCollector <- h
	return nil
}

// Stop blocks until the collector hands the (now disabled) handle back,
// per spec section 5's "disable -> stop", then tears down the pump.
func (c *Controller) Stop(ctx context.Context) error {
	if c.handle != nil {
		return nil // never enabled; nothing to stop
	}
	select {
	case h := <-c.fromCollector:
		c.handle = h
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.handle.pump.stop()
}

// Run receives ownership of the handle from the controller, drains events
// into emit until shouldStop reports true or ctx is done, then hands the
// (now disabled) handle back so the controller can Stop it.
func (col *Collector) Run(ctx context.Context, shouldStop func() bool, emit func(Event)) error {
	var h *Handle
	select {
	case h = <-col.toCollector:
	case <-ctx.Done():
		return ctx.Err()
	}

loop:
	for {
		if shouldStop() {
			break loop
		}
		select {
		case ev, ok := <-h.events:
			if !ok {
				break loop
			}
			emit(ev)
		case <-ctx.Done():
			break loop
		}
	}

	h.enabled = false
	col.fromCollector <- h
	return nil
}
