// Package monitor runs the card scanning lifecycle: it watches the reader
// gateway, reads each inserted card and emits events for consumers.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
	"github.com/SimplyPrint/nfc-wedge/internal/logging"
)

// DefaultEventBuffer is the capacity of the Events channel.
const DefaultEventBuffer = 64

// Opener creates the gateway for one scanning session.
type Opener func() (core.Gateway, error)

// Options configures a Monitor.
type Options struct {
	Read        core.ReadOptions
	EventBuffer int
	Now         func() time.Time
}

// Monitor owns the ScannerState. Only its own goroutines change the state;
// consumers read it with State and follow it through StatusChanged events.
type Monitor struct {
	open Opener
	opts Options

	state  atomic.Int32
	events chan Event

	mu      sync.Mutex
	gw      core.Gateway
	cancel  context.CancelFunc
	done    chan struct{}
	readers []string
}

// New creates a stopped monitor.
func New(open Opener, opts Options) *Monitor {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultEventBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Read.Now == nil {
		opts.Read.Now = opts.Now
	}
	return &Monitor{
		open:   open,
		opts:   opts,
		events: make(chan Event, opts.EventBuffer),
	}
}

// Events returns the channel all events are delivered on. It is never closed.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// State returns the current scanner state.
func (m *Monitor) State() core.ScannerState {
	return core.ScannerState(m.state.Load())
}

// Readers returns the readers enumerated at the last successful Start.
func (m *Monitor) Readers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.readers...)
}

// Start opens the gateway and begins scanning. It is valid from Stopped and
// Faulted and a no-op while already scanning.
//
// A gateway that cannot be opened yields KindServiceUnavailable; no
// enumerable reader yields KindNoReaderFound. Both leave the monitor Faulted.
// Scanning stops when ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		if s := m.State(); s == core.StateScanning || s == core.StateCardPresent {
			return nil
		}
		// A faulted session leaves its gateway open until restarted.
		m.teardownLocked()
	}

	gw, err := m.open()
	if err != nil {
		if core.KindOf(err) == core.KindUnknown {
			err = core.NewError(core.KindServiceUnavailable, "open gateway", err)
		}
		return m.failStart(err)
	}

	readers, err := gw.ListReaders()
	if err != nil {
		gw.Close()
		if core.KindOf(err) == core.KindUnknown {
			err = core.NewError(core.KindServiceUnavailable, "list readers", err)
		}
		return m.failStart(err)
	}
	if len(readers) == 0 {
		gw.Close()
		return m.failStart(core.Errorf(core.KindNoReaderFound, "start", "no card reader attached"))
	}

	runCtx, cancel := context.WithCancel(ctx)
	gwEvents, err := gw.Watch(runCtx)
	if err != nil {
		cancel()
		gw.Close()
		if core.KindOf(err) == core.KindUnknown {
			err = core.NewError(core.KindChannelFault, "watch", err)
		}
		return m.failStart(err)
	}

	m.gw = gw
	m.cancel = cancel
	m.done = make(chan struct{})
	m.readers = readers

	logging.Info(logging.CatMonitor, "Scanning started", map[string]any{"readers": readers})
	m.setState(runCtx, core.StateScanning)

	go m.run(runCtx, gw, gwEvents, m.done)
	return nil
}

func (m *Monitor) failStart(err error) error {
	logging.Warn(logging.CatMonitor, "Scanning could not start", map[string]any{
		"kind":  core.KindOf(err).String(),
		"error": err.Error(),
	})
	ctx := context.Background()
	m.setState(ctx, core.StateFaulted)
	m.tryEmit(ErrorOccurred{Kind: core.KindOf(err), Message: err.Error(), At: m.opts.Now()})
	return err
}

// Stop ends scanning and waits for the event loop to exit. The monitor is
// Stopped afterwards, also when it was Faulted.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()
	if m.State() != core.StateStopped {
		m.setState(context.Background(), core.StateStopped)
		logging.Info(logging.CatMonitor, "Scanning stopped", nil)
	}
}

func (m *Monitor) teardownLocked() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.gw.Close()
	m.gw, m.cancel, m.done = nil, nil, nil
}

func (m *Monitor) run(ctx context.Context, gw core.Gateway, events <-chan core.GatewayEvent, done chan struct{}) {
	defer close(done)
	defer logging.RecoverAndLog("monitor", false)

	for ev := range events {
		switch ev.Kind {
		case core.EventInserted:
			m.handleInsert(ctx, gw, ev)
		case core.EventRemoved:
			logging.Debug(logging.CatMonitor, "Card removed", map[string]any{"reader": ev.Reader})
			at := ev.At
			if at.IsZero() {
				at = m.opts.Now()
			}
			m.emit(ctx, CardRemoved{Reader: ev.Reader, At: at})
		case core.EventChannelError:
			m.fault(ctx, ev.Err)
			return
		}
	}

	if ctx.Err() == nil {
		m.fault(ctx, errors.New("reader notifications ended unexpectedly"))
	}
}

// handleInsert runs one full read cycle. A failed read is reported but does
// not fault the monitor.
func (m *Monitor) handleInsert(ctx context.Context, gw core.Gateway, ev core.GatewayEvent) {
	m.setState(ctx, core.StateCardPresent)

	rec, err := core.ReadCard(gw, ev.Reader, ev.ATR, m.opts.Read)
	if err != nil {
		m.emit(ctx, ErrorOccurred{
			Kind:    core.KindOf(err),
			Message: err.Error(),
			Reader:  ev.Reader,
			At:      m.opts.Now(),
		})
	} else {
		text, _ := rec.Text()
		logging.Info(logging.CatCard, "Card read", map[string]any{
			"reader": ev.Reader,
			"family": rec.Family().String(),
			"chars":  len([]rune(text)),
		})
	}
	m.emit(ctx, CardDetected{Record: rec})

	m.setState(ctx, core.StateScanning)
}

func (m *Monitor) fault(ctx context.Context, err error) {
	if core.KindOf(err) != core.KindChannelFault {
		err = core.NewError(core.KindChannelFault, "watch", err)
	}
	logging.Error(logging.CatMonitor, "Reader notification channel failed", map[string]any{
		"error": err,
	})
	m.setState(ctx, core.StateFaulted)
	m.emit(ctx, ErrorOccurred{Kind: core.KindChannelFault, Message: err.Error(), At: m.opts.Now()})
}

func (m *Monitor) setState(ctx context.Context, s core.ScannerState) {
	if core.ScannerState(m.state.Swap(int32(s))) == s {
		return
	}
	ev := StatusChanged{State: s, At: m.opts.Now()}
	if ctx.Err() != nil {
		m.tryEmit(ev)
		return
	}
	m.emit(ctx, ev)
}

// emit blocks while the buffer is full, unless scanning is being stopped.
func (m *Monitor) emit(ctx context.Context, ev Event) {
	select {
	case m.events <- ev:
	case <-ctx.Done():
		m.tryEmit(ev)
	}
}

// tryEmit drops ev when nobody is draining the channel.
func (m *Monitor) tryEmit(ev Event) {
	select {
	case m.events <- ev:
	default:
		logging.Debug(logging.CatMonitor, "Event dropped, buffer full", map[string]any{"event": ev.Name()})
	}
}
