// Package agent ties card scanning to text injection: it supervises the
// card monitor, injects each successfully read text into the foreground
// window and forwards every event to the status sinks.
package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SimplyPrint/nfc-wedge/internal/config"
	"github.com/SimplyPrint/nfc-wedge/internal/core"
	"github.com/SimplyPrint/nfc-wedge/internal/inject"
	"github.com/SimplyPrint/nfc-wedge/internal/logging"
	"github.com/SimplyPrint/nfc-wedge/internal/monitor"
	"github.com/SimplyPrint/nfc-wedge/internal/notice"
	"github.com/SimplyPrint/nfc-wedge/internal/settings"
)

// DefaultRetryInterval is how often scanning is restarted while it cannot
// run.
const DefaultRetryInterval = 5 * time.Second

// Sink receives every monitor event. The websocket hub, MQTT publisher and
// tray implement it.
type Sink interface {
	Publish(ev monitor.Event) error
}

// Recorder stores completed reads.
type Recorder interface {
	Record(ctx context.Context, rec core.CardRecord, injected bool) error
}

// Options configures an Agent. Open, Platform and Config are required.
type Options struct {
	Open     monitor.Opener
	Platform inject.Platform
	Config   *config.Config
	History  Recorder
	Sinks    []Sink

	RetryInterval time.Duration
	// Notify tells the user why scanning cannot start. It runs on its own
	// goroutine and defaults to notice.ShowError.
	Notify func(err error) bool
	Now    func() time.Time
}

// Agent runs the wedge.
type Agent struct {
	opts Options
	mon  *monitor.Monitor

	dispatcher atomic.Pointer[inject.Dispatcher]
	enabled    atomic.Bool

	mu    sync.RWMutex
	sinks []Sink
	last  *core.CardRecord

	// Owned by the supervise goroutine.
	notifiedKind core.ErrorKind
}

// New builds an Agent from opts.
func New(opts Options) *Agent {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Notify == nil {
		opts.Notify = notice.ShowError
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	a := &Agent{
		opts:  opts,
		sinks: append([]Sink(nil), opts.Sinks...),
		mon: monitor.New(opts.Open, monitor.Options{
			Read: opts.Config.ReadOptions(),
			Now:  opts.Now,
		}),
	}
	a.ApplyConfig(opts.Config)
	return a
}

// AddSink registers s for all events published from now on.
func (a *Agent) AddSink(s Sink) {
	a.mu.Lock()
	a.sinks = append(a.sinks, s)
	a.mu.Unlock()
}

// ApplyConfig swaps in a dispatcher built from cfg. An injection already in
// progress finishes with the old settings. Reader settings are only read
// when the agent is created.
func (a *Agent) ApplyConfig(cfg *config.Config) {
	a.dispatcher.Store(inject.NewDispatcher(cfg.InjectConfig(), a.opts.Platform))
	a.enabled.Store(cfg.Injection.Enabled)
	logging.Info(logging.CatInject, "Injection settings applied", map[string]any{
		"enabled":   cfg.Injection.Enabled,
		"method":    cfg.Injection.Method,
		"overrides": len(cfg.Injection.Overrides),
	})
}

// State returns the scanner state.
func (a *Agent) State() core.ScannerState { return a.mon.State() }

// Readers returns the readers found when scanning last started.
func (a *Agent) Readers() []string { return a.mon.Readers() }

// InjectionEnabled reports whether injection is configured on. The user
// pause in settings is separate.
func (a *Agent) InjectionEnabled() bool { return a.enabled.Load() }

// LastCard returns the most recently detected card.
func (a *Agent) LastCard() (core.CardRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last == nil {
		return core.CardRecord{}, false
	}
	return *a.last, true
}

// Run scans and injects until ctx is cancelled. Scanning that cannot start
// or that faults is retried every RetryInterval.
func (a *Agent) Run(ctx context.Context) error {
	defer logging.RecoverAndLog("agent", false)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.supervise(ctx)
	}()

	events := a.mon.Events()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			a.mon.Stop()
			a.drain(events)
			return nil
		case ev := <-events:
			a.handle(ctx, ev)
		}
	}
}

// drain forwards events queued during shutdown without injecting.
func (a *Agent) drain(events <-chan monitor.Event) {
	for {
		select {
		case ev := <-events:
			a.publish(ev)
		default:
			return
		}
	}
}

func (a *Agent) supervise(ctx context.Context) {
	ticker := time.NewTicker(a.opts.RetryInterval)
	defer ticker.Stop()

	for {
		if s := a.mon.State(); s == core.StateStopped || s == core.StateFaulted {
			if err := a.mon.Start(ctx); err != nil {
				a.startFailed(err)
			} else {
				a.notifiedKind = core.KindUnknown
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// startFailed notifies the user once per failure kind until scanning runs.
func (a *Agent) startFailed(err error) {
	kind := core.KindOf(err)
	if kind == a.notifiedKind {
		return
	}
	a.notifiedKind = kind
	go func() {
		defer logging.RecoverAndLog("notice", false)
		a.opts.Notify(err)
	}()
}

func (a *Agent) handle(ctx context.Context, ev monitor.Event) {
	a.publish(ev)

	detected, ok := ev.(monitor.CardDetected)
	if !ok {
		return
	}
	rec := detected.Record
	a.mu.Lock()
	a.last = &rec
	a.mu.Unlock()

	injected := a.inject(ctx, rec)
	if a.opts.History != nil {
		if err := a.opts.History.Record(ctx, rec, injected); err != nil {
			logging.Warn(logging.CatHistory, "Failed to record read", map[string]any{"error": err.Error()})
		}
	}
}

// inject delivers the record's text and reports whether it was delivered.
func (a *Agent) inject(ctx context.Context, rec core.CardRecord) bool {
	text, ok := rec.Text()
	if !rec.Succeeded() || !ok || text == "" {
		return false
	}
	if !a.enabled.Load() {
		return false
	}
	if settings.IsInjectionPaused() {
		logging.Debug(logging.CatInject, "Injection paused, skipping card", map[string]any{"reader": rec.ReaderName()})
		return false
	}

	d := a.dispatcher.Load()
	target, err := d.Snapshot()
	if err == nil {
		err = d.InjectContext(ctx, text, target)
	}
	if err != nil {
		logging.Warn(logging.CatInject, "Injection failed", map[string]any{
			"process": target.ProcessName,
			"error":   err.Error(),
		})
		a.publish(monitor.ErrorOccurred{
			Kind:    core.KindOf(err),
			Message: err.Error(),
			Reader:  rec.ReaderName(),
			At:      a.opts.Now(),
		})
		return false
	}

	plan := d.Plan(target.ProcessName)
	logging.Info(logging.CatInject, "Text injected", map[string]any{
		"process": target.ProcessName,
		"method":  plan.Method.String(),
		"rule":    plan.Rule,
		"chars":   len([]rune(text)),
	})
	return true
}

func (a *Agent) publish(ev monitor.Event) {
	a.mu.RLock()
	sinks := a.sinks
	a.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Publish(ev); err != nil {
			logging.Warn(logging.CatSystem, "Event sink failed", map[string]any{
				"event": ev.Name(),
				"error": err.Error(),
			})
		}
	}
}
