package inject

import (
	"context"
	"sync"
	"time"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
	"github.com/SimplyPrint/nfc-wedge/internal/logging"
)

// injectMu serializes every injection in the process, across Dispatchers.
var injectMu sync.Mutex

// pending is the scheduled clipboard restore, guarded by injectMu.
var pending *clipboardRestore

type clipboardRestore struct {
	gen      uint64
	original string
	timer    *time.Timer
}

var restoreGen uint64

// focusCheckEvery is how many characters key simulation types between
// foreground checks. Each check is an OS query (a process spawn on X11).
const focusCheckEvery = 8

// Dispatcher picks a strategy per target process and delivers text.
type Dispatcher struct {
	cfg      Config
	rules    []Rule
	platform Platform
	sleep    func(time.Duration)
}

// NewDispatcher builds a dispatcher. cfg is copied; later changes require a
// new Dispatcher.
func NewDispatcher(cfg Config, platform Platform) *Dispatcher {
	overrides := make(map[string]Method, len(cfg.Overrides))
	for k, v := range cfg.Overrides {
		overrides[k] = v
	}
	cfg.Overrides = overrides
	return &Dispatcher{
		cfg:      cfg,
		rules:    BuildRules(cfg),
		platform: platform,
		sleep:    time.Sleep,
	}
}

// Config returns the configuration the dispatcher was built with.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Plan chooses the strategy for a process. It has no side effects.
func (d *Dispatcher) Plan(process string) Plan {
	rule := Resolve(d.rules, process)
	return Plan{
		Method:            rule.Method,
		Rule:              rule.Name,
		InterCharDelay:    d.cfg.InterCharDelay,
		PreInjectionDelay: d.cfg.PreInjectionDelay,
		PreserveClipboard: d.cfg.PreserveClipboard,
	}
}

// Snapshot returns the current foreground window.
func (d *Dispatcher) Snapshot() (Target, error) {
	t, err := d.platform.ForegroundTarget()
	if err != nil {
		return Target{}, core.NewError(core.KindInjectionFailure, "foreground window", err)
	}
	return t, nil
}

// Inject delivers text to target and reports success.
func (d *Dispatcher) Inject(text string, target Target) bool {
	return d.InjectContext(context.Background(), text, target) == nil
}

// InjectContext delivers text to target, the foreground window captured
// when the card was read. Only one injection runs at a time. Cancelling ctx
// stops key simulation before the next character; clipboard and message
// delivery run to completion once started.
func (d *Dispatcher) InjectContext(ctx context.Context, text string, target Target) error {
	if target.Window == 0 {
		return core.Errorf(core.KindInjectionFailure, "inject", "no target window")
	}
	if text == "" && !d.cfg.AppendEnter {
		return nil
	}

	injectMu.Lock()
	defer injectMu.Unlock()

	if err := ctx.Err(); err != nil {
		return core.NewError(core.KindInjectionFailure, "inject", err)
	}

	plan := d.Plan(target.ProcessName)
	logging.Debug(logging.CatInject, "Injecting text", map[string]any{
		"process": target.ProcessName,
		"method":  plan.Method.String(),
		"rule":    plan.Rule,
		"chars":   len([]rune(text)),
	})

	if plan.PreInjectionDelay > 0 {
		if err := sleepContext(ctx, plan.PreInjectionDelay); err != nil {
			return core.NewError(core.KindInjectionFailure, "inject", err)
		}
	}

	var err error
	switch plan.Method {
	case MethodKeySimulation:
		err = d.injectKeys(ctx, text, target, plan)
	case MethodWindowMessage:
		err = d.injectMessages(text, target, plan)
	default:
		err = d.injectClipboard(text, target, plan)
	}
	if err != nil {
		logging.Warn(logging.CatInject, "Injection failed", map[string]any{
			"process": target.ProcessName,
			"method":  plan.Method.String(),
			"error":   err.Error(),
		})
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// focused reports whether target still has focus. A failed lookup counts
// as a focus change. The caller aborts on false; the target is never
// re-resolved.
func (d *Dispatcher) focused(target Target) bool {
	cur, err := d.platform.ForegroundTarget()
	return err == nil && cur.Window == target.Window
}

func (d *Dispatcher) tap(code KeyCode, modifier KeyCode) error {
	if modifier != 0 {
		if err := d.platform.SendKey(modifier, true); err != nil {
			return err
		}
		defer d.platform.SendKey(modifier, false)
	}
	if err := d.platform.SendKey(code, true); err != nil {
		return err
	}
	return d.platform.SendKey(code, false)
}

func (d *Dispatcher) injectKeys(ctx context.Context, text string, target Target, plan Plan) error {
	runes := []rune(text)
	if d.cfg.AppendEnter {
		runes = append(runes, '\r')
	}

	delivered, skipped := 0, 0
	for i, r := range runes {
		if err := ctx.Err(); err != nil {
			return core.Errorf(core.KindInjectionFailure, "key simulation",
				"cancelled after %d of %d characters: %w", delivered, len(runes), err)
		}
		if i > 0 && plan.InterCharDelay > 0 {
			if err := sleepContext(ctx, plan.InterCharDelay); err != nil {
				return core.Errorf(core.KindInjectionFailure, "key simulation",
					"cancelled after %d of %d characters: %w", delivered, len(runes), err)
			}
		}
		if i%focusCheckEvery == 0 && !d.focused(target) {
			return core.Errorf(core.KindInjectionFailure, "key simulation",
				"focus left %s after %d of %d characters", target.ProcessName, delivered, len(runes))
		}

		code, shift, ok := d.platform.ResolveKey(r)
		if !ok {
			skipped++
			continue
		}
		var mod KeyCode
		if shift {
			mod = KeyShift
		}
		if err := d.tap(code, mod); err != nil {
			skipped++
			continue
		}
		delivered++
	}

	if delivered == 0 && len(runes) > 0 {
		return core.Errorf(core.KindInjectionFailure, "key simulation", "none of %d characters could be typed", len(runes))
	}
	if skipped > 0 {
		logging.Warn(logging.CatInject, "Some characters could not be typed", map[string]any{"skipped": skipped})
	}
	return nil
}

func (d *Dispatcher) injectMessages(text string, target Target, plan Plan) error {
	runes := []rune(text)
	if d.cfg.AppendEnter {
		runes = append(runes, '\r')
	}

	delivered := 0
	var lastErr error
	for i, r := range runes {
		if i > 0 && plan.InterCharDelay > 0 {
			d.sleep(plan.InterCharDelay)
		}
		if err := d.platform.PostChar(target.Window, r); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 && len(runes) > 0 {
		if lastErr == nil {
			lastErr = ErrUnsupported
		}
		return core.NewError(core.KindInjectionFailure, "window message", lastErr)
	}
	return nil
}

func (d *Dispatcher) injectClipboard(text string, target Target, plan Plan) error {
	var (
		original    string
		hasOriginal bool
	)
	// With no text the clipboard is left alone, and so is a pending
	// restore from an earlier paste.
	if plan.PreserveClipboard && text != "" {
		if pending != nil {
			// The clipboard still holds the previous payload.
			original, hasOriginal = pending.original, true
		} else if s, err := d.platform.ClipboardText(); err == nil {
			original, hasOriginal = s, true
		} else {
			logging.Debug(logging.CatInject, "Clipboard snapshot unavailable", map[string]any{"error": err.Error()})
		}
	}

	if text != "" {
		// A failed set leaves any pending restore scheduled.
		if err := d.platform.SetClipboardText(text); err != nil {
			return core.NewError(core.KindInjectionFailure, "set clipboard", err)
		}
		if plan.PreserveClipboard && pending != nil {
			pending.timer.Stop()
			pending = nil
		}
		if d.cfg.ClipboardSettle > 0 {
			d.sleep(d.cfg.ClipboardSettle)
		}
	}

	var err error
	if !d.focused(target) {
		err = core.Errorf(core.KindInjectionFailure, "paste", "focus left %s", target.ProcessName)
	} else {
		if text != "" {
			if perr := d.tap(KeyV, pasteModifier); perr != nil {
				err = core.NewError(core.KindInjectionFailure, "paste", perr)
			}
		}
		if err == nil && d.cfg.AppendEnter {
			if perr := d.tap(KeyReturn, 0); perr != nil {
				err = core.NewError(core.KindInjectionFailure, "enter", perr)
			}
		}
	}

	if hasOriginal && text != "" {
		d.scheduleRestore(original)
	}
	return err
}

// scheduleRestore puts original back after the restore delay unless another
// clipboard injection takes it over first. Caller holds injectMu.
func (d *Dispatcher) scheduleRestore(original string) {
	restoreGen++
	r := &clipboardRestore{gen: restoreGen, original: original}
	r.timer = time.AfterFunc(d.cfg.ClipboardRestore, func() {
		defer logging.RecoverAndLog("clipboard-restore", false)
		injectMu.Lock()
		defer injectMu.Unlock()
		if pending == nil || pending.gen != r.gen {
			return
		}
		pending = nil
		if err := d.platform.SetClipboardText(r.original); err != nil {
			logging.Warn(logging.CatInject, "Clipboard restore failed", map[string]any{"error": err.Error()})
		}
	})
	pending = r
}
