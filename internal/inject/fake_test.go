package inject

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakePlatform records every call the dispatcher makes.
type fakePlatform struct {
	mu         sync.Mutex
	foreground Target
	fgErr      error
	clipboard  string
	clipGetErr error
	clipSetErr error
	clipSets   []string
	keys       []string
	posted     []rune
	postErr    error
	unresolved map[rune]bool

	// onKeyUp runs after every non-modifier key up with the count so far.
	onKeyUp func(n int)
	typed   int

	active    atomic.Int32
	maxActive atomic.Int32
}

func newFakePlatform(process string) *fakePlatform {
	return &fakePlatform{
		foreground: Target{ProcessName: process, Window: 0x1001, PID: 42},
		clipboard:  "original",
		unresolved: map[rune]bool{},
	}
}

func (f *fakePlatform) enter() {
	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
}

func (f *fakePlatform) leave() { f.active.Add(-1) }

func (f *fakePlatform) ResolveKey(r rune) (KeyCode, bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unresolved[r] {
		return 0, false, false
	}
	code, shift := resolveLatinKey(r)
	return code, shift, true
}

func (f *fakePlatform) SendKey(code KeyCode, down bool) error {
	f.enter()
	defer f.leave()
	time.Sleep(100 * time.Microsecond)

	f.mu.Lock()
	dir := "up"
	if down {
		dir = "down"
	}
	f.keys = append(f.keys, fmt.Sprintf("%s:%02X", dir, uint32(code)))
	var hook func(int)
	n := 0
	if !down && code != KeyShift && code != KeyControl && code != KeyCommand {
		f.typed++
		n = f.typed
		hook = f.onKeyUp
	}
	f.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	return nil
}

func (f *fakePlatform) ClipboardText() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clipGetErr != nil {
		return "", f.clipGetErr
	}
	return f.clipboard, nil
}

func (f *fakePlatform) SetClipboardText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clipSetErr != nil {
		return f.clipSetErr
	}
	f.clipboard = text
	f.clipSets = append(f.clipSets, text)
	return nil
}

func (f *fakePlatform) PostChar(window uintptr, r rune) error {
	f.enter()
	defer f.leave()
	time.Sleep(100 * time.Microsecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.postErr != nil {
		return f.postErr
	}
	if window != f.foreground.Window {
		return errors.New("posted to wrong window")
	}
	f.posted = append(f.posted, r)
	return nil
}

func (f *fakePlatform) ForegroundTarget() (Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.foreground, f.fgErr
}

func (f *fakePlatform) setForeground(t Target) {
	f.mu.Lock()
	f.foreground = t
	f.mu.Unlock()
}

func (f *fakePlatform) setClipSetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clipSetErr = err
}

func (f *fakePlatform) clip() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clipboard
}

func (f *fakePlatform) sets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.clipSets...)
}

func (f *fakePlatform) keyLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func newTestDispatcher(t *testing.T, cfg Config, p Platform) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg, p)
	d.sleep = func(time.Duration) {}
	t.Cleanup(resetPendingRestore)
	return d
}

func resetPendingRestore() {
	injectMu.Lock()
	defer injectMu.Unlock()
	if pending != nil {
		pending.timer.Stop()
		pending = nil
	}
}

// countingForeground counts foreground lookups.
type countingForeground struct {
	*fakePlatform
	n atomic.Int32
}

func (c *countingForeground) ForegroundTarget() (Target, error) {
	c.n.Add(1)
	return c.fakePlatform.ForegroundTarget()
}

func (c *countingForeground) calls() int { return int(c.n.Load()) }
