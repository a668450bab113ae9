//go:build darwin

package inject

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

const pasteModifier = KeyCommand

// darwinPlatform uses System Events through osascript. Modifiers cannot be
// held across separate scripts, so they are tracked here and applied to the
// next keystroke.
type darwinPlatform struct {
	mu   sync.Mutex
	held map[KeyCode]bool
}

// NewPlatform returns the input backend for this OS.
func NewPlatform() Platform {
	return &darwinPlatform{held: map[KeyCode]bool{}}
}

func osascript(script string) ([]byte, error) {
	out, err := exec.Command("osascript", "-e", script).Output()
	if err != nil {
		return nil, fmt.Errorf("osascript: %w", err)
	}
	return out, nil
}

func appleString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func (p *darwinPlatform) ResolveKey(r rune) (KeyCode, bool, bool) {
	if r == 0 {
		return 0, false, false
	}
	code, shift := resolveLatinKey(r)
	return code, shift, true
}

func (p *darwinPlatform) SendKey(code KeyCode, down bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch code {
	case KeyShift, KeyControl, KeyCommand:
		p.held[code] = down
		return nil
	}
	if !down {
		return nil
	}

	var stroke string
	switch {
	case code == KeyReturn:
		stroke = "key code 36"
	case code == KeyTab:
		stroke = "key code 48"
	default:
		r, ok := code.Rune()
		if !ok {
			r = rune(code)
			if code >= 'A' && code <= 'Z' && !p.held[KeyShift] {
				r += 'a' - 'A'
			}
		}
		stroke = "keystroke " + appleString(string(r))
	}

	var mods []string
	if p.held[KeyCommand] {
		mods = append(mods, "command down")
	}
	if p.held[KeyControl] {
		mods = append(mods, "control down")
	}
	if p.held[KeyShift] {
		mods = append(mods, "shift down")
	}
	if len(mods) > 0 {
		stroke += " using {" + strings.Join(mods, ", ") + "}"
	}
	_, err := osascript(`tell application "System Events" to ` + stroke)
	return err
}

func (p *darwinPlatform) ClipboardText() (string, error) {
	out, err := exec.Command("pbpaste").Output()
	return string(out), err
}

func (p *darwinPlatform) SetClipboardText(text string) error {
	cmd := exec.Command("pbcopy")
	cmd.Stdin = strings.NewReader(text)
	return cmd.Run()
}

// PostChar has no macOS equivalent.
func (p *darwinPlatform) PostChar(window uintptr, r rune) error {
	return ErrUnsupported
}

func (p *darwinPlatform) ForegroundTarget() (Target, error) {
	out, err := osascript(`tell application "System Events" to get {name, unix id} of first application process whose frontmost is true`)
	if err != nil {
		return Target{}, err
	}
	parts := strings.Split(string(bytes.TrimSpace(out)), ", ")
	if len(parts) != 2 {
		return Target{}, fmt.Errorf("unexpected frontmost process %q", out)
	}
	pid, err := strconv.Atoi(parts[1])
	if err != nil || pid == 0 {
		return Target{}, fmt.Errorf("unexpected frontmost pid %q", parts[1])
	}
	// Without window handles the frontmost process stands in for the window.
	return Target{ProcessName: parts[0], PID: pid, Window: uintptr(pid)}, nil
}
