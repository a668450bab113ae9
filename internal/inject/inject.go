// Package inject delivers card text to the foreground application by
// clipboard paste, simulated key presses or posted character messages.
package inject

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Method is an injection strategy.
type Method int

const (
	// MethodAuto defers to the rule table.
	MethodAuto Method = iota
	MethodClipboard
	MethodKeySimulation
	MethodWindowMessage
)

func (m Method) String() string {
	switch m {
	case MethodClipboard:
		return "clipboard"
	case MethodKeySimulation:
		return "keys"
	case MethodWindowMessage:
		return "message"
	default:
		return "auto"
	}
}

// ParseMethod accepts auto, clipboard, keys and message.
func ParseMethod(s string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return MethodAuto, nil
	case "clipboard", "paste":
		return MethodClipboard, nil
	case "keys", "keyboard", "key_simulation":
		return MethodKeySimulation, nil
	case "message", "messages", "window_message":
		return MethodWindowMessage, nil
	}
	return MethodAuto, fmt.Errorf("unknown injection method %q", s)
}

// MarshalText encodes the method by name.
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a method name.
func (m *Method) UnmarshalText(b []byte) error {
	v, err := ParseMethod(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Config is read once when a Dispatcher is built.
type Config struct {
	Method            Method
	InterCharDelay    time.Duration
	PreInjectionDelay time.Duration
	ClipboardSettle   time.Duration
	ClipboardRestore  time.Duration
	PreserveClipboard bool
	AppendEnter       bool
	// Overrides maps a lowercase process-name substring to a method.
	Overrides map[string]Method
}

// DefaultConfig returns the delays used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Method:            MethodAuto,
		InterCharDelay:    10 * time.Millisecond,
		PreInjectionDelay: 50 * time.Millisecond,
		ClipboardSettle:   50 * time.Millisecond,
		ClipboardRestore:  500 * time.Millisecond,
		PreserveClipboard: true,
	}
}

// Plan is the strategy chosen for one target process.
type Plan struct {
	Method            Method
	Rule              string
	InterCharDelay    time.Duration
	PreInjectionDelay time.Duration
	PreserveClipboard bool
}

// Target is the foreground window snapshot taken when injection begins.
type Target struct {
	ProcessName string
	Window      uintptr
	PID         int
}

// KeyCode is a Windows virtual key code, or a rune tagged with unicodeFlag
// for characters that have no key on the current layout.
type KeyCode uint32

const (
	KeyTab     KeyCode = 0x09
	KeyReturn  KeyCode = 0x0D
	KeyShift   KeyCode = 0x10
	KeyControl KeyCode = 0x11
	KeySpace   KeyCode = 0x20
	KeyV       KeyCode = 0x56
	KeyCommand KeyCode = 0x5B

	unicodeFlag KeyCode = 0x01000000
)

// UnicodeKey tags r to be typed as a character rather than a key.
func UnicodeKey(r rune) KeyCode {
	return unicodeFlag | KeyCode(r)
}

// Rune returns the character of a UnicodeKey.
func (k KeyCode) Rune() (rune, bool) {
	if k&unicodeFlag == 0 {
		return 0, false
	}
	return rune(k &^ unicodeFlag), true
}

// Input is the low-level input capability of the platform.
type Input interface {
	// ResolveKey maps r to a key and whether shift must be held.
	ResolveKey(r rune) (code KeyCode, shift bool, ok bool)
	SendKey(code KeyCode, down bool) error
	ClipboardText() (string, error)
	SetClipboardText(text string) error
	// PostChar posts a character message to window without moving focus.
	PostChar(window uintptr, r rune) error
}

// Foreground reports the window that currently has focus.
type Foreground interface {
	ForegroundTarget() (Target, error)
}

// Platform combines the capabilities a Dispatcher needs.
type Platform interface {
	Input
	Foreground
}

// ErrUnsupported is returned by platforms without a given capability.
var ErrUnsupported = errors.New("not supported on this platform")
