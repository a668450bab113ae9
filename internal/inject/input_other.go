//go:build !windows && !linux && !darwin

package inject

const pasteModifier = KeyControl

type unsupportedPlatform struct{}

// NewPlatform returns the input backend for this OS.
func NewPlatform() Platform {
	return unsupportedPlatform{}
}

func (unsupportedPlatform) ResolveKey(rune) (KeyCode, bool, bool) { return 0, false, false }
func (unsupportedPlatform) SendKey(KeyCode, bool) error           { return ErrUnsupported }
func (unsupportedPlatform) ClipboardText() (string, error)        { return "", ErrUnsupported }
func (unsupportedPlatform) SetClipboardText(string) error         { return ErrUnsupported }
func (unsupportedPlatform) PostChar(uintptr, rune) error          { return ErrUnsupported }
func (unsupportedPlatform) ForegroundTarget() (Target, error)     { return Target{}, ErrUnsupported }
