//go:build windows

package inject

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"
)

const pasteModifier = KeyControl

var (
	user32   = windows.NewLazySystemDLL("user32.dll")
	kernel32 = windows.NewLazySystemDLL("kernel32.dll")

	procSendInput                = user32.NewProc("SendInput")
	procVkKeyScanW               = user32.NewProc("VkKeyScanW")
	procPostMessageW             = user32.NewProc("PostMessageW")
	procGetForegroundWindow      = user32.NewProc("GetForegroundWindow")
	procGetWindowThreadProcessId = user32.NewProc("GetWindowThreadProcessId")
	procOpenClipboard            = user32.NewProc("OpenClipboard")
	procCloseClipboard           = user32.NewProc("CloseClipboard")
	procEmptyClipboard           = user32.NewProc("EmptyClipboard")
	procGetClipboardData         = user32.NewProc("GetClipboardData")
	procSetClipboardData         = user32.NewProc("SetClipboardData")
	procGlobalAlloc              = kernel32.NewProc("GlobalAlloc")
	procGlobalFree               = kernel32.NewProc("GlobalFree")
	procGlobalLock               = kernel32.NewProc("GlobalLock")
	procGlobalUnlock             = kernel32.NewProc("GlobalUnlock")
)

const (
	inputKeyboard     = 1
	keyeventfKeyUp    = 0x0002
	keyeventfUnicode  = 0x0004
	wmChar            = 0x0102
	cfUnicodeText     = 13
	gmemMoveable      = 0x0002
	clipboardAttempts = 10
	clipboardBackoff  = 10 * time.Millisecond
)

type keybdInput struct {
	wVk         uint16
	wScan       uint16
	dwFlags     uint32
	time        uint32
	dwExtraInfo uintptr
}

// keyboardInput is INPUT with the keyboard union member. The padding covers
// the larger MOUSEINPUT member.
type keyboardInput struct {
	typ uint32
	ki  keybdInput
	_   [8]byte
}

type windowsPlatform struct{}

// NewPlatform returns the input backend for this OS.
func NewPlatform() Platform {
	return windowsPlatform{}
}

func (windowsPlatform) ResolveKey(r rune) (KeyCode, bool, bool) {
	if r == 0 {
		return 0, false, false
	}
	if r == '\r' || r == '\n' {
		return KeyReturn, false, true
	}
	if r > 0xFFFF {
		return UnicodeKey(r), false, true
	}
	ret, _, _ := procVkKeyScanW.Call(uintptr(r))
	scan := uint16(ret)
	if scan == 0xFFFF {
		return UnicodeKey(r), false, true
	}
	vk := KeyCode(scan & 0xFF)
	mods := scan >> 8
	// Ctrl or Alt (AltGr layouts) cannot be reproduced with shift alone.
	if mods&0x06 != 0 {
		return UnicodeKey(r), false, true
	}
	return vk, mods&0x01 != 0, true
}

func sendInputs(inputs []keyboardInput) error {
	if len(inputs) == 0 {
		return nil
	}
	n, _, err := procSendInput.Call(
		uintptr(len(inputs)),
		uintptr(unsafe.Pointer(&inputs[0])),
		unsafe.Sizeof(inputs[0]),
	)
	if int(n) != len(inputs) {
		return fmt.Errorf("SendInput: %w", err)
	}
	return nil
}

func (windowsPlatform) SendKey(code KeyCode, down bool) error {
	var flags uint32
	if !down {
		flags |= keyeventfKeyUp
	}
	r, ok := code.Rune()
	if !ok {
		return sendInputs([]keyboardInput{{typ: inputKeyboard, ki: keybdInput{wVk: uint16(code), dwFlags: flags}}})
	}
	var inputs []keyboardInput
	for _, unit := range utf16.Encode([]rune{r}) {
		inputs = append(inputs, keyboardInput{
			typ: inputKeyboard,
			ki:  keybdInput{wScan: unit, dwFlags: flags | keyeventfUnicode},
		})
	}
	return sendInputs(inputs)
}

// openClipboard retries while another process holds the clipboard.
func openClipboard() error {
	var err error
	for i := 0; i < clipboardAttempts; i++ {
		var ok uintptr
		ok, _, err = procOpenClipboard.Call(0)
		if ok != 0 {
			return nil
		}
		time.Sleep(clipboardBackoff)
	}
	return fmt.Errorf("OpenClipboard: %w", err)
}

func (windowsPlatform) ClipboardText() (string, error) {
	if err := openClipboard(); err != nil {
		return "", err
	}
	defer procCloseClipboard.Call()

	h, _, _ := procGetClipboardData.Call(cfUnicodeText)
	if h == 0 {
		return "", nil
	}
	p, _, _ := procGlobalLock.Call(h)
	if p == 0 {
		return "", errors.New("GlobalLock failed")
	}
	defer procGlobalUnlock.Call(h)
	return windows.UTF16PtrToString((*uint16)(unsafe.Pointer(p))), nil
}

func (windowsPlatform) SetClipboardText(text string) error {
	units, err := windows.UTF16FromString(text)
	if err != nil {
		return err
	}
	if err := openClipboard(); err != nil {
		return err
	}
	defer procCloseClipboard.Call()

	if ok, _, err := procEmptyClipboard.Call(); ok == 0 {
		return fmt.Errorf("EmptyClipboard: %w", err)
	}
	size := uintptr(len(units)) * 2
	h, _, err := procGlobalAlloc.Call(gmemMoveable, size)
	if h == 0 {
		return fmt.Errorf("GlobalAlloc: %w", err)
	}
	p, _, err := procGlobalLock.Call(h)
	if p == 0 {
		procGlobalFree.Call(h)
		return fmt.Errorf("GlobalLock: %w", err)
	}
	copy(unsafe.Slice((*uint16)(unsafe.Pointer(p)), len(units)), units)
	procGlobalUnlock.Call(h)

	if ok, _, err := procSetClipboardData.Call(cfUnicodeText, h); ok == 0 {
		procGlobalFree.Call(h)
		return fmt.Errorf("SetClipboardData: %w", err)
	}
	return nil
}

func (windowsPlatform) PostChar(window uintptr, r rune) error {
	if r == '\n' {
		r = '\r'
	}
	for _, unit := range utf16.Encode([]rune{r}) {
		ok, _, err := procPostMessageW.Call(window, wmChar, uintptr(unit), 1)
		if ok == 0 {
			return fmt.Errorf("PostMessageW: %w", err)
		}
	}
	return nil
}

func (windowsPlatform) ForegroundTarget() (Target, error) {
	hwnd, _, _ := procGetForegroundWindow.Call()
	if hwnd == 0 {
		return Target{}, errors.New("no foreground window")
	}
	var pid uint32
	procGetWindowThreadProcessId.Call(hwnd, uintptr(unsafe.Pointer(&pid)))

	t := Target{Window: hwnd, PID: int(pid)}
	if pid == 0 {
		return t, nil
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, pid)
	if err != nil {
		return t, nil
	}
	defer windows.CloseHandle(h)

	buf := make([]uint16, windows.MAX_PATH)
	size := uint32(len(buf))
	if err := windows.QueryFullProcessImageName(h, 0, &buf[0], &size); err == nil {
		t.ProcessName = filepath.Base(windows.UTF16ToString(buf[:size]))
	}
	return t, nil
}
