//go:build linux

package inject

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

const pasteModifier = KeyControl

// linuxPlatform drives X11 through xdotool and the clipboard through
// wl-clipboard or xclip.
type linuxPlatform struct {
	wayland bool
}

// NewPlatform returns the input backend for this OS.
func NewPlatform() Platform {
	_, err := exec.LookPath("wl-copy")
	return &linuxPlatform{wayland: os.Getenv("WAYLAND_DISPLAY") != "" && err == nil}
}

func xdotool(args ...string) ([]byte, error) {
	out, err := exec.Command("xdotool", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("xdotool %s: %w", args[0], err)
	}
	return out, nil
}

func (p *linuxPlatform) ResolveKey(r rune) (KeyCode, bool, bool) {
	if r == 0 {
		return 0, false, false
	}
	code, shift := resolveLatinKey(r)
	return code, shift, true
}

func (p *linuxPlatform) SendKey(code KeyCode, down bool) error {
	if r, ok := code.Rune(); ok {
		// Characters without a keysym are typed whole on key down.
		if !down {
			return nil
		}
		_, err := xdotool("type", "--", string(r))
		return err
	}
	name, ok := keysymName(code)
	if !ok {
		return fmt.Errorf("no keysym for key 0x%02X", uint32(code))
	}
	action := "keyup"
	if down {
		action = "keydown"
	}
	_, err := xdotool(action, name)
	return err
}

func (p *linuxPlatform) ClipboardText() (string, error) {
	if p.wayland {
		out, err := exec.Command("wl-paste", "--no-newline").Output()
		if err == nil {
			return string(out), nil
		}
	}
	out, err := exec.Command("xclip", "-selection", "clipboard", "-o").Output()
	if err == nil {
		return string(out), nil
	}
	out, err = exec.Command("xsel", "--clipboard", "--output").Output()
	if err == nil {
		return string(out), nil
	}
	return "", err
}

func (p *linuxPlatform) SetClipboardText(text string) error {
	var cmd *exec.Cmd
	if p.wayland {
		cmd = exec.Command("wl-copy")
	} else if _, err := exec.LookPath("xclip"); err == nil {
		cmd = exec.Command("xclip", "-selection", "clipboard", "-i")
	} else {
		cmd = exec.Command("xsel", "--clipboard", "--input")
	}
	cmd.Stdin = strings.NewReader(text)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", cmd.Path, err)
	}
	return nil
}

// PostChar sends the character to the window with XSendEvent, which does
// not change focus.
func (p *linuxPlatform) PostChar(window uintptr, r rune) error {
	if r == '\r' || r == '\n' {
		_, err := xdotool("key", "--window", strconv.FormatUint(uint64(window), 10), "Return")
		return err
	}
	_, err := xdotool("type", "--window", strconv.FormatUint(uint64(window), 10), "--", string(r))
	return err
}

func (p *linuxPlatform) ForegroundTarget() (Target, error) {
	out, err := xdotool("getactivewindow")
	if err != nil {
		return Target{}, err
	}
	id, err := strconv.ParseUint(string(bytes.TrimSpace(out)), 10, 64)
	if err != nil || id == 0 {
		return Target{}, fmt.Errorf("no active window")
	}

	t := Target{Window: uintptr(id)}
	if out, err := xdotool("getwindowpid", strconv.FormatUint(id, 10)); err == nil {
		if pid, err := strconv.Atoi(string(bytes.TrimSpace(out))); err == nil {
			t.PID = pid
			if comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
				t.ProcessName = strings.TrimSpace(string(comm))
			}
		}
	}
	return t, nil
}
