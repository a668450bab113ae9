// Package notice shows the user actionable messages when the wedge cannot
// start scanning.
package notice

import (
	"errors"
	"runtime"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
)

const title = "NFC Wedge"

// Message returns the notice for a start-up error. ok is false for errors
// the user cannot act on.
func Message(err error) (string, string, bool) {
	switch {
	case errors.Is(err, core.ErrServiceUnavailable):
		return title, serviceUnavailableText(runtime.GOOS), true
	case errors.Is(err, core.ErrNoReaderFound):
		return title, "No NFC reader is connected.\n\nPlug in a PC/SC compatible reader; scanning starts as soon as one is detected.", true
	}
	return "", "", false
}

func serviceUnavailableText(goos string) string {
	switch goos {
	case "windows":
		return "The Windows Smart Card service is not running.\n\nOpen services.msc, set \"Smart Card\" to Automatic and start it."
	case "darwin":
		return "The macOS smart card service is not available.\n\nReconnect the reader or restart the computer."
	default:
		return "The PC/SC daemon (pcscd) is not running.\n\nInstall and start it:\n  sudo apt install pcscd\n  sudo systemctl enable --now pcscd.socket"
	}
}

// ShowError shows the notice for err, if it has one, and reports whether
// it did. It blocks until the notice is dismissed on platforms that use a
// dialog.
func ShowError(err error) bool {
	t, body, ok := Message(err)
	if !ok {
		return false
	}
	if serr := Show(t, body); serr != nil {
		return false
	}
	return true
}
