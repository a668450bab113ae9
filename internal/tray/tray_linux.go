//go:build linux

package tray

import (
	"sync"

	"github.com/SimplyPrint/nfc-wedge/internal/api"
	"github.com/SimplyPrint/nfc-wedge/internal/monitor"
)

// TrayApp is a no-op on Linux, where the wedge runs headless and is
// controlled through the status API.
type TrayApp struct {
	quit chan struct{}
	once sync.Once
}

// New creates a new TrayApp instance
func New(serverAddr string, status api.Status, updates api.Updates, onQuit func()) *TrayApp {
	return &TrayApp{quit: make(chan struct{})}
}

// RunWithServer starts serverStart and blocks until Quit.
func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		go serverStart()
	}
	<-t.quit
}

// Quit makes RunWithServer return.
func (t *TrayApp) Quit() {
	t.once.Do(func() { close(t.quit) })
}

// Publish implements the event sink interface.
func (t *TrayApp) Publish(monitor.Event) error { return nil }

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return false
}
