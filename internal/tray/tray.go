//go:build !linux

package tray

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"sync"

	"github.com/getlantern/systray"

	"github.com/SimplyPrint/nfc-wedge/internal/api"
	"github.com/SimplyPrint/nfc-wedge/internal/config"
	"github.com/SimplyPrint/nfc-wedge/internal/logging"
	"github.com/SimplyPrint/nfc-wedge/internal/monitor"
	"github.com/SimplyPrint/nfc-wedge/internal/service"
	"github.com/SimplyPrint/nfc-wedge/internal/settings"
)

// TrayApp manages the system tray icon and menu
type TrayApp struct {
	serverAddr string
	status     api.Status
	updates    api.Updates
	onQuit     func()
	mu         sync.Mutex

	// Menu items for updating
	mStatus   *systray.MenuItem
	mReaders  *systray.MenuItem
	mLastCard *systray.MenuItem
	mPause    *systray.MenuItem
	mUpdate   *systray.MenuItem
}

// New creates a new TrayApp instance. updates may be nil.
func New(serverAddr string, status api.Status, updates api.Updates, onQuit func()) *TrayApp {
	return &TrayApp{
		serverAddr: serverAddr,
		status:     status,
		updates:    updates,
		onQuit:     onQuit,
	}
}

// RunWithServer runs the tray on the main thread and starts the agent in a goroutine.
// This function BLOCKS - it must be called from the main goroutine on macOS.
func (t *TrayApp) RunWithServer(serverStart func()) {
	systray.Run(func() {
		t.onReady()
		if serverStart != nil {
			go serverStart()
		}
	}, t.onExit)
}

// Quit closes the tray, which makes RunWithServer return.
func (t *TrayApp) Quit() {
	systray.Quit()
}

func (t *TrayApp) onReady() {
	systray.SetIcon(iconData)
	systray.SetTitle("") // Empty title for cleaner menu bar (macOS)
	systray.SetTooltip("NFC Wedge")

	mVersion := systray.AddMenuItem(versionTitle(api.Version), "")
	mVersion.Disable()
	mUpdate := systray.AddMenuItem("Update available", "Open the release page")
	mUpdate.Hide()
	t.mu.Lock()
	t.mUpdate = mUpdate
	t.mu.Unlock()

	systray.AddSeparator()

	t.mu.Lock()
	t.mStatus = systray.AddMenuItem("Status: Starting...", "Scanner status")
	t.mStatus.Disable()
	t.mReaders = systray.AddMenuItem("Readers: Checking...", "Connected NFC readers")
	t.mReaders.Disable()
	t.mLastCard = systray.AddMenuItem("Last card: none", "Most recent card")
	t.mLastCard.Disable()
	t.mu.Unlock()

	systray.AddSeparator()

	mPause := systray.AddMenuItemCheckbox("Pause Typing", "Read cards without typing their text", settings.IsInjectionPaused())
	t.mu.Lock()
	t.mPause = mPause
	t.mu.Unlock()

	svc := service.New()
	mAutostart := systray.AddMenuItemCheckbox("Start at Login", "Start NFC Wedge when you log in", svc.IsInstalled())
	mConfig := systray.AddMenuItem("Open Config Folder", "Show the configuration file")
	mStatusPage := systray.AddMenuItem("Open Status", "Show the status API in a browser")

	systray.AddSeparator()

	mQuit := systray.AddMenuItem("Quit", "Exit NFC Wedge")

	t.refresh()

	var releaseURL string
	updateFound := make(chan string, 1)
	go t.checkForUpdates(updateFound)

	go func() {
		defer logging.RecoverAndLog("tray menu", false)
		for {
			select {
			case url := <-updateFound:
				releaseURL = url
			case <-mUpdate.ClickedCh:
				if releaseURL != "" {
					openPath(releaseURL)
				}
			case <-mPause.ClickedCh:
				t.togglePause()
			case <-mAutostart.ClickedCh:
				t.toggleAutostart(svc, mAutostart)
			case <-mConfig.ClickedCh:
				openPath(config.Dir())
			case <-mStatusPage.ClickedCh:
				openPath(fmt.Sprintf("http://%s/v1/status", t.serverAddr))
			case <-mQuit.ClickedCh:
				systray.Quit()
				return
			}
		}
	}()
}

// checkForUpdates runs one check and reveals the update item when a newer
// release exists.
func (t *TrayApp) checkForUpdates(found chan<- string) {
	defer logging.RecoverAndLog("tray update check", false)
	if t.updates == nil {
		return
	}
	info := t.updates.Check(context.Background(), false)
	if info.Error != "" {
		logging.Debug(logging.CatSystem, "Update check failed", map[string]any{"error": info.Error})
		return
	}
	if !info.Available {
		return
	}
	logging.Info(logging.CatSystem, "Update available", map[string]any{
		"current": info.CurrentVersion,
		"latest":  info.LatestVersion,
	})

	t.mu.Lock()
	t.mUpdate.SetTitle(updateTitle(info.LatestVersion))
	t.mUpdate.Show()
	t.mu.Unlock()
	found <- info.ReleaseURL
}

func (t *TrayApp) onExit() {
	if t.onQuit != nil {
		t.onQuit()
	}
}

// Publish updates the menu from a monitor event.
func (t *TrayApp) Publish(ev monitor.Event) error {
	switch ev := ev.(type) {
	case monitor.StatusChanged:
		t.refresh()
	case monitor.CardDetected:
		t.mu.Lock()
		if t.mLastCard != nil {
			t.mLastCard.SetTitle(lastCardTitle(ev.Record))
		}
		t.mu.Unlock()
	}
	return nil
}

// refresh re-reads scanner state and reader count.
func (t *TrayApp) refresh() {
	if t.status == nil {
		return
	}
	state := t.status.State()
	readers := t.status.Readers()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mStatus != nil {
		t.mStatus.SetTitle(stateTitle(state))
	}
	if t.mReaders != nil {
		t.mReaders.SetTitle(readersTitle(len(readers)))
	}
}

func (t *TrayApp) togglePause() {
	paused := !settings.IsInjectionPaused()
	if err := settings.SetInjectionPaused(paused); err != nil {
		logging.Warn(logging.CatSystem, "Failed to save pause setting", map[string]any{"error": err.Error()})
		return
	}
	logging.Info(logging.CatSystem, "Injection pause changed from tray", map[string]any{"paused": paused})

	t.mu.Lock()
	defer t.mu.Unlock()
	if paused {
		t.mPause.Check()
	} else {
		t.mPause.Uncheck()
	}
}

func (t *TrayApp) toggleAutostart(svc service.Service, item *systray.MenuItem) {
	var err error
	if item.Checked() {
		err = svc.Uninstall()
	} else {
		err = svc.Install()
	}
	if err != nil {
		logging.Warn(logging.CatSystem, "Failed to change auto-start", map[string]any{"error": err.Error()})
	}
	if svc.IsInstalled() {
		item.Check()
	} else {
		item.Uncheck()
	}
}

func openPath(target string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", target)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}

	cmd.Start()
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return true
}
