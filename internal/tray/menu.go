package tray

import (
	"fmt"
	"strings"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
)

// maxPreview is the longest card text shown in the menu.
const maxPreview = 24

func versionTitle(version string) string {
	// Only proper version numbers get a "v" prefix, not dev builds.
	if len(version) > 0 && version[0] >= '0' && version[0] <= '9' {
		version = "v" + version
	}
	return "NFC Wedge " + version
}

func updateTitle(latest string) string {
	if !strings.HasPrefix(latest, "v") {
		latest = "v" + latest
	}
	return "Update available: " + latest
}

func stateTitle(s core.ScannerState) string {
	switch s {
	case core.StateScanning:
		return "Status: Waiting for card"
	case core.StateCardPresent:
		return "Status: Reading card"
	case core.StateFaulted:
		return "Status: Reader unavailable"
	default:
		return "Status: Stopped"
	}
}

func readersTitle(n int) string {
	switch n {
	case 0:
		return "Readers: None connected"
	case 1:
		return "Readers: 1 connected"
	default:
		return fmt.Sprintf("Readers: %d connected", n)
	}
}

func lastCardTitle(rec core.CardRecord) string {
	if !rec.Succeeded() {
		return "Last card: read failed"
	}
	text, ok := rec.Text()
	if !ok || text == "" {
		return fmt.Sprintf("Last card: %s (no text)", rec.Family())
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > maxPreview {
		text = string(r[:maxPreview-1]) + "…"
	}
	return fmt.Sprintf("Last card: %q", text)
}
