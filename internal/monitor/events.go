package monitor

import (
	"time"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
)

// Event is one of CardDetected, CardRemoved, StatusChanged or ErrorOccurred.
type Event interface {
	// Name is the wire name used by the status API and MQTT topics.
	Name() string
	isEvent()
}

// CardDetected is emitted once per insertion, also when the read failed.
// Record.Succeeded tells the two apart.
type CardDetected struct {
	Record core.CardRecord `json:"card"`
}

// CardRemoved is emitted when a card leaves a reader.
type CardRemoved struct {
	Reader string    `json:"reader"`
	At     time.Time `json:"at"`
}

// StatusChanged is emitted on every ScannerState transition.
type StatusChanged struct {
	State core.ScannerState `json:"state"`
	At    time.Time         `json:"at"`
}

// ErrorOccurred reports a failure that did not stop the caller, or the
// channel fault that did.
type ErrorOccurred struct {
	Kind    core.ErrorKind `json:"kind"`
	Message string         `json:"message"`
	Reader  string         `json:"reader,omitempty"`
	At      time.Time      `json:"at"`
}

func (CardDetected) Name() string  { return "card_detected" }
func (CardRemoved) Name() string   { return "card_removed" }
func (StatusChanged) Name() string { return "status_changed" }
func (ErrorOccurred) Name() string { return "error" }

func (CardDetected) isEvent()  {}
func (CardRemoved) isEvent()   {}
func (StatusChanged) isEvent() {}
func (ErrorOccurred) isEvent() {}
