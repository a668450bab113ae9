package core

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// CardFamily is the coarse card type that decides which read sequence is used.
type CardFamily int

const (
	FamilyUnknown CardFamily = iota
	FamilyNTAG
	FamilyMifareClassic
	FamilyGenericISO14443
)

func (f CardFamily) String() string {
	switch f {
	case FamilyNTAG:
		return "NTAG"
	case FamilyMifareClassic:
		return "MIFARE Classic"
	case FamilyGenericISO14443:
		return "ISO 14443"
	default:
		return "Unknown"
	}
}

// MarshalText encodes the family by name.
func (f CardFamily) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// ScannerState is the lifecycle state of the card monitor.
type ScannerState int

const (
	StateStopped ScannerState = iota
	StateScanning
	StateCardPresent
	StateFaulted
)

func (s ScannerState) String() string {
	switch s {
	case StateScanning:
		return "scanning"
	case StateCardPresent:
		return "card_present"
	case StateFaulted:
		return "faulted"
	default:
		return "stopped"
	}
}

// MarshalText encodes the state by name.
func (s ScannerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (s *ScannerState) UnmarshalText(text []byte) error {
	for _, st := range []ScannerState{StateStopped, StateScanning, StateCardPresent, StateFaulted} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown scanner state %q", text)
}

// CardRecordParams holds the values a CardRecord is built from.
type CardRecordParams struct {
	Text       *string
	Succeeded  bool
	ReaderName string
	DetectedAt time.Time
	ATR        []byte
	Family     CardFamily
	Subtype    string
	UID        []byte
	MemorySize int // 0 when unknown
}

// CardRecord is the immutable result of one read cycle. It is passed by value
// and never shares its byte slices with the caller.
type CardRecord struct {
	text       string
	hasText    bool
	succeeded  bool
	readerName string
	detectedAt time.Time
	atr        []byte
	family     CardFamily
	subtype    string
	uid        []byte
	memorySize int
}

// NewCardRecord copies p into a new record.
func NewCardRecord(p CardRecordParams) CardRecord {
	r := CardRecord{
		succeeded:  p.Succeeded,
		readerName: p.ReaderName,
		detectedAt: p.DetectedAt,
		atr:        cloneBytes(p.ATR),
		family:     p.Family,
		subtype:    p.Subtype,
		uid:        cloneBytes(p.UID),
		memorySize: p.MemorySize,
	}
	if p.Text != nil {
		r.text = *p.Text
		r.hasText = true
	}
	return r
}

// Text returns the recovered text. For failed reads it holds a description
// of the failure instead.
func (r CardRecord) Text() (string, bool) { return r.text, r.hasText }

// Succeeded reports whether Text is card payload rather than a failure description.
func (r CardRecord) Succeeded() bool { return r.succeeded }

func (r CardRecord) ReaderName() string    { return r.readerName }
func (r CardRecord) DetectedAt() time.Time { return r.detectedAt }
func (r CardRecord) Family() CardFamily    { return r.family }
func (r CardRecord) Subtype() string       { return r.subtype }

// ATR returns a copy of the answer-to-reset bytes.
func (r CardRecord) ATR() []byte { return cloneBytes(r.atr) }

// UID returns a copy of the card UID, if it was read.
func (r CardRecord) UID() ([]byte, bool) {
	if len(r.uid) == 0 {
		return nil, false
	}
	return cloneBytes(r.uid), true
}

// MemorySize returns the card memory size in bytes, if known.
func (r CardRecord) MemorySize() (int, bool) {
	return r.memorySize, r.memorySize > 0
}

type cardRecordJSON struct {
	Reader     string     `json:"reader"`
	DetectedAt time.Time  `json:"detectedAt"`
	ATR        string     `json:"atr"`
	Family     CardFamily `json:"family"`
	Type       string     `json:"type,omitempty"`
	UID        string     `json:"uid,omitempty"`
	Size       int        `json:"size,omitempty"`
	Text       *string    `json:"text,omitempty"`
	Succeeded  bool       `json:"succeeded"`
}

// MarshalJSON encodes the record for the status API and event sinks.
func (r CardRecord) MarshalJSON() ([]byte, error) {
	out := cardRecordJSON{
		Reader:     r.readerName,
		DetectedAt: r.detectedAt,
		ATR:        hex.EncodeToString(r.atr),
		Family:     r.family,
		Type:       r.subtype,
		UID:        hex.EncodeToString(r.uid),
		Size:       r.memorySize,
		Succeeded:  r.succeeded,
	}
	if r.hasText {
		t := r.text
		out.Text = &t
	}
	return json.Marshal(out)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
