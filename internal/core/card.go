package core

import (
	"fmt"
	"time"

	"github.com/SimplyPrint/nfc-wedge/internal/logging"
)

// ReadOptions tunes one read cycle. Zero values select the defaults.
type ReadOptions struct {
	NTAGPage     *int // nil for NTAGStartPage; page 0 is valid
	ClassicBlock *int // nil for ClassicBlock; block 0 is valid
	SkipUID      bool
	Classifier   *Classifier
	Now          func() time.Time
}

func (o ReadOptions) address(family CardFamily) int {
	switch family {
	case FamilyNTAG:
		if o.NTAGPage != nil {
			return *o.NTAGPage
		}
	case FamilyMifareClassic:
		if o.ClassicBlock != nil {
			return *o.ClassicBlock
		}
	}
	return DefaultAddress
}

// ReadCard connects to the card on reader, classifies it and reads its text.
//
// The record is assembled only after the whole sequence has run. On a
// protocol failure ReadCard returns both a record with Succeeded false, whose
// text describes the failure, and the error. A connect failure returns no
// usable record.
func ReadCard(gw Gateway, reader string, atrHint []byte, opts ReadOptions) (CardRecord, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = defaultClassifier
	}
	detectedAt := now()

	session, err := gw.Connect(reader)
	if err != nil {
		perr := NewError(KindProtocolFailure, "connect", err)
		return failedRecord(reader, detectedAt, atrHint, Classification{}, nil, perr), perr
	}
	defer session.Close()

	atr := session.ATR()
	if len(atr) == 0 {
		atr = atrHint
	}
	class := classifier.Classify(atr)

	logging.Debug(logging.CatCard, "Card classified", map[string]any{
		"reader": reader,
		"atr":    fmt.Sprintf("%X", atr),
		"family": class.Family.String(),
		"type":   class.Subtype,
	})

	var uid []byte
	if !opts.SkipUID {
		uid = readUID(session)
	}

	payload, err := ReadPayload(session, class.Family, opts.address(class.Family))
	if err != nil {
		logging.Warn(logging.CatCard, "Card read failed", map[string]any{
			"reader": reader,
			"family": class.Family.String(),
			"error":  err.Error(),
		})
		return failedRecord(reader, detectedAt, atr, class, uid, err), err
	}

	text, matched := DecodeTextRecord(payload)
	if !matched {
		logging.Debug(logging.CatCard, "Payload is not an NDEF text record, using raw text", map[string]any{
			"reader": reader,
			"bytes":  len(payload),
		})
	}

	return NewCardRecord(CardRecordParams{
		Text:       &text,
		Succeeded:  true,
		ReaderName: reader,
		DetectedAt: detectedAt,
		ATR:        atr,
		Family:     class.Family,
		Subtype:    class.Subtype,
		UID:        uid,
		MemorySize: class.MemorySize,
	}), nil
}

// readUID returns nil when the reader does not answer GET DATA.
func readUID(t Transmitter) []byte {
	rsp, err := t.Transmit(GetUIDCommand())
	if err != nil || !rsp.Success() || len(rsp.Data) == 0 {
		return nil
	}
	return rsp.Data
}

func failedRecord(reader string, at time.Time, atr []byte, class Classification, uid []byte, err error) CardRecord {
	text := "Card read failed: " + err.Error()
	return NewCardRecord(CardRecordParams{
		Text:       &text,
		Succeeded:  false,
		ReaderName: reader,
		DetectedAt: at,
		ATR:        atr,
		Family:     class.Family,
		Subtype:    class.Subtype,
		UID:        uid,
		MemorySize: class.MemorySize,
	})
}
