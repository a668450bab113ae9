package core

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"
)

func newMockGateway(t *testing.T, ctx *MockSmartCardContext) *PCSCGateway {
	t.Helper()
	gw, err := NewPCSCGateway(mockFactory{ctx: ctx})
	if err != nil {
		t.Fatalf("NewPCSCGateway: %v", err)
	}
	t.Cleanup(func() { gw.Close() })
	return gw
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestReadCard(t *testing.T) {
	tests := []struct {
		name       string
		card       *MockSmartCard
		wantText   string
		wantFamily CardFamily
		wantSent   []string
	}{
		{
			name:       "NTAG215 with text record",
			card:       NewMockCard("NTAG215").WithText("SP-42"),
			wantText:   "SP-42",
			wantFamily: FamilyNTAG,
			wantSent:   []string{"ffca000000", "ffb0000410"},
		},
		{
			name:       "MIFARE Classic with text record",
			card:       NewMockCard("MIFARE Classic").WithText("door"),
			wantText:   "door",
			wantFamily: FamilyMifareClassic,
			wantSent:   []string{"ffca000000", "ff82000006ffffffffffff", "ff860000050100046000", "ffb0000410"},
		},
		{
			name:       "generic card with raw payload",
			card:       NewMockCard("ISO 15693").WithResponse("ffb0000000", []byte("RAW-ID 77\x00\x00\x90\x00")),
			wantText:   "RAW-ID 77",
			wantFamily: FamilyGenericISO14443,
			wantSent:   []string{"ffca000000", "ffb0000000"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := NewMockContext().WithCard(readerACR122U, tt.card)
			gw := newMockGateway(t, ctx)

			rec, err := ReadCard(gw, readerACR122U, nil, ReadOptions{Now: fixedClock})
			if err != nil {
				t.Fatalf("ReadCard: %v", err)
			}
			text, ok := rec.Text()
			if !ok || text != tt.wantText {
				t.Errorf("Text() = %q, %v; want %q", text, ok, tt.wantText)
			}
			if !rec.Succeeded() {
				t.Error("expected Succeeded")
			}
			if rec.Family() != tt.wantFamily {
				t.Errorf("Family = %v, want %v", rec.Family(), tt.wantFamily)
			}
			if rec.ReaderName() != readerACR122U {
				t.Errorf("ReaderName = %q", rec.ReaderName())
			}
			if !rec.DetectedAt().Equal(fixedClock()) {
				t.Errorf("DetectedAt = %v", rec.DetectedAt())
			}
			if uid, ok := rec.UID(); !ok || !bytes.Equal(uid, tt.card.uid) {
				t.Errorf("UID = % X, %v", uid, ok)
			}
			if sent := tt.card.Sent(); strings.Join(sent, " ") != strings.Join(tt.wantSent, " ") {
				t.Errorf("sent %v, want %v", sent, tt.wantSent)
			}
			if !tt.card.disconnected {
				t.Error("session was not closed")
			}
		})
	}
}

func TestReadCardProtocolFailure(t *testing.T) {
	card := NewMockCard("MIFARE Classic").
		WithResponse("ff860000050100046000", []byte{0x63, 0x00})
	gw := newMockGateway(t, NewMockContext().WithCard(readerACR122U, card))

	rec, err := ReadCard(gw, readerACR122U, nil, ReadOptions{})
	if !errors.Is(err, ErrProtocolFailure) {
		t.Fatalf("err = %v, want ProtocolFailure", err)
	}
	if rec.Succeeded() {
		t.Error("failed read must not be marked Succeeded")
	}
	text, ok := rec.Text()
	if !ok || !strings.Contains(text, "authenticate") {
		t.Errorf("failure text should describe the failed step, got %q", text)
	}
	if rec.Family() != FamilyMifareClassic {
		t.Errorf("Family = %v", rec.Family())
	}
}

func TestReadCardWithoutUID(t *testing.T) {
	card := NewMockCard("NTAG215").WithText("x").
		WithResponse("ffca000000", []byte{0x6A, 0x81})
	gw := newMockGateway(t, NewMockContext().WithCard(readerACR122U, card))

	rec, err := ReadCard(gw, readerACR122U, nil, ReadOptions{})
	if err != nil {
		t.Fatalf("ReadCard: %v", err)
	}
	if _, ok := rec.UID(); ok {
		t.Error("UID should be absent when GET DATA fails")
	}
	if text, _ := rec.Text(); text != "x" {
		t.Errorf("text = %q", text)
	}
}

func TestReadCardCustomAddress(t *testing.T) {
	card := NewMockCard("NTAG215")
	card.WithResponse("ffb0000610", append([]byte{0x03, 0x08, 0xD1, 0x01, 0x04, 0x02, 'e', 'n', 'z', 0xFE, 0, 0, 0, 0, 0, 0}, 0x90, 0x00))
	gw := newMockGateway(t, NewMockContext().WithCard(readerACR122U, card))

	page := 6
	rec, err := ReadCard(gw, readerACR122U, nil, ReadOptions{NTAGPage: &page, SkipUID: true})
	if err != nil {
		t.Fatalf("ReadCard: %v", err)
	}
	if text, _ := rec.Text(); text != "z" {
		t.Errorf("text = %q", text)
	}
	if sent := card.Sent(); len(sent) != 1 || sent[0] != "ffb0000610" {
		t.Errorf("sent %v", sent)
	}
}

func TestReadCardPageZero(t *testing.T) {
	card := NewMockCard("NTAG215")
	card.WithResponse("ffb0000010", append([]byte{0x04, 0xA1, 0xB2, 0x4F, 0xC3, 0xD4, 0xE5, 0xF6, 0x80, 0x48, 0, 0, 0xE1, 0x10, 0x3E, 0}, 0x90, 0x00))
	gw := newMockGateway(t, NewMockContext().WithCard(readerACR122U, card))

	page := 0
	if _, err := ReadCard(gw, readerACR122U, nil, ReadOptions{NTAGPage: &page, SkipUID: true}); err != nil {
		t.Fatalf("ReadCard: %v", err)
	}
	if sent := card.Sent(); len(sent) != 1 || sent[0] != "ffb0000010" {
		t.Errorf("sent %v, want a read of page 0", sent)
	}
}

func TestReadCardConnectFailure(t *testing.T) {
	gw := newMockGateway(t, NewMockContext())

	_, err := ReadCard(gw, readerACR122U, mustHex(atrNTAG), ReadOptions{})
	if !errors.Is(err, ErrProtocolFailure) {
		t.Fatalf("err = %v, want ProtocolFailure", err)
	}
}

func TestCardRecordIsImmutable(t *testing.T) {
	atr := mustHex(atrNTAG)
	text := "abc"
	rec := NewCardRecord(CardRecordParams{Text: &text, ATR: atr, UID: []byte{1, 2}})

	atr[0] = 0x00
	text = "changed"
	got := rec.ATR()
	got[1] = 0x00

	if rec.ATR()[0] != 0x3B || rec.ATR()[1] != 0x8F {
		t.Error("record ATR shares memory with caller")
	}
	if s, _ := rec.Text(); s != "abc" {
		t.Errorf("Text = %q", s)
	}
	if _, ok := rec.MemorySize(); ok {
		t.Error("MemorySize should be absent")
	}
}
