package core

import (
	"encoding/hex"
	"fmt"
)

// NoLe marks a command without an expected response length.
const NoLe = -1

// CommandFrame is one short APDU.
type CommandFrame struct {
	Class       byte
	Instruction byte
	P1          byte
	P2          byte
	Data        []byte
	// Le is encoded as a single byte, so 0 and 256 both ask for the maximum.
	Le int
}

// Bytes encodes the frame as sent on the wire.
func (c CommandFrame) Bytes() []byte {
	b := []byte{c.Class, c.Instruction, c.P1, c.P2}
	if len(c.Data) > 0 {
		b = append(b, byte(len(c.Data)))
		b = append(b, c.Data...)
	}
	if c.Le >= 0 {
		b = append(b, byte(c.Le))
	}
	return b
}

func (c CommandFrame) String() string {
	return hex.EncodeToString(c.Bytes())
}

// ResponseFrame is a card response split into data and status word.
type ResponseFrame struct {
	Data      []byte
	SW1       byte
	SW2       byte
	HasStatus bool
}

// ParseResponse splits the trailing two bytes off as the status word.
// Responses shorter than two bytes carry no status word.
func ParseResponse(raw []byte) ResponseFrame {
	if len(raw) < 2 {
		return ResponseFrame{Data: cloneBytes(raw)}
	}
	n := len(raw) - 2
	return ResponseFrame{
		Data:      cloneBytes(raw[:n]),
		SW1:       raw[n],
		SW2:       raw[n+1],
		HasStatus: true,
	}
}

// Success reports a 90 00 status word.
func (r ResponseFrame) Success() bool {
	return r.HasStatus && r.SW1 == 0x90 && r.SW2 == 0x00
}

// StatusWord returns SW1SW2 as one value.
func (r ResponseFrame) StatusWord() uint16 {
	return uint16(r.SW1)<<8 | uint16(r.SW2)
}

// Raw re-joins data and status word.
func (r ResponseFrame) Raw() []byte {
	out := cloneBytes(r.Data)
	if r.HasStatus {
		out = append(out, r.SW1, r.SW2)
	}
	return out
}

func (r ResponseFrame) statusString() string {
	if !r.HasStatus {
		return "no status word"
	}
	return fmt.Sprintf("status %02X %02X", r.SW1, r.SW2)
}
