package core

import "strings"

// IncompleteDataText is returned for buffers too short to hold anything.
const IncompleteDataText = "Incomplete data"

const (
	ndefMessageTLV  = 0x03
	ndefTextHeader  = 0xD1 // MB|ME|SR, TNF well-known
	ndefTextTypeLen = 0x01
	ndefLangMask    = 0x3F
	ndefTextOffset  = 6
)

// DecodeText returns the text carried by buf. It never fails: buffers that
// are not a single NDEF text record are returned as raw text.
func DecodeText(buf []byte) string {
	text, _ := DecodeTextRecord(buf)
	return text
}

// DecodeTextRecord is DecodeText that also reports whether buf held an NDEF
// text record. A false result means the raw-text fallback was used.
//
// Layout: 03 <len> D1 01 <textLen> <status> <lang...> <text...>, where the
// low six bits of status give the language code length and
// textLen-langLen-1 text bytes follow the language code.
func DecodeTextRecord(buf []byte) (string, bool) {
	if len(buf) < 3 {
		return IncompleteDataText, false
	}
	if len(buf) < ndefTextOffset ||
		buf[0] != ndefMessageTLV ||
		buf[2] != ndefTextHeader ||
		buf[3] != ndefTextTypeLen {
		return rawText(buf), false
	}

	textLen := int(buf[4])
	langLen := int(buf[5] & ndefLangMask)
	start := ndefTextOffset + langLen
	count := textLen - langLen - 1
	if count < 0 || start > len(buf) {
		return rawText(buf), false
	}
	end := start + count
	if end > len(buf) {
		end = len(buf)
	}
	return strings.ToValidUTF8(string(buf[start:end]), "�"), true
}

func rawText(buf []byte) string {
	return strings.ToValidUTF8(strings.TrimRight(string(buf), "\x00 "), "�")
}
