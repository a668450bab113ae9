package core

import (
	"math/bits"
	"sort"
)

// Signature is one known ATR pattern. Pattern bytes are compared under Mask
// (a nil Mask means every pattern byte is significant).
type Signature struct {
	Name       string
	Family     CardFamily
	Pattern    []byte
	Mask       []byte
	Length     int // exact ATR length, 0 = any length >= len(Pattern)
	MemorySize int
}

// Matches reports whether atr carries this signature.
func (s Signature) Matches(atr []byte) bool {
	if len(atr) < len(s.Pattern) {
		return false
	}
	if s.Length > 0 && len(atr) != s.Length {
		return false
	}
	for i, p := range s.Pattern {
		m := byte(0xFF)
		if i < len(s.Mask) {
			m = s.Mask[i]
		}
		if atr[i]&m != p&m {
			return false
		}
	}
	return true
}

// specificity is the number of significant pattern bits; a fixed length
// counts as one more byte.
func (s Signature) specificity() int {
	n := 0
	for i := range s.Pattern {
		m := byte(0xFF)
		if i < len(s.Mask) {
			m = s.Mask[i]
		}
		n += bits.OnesCount8(m)
	}
	if s.Length > 0 {
		n += 8
	}
	return n
}

// Classification is the detailed result of matching an ATR.
type Classification struct {
	Family     CardFamily
	Subtype    string
	MemorySize int
}

// pcscPart3 is the PC/SC part 3 storage card ATR:
// 3B 8F 80 01 80 4F 0C A0 00 00 03 06 SS NN NN 00 00 00 00 TCK
// where SS is the card standard and NN NN the card name.
func pcscPart3(standard byte, name ...byte) []byte {
	p := []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x4F, 0x0C, 0xA0, 0x00, 0x00, 0x03, 0x06, standard}
	return append(p, name...)
}

const (
	standardISO14443A = 0x03
	standardISO15693  = 0x0B
	pcscPart3Length   = 20
)

// DefaultSignatures are the ATR patterns known out of the box.
var DefaultSignatures = []Signature{
	{Name: "MIFARE Classic 1K", Family: FamilyMifareClassic, Pattern: pcscPart3(standardISO14443A, 0x00, 0x01), Length: pcscPart3Length, MemorySize: 1024},
	{Name: "MIFARE Classic 4K", Family: FamilyMifareClassic, Pattern: pcscPart3(standardISO14443A, 0x00, 0x02), Length: pcscPart3Length, MemorySize: 4096},
	{Name: "MIFARE Mini", Family: FamilyMifareClassic, Pattern: pcscPart3(standardISO14443A, 0x00, 0x26), Length: pcscPart3Length, MemorySize: 320},
	{Name: "MIFARE Plus SL1 2K", Family: FamilyMifareClassic, Pattern: pcscPart3(standardISO14443A, 0x00, 0x36), Length: pcscPart3Length, MemorySize: 2048},
	{Name: "MIFARE Plus SL1 4K", Family: FamilyMifareClassic, Pattern: pcscPart3(standardISO14443A, 0x00, 0x37), Length: pcscPart3Length, MemorySize: 4096},
	{Name: "MIFARE Ultralight / NTAG", Family: FamilyNTAG, Pattern: pcscPart3(standardISO14443A, 0x00, 0x03), Length: pcscPart3Length, MemorySize: 64},
	{Name: "MIFARE Ultralight C", Family: FamilyNTAG, Pattern: pcscPart3(standardISO14443A, 0x00, 0x3A), Length: pcscPart3Length, MemorySize: 192},
	{Name: "ISO 14443-3A", Family: FamilyGenericISO14443, Pattern: pcscPart3(standardISO14443A), Length: pcscPart3Length},
	{Name: "ISO 15693", Family: FamilyGenericISO14443, Pattern: pcscPart3(standardISO15693), Length: pcscPart3Length},
	// Contactless ISO 14443-4 cards: 3B 8n 80 01 followed by historical bytes.
	{Name: "ISO 14443-4", Family: FamilyGenericISO14443, Pattern: []byte{0x3B, 0x80, 0x80, 0x01}, Mask: []byte{0xFF, 0xF0, 0xFF, 0xFF}},
}

// Classifier matches ATRs against a signature table, most specific first.
type Classifier struct {
	signatures []Signature
}

// NewClassifier orders sigs by specificity. Equally specific signatures keep
// their table order.
func NewClassifier(sigs []Signature) *Classifier {
	ordered := make([]Signature, len(sigs))
	copy(ordered, sigs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].specificity() > ordered[j].specificity()
	})
	return &Classifier{signatures: ordered}
}

// Classify never fails: unmatched input, including empty input, is FamilyUnknown.
func (c *Classifier) Classify(atr []byte) Classification {
	for _, s := range c.signatures {
		if s.Matches(atr) {
			return Classification{Family: s.Family, Subtype: s.Name, MemorySize: s.MemorySize}
		}
	}
	return Classification{Family: FamilyUnknown}
}

var defaultClassifier = NewClassifier(DefaultSignatures)

// Classify maps an ATR to its card family using DefaultSignatures.
func Classify(atr []byte) CardFamily {
	return defaultClassifier.Classify(atr).Family
}

// ClassifyATR is Classify with subtype and memory size.
func ClassifyATR(atr []byte) Classification {
	return defaultClassifier.Classify(atr)
}
