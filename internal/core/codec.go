package core

import "fmt"

// Read sequence defaults.
const (
	NTAGStartPage     = 4   // first user memory page (the NDEF TLV area)
	NTAGWindowSize    = 16  // bytes returned by one READ BINARY on NTAG
	ClassicBlock      = 4   // first data block of sector 1
	ClassicBlockSize  = 16
	GenericReadLength = 256 // encoded as Le=00, the maximum short response
	DefaultAddress    = -1  // use the family default page/block
)

// DefaultClassicKey is the MIFARE transport key.
var DefaultClassicKey = []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

const (
	insGetData      = 0xCA
	insLoadKey      = 0x82
	insAuthenticate = 0x86
	insReadBinary   = 0xB0
	keyTypeA        = 0x60
	keySlot         = 0x00
)

// GetUIDCommand returns the PC/SC pseudo-APDU that fetches the card UID.
func GetUIDCommand() CommandFrame {
	return CommandFrame{Class: 0xFF, Instruction: insGetData, Le: 0}
}

// LoadKeyCommand loads key into the reader's volatile key slot 0.
func LoadKeyCommand(key []byte) CommandFrame {
	return CommandFrame{Class: 0xFF, Instruction: insLoadKey, Data: cloneBytes(key), Le: NoLe}
}

// AuthenticateCommand authenticates block with key A from slot 0.
func AuthenticateCommand(block byte) CommandFrame {
	return CommandFrame{
		Class:       0xFF,
		Instruction: insAuthenticate,
		Data:        []byte{0x01, 0x00, block, keyTypeA, keySlot},
		Le:          NoLe,
	}
}

// ReadBinaryCommand reads length bytes from page or block addr.
func ReadBinaryCommand(addr byte, length int) CommandFrame {
	return CommandFrame{Class: 0xFF, Instruction: insReadBinary, P2: addr, Le: length}
}

func resolveAddress(family CardFamily, addr int) byte {
	if addr >= 0 {
		return byte(addr)
	}
	switch family {
	case FamilyNTAG:
		return NTAGStartPage
	case FamilyMifareClassic:
		return ClassicBlock
	default:
		return 0
	}
}

// BuildReadSequence returns every frame sent to read the payload of a card of
// the given family, in order. addr overrides the family's default page or
// block; pass DefaultAddress to keep it.
func BuildReadSequence(family CardFamily, addr int) []CommandFrame {
	a := resolveAddress(family, addr)
	switch family {
	case FamilyNTAG:
		return []CommandFrame{ReadBinaryCommand(a, NTAGWindowSize)}
	case FamilyMifareClassic:
		return []CommandFrame{
			LoadKeyCommand(DefaultClassicKey),
			AuthenticateCommand(a),
			ReadBinaryCommand(a, ClassicBlockSize),
		}
	default:
		return []CommandFrame{ReadBinaryCommand(a, GenericReadLength)}
	}
}

// BuildReadCommand returns the frame that reads the payload, the last frame of
// BuildReadSequence.
func BuildReadCommand(family CardFamily, addr int) CommandFrame {
	seq := BuildReadSequence(family, addr)
	return seq[len(seq)-1]
}

// DecodeResponse extracts the payload bytes from the final read response.
//
// NTAG and MIFARE Classic reads require 90 00. Generic and unknown cards are
// read leniently: a response that carries any data counts as success even
// with a non-success status word, in which case the whole raw response is
// returned. Some tags omit the status word entirely.
func DecodeResponse(family CardFamily, rsp ResponseFrame) ([]byte, error) {
	switch family {
	case FamilyNTAG, FamilyMifareClassic:
		if !rsp.Success() {
			return nil, Errorf(KindProtocolFailure, "read binary", "%s", rsp.statusString())
		}
		return cloneBytes(rsp.Data), nil
	default:
		switch {
		case rsp.Success():
			return cloneBytes(rsp.Data), nil
		case !rsp.HasStatus && len(rsp.Data) > 0:
			return cloneBytes(rsp.Data), nil
		case rsp.HasStatus && len(rsp.Data) > 0:
			return rsp.Raw(), nil
		}
		return nil, Errorf(KindProtocolFailure, "read binary", "empty response, %s", rsp.statusString())
	}
}

// Transmitter sends one frame to a connected card.
type Transmitter interface {
	Transmit(cmd CommandFrame) (ResponseFrame, error)
}

// ReadPayload runs the family read sequence on t. Each step's status word is
// checked before the next step is sent; the first failing step ends the read.
// Steps are never retried.
func ReadPayload(t Transmitter, family CardFamily, addr int) ([]byte, error) {
	seq := BuildReadSequence(family, addr)
	for i, cmd := range seq {
		op := stepName(cmd)
		rsp, err := t.Transmit(cmd)
		if err != nil {
			return nil, NewError(KindProtocolFailure, op, err)
		}
		if i == len(seq)-1 {
			return DecodeResponse(family, rsp)
		}
		if !rsp.Success() {
			return nil, Errorf(KindProtocolFailure, op, "%s", rsp.statusString())
		}
	}
	return nil, Errorf(KindProtocolFailure, "read", "empty command sequence")
}

func stepName(cmd CommandFrame) string {
	switch cmd.Instruction {
	case insLoadKey:
		return "load key"
	case insAuthenticate:
		return "authenticate"
	case insReadBinary:
		return "read binary"
	case insGetData:
		return "get uid"
	default:
		return fmt.Sprintf("ins %02X", cmd.Instruction)
	}
}
