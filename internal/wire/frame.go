// Package wire implements the pipe protocol's binary framing: encoding,
// incremental decoding, and CRC verification (spec.md §4.1, component
// A). Field layout, opcode values, and the magic constant are taken
// verbatim from _examples/original_source/svc/src/protocol.h so the
// wire stays compatible with the peers this bridge was distilled from.
//
// The frame is handled as a plain []byte with explicit offset readers
// and writers (design note §9: "treat the wire frame as a byte slice
// with explicit field readers/writers at fixed offsets; do not rely on
// compiler packing pragmas"), using encoding/binary.LittleEndian for
// every multi-byte field.
package wire

import (
	"encoding/binary"
	"hash/crc32"

	"pipesocks/internal/domain"
)

// Magic is the fixed 4-byte prefix of every frame.
var Magic = [4]byte{0xE4, 0x85, 0xB4, 0xB2}

const (
	// HeaderLen is the fixed size of a frame header in bytes.
	HeaderLen = 17
	// MaxPacketSize is the largest packet (header + payload) accepted.
	MaxPacketSize = 16 * 1024 * 1024

	offMagic  = 0
	offLen    = 4
	offCRC    = 8
	offUID    = 12
	offOpcode = 16
)

// Frame is a fully decoded, CRC-verified packet.
type Frame struct {
	UID     uint32
	Opcode  domain.Opcode
	Payload []byte // opcode-dependent tail, header stripped
}

func putHeader(b []byte, length uint32, uid uint32, opcode domain.Opcode) {
	copy(b[offMagic:], Magic[:])
	binary.LittleEndian.PutUint32(b[offLen:], length)
	binary.LittleEndian.PutUint32(b[offCRC:], 0)
	binary.LittleEndian.PutUint32(b[offUID:], uid)
	b[offOpcode] = byte(opcode)
}

func crc32OfPacket(b []byte) uint32 {
	// The CRC field itself must be treated as zero for the purposes of
	// the checksum; b is expected to already have zeroes there when
	// encoding, and we zero a scratch copy when verifying.
	return crc32.ChecksumIEEE(b)
}

// expectedPayloadLen returns the exact expected payload length for a fixed-size
// opcode, or -1 for the variable-length `socks` opcode, or -2 if the
// opcode is unrecognized.
func expectedPayloadLen(op domain.Opcode) int {
	switch op {
	case domain.OpChannelSetup:
		return 8 + 4
	case domain.OpChannelSetupAck:
		return 8
	case domain.OpStatus:
		return 1
	case domain.OpPing, domain.OpUninstallSelf:
		return 0
	case domain.OpSocksClose, domain.OpSocksDisconnected:
		return 8
	case domain.OpSocks:
		return -1
	default:
		return -2
	}
}
