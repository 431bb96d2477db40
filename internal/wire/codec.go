package wire

import (
	"bytes"
	"encoding/binary"

	"pipesocks/internal/domain"
	"pipesocks/pkg/idgen"
)

// Result classifies the outcome of DecodeNext.
type Result int

const (
	// ResultOK: a complete, CRC-verified frame was extracted.
	ResultOK Result = iota
	// ResultIncomplete: magic found but not enough bytes yet.
	ResultIncomplete
	// ResultGarbage: magic not present anywhere in the buffer.
	ResultGarbage
	// ResultMalformed: declared length inconsistent with the opcode's
	// expected payload shape.
	ResultMalformed
	// ResultTooBig: declared length exceeds MaxPacketSize.
	ResultTooBig
	// ResultCRC: CRC-32 mismatch.
	ResultCRC
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "ok"
	case ResultIncomplete:
		return "incomplete"
	case ResultGarbage:
		return "garbage"
	case ResultMalformed:
		return "malformed"
	case ResultTooBig:
		return "too_big"
	case ResultCRC:
		return "crc"
	default:
		return "unknown"
	}
}

// Encode produces a fully-populated wire frame for opcode/payload using
// the given uid verbatim (0 is permitted for server-originated
// responses that echo no particular request, per spec.md §3).
func Encode(opcode domain.Opcode, uid uint32, payload []byte) []byte {
	total := HeaderLen + len(payload)
	out := make([]byte, total)

	putHeader(out, uint32(total), uid, opcode)
	copy(out[HeaderLen:], payload)

	binary.LittleEndian.PutUint32(out[offCRC:], crc32OfPacket(out))

	return out
}

// EncodeNew is Encode with a fresh non-zero request id drawn from the
// shared id source, for frames that originate a new request/response
// pair rather than echoing one.
func EncodeNew(opcode domain.Opcode, payload []byte) []byte {
	return Encode(opcode, idgen.Default.Uint32(), payload)
}

// DecodeNext extracts at most one frame from the front of stream,
// mutating stream in place per the drop policy documented for each
// Result in spec.md §4.1. uid is populated whenever a header was
// available to read, even on failure, so callers can still discard a
// tampered response to the right pending request if desired.
func DecodeNext(stream *[]byte) (Result, *Frame, uint32) {
	buf := *stream

	if len(buf) == 0 {
		return ResultIncomplete, nil, 0
	}

	idx := bytes.Index(buf, Magic[:])
	if idx < 0 {
		*stream = nil
		return ResultGarbage, nil, 0
	}

	remaining := buf[idx:]

	if len(remaining) < HeaderLen {
		*stream = remaining
		return ResultIncomplete, nil, 0
	}

	uid := binary.LittleEndian.Uint32(remaining[offUID:])
	declaredLen := binary.LittleEndian.Uint32(remaining[offLen:])
	opcode := domain.Opcode(remaining[offOpcode])

	if declaredLen > MaxPacketSize {
		*stream = remaining[len(Magic):]
		return ResultTooBig, nil, uid
	}

	if uint64(declaredLen) > uint64(len(remaining)) {
		*stream = remaining
		return ResultIncomplete, nil, uid
	}

	if declaredLen < HeaderLen {
		*stream = remaining[declaredLen:]
		return ResultMalformed, nil, uid
	}

	packet := remaining[:declaredLen]

	wantCRC := binary.LittleEndian.Uint32(packet[offCRC:])
	scratch := make([]byte, len(packet))
	copy(scratch, packet)
	binary.LittleEndian.PutUint32(scratch[offCRC:], 0)
	if crc32OfPacket(scratch) != wantCRC {
		*stream = remaining[declaredLen:]
		return ResultCRC, nil, uid
	}

	expected := expectedPayloadLen(opcode)
	payloadLen := int(declaredLen) - HeaderLen

	switch {
	case expected == -2:
		*stream = remaining[declaredLen:]
		return ResultMalformed, nil, uid
	case expected == -1:
		if payloadLen < 9 { // 8-byte socks id + at least 1 byte
			*stream = remaining[declaredLen:]
			return ResultMalformed, nil, uid
		}
	default:
		if payloadLen != expected {
			*stream = remaining[declaredLen:]
			return ResultMalformed, nil, uid
		}
	}

	payload := make([]byte, payloadLen)
	copy(payload, packet[HeaderLen:])

	*stream = remaining[declaredLen:]

	return ResultOK, &Frame{UID: uid, Opcode: opcode, Payload: payload}, uid
}
