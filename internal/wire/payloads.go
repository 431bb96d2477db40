package wire

import (
	"encoding/binary"

	"pipesocks/internal/domain"
)

// ChannelSetupPayload is the decoded body of an OpChannelSetup frame.
type ChannelSetupPayload struct {
	ClientID domain.ClientID
	Flags    domain.ChannelSetupFlags
}

func ParseChannelSetup(payload []byte) ChannelSetupPayload {
	return ChannelSetupPayload{
		ClientID: domain.ClientID(binary.LittleEndian.Uint64(payload[0:8])),
		Flags:    domain.ChannelSetupFlags(binary.LittleEndian.Uint32(payload[8:12])),
	}
}

// EncodeChannelSetup builds a channel_setup frame (used only by test
// helpers and any future client-facing tooling; the server itself only
// ever receives this opcode).
func EncodeChannelSetup(uid uint32, clientID domain.ClientID, flags domain.ChannelSetupFlags) []byte {
	payload := make([]byte, 12)
	binary.LittleEndian.PutUint64(payload[0:8], uint64(clientID))
	binary.LittleEndian.PutUint32(payload[8:12], uint32(flags))
	return Encode(domain.OpChannelSetup, uid, payload)
}

// EncodeChannelSetupAck builds the server's channel_setup response,
// echoing the request's uid.
func EncodeChannelSetupAck(uid uint32, clientID domain.ClientID) []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(clientID))
	return Encode(domain.OpChannelSetupAck, uid, payload)
}

// EncodeStatus builds a status reply, echoing the request's uid.
func EncodeStatus(uid uint32, status domain.Status) []byte {
	return Encode(domain.OpStatus, uid, []byte{byte(status)})
}

// EncodePing builds a ping frame with a freshly generated uid.
func EncodePing() []byte {
	return EncodeNew(domain.OpPing, nil)
}

// EncodeUninstallSelf builds an uninstall_self frame with a freshly
// generated uid.
func EncodeUninstallSelf() []byte {
	return EncodeNew(domain.OpUninstallSelf, nil)
}

// SocksPayload is the decoded body of socks/socks_close/socks_disconnected.
type SocksPayload struct {
	SocksID domain.SocksID
	Inner   []byte // only populated for OpSocks
}

func ParseSocksHeader(payload []byte) SocksPayload {
	return SocksPayload{SocksID: domain.SocksID(binary.LittleEndian.Uint64(payload[0:8]))}
}

func ParseSocks(payload []byte) SocksPayload {
	sp := ParseSocksHeader(payload)
	sp.Inner = payload[8:]
	return sp
}

// EncodeSocks wraps inner SOCKS5 bytes for delivery on the pipe. uid is
// 0 unless responding to a specific request's uid.
func EncodeSocks(uid uint32, id domain.SocksID, inner []byte) []byte {
	payload := make([]byte, 8+len(inner))
	binary.LittleEndian.PutUint64(payload[0:8], uint64(id))
	copy(payload[8:], inner)
	return Encode(domain.OpSocks, uid, payload)
}

// EncodeSocksClose builds a socks_close frame carrying id.
func EncodeSocksClose(uid uint32, id domain.SocksID) []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(id))
	return Encode(domain.OpSocksClose, uid, payload)
}

// EncodeSocksDisconnected builds a socks_disconnected frame carrying id.
func EncodeSocksDisconnected(uid uint32, id domain.SocksID) []byte {
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint64(payload, uint64(id))
	return Encode(domain.OpSocksDisconnected, uid, payload)
}
