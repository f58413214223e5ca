// Package protocol implements the knock packet wire format.
//
// A knock is a single 165-byte UDP datagram:
//
//	[version(1)] [ephemeral X25519 public key(32)] [AEAD nonce(12)]
//	[ChaCha20-Poly1305 ciphertext+tag(56)] [Ed25519 signature(64)]
//
// The ciphertext decrypts to a 40-byte payload:
//
//	[big-endian unix nanosecond timestamp(8)] [random nonce(16)] [target address(16)]
//
// An all-zero target address asks the server to authorize the datagram's
// source address instead of an explicit one. The Ed25519 signature covers
// bytes [0,101), i.e. everything before the signature itself.
package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
)

const (
	// Version is the protocol version constant carried in byte 0.
	Version = 1

	// KeySize is the size of the server's X25519 public key, the ephemeral
	// X25519 key, and the Ed25519 signing seed.
	KeySize = 32

	// AEADNonceSize is the ChaCha20-Poly1305 nonce size.
	AEADNonceSize = 12

	// RandomNonceSize is the size of the replay-protection nonce inside the payload.
	RandomNonceSize = 16

	// TargetAddrSize is the size of the payload's target address field.
	TargetAddrSize = 16

	// SignatureSize is the Ed25519 signature size.
	SignatureSize = 64

	// PayloadSize is the size of the payload before encryption:
	// timestamp(8) + random nonce(16) + target address(16).
	PayloadSize = 8 + RandomNonceSize + TargetAddrSize

	// CiphertextSize is PayloadSize plus the 16-byte Poly1305 tag.
	CiphertextSize = PayloadSize + 16

	// SignedSize is the number of leading packet bytes covered by the signature.
	SignedSize = 1 + KeySize + AEADNonceSize + CiphertextSize

	// PacketSize is the total wire size of a knock packet.
	PacketSize = SignedSize + SignatureSize
)

// Field offsets into the raw packet.
const (
	offEphemeralKey = 1
	offAEADNonce    = offEphemeralKey + KeySize
	offCiphertext   = offAEADNonce + AEADNonceSize
	offSignature    = offCiphertext + CiphertextSize
)

// Payload is the decrypted content of a knock packet.
type Payload struct {
	// TimestampNs is the unix nanosecond time the knock was created. The
	// server rejects packets outside its replay window, so this must come
	// from an accurate wall clock.
	TimestampNs int64

	// RandomNonce distinguishes knocks created within the same nanosecond
	// and feeds the server's replay cache.
	RandomNonce [RandomNonceSize]byte

	// TargetAddr is the address the server should authorize. A nil or
	// unspecified address is sent as all zeroes, meaning "use the knock's
	// source address".
	TargetAddr net.IP
}

func (p Payload) marshal() []byte {
	buf := make([]byte, PayloadSize)
	binary.BigEndian.PutUint64(buf[0:], uint64(p.TimestampNs))
	copy(buf[8:], p.RandomNonce[:])

	if addr := p.TargetAddr.To16(); addr != nil && !p.TargetAddr.IsUnspecified() {
		copy(buf[8+RandomNonceSize:], addr)
	}
	return buf
}

// ParsePayload decodes a decrypted 40-byte payload. It is the inverse of the
// marshaling done by BuildPacket and exists for server-side and test use.
func ParsePayload(raw []byte) (Payload, error) {
	if len(raw) != PayloadSize {
		return Payload{}, fmt.Errorf("invalid payload length: got %d want %d", len(raw), PayloadSize)
	}

	payload := Payload{
		TimestampNs: int64(binary.BigEndian.Uint64(raw[0:])),
		TargetAddr:  append(net.IP(nil), raw[8+RandomNonceSize:]...),
	}
	copy(payload.RandomNonce[:], raw[8:])
	return payload, nil
}
