package protocol

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the HKDF-SHA256 context string fixed by the protocol. The
// server derives the same symmetric key with it, so it must never change
// within a protocol version.
const hkdfInfo = "openme-v1-chacha20poly1305"

var (
	// ErrInvalidKeyLength indicates a server public key or client signing
	// seed that is not exactly KeySize bytes.
	ErrInvalidKeyLength = errors.New("protocol: invalid key length")
)

// PacketInputs carries every input to packet construction explicitly,
// including all entropy and the timestamp, so that building is deterministic
// and free of hidden I/O.
type PacketInputs struct {
	// ServerPublicKey is the server's static X25519 public key (32 bytes).
	ServerPublicKey []byte

	// ClientSeed is the client's Ed25519 signing seed (32 bytes).
	ClientSeed []byte

	// TimestampNs is the unix nanosecond timestamp embedded in the payload.
	TimestampNs int64

	// EphemeralSecret is the one-use X25519 private scalar (32 bytes).
	// It must be freshly random for every packet.
	EphemeralSecret []byte

	// AEADNonce is the ChaCha20-Poly1305 nonce (12 bytes). One use only.
	AEADNonce []byte

	// RandomNonce is the replay-protection nonce (16 bytes). One use only.
	RandomNonce []byte

	// TargetAddr is the address the server should authorize. nil or an
	// unspecified address means "use the knock's source address".
	TargetAddr net.IP
}

// BuildPacket assembles, encrypts, and signs a knock packet from fully
// explicit inputs. On success the result is always exactly PacketSize bytes
// and byte 0 is Version.
func BuildPacket(in PacketInputs) ([]byte, error) {
	if len(in.ServerPublicKey) != KeySize || len(in.ClientSeed) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	if len(in.EphemeralSecret) != KeySize {
		return nil, fmt.Errorf("invalid ephemeral secret length: got %d want %d", len(in.EphemeralSecret), KeySize)
	}
	if len(in.AEADNonce) != AEADNonceSize {
		return nil, fmt.Errorf("invalid AEAD nonce length: got %d want %d", len(in.AEADNonce), AEADNonceSize)
	}
	if len(in.RandomNonce) != RandomNonceSize {
		return nil, fmt.Errorf("invalid random nonce length: got %d want %d", len(in.RandomNonce), RandomNonceSize)
	}

	ephemeralPublic, err := curve25519.X25519(in.EphemeralSecret, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive ephemeral public key: %w", err)
	}

	shared, err := curve25519.X25519(in.EphemeralSecret, in.ServerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute X25519 shared secret: %w", err)
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive packet key: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create AEAD cipher: %w", err)
	}

	payload := Payload{
		TimestampNs: in.TimestampNs,
		TargetAddr:  in.TargetAddr,
	}
	copy(payload.RandomNonce[:], in.RandomNonce)

	packet := make([]byte, PacketSize)
	packet[0] = Version
	copy(packet[offEphemeralKey:], ephemeralPublic)
	copy(packet[offAEADNonce:], in.AEADNonce)
	aead.Seal(packet[offCiphertext:offCiphertext], in.AEADNonce, payload.marshal(), nil)

	signature := ed25519.Sign(ed25519.NewKeyFromSeed(in.ClientSeed), packet[:SignedSize])
	copy(packet[offSignature:], signature)

	return packet, nil
}

// NewPacket builds a knock packet sourcing the timestamp from the wall clock
// and all three one-use values from crypto/rand. The private key may be a
// 32-byte Ed25519 seed or a 64-byte seed-plus-public-key pair; only the
// first 32 bytes are used as the signing seed.
func NewPacket(serverPublicKey, clientPrivateKey []byte, target net.IP) ([]byte, error) {
	seed, err := SigningSeed(clientPrivateKey)
	if err != nil {
		return nil, err
	}

	oneUse := make([]byte, KeySize+AEADNonceSize+RandomNonceSize)
	if _, err := io.ReadFull(rand.Reader, oneUse); err != nil {
		return nil, fmt.Errorf("generate packet entropy: %w", err)
	}

	return BuildPacket(PacketInputs{
		ServerPublicKey: serverPublicKey,
		ClientSeed:      seed,
		TimestampNs:     time.Now().UnixNano(),
		EphemeralSecret: oneUse[:KeySize],
		AEADNonce:       oneUse[KeySize : KeySize+AEADNonceSize],
		RandomNonce:     oneUse[KeySize+AEADNonceSize:],
		TargetAddr:      target,
	})
}

// SigningSeed extracts the Ed25519 seed from a private key that is either a
// bare 32-byte seed or a 64-byte seed-plus-public-key pair.
func SigningSeed(privateKey []byte) ([]byte, error) {
	switch len(privateKey) {
	case ed25519.SeedSize, ed25519.PrivateKeySize:
		return privateKey[:ed25519.SeedSize], nil
	default:
		return nil, ErrInvalidKeyLength
	}
}
