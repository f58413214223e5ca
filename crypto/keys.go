// Package crypto handles the key material a knock client stores and
// exchanges: Base64 key encoding for config files and transfer payloads,
// keypair generation for provisioning, and public-key fingerprints.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/curve25519"
)

var (
	// ErrKeyDecode indicates a stored key that is not valid Base64.
	ErrKeyDecode = errors.New("crypto: malformed base64 key")
)

// EncodeKey encodes raw key bytes for storage in config files and payloads.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey decodes a Base64 key from a config file or transfer payload.
func DecodeKey(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDecode, err)
	}
	return raw, nil
}

// GenerateSigningKeyPair generates a fresh Ed25519 identity for a new profile.
func GenerateSigningKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate Ed25519 keypair: %w", err)
	}
	return privateKey, publicKey, nil
}

// GenerateExchangeKeyPair generates an X25519 keypair. Knock servers hold a
// static one; the client only needs this for local test servers.
func GenerateExchangeKeyPair() (private, public []byte, err error) {
	private = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, private); err != nil {
		return nil, nil, fmt.Errorf("generate X25519 private key: %w", err)
	}

	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("derive X25519 public key: %w", err)
	}
	return private, public, nil
}

// Fingerprint returns the truncated SHA-256 hex fingerprint of a public key.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:8])
}

// FormatFingerprint returns fingerprint text grouped in chunks of 4 uppercase chars.
func FormatFingerprint(fingerprint string) string {
	clean := strings.ToUpper(strings.ReplaceAll(fingerprint, " ", ""))
	if clean == "" {
		return ""
	}

	var b strings.Builder
	for i := 0; i < len(clean); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}

		end := i + 4
		if end > len(clean) {
			end = len(clean)
		}
		b.WriteString(clean[i:end])
	}

	return b.String()
}
