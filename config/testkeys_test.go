package config

import (
	"crypto/rand"
	"io"
	"testing"

	"golang.org/x/crypto/curve25519"

	"knocker/crypto"
)

func testServerKeyBase64(t *testing.T) string {
	t.Helper()

	secret := make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		t.Fatalf("generate server secret: %v", err)
	}
	public, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		t.Fatalf("derive server public key: %v", err)
	}
	return crypto.EncodeKey(public)
}

func testPrivateKeyBase64(t *testing.T) string {
	t.Helper()

	privateKey, _, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate signing keypair: %v", err)
	}
	return crypto.EncodeKey(privateKey)
}

func testPublicKeyBase64(t *testing.T) string {
	t.Helper()

	_, publicKey, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		t.Fatalf("generate signing keypair: %v", err)
	}
	return crypto.EncodeKey(publicKey)
}

func testProfile(t *testing.T) *Profile {
	t.Helper()

	return &Profile{
		ServerHost:    "knock.example.com",
		ServerUDPPort: DefaultServerPort,
		ServerPubKey:  testServerKeyBase64(t),
		PrivateKey:    testPrivateKeyBase64(t),
		PublicKey:     testPublicKeyBase64(t),
	}
}
