// Package config defines knock profiles and their on-disk representation: a
// YAML document mapping profile names to server endpoint and key material,
// plus the flat JSON payload used to move one profile between devices.
package config

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"

	"knocker/crypto"
	"knocker/protocol"
)

// DefaultServerPort is the conventional knock server UDP port.
const DefaultServerPort = 54154

var (
	// ErrNoProfilesFound indicates a config document without a profiles section.
	ErrNoProfilesFound = errors.New("config: no profiles found")

	// ErrInvalidTransferPayload indicates a transfer payload missing a required field.
	ErrInvalidTransferPayload = errors.New("config: invalid transfer payload")

	// ErrProfileNotFound indicates a lookup for a profile name that does not exist.
	ErrProfileNotFound = errors.New("config: profile not found")
)

// Profile is one named knock target and the identity used to knock it.
type Profile struct {
	// ServerHost is the hostname or IP of the knock server.
	ServerHost string `yaml:"server_host"`

	// ServerUDPPort is the UDP port knock packets are sent to.
	ServerUDPPort uint16 `yaml:"server_udp_port"`

	// ServerPubKey is the Base64 X25519 public key of the server.
	ServerPubKey string `yaml:"server_pubkey"`

	// PrivateKey is the Base64 Ed25519 private key of this client, either a
	// 32-byte seed or a 64-byte seed-plus-public-key pair. Only the first 32
	// bytes are ever used for signing.
	PrivateKey string `yaml:"private_key"`

	// PublicKey is the Base64 Ed25519 public key of this client. It is
	// informational; the server identifies clients by their registered key.
	PublicKey string `yaml:"public_key"`

	// PostKnock is an optional command to run after a successful knock.
	PostKnock string `yaml:"post_knock,omitempty"`
}

// Entry is a read-only listing summary that carries no key material.
type Entry struct {
	Name          string
	ServerHost    string
	ServerUDPPort uint16
}

// Validate checks a named profile for use: non-empty name and host, a port
// in range, and key fields that decode to their expected sizes. Parsing is
// deliberately more lenient than this; callers that persist or knock a
// profile validate it first.
func (p *Profile) Validate(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("profile name is required")
	}
	if strings.TrimSpace(p.ServerHost) == "" {
		return fmt.Errorf("profile %q: server_host is required", name)
	}
	if p.ServerUDPPort == 0 {
		return fmt.Errorf("profile %q: server_udp_port must be in [1, 65535]", name)
	}

	if _, err := p.ServerKey(); err != nil {
		return fmt.Errorf("profile %q: server_pubkey: %w", name, err)
	}
	if _, err := p.SigningSeed(); err != nil {
		return fmt.Errorf("profile %q: private_key: %w", name, err)
	}
	if p.PublicKey != "" {
		raw, err := crypto.DecodeKey(p.PublicKey)
		if err != nil {
			return fmt.Errorf("profile %q: public_key: %w", name, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return fmt.Errorf("profile %q: public_key: %w", name, protocol.ErrInvalidKeyLength)
		}
	}
	return nil
}

// ServerKey decodes the server's X25519 public key.
func (p *Profile) ServerKey() ([]byte, error) {
	raw, err := crypto.DecodeKey(p.ServerPubKey)
	if err != nil {
		return nil, err
	}
	if len(raw) != protocol.KeySize {
		return nil, protocol.ErrInvalidKeyLength
	}
	return raw, nil
}

// SigningSeed decodes the client private key and extracts the Ed25519 seed.
func (p *Profile) SigningSeed() ([]byte, error) {
	raw, err := crypto.DecodeKey(p.PrivateKey)
	if err != nil {
		return nil, err
	}
	return protocol.SigningSeed(raw)
}

// Clone returns an independent copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	copied := *p
	return &copied
}
