package config

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// document is the top-level shape of the bulk config text.
type document struct {
	Profiles map[string]*Profile `yaml:"profiles"`
}

// ParseProfiles parses a bulk config document into its profile collection.
// The document must contain a non-empty top-level `profiles` mapping;
// anything else there is ignored. Field values are kept verbatim, including
// key strings that would fail Validate, so that a config can be listed and
// repaired rather than rejected wholesale.
func ParseProfiles(text []byte) (map[string]*Profile, error) {
	var doc document
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if len(doc.Profiles) == 0 {
		return nil, ErrNoProfilesFound
	}

	for name, profile := range doc.Profiles {
		if profile == nil {
			doc.Profiles[name] = &Profile{}
		}
	}
	return doc.Profiles, nil
}

// SerializeProfiles renders a profile collection back into bulk config text.
// ParseProfiles(SerializeProfiles(p)) preserves every field of every profile.
func SerializeProfiles(profiles map[string]*Profile) ([]byte, error) {
	text, err := yaml.Marshal(document{Profiles: profiles})
	if err != nil {
		return nil, fmt.Errorf("serialize profiles: %w", err)
	}
	return text, nil
}

// TransferPayload is the flat record used to move a single profile to
// another device via QR code or deep link. It carries the client private
// key, so it is handled as a secret.
type TransferPayload struct {
	ProfileName   string `json:"profile"`
	ServerHost    string `json:"host"`
	ServerUDPPort uint16 `json:"udp_port"`
	ServerPubKey  string `json:"server_pubkey"`
	ClientPrivKey string `json:"client_privkey,omitempty"`
	ClientPubKey  string `json:"client_pubkey"`
}

// ParseTransferPayload parses a single-profile transfer record. The profile
// name, host, server public key, and client private key are required; the
// UDP port defaults to DefaultServerPort when absent.
func ParseTransferPayload(text []byte) (string, *Profile, error) {
	var payload TransferPayload
	if err := json.Unmarshal(text, &payload); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidTransferPayload, err)
	}

	for _, field := range []struct {
		name  string
		value string
	}{
		{"profile", payload.ProfileName},
		{"host", payload.ServerHost},
		{"server_pubkey", payload.ServerPubKey},
		{"client_privkey", payload.ClientPrivKey},
	} {
		if field.value == "" {
			return "", nil, fmt.Errorf("%w: missing %s", ErrInvalidTransferPayload, field.name)
		}
	}

	if payload.ServerUDPPort == 0 {
		payload.ServerUDPPort = DefaultServerPort
	}

	return payload.ProfileName, &Profile{
		ServerHost:    payload.ServerHost,
		ServerUDPPort: payload.ServerUDPPort,
		ServerPubKey:  payload.ServerPubKey,
		PrivateKey:    payload.ClientPrivKey,
		PublicKey:     payload.ClientPubKey,
	}, nil
}

// EncodeTransferPayload renders a profile as transfer payload text, the
// inverse of ParseTransferPayload. The post-knock command is local to the
// exporting device and is not included.
func EncodeTransferPayload(name string, profile *Profile) ([]byte, error) {
	text, err := json.Marshal(TransferPayload{
		ProfileName:   name,
		ServerHost:    profile.ServerHost,
		ServerUDPPort: profile.ServerUDPPort,
		ServerPubKey:  profile.ServerPubKey,
		ClientPrivKey: profile.PrivateKey,
		ClientPubKey:  profile.PublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("encode transfer payload: %w", err)
	}
	return text, nil
}
