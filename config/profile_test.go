package config

import (
	"crypto/ed25519"
	"errors"
	"strings"
	"testing"

	"knocker/crypto"
	"knocker/protocol"
)

func TestValidateAcceptsCompleteProfile(t *testing.T) {
	if err := testProfile(t).Validate("home"); err != nil {
		t.Fatalf("expected valid profile, got %v", err)
	}
}

func TestValidateAcceptsSeedOnlyPrivateKey(t *testing.T) {
	profile := testProfile(t)
	raw, err := crypto.DecodeKey(profile.PrivateKey)
	if err != nil {
		t.Fatalf("decode private key: %v", err)
	}
	profile.PrivateKey = crypto.EncodeKey(raw[:ed25519.SeedSize])

	if err := profile.Validate("home"); err != nil {
		t.Fatalf("expected 32-byte seed to validate, got %v", err)
	}
}

func TestValidateAllowsEmptyPublicKey(t *testing.T) {
	profile := testProfile(t)
	profile.PublicKey = ""

	if err := profile.Validate("home"); err != nil {
		t.Fatalf("expected empty public key to validate, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		profile func(*Profile)
		check   func(error) bool
		label   string
	}{
		{
			name:    "",
			profile: func(p *Profile) {},
			check:   func(err error) bool { return err != nil },
			label:   "empty name",
		},
		{
			name:    "home",
			profile: func(p *Profile) { p.ServerHost = " " },
			check:   func(err error) bool { return err != nil },
			label:   "blank host",
		},
		{
			name:    "home",
			profile: func(p *Profile) { p.ServerUDPPort = 0 },
			check:   func(err error) bool { return err != nil },
			label:   "port zero",
		},
		{
			name:    "home",
			profile: func(p *Profile) { p.ServerPubKey = "not base64!" },
			check:   func(err error) bool { return errors.Is(err, crypto.ErrKeyDecode) },
			label:   "malformed server key",
		},
		{
			name:    "home",
			profile: func(p *Profile) { p.ServerPubKey = crypto.EncodeKey(make([]byte, 16)) },
			check:   func(err error) bool { return errors.Is(err, protocol.ErrInvalidKeyLength) },
			label:   "short server key",
		},
		{
			name:    "home",
			profile: func(p *Profile) { p.PrivateKey = crypto.EncodeKey(make([]byte, 48)) },
			check:   func(err error) bool { return errors.Is(err, protocol.ErrInvalidKeyLength) },
			label:   "odd-size private key",
		},
		{
			name:    "home",
			profile: func(p *Profile) { p.PublicKey = crypto.EncodeKey(make([]byte, 16)) },
			check:   func(err error) bool { return errors.Is(err, protocol.ErrInvalidKeyLength) },
			label:   "short public key",
		},
	}

	for _, tc := range cases {
		profile := testProfile(t)
		tc.profile(profile)
		err := profile.Validate(tc.name)
		if !tc.check(err) {
			t.Fatalf("%s: unexpected validation result: %v", tc.label, err)
		}
	}
}

func TestValidateNamesTheProfileInErrors(t *testing.T) {
	profile := testProfile(t)
	profile.ServerUDPPort = 0

	err := profile.Validate("office")
	if err == nil || !strings.Contains(err.Error(), "office") {
		t.Fatalf("expected error to name the profile, got %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	original := testProfile(t)
	copied := original.Clone()

	copied.ServerHost = "other.example.com"
	if original.ServerHost == copied.ServerHost {
		t.Fatalf("expected clone to be independent of the original")
	}

	var nilProfile *Profile
	if nilProfile.Clone() != nil {
		t.Fatalf("expected nil clone for nil profile")
	}
}
