// Package identity loads and generates the daemon's Ed25519 identity.
// The secret key file must be owner-only (0600); loading refuses to
// start otherwise.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/lispmeister/quince/internal/qerr"
)

// Identity is the daemon's Ed25519 keypair. PublicKey is 32 bytes,
// SecretKey is Go's 64-byte Ed25519 private key (the 32-byte seed followed
// by the public key).
type Identity struct {
	PublicKey ed25519.PublicKey
	SecretKey ed25519.PrivateKey
}

// PublicHex returns the lowercase hex encoding of the public key, which
// is also the subdomain component of this identity's addresses.
func (id Identity) PublicHex() string {
	return hex.EncodeToString(id.PublicKey)
}

// Generate creates a new random identity.
func Generate() (Identity, error) {
	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, err
	}
	return Identity{PublicKey: pub, SecretKey: sec}, nil
}

// Load reads an identity from a secret-key file ("id") and its companion
// public-key file ("id_pub").
//
// It refuses to load if the secret key file's permissions are looser
// than owner-only.
func Load(secretPath, publicPath string) (Identity, error) {
	fi, err := os.Stat(secretPath)
	if err != nil {
		return Identity{}, err
	}
	if fi.Mode().Perm()&0077 != 0 {
		return Identity{}, qerr.New(qerr.PermissionDenied, fmt.Errorf(
			"%s has loose permissions %#o, refusing to load (must be 0600 or stricter)",
			secretPath, fi.Mode().Perm()))
	}

	secHex, err := os.ReadFile(secretPath)
	if err != nil {
		return Identity{}, err
	}
	sec, err := decodeHex(secHex, ed25519.PrivateKeySize)
	if err != nil {
		return Identity{}, fmt.Errorf("parsing %s: %w", secretPath, err)
	}

	pubHex, err := os.ReadFile(publicPath)
	if err != nil {
		return Identity{}, err
	}
	pub, err := decodeHex(pubHex, ed25519.PublicKeySize)
	if err != nil {
		return Identity{}, fmt.Errorf("parsing %s: %w", publicPath, err)
	}

	sk := ed25519.PrivateKey(sec)
	if !sk.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(pub)) {
		return Identity{}, fmt.Errorf("%s and %s do not form a matching keypair", secretPath, publicPath)
	}

	return Identity{PublicKey: ed25519.PublicKey(pub), SecretKey: sk}, nil
}

// Save persists the identity to the given paths, creating the secret key
// file with owner-only permissions.
func Save(id Identity, secretPath, publicPath string) error {
	secHex := []byte(hex.EncodeToString(id.SecretKey))
	if err := os.WriteFile(secretPath, secHex, 0600); err != nil {
		return err
	}
	pubHex := []byte(id.PublicHex())
	return os.WriteFile(publicPath, pubHex, 0644)
}

func decodeHex(buf []byte, wantLen int) ([]byte, error) {
	s := trimSpace(buf)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != wantLen {
		return nil, fmt.Errorf("expected %d bytes, got %d", wantLen, len(b))
	}
	return b, nil
}

func trimSpace(buf []byte) string {
	s := string(buf)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r' || s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	for len(s) > 0 && (s[0] == '\n' || s[0] == '\r' || s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	return s
}
