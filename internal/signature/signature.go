// Package signature implements SignatureUtil (spec.md §4.2): Ed25519
// signing and verification over the canonical serialization of a message
// body, plus the node-identity keypair lifecycle in the style of the
// teacher's internal/crypto/identity package.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/kacheryhub/kachery-daemon/internal/canonical"
)

// KeyPair is an Ed25519 identity: a feedId is the hex-encoded public key.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

func (kp *KeyPair) FeedID() string {
	return hex.EncodeToString(kp.PublicKey)
}

// Generate creates a fresh random Ed25519 keypair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signature: generate keypair: %w", err)
	}
	return &KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Sign canonically serializes body and signs it, returning a lowercase hex
// signature. This is the pre-image used everywhere a SignedSubfeedMessage
// or pubsub envelope is produced.
func Sign(body interface{}, kp *KeyPair) (string, error) {
	preimage, err := canonical.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("signature: canonicalize body: %w", err)
	}
	sig := ed25519.Sign(kp.PrivateKey, preimage)
	return hex.EncodeToString(sig), nil
}

// Verify checks that signatureHex is a valid Ed25519 signature over the
// canonical serialization of body under publicKey. A malformed signature
// or public key is treated as verification failure, not an error: callers
// that need the distinction (chain loads) should reject either way.
func Verify(body interface{}, publicKey ed25519.PublicKey, signatureHex string) bool {
	preimage, err := canonical.Marshal(body)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(publicKey, preimage, sig)
}

// VerifyHexPublicKey is a convenience for callers holding feedId as hex.
func VerifyHexPublicKey(body interface{}, publicKeyHex string, signatureHex string) bool {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false
	}
	return Verify(body, pub, signatureHex)
}

// DefaultPaths returns the default private/public key file paths under
// ~/.kachery-daemon, mirroring the teacher's identity.DefaultPaths.
func DefaultPaths() (privPath, pubPath string, err error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", "", err
	}
	dir := filepath.Join(home, ".kachery-daemon")
	return filepath.Join(dir, "id_ed25519"), filepath.Join(dir, "id_ed25519.pub"), nil
}

// LoadOrCreate loads an Ed25519 node identity from disk, generating and
// persisting one if absent. Private keys are written 0600, public 0644.
func LoadOrCreate(privPath, pubPath string) (*KeyPair, error) {
	if privPath == "" {
		p, u, err := DefaultPaths()
		if err != nil {
			return nil, err
		}
		privPath, pubPath = p, u
	}
	if pubPath == "" {
		pubPath = privPath + ".pub"
	}

	kp, err := load(privPath, pubPath)
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(privPath), 0o700); err != nil {
		return nil, err
	}
	kp, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(kp.PrivateKey)), 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(kp.PublicKey)), 0o644); err != nil {
		return nil, err
	}
	return kp, nil
}

func load(privPath, pubPath string) (*KeyPair, error) {
	privHex, err := os.ReadFile(privPath)
	if err != nil {
		return nil, err
	}
	pubHex, err := os.ReadFile(pubPath)
	if err != nil {
		return nil, err
	}
	priv, err := hex.DecodeString(string(trimSpace(privHex)))
	if err != nil {
		return nil, fmt.Errorf("signature: invalid private key file: %w", err)
	}
	pub, err := hex.DecodeString(string(trimSpace(pubHex)))
	if err != nil {
		return nil, fmt.Errorf("signature: invalid public key file: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("signature: unexpected key sizes")
	}
	return &KeyPair{PublicKey: ed25519.PublicKey(pub), PrivateKey: ed25519.PrivateKey(priv)}, nil
}

func trimSpace(b []byte) []byte {
	i, j := 0, len(b)
	isSpace := func(c byte) bool { return c == ' ' || c == '\n' || c == '\r' || c == '\t' }
	for i < j && isSpace(b[i]) {
		i++
	}
	for j > i && isSpace(b[j-1]) {
		j--
	}
	return b[i:j]
}
