// Package identity manages the ed25519 keypair a remote signs perspectives
// and commits with, and the did:key form used as creator id.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mr-tron/base58"
	"github.com/systemshift/evees/internal/entity"
)

const identityRelPath = ".config/evees/identity.json"

// ProofType tags proofs produced by an Identity.
const ProofType = "ed25519"

// ed25519Multicodec is the multicodec prefix for Ed25519 public keys (0xED01).
var ed25519Multicodec = []byte{0xed, 0x01}

var ErrInvalidDID = errors.New("identity: invalid did:key")

// Identity holds an Ed25519 keypair and the derived DID.
type Identity struct {
	DID        string `json:"did"`
	PublicKey  string `json:"public_key"`  // base64-encoded 32 bytes
	PrivateKey string `json:"private_key"` // base64-encoded 32-byte seed
}

// DefaultPath returns ~/.config/evees/identity.json.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, identityRelPath)
}

// Load reads the identity file at path, or generates a new one if missing.
// An empty path means DefaultPath.
func Load(path string) (*Identity, error) {
	if path == "" {
		path = DefaultPath()
	}
	if path == "" {
		return nil, fmt.Errorf("cannot determine home directory")
	}

	data, err := os.ReadFile(path)
	if err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err != nil {
			return nil, fmt.Errorf("parse identity: %w", err)
		}
		return &id, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity: %w", err)
	}

	return generate(path)
}

// New creates an identity from a 32-byte seed without touching disk.
func New(seed []byte) (*Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Identity{
		DID:        EncodeDIDKey(pub),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
		PrivateKey: base64.StdEncoding.EncodeToString(seed),
	}, nil
}

// generate creates a new Ed25519 keypair and writes it to disk.
func generate(path string) (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	id, err := New(seed)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal identity: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write identity: %w", err)
	}
	return id, nil
}

// EncodeDIDKey encodes a raw Ed25519 public key as did:key:z... using the
// 0xED01 multicodec prefix and base58btc.
func EncodeDIDKey(publicKey []byte) string {
	prefixed := append(append([]byte{}, ed25519Multicodec...), publicKey...)
	return "did:key:z" + base58.Encode(prefixed)
}

// DecodeDIDKey extracts the raw Ed25519 public key from a did:key string.
func DecodeDIDKey(did string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(did, "did:key:z")
	if !ok {
		return nil, fmt.Errorf("%w: missing did:key:z prefix", ErrInvalidDID)
	}
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDID, err)
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: unexpected length %d", ErrInvalidDID, len(raw))
	}
	if raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return nil, fmt.Errorf("%w: not an ed25519 key", ErrInvalidDID)
	}
	return raw[len(ed25519Multicodec):], nil
}

// SigningKey returns the full ed25519 private key derived from the stored seed.
func (id *Identity) SigningKey() (ed25519.PrivateKey, error) {
	seed, err := base64.StdEncoding.DecodeString(id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// Sign implements entity.Signer.
func (id *Identity) Sign(payload []byte) (entity.Proof, error) {
	key, err := id.SigningKey()
	if err != nil {
		return entity.Proof{}, err
	}
	sig := ed25519.Sign(key, payload)
	return entity.Proof{
		Signature: base64.StdEncoding.EncodeToString(sig),
		Type:      ProofType,
	}, nil
}

// Verify checks a proof over the canonical payload against the author DID.
// An empty proof reports false without error.
func Verify(did string, payload []byte, proof entity.Proof) (bool, error) {
	if proof.Signature == "" {
		return false, nil
	}
	if proof.Type != ProofType {
		return false, fmt.Errorf("unsupported proof type %q", proof.Type)
	}
	pub, err := DecodeDIDKey(did)
	if err != nil {
		return false, err
	}
	sig, err := base64.StdEncoding.DecodeString(proof.Signature)
	if err != nil {
		return false, fmt.Errorf("decode signature: %w", err)
	}
	return ed25519.Verify(ed25519.PublicKey(pub), payload, sig), nil
}
