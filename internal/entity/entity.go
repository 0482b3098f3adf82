package entity

import (
	"encoding/json"
	"fmt"
)

// Entity is a content-addressed object. Object holds canonical JSON and Hash
// is its CID under the configuration of Remote.
type Entity struct {
	Hash   string          `json:"hash"`
	Object json.RawMessage `json:"object"`
	Remote string          `json:"remote,omitempty"`
}

// Decode unmarshals the entity object into v.
func (e Entity) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Object, v); err != nil {
		return fmt.Errorf("decode entity %s: %w", e.Hash, err)
	}
	return nil
}

// Proof is the tamper-evidence envelope of a signed payload. Both fields may
// be empty in deployments that do not sign, but they are always hashed.
type Proof struct {
	Signature string `json:"signature"`
	Type      string `json:"type"`
}

// Signed wraps a payload with its proof.
type Signed[T any] struct {
	Payload T     `json:"payload"`
	Proof   Proof `json:"proof"`
}

// Secured is an entity whose object is a Signed payload.
type Secured[T any] struct {
	Hash   string    `json:"hash"`
	Object Signed[T] `json:"object"`
	Remote string    `json:"remote,omitempty"`
}

// Entity returns the untyped form of s.
func (s Secured[T]) Entity() (Entity, error) {
	data, err := Canonical(s.Object)
	if err != nil {
		return Entity{}, fmt.Errorf("canonicalize secured: %w", err)
	}
	return Entity{Hash: s.Hash, Object: data, Remote: s.Remote}, nil
}

// Signer produces proofs over canonical payload bytes.
type Signer interface {
	Sign(payload []byte) (Proof, error)
}

// DeriveEntity canonicalizes and hashes object.
func DeriveEntity(object interface{}, remote string, cfg CidConfig) (Entity, error) {
	data, err := Canonical(object)
	if err != nil {
		return Entity{}, fmt.Errorf("canonicalize: %w", err)
	}
	hash, err := HashBytes(data, cfg)
	if err != nil {
		return Entity{}, err
	}
	return Entity{Hash: hash, Object: data, Remote: remote}, nil
}

// Sign wraps payload into a Signed envelope. A nil signer leaves the proof empty.
func Sign[T any](payload T, signer Signer) (Signed[T], error) {
	signed := Signed[T]{Payload: payload}
	if signer == nil {
		return signed, nil
	}
	data, err := Canonical(payload)
	if err != nil {
		return signed, fmt.Errorf("signing payload: %w", err)
	}
	proof, err := signer.Sign(data)
	if err != nil {
		return signed, fmt.Errorf("sign: %w", err)
	}
	signed.Proof = proof
	return signed, nil
}

// DeriveSecured signs payload and hashes the resulting envelope.
func DeriveSecured[T any](payload T, remote string, cfg CidConfig, signer Signer) (Secured[T], error) {
	signed, err := Sign(payload, signer)
	if err != nil {
		return Secured[T]{}, err
	}
	e, err := DeriveEntity(signed, remote, cfg)
	if err != nil {
		return Secured[T]{}, err
	}
	return Secured[T]{Hash: e.Hash, Object: signed, Remote: remote}, nil
}

// DecodeSecured reads a Signed[T] entity into its typed form.
func DecodeSecured[T any](e Entity) (Secured[T], error) {
	var signed Signed[T]
	if err := e.Decode(&signed); err != nil {
		return Secured[T]{}, err
	}
	return Secured[T]{Hash: e.Hash, Object: signed, Remote: e.Remote}, nil
}
