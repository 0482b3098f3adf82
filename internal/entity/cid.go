package entity

import (
	"fmt"
	"strings"

	gocid "github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// CidConfig selects how a remote turns canonical bytes into a hash string.
type CidConfig struct {
	Version  uint64             `json:"version"`
	Codec    uint64             `json:"codec"`
	HashType uint64             `json:"type"`
	Base     multibase.Encoding `json:"base"`
}

// DefaultCidConfig is CIDv1, raw codec, sha2-256, base58btc.
var DefaultCidConfig = CidConfig{
	Version:  1,
	Codec:    gocid.Raw,
	HashType: multihash.SHA2_256,
	Base:     multibase.Base58BTC,
}

var codecNames = map[string]uint64{
	"raw":      gocid.Raw,
	"dag-pb":   gocid.DagProtobuf,
	"dag-cbor": gocid.DagCBOR,
	"dag-json": gocid.DagJSON,
}

// ParseCidConfig builds a config from the names used in config files
// (e.g. version 1, "raw", "sha2-256", "base58btc").
func ParseCidConfig(version int, codec, hashType, base string) (CidConfig, error) {
	cfg := DefaultCidConfig
	if version != 0 && version != 1 {
		return cfg, fmt.Errorf("unsupported cid version %d", version)
	}
	cfg.Version = uint64(version)

	if codec != "" {
		code, ok := codecNames[strings.ToLower(codec)]
		if !ok {
			return cfg, fmt.Errorf("unknown codec %q", codec)
		}
		cfg.Codec = code
	}
	if hashType != "" {
		code, ok := multihash.Names[strings.ToLower(hashType)]
		if !ok {
			return cfg, fmt.Errorf("unknown hash type %q", hashType)
		}
		cfg.HashType = code
	}
	if base != "" {
		enc, err := multibase.EncoderByName(base)
		if err != nil {
			return cfg, fmt.Errorf("unknown base %q: %w", base, err)
		}
		cfg.Base = enc.Encoding()
	}
	if cfg.Version == 0 && cfg.HashType != multihash.SHA2_256 {
		return cfg, fmt.Errorf("cid v0 requires sha2-256")
	}
	return cfg, nil
}

// HashBytes computes the CID string of data under cfg.
func HashBytes(data []byte, cfg CidConfig) (string, error) {
	mh, err := multihash.Sum(data, cfg.HashType, -1)
	if err != nil {
		return "", fmt.Errorf("multihash: %w", err)
	}
	if cfg.Version == 0 {
		return gocid.NewCidV0(mh).String(), nil
	}
	c := gocid.NewCidV1(cfg.Codec, mh)
	s, err := c.StringOfBase(cfg.Base)
	if err != nil {
		return "", fmt.Errorf("encode cid: %w", err)
	}
	return s, nil
}

// Hash canonicalizes object and hashes it under cfg.
func Hash(object interface{}, cfg CidConfig) (string, error) {
	data, err := Canonical(object)
	if err != nil {
		return "", fmt.Errorf("canonicalize: %w", err)
	}
	return HashBytes(data, cfg)
}

// ParseHash decodes a hash string produced by HashBytes.
func ParseHash(hash string) (gocid.Cid, error) {
	c, err := gocid.Decode(hash)
	if err != nil {
		return gocid.Undef, fmt.Errorf("decode cid %q: %w", hash, err)
	}
	return c, nil
}
