// Package canonical provides RFC 8785 (JSON Canonicalization Scheme)
// serialization. Signatures and content digests are always computed over
// the canonical form so that signer and verifier agree byte-for-byte.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the RFC 8785 canonical JSON encoding of v: lexicographic
// key order, no HTML escaping, shortest-form numbers.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform failed: %w", err)
	}
	return out, nil
}

// Digest returns the SHA-256 digest of the canonical encoding of v.
func Digest(v any) ([sha256.Size]byte, error) {
	b, err := Marshal(v)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(b), nil
}

// DigestHex returns the full hex SHA-256 digest of the canonical encoding.
func DigestHex(v any) (string, error) {
	d, err := Digest(v)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(d[:]), nil
}

// DigestHex32 returns the first 32 hex characters of the canonical digest,
// the short form substituted for signature placeholders in URI templates.
func DigestHex32(v any) (string, error) {
	full, err := DigestHex(v)
	if err != nil {
		return "", err
	}
	return full[:32], nil
}

// HashBytes returns the hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
