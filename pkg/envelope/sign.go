package envelope

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/alcovelabs/alcove/pkg/canonical"
)

// Sign canonicalises value to JSON and signs the UTF-8 bytes with Ed25519,
// returning the signature as lowercase hex.
func Sign(priv ed25519.PrivateKey, value any) (string, error) {
	msg, err := canonical.Marshal(value)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(ed25519.Sign(priv, msg)), nil
}

// Verify checks sigHex against the canonical encoding of value under the
// given hex public key. Malformed parameters are errors; a well-formed
// signature that does not match returns (false, nil).
func Verify(pubHex, sigHex string, value any) (bool, error) {
	pub, err := DecodePublicHex(pubHex)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size")
	}
	msg, err := canonical.Marshal(value)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
}
