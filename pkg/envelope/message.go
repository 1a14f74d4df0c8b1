package envelope

import (
	"crypto/ecdh"
	"encoding/json"

	"github.com/alcovelabs/alcove/pkg/api"
)

// AuthEntry is one signature over a message payload.
type AuthEntry struct {
	Pubkey    string `json:"pubkey"`
	Signature string `json:"signature"`
}

// AuthenticatedMessage is a value tagged with one or more Ed25519
// signatures over the canonical JSON of its payload.
type AuthenticatedMessage struct {
	Auth    []AuthEntry `json:"auth"`
	Payload any         `json:"payload"`
}

// SignedEncryptedMessage wraps an EncryptedPayload with signatures over the
// canonical JSON of the encrypted payload object, never the plaintext.
type SignedEncryptedMessage struct {
	Auth    []AuthEntry      `json:"auth"`
	Payload EncryptedPayload `json:"payload"`
}

// DecryptResult is the outcome of VerifyAndDecrypt. Verified is true iff
// every auth entry verified; VerifiedSigners lists the pubkeys that did.
type DecryptResult struct {
	Value           any
	Verified        bool
	VerifiedSigners []string
}

// NewAuthenticatedMessage signs value with every signer.
func NewAuthenticatedMessage(value any, signers []Signer) (*AuthenticatedMessage, error) {
	if len(signers) == 0 {
		return nil, api.E(api.CodeValidationFailed, "at least one signer required")
	}
	auth := make([]AuthEntry, 0, len(signers))
	for _, s := range signers {
		sig, err := Sign(s.Private, value)
		if err != nil {
			return nil, err
		}
		auth = append(auth, AuthEntry{Pubkey: s.PublicHex, Signature: sig})
	}
	return &AuthenticatedMessage{Auth: auth, Payload: value}, nil
}

// VerifySigners checks every auth entry against the message payload and
// returns the pubkeys whose signatures verified. Entries with malformed
// keys or signatures simply do not verify.
func (m *AuthenticatedMessage) VerifySigners() []string {
	return verifyEntries(m.Auth, m.Payload)
}

// NewSignedEncryptedMessage encrypts value to the recipient, then signs the
// resulting encrypted payload object with every signer.
func NewSignedEncryptedMessage(value any, signers []Signer, recipientPubHex string) (*SignedEncryptedMessage, error) {
	if len(signers) == 0 {
		return nil, api.E(api.CodeValidationFailed, "at least one signer required")
	}
	payload, err := Encrypt(value, recipientPubHex)
	if err != nil {
		return nil, err
	}

	auth := make([]AuthEntry, 0, len(signers))
	for _, s := range signers {
		sig, err := Sign(s.Private, payload)
		if err != nil {
			return nil, err
		}
		auth = append(auth, AuthEntry{Pubkey: s.PublicHex, Signature: sig})
	}
	return &SignedEncryptedMessage{Auth: auth, Payload: payload}, nil
}

// VerifyAndDecrypt verifies each auth entry independently against the
// encrypted payload, then decrypts it. Signature mismatches are reported
// through Verified, not as errors; only parameter failures (bad recipient
// key, tampered ciphertext) fail the call.
func VerifyAndDecrypt(m *SignedEncryptedMessage, priv *ecdh.PrivateKey) (*DecryptResult, error) {
	verified := verifyEntries(m.Auth, m.Payload)

	value, err := Decrypt(m.Payload, priv)
	if err != nil {
		return nil, err
	}
	return &DecryptResult{
		Value:           value,
		Verified:        len(verified) == len(m.Auth) && len(m.Auth) > 0,
		VerifiedSigners: verified,
	}, nil
}

// AuthenticatedFromValue reinterprets a generic JSON value as an
// AuthenticatedMessage. It reports false when the shape does not match.
func AuthenticatedFromValue(v any) (*AuthenticatedMessage, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m AuthenticatedMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	if len(m.Auth) == 0 {
		return nil, false
	}
	for _, e := range m.Auth {
		if e.Pubkey == "" || e.Signature == "" {
			return nil, false
		}
	}
	return &m, true
}

// SignedEncryptedFromValue reinterprets a generic JSON value as a
// SignedEncryptedMessage.
func SignedEncryptedFromValue(v any) (*SignedEncryptedMessage, bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var m SignedEncryptedMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, false
	}
	if len(m.Auth) == 0 {
		return nil, false
	}
	p := m.Payload
	if p.Data == "" || p.Nonce == "" || p.EphemeralPublicKey == "" {
		return nil, false
	}
	return &m, true
}

func verifyEntries(auth []AuthEntry, payload any) []string {
	var verified []string
	for _, e := range auth {
		ok, err := Verify(e.Pubkey, e.Signature, payload)
		if err == nil && ok {
			verified = append(verified, e.Pubkey)
		}
	}
	return verified
}
