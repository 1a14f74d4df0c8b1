package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/alcovelabs/alcove/pkg/api"
)

// nonceSize is the 96-bit nonce length AES-256-GCM is used with.
const nonceSize = 12

// EncryptedPayload is the wire form of a hybrid-encrypted value. Data and
// Nonce are standard base64; EphemeralPublicKey is the hex X25519 public
// key the recipient combines with its private key to derive the AES key.
type EncryptedPayload struct {
	Data               string `json:"data"`
	Nonce              string `json:"nonce"`
	EphemeralPublicKey string `json:"ephemeralPublicKey"`
}

// Encrypt seals the JSON encoding of value to the recipient's X25519
// public key. A fresh ephemeral keypair is generated per call; the X25519
// shared secret is used directly as the AES-256-GCM key.
func Encrypt(value any, recipientPubHex string) (EncryptedPayload, error) {
	pubRaw, err := DecodePublicHex(recipientPubHex)
	if err != nil {
		return EncryptedPayload{}, api.Errorf(api.CodeValidationFailed, "recipient key: %v", err)
	}
	recipientPub, err := ecdh.X25519().NewPublicKey(pubRaw)
	if err != nil {
		return EncryptedPayload{}, api.Errorf(api.CodeValidationFailed, "recipient key: %v", err)
	}

	plaintext, err := json.Marshal(value)
	if err != nil {
		return EncryptedPayload{}, api.Errorf(api.CodeValidationFailed, "value not encodable: %v", err)
	}

	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return EncryptedPayload{}, err
	}
	key, err := ephemeral.ECDH(recipientPub)
	if err != nil {
		return EncryptedPayload{}, api.Errorf(api.CodeValidationFailed, "key agreement failed: %v", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return EncryptedPayload{}, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedPayload{}, err
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return EncryptedPayload{
		Data:               base64.StdEncoding.EncodeToString(ciphertext),
		Nonce:              base64.StdEncoding.EncodeToString(nonce),
		EphemeralPublicKey: hex.EncodeToString(ephemeral.PublicKey().Bytes()),
	}, nil
}

// Decrypt reverses Encrypt with the recipient's X25519 private key. Any
// malformed field, wrong key, or tampered ciphertext fails the call; GCM
// authentication guarantees a single flipped bit is detected.
func Decrypt(p EncryptedPayload, priv *ecdh.PrivateKey) (any, error) {
	ephemeralRaw, err := DecodePublicHex(p.EphemeralPublicKey)
	if err != nil {
		return nil, api.Errorf(api.CodeDecryptionFailed, "ephemeral key: %v", err)
	}
	ephemeralPub, err := ecdh.X25519().NewPublicKey(ephemeralRaw)
	if err != nil {
		return nil, api.Errorf(api.CodeDecryptionFailed, "ephemeral key: %v", err)
	}

	nonce, err := base64.StdEncoding.DecodeString(p.Nonce)
	if err != nil {
		return nil, api.Errorf(api.CodeDecryptionFailed, "nonce: %v", err)
	}
	if len(nonce) != nonceSize {
		return nil, api.Errorf(api.CodeDecryptionFailed, "nonce must be %d bytes, got %d", nonceSize, len(nonce))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, api.Errorf(api.CodeDecryptionFailed, "ciphertext: %v", err)
	}

	key, err := priv.ECDH(ephemeralPub)
	if err != nil {
		return nil, api.Errorf(api.CodeDecryptionFailed, "key agreement failed: %v", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, api.E(api.CodeDecryptionFailed, "decryption failed: wrong key or tampered ciphertext")
	}

	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return nil, api.Errorf(api.CodeDecryptionFailed, "plaintext not valid JSON: %v", err)
	}
	return value, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
