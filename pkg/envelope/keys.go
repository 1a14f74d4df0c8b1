// Package envelope implements the cryptographic message layer: Ed25519
// signing keypairs, X25519 encryption keypairs, hybrid AES-256-GCM
// encryption, and the composite AuthenticatedMessage and
// SignedEncryptedMessage formats that flow through the record pipeline.
//
// Public keys travel as lowercase hex (32 bytes, 64 characters). Private
// keys persist as PKCS#8 PEM.
package envelope

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/alcovelabs/alcove/pkg/api"
)

const (
	// PublicKeyHexLen is the exact length of a hex-encoded public key.
	PublicKeyHexLen = 64

	pemPrivateKeyType = "PRIVATE KEY"
)

// SigningKeypair is an Ed25519 pair. PrivatePEM is the PKCS#8 encoding of
// Private; both representations are kept so callers can persist or use the
// key without re-deriving.
type SigningKeypair struct {
	PublicHex  string
	PrivatePEM string
	Private    ed25519.PrivateKey
}

// EncryptionKeypair is an X25519 pair in the same dual representation.
type EncryptionKeypair struct {
	PublicHex  string
	PrivatePEM string
	Private    *ecdh.PrivateKey
}

// GenerateSigningKeypair creates a fresh Ed25519 keypair.
func GenerateSigningKeypair() (SigningKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeypair{}, fmt.Errorf("signing key generation failed: %w", err)
	}
	pemStr, err := marshalPKCS8PEM(priv)
	if err != nil {
		return SigningKeypair{}, err
	}
	return SigningKeypair{
		PublicHex:  hex.EncodeToString(pub),
		PrivatePEM: pemStr,
		Private:    priv,
	}, nil
}

// GenerateEncryptionKeypair creates a fresh X25519 keypair.
func GenerateEncryptionKeypair() (EncryptionKeypair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return EncryptionKeypair{}, fmt.Errorf("encryption key generation failed: %w", err)
	}
	pemStr, err := marshalPKCS8PEM(priv)
	if err != nil {
		return EncryptionKeypair{}, err
	}
	return EncryptionKeypair{
		PublicHex:  hex.EncodeToString(priv.PublicKey().Bytes()),
		PrivatePEM: pemStr,
		Private:    priv,
	}, nil
}

// Signer couples an Ed25519 private key with its hex public key for use in
// multi-signer message construction.
type Signer struct {
	PublicHex string
	Private   ed25519.PrivateKey
}

// Signer returns the keypair in Signer form.
func (kp SigningKeypair) Signer() Signer {
	return Signer{PublicHex: kp.PublicHex, Private: kp.Private}
}

// ParseSigningPrivatePEM decodes a PKCS#8 PEM Ed25519 private key.
func ParseSigningPrivatePEM(pemStr string) (ed25519.PrivateKey, error) {
	key, err := parsePKCS8PEM(pemStr)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an Ed25519 private key")
	}
	return priv, nil
}

// ParseEncryptionPrivatePEM decodes a PKCS#8 PEM X25519 private key.
func ParseEncryptionPrivatePEM(pemStr string) (*ecdh.PrivateKey, error) {
	key, err := parsePKCS8PEM(pemStr)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(*ecdh.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an X25519 private key")
	}
	return priv, nil
}

// DecodePublicHex validates and decodes a 64-character hex public key.
func DecodePublicHex(pubHex string) ([]byte, error) {
	if len(pubHex) != PublicKeyHexLen {
		return nil, fmt.Errorf("public key must be %d hex characters, got %d", PublicKeyHexLen, len(pubHex))
	}
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex: %w", err)
	}
	return raw, nil
}

// ServerIdentity is the long-lived key material a middleware service loads
// at boot: an Ed25519 identity pair and an X25519 encryption pair. It is
// never rotated at runtime.
type ServerIdentity struct {
	SigningPublicHex    string
	SigningPrivate      ed25519.PrivateKey
	EncryptionPublicHex string
	EncryptionPrivate   *ecdh.PrivateKey
}

// LoadServerIdentity validates the four key environment values and checks
// that each private key derives the advertised public key. Any failure is a
// fatal configuration error.
func LoadServerIdentity(signPubHex, signPrivPEM, encPubHex, encPrivPEM string) (*ServerIdentity, error) {
	if _, err := DecodePublicHex(signPubHex); err != nil {
		return nil, api.Errorf(api.CodeConfigError, "identity public key: %v", err)
	}
	if _, err := DecodePublicHex(encPubHex); err != nil {
		return nil, api.Errorf(api.CodeConfigError, "encryption public key: %v", err)
	}
	if err := checkPEMMarkers(signPrivPEM); err != nil {
		return nil, api.Errorf(api.CodeConfigError, "identity private key: %v", err)
	}
	if err := checkPEMMarkers(encPrivPEM); err != nil {
		return nil, api.Errorf(api.CodeConfigError, "encryption private key: %v", err)
	}

	signPriv, err := ParseSigningPrivatePEM(signPrivPEM)
	if err != nil {
		return nil, api.Errorf(api.CodeConfigError, "identity private key: %v", err)
	}
	encPriv, err := ParseEncryptionPrivatePEM(encPrivPEM)
	if err != nil {
		return nil, api.Errorf(api.CodeConfigError, "encryption private key: %v", err)
	}

	derivedSign := hex.EncodeToString(signPriv.Public().(ed25519.PublicKey))
	if derivedSign != signPubHex {
		return nil, api.E(api.CodeConfigError, "identity public key does not match private key")
	}
	derivedEnc := hex.EncodeToString(encPriv.PublicKey().Bytes())
	if derivedEnc != encPubHex {
		return nil, api.E(api.CodeConfigError, "encryption public key does not match private key")
	}

	return &ServerIdentity{
		SigningPublicHex:    signPubHex,
		SigningPrivate:      signPriv,
		EncryptionPublicHex: encPubHex,
		EncryptionPrivate:   encPriv,
	}, nil
}

// Signer returns the identity key in Signer form.
func (id *ServerIdentity) Signer() Signer {
	return Signer{PublicHex: id.SigningPublicHex, Private: id.SigningPrivate}
}

func marshalPKCS8PEM(key any) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("pkcs8 marshal failed: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPrivateKeyType, Bytes: der})), nil
}

func parsePKCS8PEM(pemStr string) (any, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("pkcs8 parse failed: %w", err)
	}
	return key, nil
}

func checkPEMMarkers(pemStr string) error {
	if !strings.Contains(pemStr, "BEGIN") || !strings.Contains(pemStr, "END") {
		return fmt.Errorf("missing PEM BEGIN/END markers")
	}
	return nil
}
