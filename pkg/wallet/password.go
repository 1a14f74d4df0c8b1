package wallet

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"

	"github.com/alcovelabs/alcove/pkg/api"
)

const (
	hashIterations    = 100000
	saltBytes         = 16
	derivedKeyBytes   = 32
	hashAlgo          = "PBKDF2-SHA256"
	minPasswordLength = 8
)

// passwordRecord is the durable shape stored under users/{username}/password.
type passwordRecord struct {
	Hash       string `json:"hash"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Algo       string `json:"algo"`
}

func hashPassword(password string) (passwordRecord, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return passwordRecord{}, api.Wrap(api.CodeConfigError, err)
	}
	key := pbkdf2.Key([]byte(password), salt, hashIterations, derivedKeyBytes, sha256.New)
	return passwordRecord{
		Hash:       hex.EncodeToString(key),
		Salt:       hex.EncodeToString(salt),
		Iterations: hashIterations,
		Algo:       hashAlgo,
	}, nil
}

// verify recomputes the derivation with the record's own parameters so
// hashes persisted under older iteration counts keep working.
func (p passwordRecord) verify(password string) bool {
	if p.Iterations <= 0 {
		return false
	}
	salt, err := hex.DecodeString(p.Salt)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(p.Hash)
	if err != nil || len(want) == 0 {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, p.Iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

func checkPasswordPolicy(password string) error {
	if len(password) < minPasswordLength {
		return api.Errorf(api.CodeValidationFailed, "password must be at least %d characters", minPasswordLength)
	}
	return nil
}
