package wallet

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/alcovelabs/alcove/pkg/api"
)

const maxUsernameLength = 128

// normalizeUsername canonicalizes a username before any store access:
// NFC so visually identical inputs map to one record, then Unicode case
// folding so lookups are case-insensitive. Usernames become URI path
// segments, so separators and whitespace are rejected outright.
func normalizeUsername(raw string) (string, error) {
	u := norm.NFC.String(strings.TrimSpace(raw))
	u = cases.Fold().String(u)
	if u == "" {
		return "", api.E(api.CodeValidationFailed, "username is required")
	}
	if len(u) > maxUsernameLength {
		return "", api.Errorf(api.CodeValidationFailed, "username exceeds %d bytes", maxUsernameLength)
	}
	if strings.ContainsAny(u, "/\\?#%") || strings.ContainsAny(u, " \t\r\n") {
		return "", api.E(api.CodeValidationFailed, "username contains reserved characters")
	}
	return u, nil
}
