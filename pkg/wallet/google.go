package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/alcovelabs/alcove/pkg/api"
)

// GoogleVerifier checks a Google ID token against the expected OAuth
// audience and returns the verified subject.
type GoogleVerifier interface {
	Verify(ctx context.Context, idToken, audience string) (string, error)
}

const googleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

// GoogleTokenInfo verifies ID tokens against Google's tokeninfo endpoint,
// which performs the signature and expiry checks server side. Endpoint and
// Client are overridable so tests can point at a local server.
type GoogleTokenInfo struct {
	Endpoint string
	Client   *http.Client
}

type tokenInfoResponse struct {
	Audience string `json:"aud"`
	Subject  string `json:"sub"`
	Email    string `json:"email"`
}

func (g *GoogleTokenInfo) Verify(ctx context.Context, idToken, audience string) (string, error) {
	endpoint := g.Endpoint
	if endpoint == "" {
		endpoint = googleTokenInfoURL
	}
	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		endpoint+"?id_token="+url.QueryEscape(idToken), nil)
	if err != nil {
		return "", api.Wrap(api.CodeBackendUnavailable, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", api.Wrap(api.CodeBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", api.E(api.CodeUnauthorized, "google rejected the id token")
	}
	var info tokenInfoResponse
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", api.E(api.CodeUnauthorized, "google returned a malformed token response")
	}
	if info.Audience != audience {
		return "", api.E(api.CodeUnauthorized, "id token audience does not match the app's google client id")
	}
	if info.Subject == "" {
		return "", api.E(api.CodeUnauthorized, "id token carries no subject")
	}
	return info.Subject, nil
}
