package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Verifier exchanges a client credential for a stable identity. The gateway
// trusts the identity for owner checks; it never inspects the credential.
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// HTTPVerifier asks an external identity service to validate credentials.
type HTTPVerifier struct {
	URL    string
	Client *http.Client
}

func NewHTTPVerifier(url string) *HTTPVerifier {
	return &HTTPVerifier{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (v *HTTPVerifier) Verify(ctx context.Context, credential string) (string, error) {
	if credential == "" {
		return "", fmt.Errorf("empty credential")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := v.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("verify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity service returned %s", resp.Status)
	}

	var body struct {
		Identity string `json:"identity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode verify response: %w", err)
	}
	if body.Identity == "" {
		return "", fmt.Errorf("identity service returned no identity")
	}
	return body.Identity, nil
}

// TokenVerifier accepts "<identity>:<secret>" credentials against a shared
// secret. Meant for development and tests, not production identity.
type TokenVerifier struct {
	Secret string
}

func (v TokenVerifier) Verify(_ context.Context, credential string) (string, error) {
	identity, secret, ok := strings.Cut(credential, ":")
	if !ok || identity == "" {
		return "", fmt.Errorf("malformed credential")
	}
	if v.Secret == "" || secret != v.Secret {
		return "", fmt.Errorf("bad secret")
	}
	return identity, nil
}
