package origin

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultKeyTTL = 12 * time.Hour

// Keyring caches the gateway's public signing keys, fetched from the team
// domain's certs endpoint. Tokens are verified against these keys so the
// origin never needs a shared secret with the gateway.
type Keyring struct {
	certsURL   string
	httpClient *http.Client
	ttl        time.Duration

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

// NewKeyring creates a keyring for the given team domain, e.g.
// "example.cloudflareaccess.com". A full URL is accepted for tests.
func NewKeyring(teamDomain string) *Keyring {
	certsURL := teamDomain
	if !strings.Contains(certsURL, "://") {
		certsURL = "https://" + certsURL
	}
	certsURL = strings.TrimSuffix(certsURL, "/") + "/cdn-cgi/access/certs"
	return &Keyring{
		certsURL:   certsURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		ttl:        defaultKeyTTL,
	}
}

// Key returns the public key for a token's key ID, refreshing the cache
// when the ID is unknown or the cache is stale. Key rotation at the
// gateway shows up as an unknown ID, which forces a refetch.
func (keyring *Keyring) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	keyring.mu.Lock()
	defer keyring.mu.Unlock()

	if key, ok := keyring.keys[kid]; ok && time.Since(keyring.fetchedAt) < keyring.ttl {
		return key, nil
	}

	if err := keyring.refreshLocked(ctx); err != nil {
		return nil, err
	}
	key, ok := keyring.keys[kid]
	if !ok {
		return nil, fmt.Errorf("no signing key with id %q", kid)
	}
	return key, nil
}

func (keyring *Keyring) refreshLocked(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, keyring.certsURL, nil)
	if err != nil {
		return err
	}
	resp, err := keyring.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("fetch access certs: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("access certs endpoint returned status %s", resp.Status)
	}

	var payload struct {
		Keys []struct {
			Kty string `json:"kty"`
			Kid string `json:"kid"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("invalid access certs payload: %w", err)
	}

	keys := map[string]*rsa.PublicKey{}
	for _, jwk := range payload.Keys {
		if jwk.Kty != "RSA" || jwk.Kid == "" {
			continue
		}
		key, err := parseRSAKey(jwk.N, jwk.E)
		if err != nil {
			return fmt.Errorf("invalid signing key %s: %w", jwk.Kid, err)
		}
		keys[jwk.Kid] = key
	}
	if len(keys) == 0 {
		return fmt.Errorf("access certs endpoint returned no RSA keys")
	}

	keyring.keys = keys
	keyring.fetchedAt = time.Now()
	return nil
}

func parseRSAKey(modulus string, exponent string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(modulus)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(exponent)
	if err != nil {
		return nil, err
	}
	// RSA public exponents fit in 4 bytes; anything longer would overflow
	// the int fold below.
	if len(eBytes) > 4 {
		return nil, fmt.Errorf("public exponent too large")
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, fmt.Errorf("invalid public exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
