package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"
)

var ErrKeyNotFound = errors.New("jwks key not found")

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JWKSClient caches RSA keys from an identity provider's JWKS endpoint. An unknown kid forces
// a refresh so key rotation is picked up before the TTL runs out.
type JWKSClient struct {
	url     string
	ttl     time.Duration
	client  *http.Client
	mu      sync.Mutex
	expires time.Time
	keys    map[string]*rsa.PublicKey
}

func NewJWKSClient(url string, ttl time.Duration) *JWKSClient {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &JWKSClient{
		url:    url,
		ttl:    ttl,
		client: &http.Client{Timeout: 5 * time.Second},
		keys:   map[string]*rsa.PublicKey{},
	}
}

func (c *JWKSClient) Get(keyID string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[keyID]; ok && time.Now().Before(c.expires) {
		return key, nil
	}

	if err := c.refresh(context.Background()); err != nil {
		// Serve a stale key rather than fail every request while the IdP is unreachable.
		if key, ok := c.keys[keyID]; ok {
			return key, nil
		}
		return nil, err
	}
	if key, ok := c.keys[keyID]; ok {
		return key, nil
	}
	return nil, ErrKeyNotFound
}

func (c *JWKSClient) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var data struct {
		Keys []jwk `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(data.Keys))
	for _, k := range data.Keys {
		if k.Kty != "RSA" || k.N == "" || k.E == "" || k.Kid == "" {
			continue
		}
		pub, err := jwkToPublicKey(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.keys = keys
	c.expires = time.Now().Add(c.ttl)
	return nil
}

func jwkToPublicKey(k jwk) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}

	e := new(big.Int).SetBytes(eBytes)
	if !e.IsInt64() || e.Int64() > int64(^uint32(0)>>1) {
		return nil, errors.New("invalid jwk exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: int(e.Int64())}, nil
}
