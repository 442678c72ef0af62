package webhook

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"

	ofclient "finsync/internal/infrastructure/openfinance"
)

// VerificationKey is a parsed provider signing key.
type VerificationKey struct {
	ID        string
	PublicKey *ecdsa.PublicKey
	CreatedAt time.Time
	ExpiredAt *time.Time
}

// Expired reports whether the provider has retired the key. Expired keys
// never validate a token.
func (k *VerificationKey) Expired() bool {
	return k.ExpiredAt != nil
}

// ParseVerificationKey converts the provider's JWK into an ECDSA public key.
func ParseVerificationKey(src *ofclient.WebhookVerificationKey) (*VerificationKey, error) {
	raw, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("failed to encode key %s: %w", src.Kid, err)
	}

	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("failed to parse key %s: %w", src.Kid, err)
	}
	pub, ok := jwk.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key %s is %T, want ECDSA public key", src.Kid, jwk.Key)
	}

	key := &VerificationKey{
		ID:        src.Kid,
		PublicKey: pub,
		CreatedAt: time.Unix(src.CreatedAt, 0).UTC(),
	}
	if src.ExpiredAt != nil {
		at := time.Unix(*src.ExpiredAt, 0).UTC()
		key.ExpiredAt = &at
	}
	return key, nil
}

// KeyCache holds verification keys by key id. Safe for concurrent use.
type KeyCache struct {
	lru *expirable.LRU[string, *VerificationKey]
}

// NewKeyCache returns a cache of at most size keys, each kept for ttl.
func NewKeyCache(size int, ttl time.Duration) *KeyCache {
	return &KeyCache{lru: expirable.NewLRU[string, *VerificationKey](size, nil, ttl)}
}

func (c *KeyCache) Get(kid string) (*VerificationKey, bool) {
	return c.lru.Get(kid)
}

func (c *KeyCache) Put(key *VerificationKey) {
	c.lru.Add(key.ID, key)
}

// Active returns the cached keys that are not expired.
func (c *KeyCache) Active() []*VerificationKey {
	var out []*VerificationKey
	for _, k := range c.lru.Values() {
		if !k.Expired() {
			out = append(out, k)
		}
	}
	return out
}

func (c *KeyCache) Len() int {
	return c.lru.Len()
}
