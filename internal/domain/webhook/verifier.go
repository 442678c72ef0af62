package webhook

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	ofclient "finsync/internal/infrastructure/openfinance"
)

var (
	ErrInvalidHeader    = errors.New("invalid verification header")
	ErrKeyNotFound      = errors.New("verification key not found")
	ErrKeyExpired       = errors.New("verification key expired")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrTokenStale       = errors.New("verification token too old")
	ErrBodyMismatch     = errors.New("webhook body does not match signature")
	ErrTokenReplayed    = errors.New("verification token already used")
)

const (
	DefaultMaxTokenAge = 5 * time.Minute
	defaultLeeway      = 30 * time.Second
	defaultRefreshers  = 4
	signingAlg         = "ES256"
)

// KeyFetcher retrieves a verification key from the provider.
type KeyFetcher interface {
	GetWebhookVerificationKey(ctx context.Context, keyID string) (*ofclient.WebhookVerificationKey, error)
}

// ReplayGuard remembers verified tokens.
type ReplayGuard interface {
	// MarkSeen records id for ttl. It returns false if id was already recorded.
	MarkSeen(ctx context.Context, id string, ttl time.Duration) (bool, error)
	// Forget drops id so the same token can be presented again.
	Forget(ctx context.Context, id string) error
}

// Claims are the claims of a webhook verification token.
type Claims struct {
	RequestBodySHA256 string `json:"request_body_sha256"`
	jwt.RegisteredClaims
}

type VerifierConfig struct {
	MaxTokenAge time.Duration
	Leeway      time.Duration
	// RefreshConcurrency bounds key refreshes on a cache miss.
	RefreshConcurrency int
}

// Verifier validates signed webhook bodies.
type Verifier struct {
	fetcher KeyFetcher
	cache   *KeyCache
	replay  ReplayGuard
	cfg     VerifierConfig
	group   singleflight.Group
	now     func() time.Time
	logger  *zap.Logger
}

func NewVerifier(fetcher KeyFetcher, cache *KeyCache, replay ReplayGuard, cfg VerifierConfig, logger *zap.Logger) *Verifier {
	if cfg.MaxTokenAge <= 0 {
		cfg.MaxTokenAge = DefaultMaxTokenAge
	}
	if cfg.Leeway <= 0 {
		cfg.Leeway = defaultLeeway
	}
	if cfg.RefreshConcurrency <= 0 {
		cfg.RefreshConcurrency = defaultRefreshers
	}
	return &Verifier{
		fetcher: fetcher,
		cache:   cache,
		replay:  replay,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.Named("webhook-verifier"),
	}
}

// TokenDigest identifies a token without storing it.
func TokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Verify checks token against body. A token verifies at most once.
func (v *Verifier) Verify(ctx context.Context, token string, body []byte) (*Claims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{signingAlg}),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.cfg.Leeway),
		jwt.WithTimeFunc(v.now),
	)

	unverified, _, err := parser.ParseUnverified(token, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if alg, _ := unverified.Header["alg"].(string); alg != signingAlg {
		return nil, fmt.Errorf("%w: alg %q", ErrInvalidHeader, alg)
	}
	if typ, _ := unverified.Header["typ"].(string); typ != "JWT" {
		return nil, fmt.Errorf("%w: typ %q", ErrInvalidHeader, typ)
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, fmt.Errorf("%w: missing kid", ErrInvalidHeader)
	}

	key, err := v.key(ctx, kid)
	if err != nil {
		return nil, err
	}

	claims := &Claims{}
	_, err = parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key.PublicKey, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenExpired):
		return nil, fmt.Errorf("%w: %v", ErrTokenStale, err)
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: missing iat", ErrTokenStale)
	}
	if age := v.now().Sub(claims.IssuedAt.Time); age > v.cfg.MaxTokenAge+v.cfg.Leeway {
		return nil, fmt.Errorf("%w: issued %s ago", ErrTokenStale, age.Round(time.Second))
	}

	sum := sha256.Sum256(body)
	digest := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(digest), []byte(claims.RequestBodySHA256)) != 1 {
		return nil, ErrBodyMismatch
	}

	if v.replay != nil {
		fresh, err := v.replay.MarkSeen(ctx, TokenDigest(token), v.cfg.MaxTokenAge+v.cfg.Leeway)
		if err != nil {
			return nil, fmt.Errorf("failed to check token replay: %w", err)
		}
		if !fresh {
			return nil, ErrTokenReplayed
		}
	}
	return claims, nil
}

// Release clears the replay mark of a verified token whose webhook was not
// handed off, so the provider's redelivery is accepted.
func (v *Verifier) Release(ctx context.Context, token string) error {
	if v.replay == nil {
		return nil
	}
	if err := v.replay.Forget(ctx, TokenDigest(token)); err != nil {
		return fmt.Errorf("failed to release webhook token: %w", err)
	}
	return nil
}

func (v *Verifier) key(ctx context.Context, kid string) (*VerificationKey, error) {
	key, ok := v.cache.Get(kid)
	if !ok {
		res, err, _ := v.group.Do(kid, func() (any, error) {
			return v.fetchOnMiss(ctx, kid)
		})
		if err != nil {
			return nil, err
		}
		key = res.(*VerificationKey)
	}
	if key.Expired() {
		return nil, fmt.Errorf("%w: %s", ErrKeyExpired, kid)
	}
	return key, nil
}

// fetchOnMiss fetches kid and refreshes every other active cached key so
// that retirements are noticed.
func (v *Verifier) fetchOnMiss(ctx context.Context, kid string) (*VerificationKey, error) {
	var g errgroup.Group
	g.SetLimit(v.cfg.RefreshConcurrency)

	var (
		fetched  *VerificationKey
		fetchErr error
	)
	g.Go(func() error {
		fetched, fetchErr = v.fetch(ctx, kid)
		return nil
	})
	for _, k := range v.cache.Active() {
		if k.ID == kid {
			continue
		}
		g.Go(func() error {
			if _, err := v.fetch(ctx, k.ID); err != nil {
				v.logger.Warn("failed to refresh verification key", zap.String("kid", k.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	if fetchErr != nil {
		return nil, fetchErr
	}
	return fetched, nil
}

func (v *Verifier) fetch(ctx context.Context, kid string) (*VerificationKey, error) {
	src, err := v.fetcher.GetWebhookVerificationKey(ctx, kid)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrKeyNotFound, kid, err)
	}
	key, err := ParseVerificationKey(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyNotFound, err)
	}
	v.cache.Put(key)
	return key, nil
}
