package rateclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Provider returns INR rates for provider asset ids.
type Provider interface {
	INRRate(ctx context.Context, assetID string) (decimal.Decimal, error)
}

// CachedProvider keeps recent rates in Redis so retries and bursts of
// settlements do not hammer the upstream API. Redis failures fall through
// to the upstream provider.
type CachedProvider struct {
	next   Provider
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewCachedProvider(next Provider, client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *CachedProvider {
	trimmed := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmed == "" {
		trimmed = "growthpact"
	}
	return &CachedProvider{
		next:   next,
		client: client,
		prefix: trimmed,
		ttl:    ttl,
		logger: logger,
	}
}

func (c *CachedProvider) key(assetID string) string {
	return fmt.Sprintf("%s:rate:%s:%s", c.prefix, quoteCurrency, assetID)
}

func (c *CachedProvider) INRRate(ctx context.Context, assetID string) (decimal.Decimal, error) {
	if c.client == nil || c.ttl <= 0 {
		return c.next.INRRate(ctx, assetID)
	}

	key := c.key(assetID)
	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if rate, parseErr := decimal.NewFromString(cached); parseErr == nil && rate.IsPositive() {
			return rate, nil
		}
		c.logger.Warn("discarding unparseable cached rate", "key", key)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("rate cache read failed", "key", key, "error", err)
	}

	rate, err := c.next.INRRate(ctx, assetID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.client.Set(ctx, key, rate.String(), c.ttl).Err(); err != nil {
		c.logger.Warn("rate cache write failed", "key", key, "error", err)
	}
	return rate, nil
}
