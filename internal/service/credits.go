package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"nanobanana-cli/internal/domain"
	"nanobanana-cli/internal/lib/sl"
	"nanobanana-cli/internal/ports"
)

// DefaultCreditsTTL is used when no cache TTL is configured.
const DefaultCreditsTTL = 30 * time.Second

const creditsKey = "credits"

// CreditService serves the account balance from a short-lived cache.
// Concurrent fetches are collapsed into one provider call.
type CreditService struct {
	client ports.GenerationClient
	cache  *cache.Cache
	group  singleflight.Group
	log    *slog.Logger
}

// NewCreditService caches balances for ttl (DefaultCreditsTTL when ttl <= 0).
func NewCreditService(client ports.GenerationClient, ttl time.Duration, log *slog.Logger) *CreditService {
	if ttl <= 0 {
		ttl = DefaultCreditsTTL
	}
	return &CreditService{
		client: client,
		cache:  cache.New(ttl, 2*ttl),
		log:    sl.OrDiscard(log).With(sl.Module("credits")),
	}
}

// Balance returns the cached balance, fetching it on a miss.  Unknown
// balances are never cached.
func (s *CreditService) Balance(ctx context.Context) (domain.AccountCredits, error) {
	if v, ok := s.cache.Get(creditsKey); ok {
		if c, ok := v.(domain.AccountCredits); ok {
			return c, nil
		}
	}
	return s.fetch(ctx)
}

// Refresh drops the cached balance and reads it again.
func (s *CreditService) Refresh(ctx context.Context) (domain.AccountCredits, error) {
	s.cache.Delete(creditsKey)
	s.group.Forget(creditsKey)
	return s.fetch(ctx)
}

func (s *CreditService) fetch(ctx context.Context) (domain.AccountCredits, error) {
	val, err, shared := s.group.Do(creditsKey, func() (interface{}, error) {
		c, err := s.client.GetCredits(ctx)
		if err != nil {
			return nil, err
		}
		if c.Known {
			s.cache.SetDefault(creditsKey, c)
		}
		return c, nil
	})
	if err != nil {
		s.log.Error("failed to read credits", sl.Err(err))
		return domain.AccountCredits{}, fmt.Errorf("reading credits: %w", err)
	}
	c, ok := val.(domain.AccountCredits)
	if !ok {
		return domain.AccountCredits{}, fmt.Errorf("unexpected return type from singleflight: %T", val)
	}
	s.log.Debug("credits fetched", slog.String("balance", c.String()), slog.Bool("shared", shared))
	return c, nil
}

var _ ports.CreditRefresher = (*CreditService)(nil)
