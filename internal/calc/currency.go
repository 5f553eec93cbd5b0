package calc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/baechuer/parcel-registry/internal/domain"
	"github.com/baechuer/parcel-registry/internal/logger"
)

const (
	rateCacheKey = "usd_to_rub"
	rateCacheTTL = time.Hour
)

// RateSource yields the current USD to RUB rate. Strategies depend on
// this instead of the concrete service so tests can pin the rate.
type RateSource interface {
	UsdRate(ctx context.Context) (float64, error)
}

// CurrencyService fetches the daily USD rate from the central bank feed
// and keeps it in cache for an hour. Cache trouble is logged and
// tolerated; only a failed fetch makes the rate unavailable.
type CurrencyService struct {
	cache  domain.CacheRepository
	client *http.Client
	url    string
}

func NewCurrencyService(cache domain.CacheRepository, client *http.Client, url string) *CurrencyService {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &CurrencyService{cache: cache, client: client, url: url}
}

func (s *CurrencyService) UsdRate(ctx context.Context) (float64, error) {
	log := logger.WithCtx(ctx)

	if raw, err := s.cache.Get(ctx, rateCacheKey); err == nil {
		rate, perr := strconv.ParseFloat(raw, 64)
		if perr == nil && rate > 0 {
			return rate, nil
		}
		log.Warn().Str("value", raw).Msg("discarding unparsable cached rate")
	} else if err != domain.ErrCacheMiss {
		log.Warn().Err(err).Msg("rate cache read failed")
	}

	rate, err := s.fetch(ctx)
	if err != nil {
		log.Error().Err(err).Msg("currency rate fetch failed")
		return 0, fmt.Errorf("%w: %v", domain.ErrRateUnavailable, err)
	}

	value := strconv.FormatFloat(rate, 'f', -1, 64)
	if err := s.cache.Set(ctx, rateCacheKey, value, rateCacheTTL); err != nil {
		log.Warn().Err(err).Msg("rate cache write failed")
	}
	return rate, nil
}

func (s *CurrencyService) fetch(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return 0, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d from rate feed", resp.StatusCode)
	}

	var body struct {
		Valute struct {
			USD struct {
				Value float64 `json:"Value"`
			} `json:"USD"`
		} `json:"Valute"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode rate feed: %w", err)
	}
	if body.Valute.USD.Value <= 0 {
		return 0, fmt.Errorf("rate feed returned non-positive USD value")
	}
	return body.Valute.USD.Value, nil
}
