// Package scrape implements the fetch collaborator: a chain of scrapers tried
// in priority order behind per-host throttling and per-scraper circuit
// breakers.
package scrape

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
)

// ErrExcluded is returned for URLs the chain refuses to fetch.
var ErrExcluded = eris.New("scrape: url excluded")

// ChainConfig configures a Chain.
type ChainConfig struct {
	// Timeout bounds one Fetch call across all scrapers. Default: 30s.
	Timeout time.Duration
	// PerHostRPS throttles requests per origin host. Zero disables throttling.
	PerHostRPS float64
	// MinContentChars is the content length that counts as full content.
	MinContentChars int
	// ExcludePaths are glob patterns of URL paths never fetched. Nil selects
	// the defaults.
	ExcludePaths []string
	// Breaker configures the per-scraper circuit breakers.
	Breaker resilience.CircuitBreakerConfig
}

// Chain tries scrapers in priority order, returning the first full result.
type Chain struct {
	matcher    *PathMatcher
	scrapers   []Scraper
	breakers   *resilience.ServiceBreakers
	timeout    time.Duration
	perHostRPS float64
	minContent int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewChain creates a Chain. Scrapers are tried in order.
func NewChain(cfg ChainConfig, scrapers ...Scraper) *Chain {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	bcfg := cfg.Breaker
	if bcfg.FailureThreshold == 0 {
		bcfg = resilience.DefaultCircuitBreakerConfig()
	}
	if bcfg.ShouldTrip == nil {
		// Per-URL failures such as 404s say nothing about the scraper's health.
		bcfg.ShouldTrip = func(err error) bool {
			return resilience.IsTransient(err) && !resilience.IsRateLimit(err)
		}
	}
	if bcfg.OnStateChange == nil {
		bcfg.OnStateChange = func(name string, from, to resilience.CircuitState) {
			zap.L().Warn("scrape: circuit breaker state change",
				zap.String("scraper", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}

	return &Chain{
		matcher:    NewPathMatcher(cfg.ExcludePaths),
		scrapers:   scrapers,
		breakers:   resilience.NewServiceBreakers(bcfg),
		timeout:    cfg.Timeout,
		perHostRPS: cfg.PerHostRPS,
		minContent: cfg.MinContentChars,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// BreakerStates returns the circuit state of every scraper used so far.
func (c *Chain) BreakerStates() map[string]string {
	return c.breakers.States()
}

// Fetch obtains content for targetURL. A metadata_only result from one
// scraper is kept while later scrapers try for full content. When every
// scraper fails and any of them was rate limited, the returned error is a
// rate-limit error so the caller can back off instead of counting an attempt.
func (c *Chain) Fetch(ctx context.Context, targetURL string) (*Result, error) {
	if c.matcher.IsExcluded(targetURL) {
		return nil, eris.Wrapf(ErrExcluded, "scrape: %s", targetURL)
	}

	if err := c.wait(ctx, targetURL); err != nil {
		return nil, eris.Wrap(err, "scrape: host limiter")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var (
		best      *Result
		lastErr   error
		rateErr   error
		attempted int
	)
	for _, s := range c.scrapers {
		if !s.Supports(targetURL) {
			continue
		}
		result, err := resilience.ExecuteVal(ctx, c.breakers.Get(s.Name()), func(ctx context.Context) (*Result, error) {
			return s.Scrape(ctx, targetURL)
		})
		if errors.Is(err, resilience.ErrCircuitOpen) {
			continue
		}
		attempted++
		if err == nil && result != nil {
			result.Status = c.classify(result.Page)
			switch result.Status {
			case model.ScrapeStatusCompleted:
				return result, nil
			case model.ScrapeStatusMetadataOnly:
				if best == nil {
					best = result
				}
				continue
			}
			err = eris.Errorf("%s: no usable content", s.Name())
		}

		zap.L().Debug("scrape: scraper failed, trying next",
			zap.String("scraper", s.Name()),
			zap.String("url", targetURL),
			zap.Error(err),
		)
		if resilience.IsRateLimit(err) {
			rateErr = err
		}
		lastErr = err
	}

	switch {
	case best != nil:
		return best, nil
	case rateErr != nil:
		return nil, eris.Wrap(rateErr, "scrape: rate limited")
	case lastErr != nil:
		return nil, eris.Wrap(lastErr, "scrape: all scrapers failed")
	case attempted == 0 && len(c.scrapers) > 0:
		// Every breaker is open; try again on a later run.
		return nil, resilience.NewTransientError(eris.Errorf("scrape: no scraper available for %s", targetURL), 0)
	default:
		return nil, eris.Errorf("scrape: no suitable scraper for %s", targetURL)
	}
}

// classify decides how much of the document was obtained.
func (c *Chain) classify(p Page) model.ScrapeStatus {
	content := strings.TrimSpace(p.Content)
	if content == "" && strings.TrimSpace(p.Title) == "" {
		return ""
	}
	if len(content) < c.minContent || isPaywalled(content) {
		return model.ScrapeStatusMetadataOnly
	}
	return model.ScrapeStatusCompleted
}

func (c *Chain) wait(ctx context.Context, targetURL string) error {
	if c.perHostRPS <= 0 {
		return nil
	}
	u, err := url.Parse(targetURL)
	if err != nil {
		return err
	}
	host := strings.ToLower(u.Hostname())

	c.mu.Lock()
	lim, ok := c.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(c.perHostRPS), 1)
		c.limiters[host] = lim
	}
	c.mu.Unlock()

	return lim.Wait(ctx)
}
