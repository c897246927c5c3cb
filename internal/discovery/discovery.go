// Package discovery feeds the document queue from web search results for
// each active target.
package discovery

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/signal-cli/internal/model"
	"github.com/sells-group/signal-cli/internal/resilience"
	"github.com/sells-group/signal-cli/pkg/jina"
)

// Store is the persistence surface used by discovery.
type Store interface {
	ListActiveTargets(ctx context.Context, organizationID string) ([]model.Target, error)
	EnqueueDocuments(ctx context.Context, docs []model.Document) (int, error)
}

// Config controls one discovery pass.
type Config struct {
	OrganizationID     string
	ResultsPerTarget   int
	RequestsPerSec     float64
	SiteFilters        []string
	DirectoryBlocklist []string
	MaxResultAge       time.Duration
	Budget             time.Duration
}

// DefaultConfig returns the discovery defaults.
func DefaultConfig() Config {
	return Config{
		ResultsPerTarget: 10,
		RequestsPerSec:   2,
		MaxResultAge:     7 * 24 * time.Hour,
	}
}

// Result summarizes a discovery pass.
type Result struct {
	model.Summary
	Targets         int  `json:"targets"`
	Queries         int  `json:"queries"`
	Found           int  `json:"found"`
	Enqueued        int  `json:"enqueued"`
	Blocked         int  `json:"blocked"`
	Stale           int  `json:"stale"`
	RateLimited     bool `json:"rate_limited"`
	BudgetExhausted bool `json:"budget_exhausted"`
}

// Detail returns the stage detail payload.
func (r *Result) Detail() map[string]any {
	d := r.Summary.Detail()
	d["targets"] = r.Targets
	d["queries"] = r.Queries
	d["found"] = r.Found
	d["enqueued"] = r.Enqueued
	d["blocked"] = r.Blocked
	d["stale"] = r.Stale
	d["rate_limited"] = r.RateLimited
	d["budget_exhausted"] = r.BudgetExhausted
	return d
}

// Searcher enqueues search results that mention active targets.
type Searcher struct {
	store   Store
	client  jina.Client
	limiter *rate.Limiter
	cfg     Config
	now     func() time.Time
}

// NewSearcher creates a Searcher backed by the Jina search API.
func NewSearcher(st Store, client jina.Client, cfg Config) *Searcher {
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 2
	}
	if cfg.ResultsPerTarget <= 0 {
		cfg.ResultsPerTarget = 10
	}
	return &Searcher{
		store:   st,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run searches once per target and site filter and enqueues the new URLs.
// A search failure skips that query; a rate limit ends the pass.
func (s *Searcher) Run(ctx context.Context) (*Result, error) {
	log := zap.L().With(zap.String("component", "discovery"))
	start := time.Now()
	res := &Result{}

	targets, err := s.store.ListActiveTargets(ctx, s.cfg.OrganizationID)
	if err != nil {
		return res, eris.Wrap(err, "discovery: list targets")
	}
	res.Targets = len(targets)

	sites := s.cfg.SiteFilters
	if len(sites) == 0 {
		sites = []string{""}
	}

	seen := make(map[string]bool)
	var docs []model.Document

search:
	for _, t := range targets {
		for _, site := range sites {
			if ctx.Err() != nil {
				break search
			}
			if s.cfg.Budget > 0 && time.Since(start) >= s.cfg.Budget {
				res.BudgetExhausted = true
				break search
			}
			if err := s.limiter.Wait(ctx); err != nil {
				break search
			}

			res.Queries++
			res.Processed++
			found, err := s.search(ctx, t, site)
			if err != nil {
				res.Failed++
				log.Warn("discovery: search failed",
					zap.String("target", t.Name),
					zap.String("site", site),
					zap.Error(err),
				)
				if resilience.IsRateLimit(err) {
					res.RateLimited = true
					break search
				}
				continue
			}
			res.Succeeded++

			for _, d := range found {
				res.Found++
				if seen[d.URL] {
					continue
				}
				seen[d.URL] = true
				if isDirectoryURL(d.URL, s.cfg.DirectoryBlocklist) {
					res.Blocked++
					continue
				}
				if s.stale(d) {
					res.Stale++
					continue
				}
				docs = append(docs, d)
			}
		}
	}

	if len(docs) > 0 {
		n, err := s.store.EnqueueDocuments(context.WithoutCancel(ctx), docs)
		res.Enqueued = n
		if err != nil {
			return res, eris.Wrap(err, "discovery: enqueue documents")
		}
	}

	log.Info("discovery: run complete",
		zap.Int("targets", res.Targets),
		zap.Int("queries", res.Queries),
		zap.Int("found", res.Found),
		zap.Int("enqueued", res.Enqueued),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

func (s *Searcher) search(ctx context.Context, t model.Target, site string) ([]model.Document, error) {
	var opts []jina.SearchOption
	if site != "" {
		opts = append(opts, jina.WithSiteFilter(site))
	}
	resp, err := s.client.Search(ctx, Query(t), opts...)
	if err != nil {
		return nil, err
	}

	var out []model.Document
	for _, r := range resp.Data {
		u := strings.TrimSpace(r.URL)
		if u == "" || !isHTTP(u) {
			continue
		}
		out = append(out, model.Document{
			URL:         u,
			Title:       strings.TrimSpace(r.Title),
			PublishedAt: parseDate(r.Date),
		})
		if len(out) >= s.cfg.ResultsPerTarget {
			break
		}
	}
	return out, nil
}

func (s *Searcher) stale(d model.Document) bool {
	if s.cfg.MaxResultAge <= 0 || d.PublishedAt == nil {
		return false
	}
	return s.now().Sub(*d.PublishedAt) > s.cfg.MaxResultAge
}

// Query builds the search query for a target: the quoted name plus its
// first keyword when one is configured.
func Query(t model.Target) string {
	q := `"` + strings.TrimSpace(t.Name) + `"`
	for _, k := range t.Keywords {
		k = strings.TrimSpace(k)
		if k != "" && !strings.EqualFold(k, t.Name) {
			return q + " " + k
		}
	}
	return q
}

func isHTTP(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// isDirectoryURL reports whether the URL's host is, or is a subdomain of, a
// blocklisted host.
func isDirectoryURL(raw string, blocklist []string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, blocked := range blocklist {
		blocked = strings.ToLower(blocked)
		if host == blocked || strings.HasSuffix(host, "."+blocked) {
			return true
		}
	}
	return false
}

var dateLayouts = []string{time.RFC3339, time.RFC1123, time.RFC1123Z, "2006-01-02", "Jan 2, 2006"}

func parseDate(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
