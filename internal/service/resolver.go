package service

import (
	"context"
	"errors"
	"time"

	"github.com/Monthlyaway/short-link-relay/internal/cache"
	"github.com/Monthlyaway/short-link-relay/internal/logger"
	"github.com/Monthlyaway/short-link-relay/internal/metrics"
	"github.com/Monthlyaway/short-link-relay/internal/model"
	"github.com/Monthlyaway/short-link-relay/internal/proxy"
	"github.com/Monthlyaway/short-link-relay/internal/repository"
)

// LinkCache holds link routes in front of the store.
// Fill must not replace an existing entry; Set always does.
type LinkCache interface {
	Get(ctx context.Context, shortCode string) (cache.Route, bool, error)
	Fill(ctx context.Context, shortCode string, route cache.Route) error
	Set(ctx context.Context, shortCode string, route cache.Route) error
	Delete(ctx context.Context, shortCode string) error
}

// CodeFilter is a negative-lookup shortcut over known short codes
type CodeFilter interface {
	Add(shortCode string)
	AddBatch(shortCodes []string)
	MayExist(shortCode string) bool
}

// Fetcher performs the outbound call for proxy-mode links
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*proxy.Response, error)
}

// Resolution is the outcome of resolving a short code.
// Upstream is set only for proxy mode and must be closed by the caller.
type Resolution struct {
	ShortCode string
	Mode      model.Mode
	Target    string
	Upstream  *proxy.Response
}

// Resolver turns a short code into a redirect target or a proxied response
type Resolver struct {
	store   repository.LinkStore
	fetcher Fetcher
	cache   LinkCache
	filter  CodeFilter
	metrics *metrics.Metrics
	log     logger.Logger
}

// Option configures the optional collaborators of Resolver and LinkService
type Option func(*deps)

type deps struct {
	cache   LinkCache
	filter  CodeFilter
	metrics *metrics.Metrics
}

// WithCache puts a cache in front of the store
func WithCache(c LinkCache) Option {
	return func(d *deps) { d.cache = c }
}

// WithFilter enables the bloom filter shortcut
func WithFilter(f CodeFilter) Option {
	return func(d *deps) { d.filter = f }
}

// WithMetrics records outcomes
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *deps) { d.metrics = m }
}

func applyOptions(opts []Option) deps {
	var d deps
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// NewResolver creates a new resolver instance
func NewResolver(store repository.LinkStore, fetcher Fetcher, log logger.Logger, opts ...Option) *Resolver {
	d := applyOptions(opts)
	return &Resolver{
		store:   store,
		fetcher: fetcher,
		cache:   d.cache,
		filter:  d.filter,
		metrics: d.metrics,
		log:     log,
	}
}

// Resolve looks up shortCode, counts the click, and either returns the
// redirect target or fetches the destination for relaying.
//
// The click is committed before the mode branch and is not rolled back
// when the proxy fetch fails.
func (r *Resolver) Resolve(ctx context.Context, shortCode string) (*Resolution, error) {
	route, err := r.lookup(ctx, shortCode)
	if err != nil {
		r.countFailure(shortCode, err)
		return nil, err
	}

	if err := r.store.IncrementClicks(ctx, shortCode); err != nil {
		if errors.Is(err, model.ErrLinkNotFound) {
			// Deleted after the lookup, possibly served from a stale cache entry.
			r.evict(ctx, shortCode)
		}
		r.countFailure(shortCode, err)
		return nil, err
	}

	res := &Resolution{
		ShortCode: shortCode,
		Mode:      route.Mode,
		Target:    model.NormalizeURL(route.OriginalURL),
	}

	switch route.Mode {
	case model.ModeProxy:
		start := time.Now()
		upstream, err := r.fetcher.Fetch(ctx, res.Target)
		if err != nil {
			r.metrics.ProxyFetched(0, time.Since(start))
			r.metrics.Resolved(metrics.OutcomeUnreachable)
			r.log.Error("proxy fetch failed",
				logger.String("short_code", shortCode),
				logger.String("target", res.Target),
				logger.Error(err))
			return nil, err
		}
		r.metrics.ProxyFetched(upstream.StatusCode, time.Since(start))
		r.metrics.Resolved(metrics.OutcomeProxy)
		res.Upstream = upstream
	default:
		r.metrics.Resolved(metrics.OutcomeRedirect)
	}

	return res, nil
}

// lookup uses the cascade: bloom filter -> cache -> store
func (r *Resolver) lookup(ctx context.Context, shortCode string) (cache.Route, error) {
	if r.filter != nil && !r.filter.MayExist(shortCode) {
		return cache.Route{}, model.ErrLinkNotFound
	}

	if r.cache != nil {
		route, ok, err := r.cache.Get(ctx, shortCode)
		switch {
		case err != nil:
			r.metrics.CacheLookup("error")
			r.log.Warn("link cache read failed", logger.String("short_code", shortCode), logger.Error(err))
		case ok:
			r.metrics.CacheLookup("hit")
			return route, nil
		default:
			r.metrics.CacheLookup("miss")
		}
	}

	link, err := r.store.GetByCode(ctx, shortCode)
	if err != nil {
		return cache.Route{}, err
	}
	route := cache.RouteOf(link)

	if r.cache != nil {
		if err := r.cache.Fill(ctx, shortCode, route); err != nil {
			r.log.Warn("link cache fill failed", logger.String("short_code", shortCode), logger.Error(err))
		}
	}
	return route, nil
}

func (r *Resolver) evict(ctx context.Context, shortCode string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, shortCode); err != nil {
		r.log.Warn("link cache evict failed", logger.String("short_code", shortCode), logger.Error(err))
	}
}

// countFailure records a failed resolution. Anything but a missing link is
// logged with its cause, since the client only sees a generic 500.
func (r *Resolver) countFailure(shortCode string, err error) {
	if errors.Is(err, model.ErrLinkNotFound) {
		r.metrics.Resolved(metrics.OutcomeNotFound)
		return
	}
	r.metrics.Resolved(metrics.OutcomeError)
	r.log.Error("resolve failed",
		logger.String("short_code", shortCode),
		logger.Error(err))
}
