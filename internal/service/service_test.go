package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Monthlyaway/short-link-relay/internal/cache"
	"github.com/Monthlyaway/short-link-relay/internal/codegen"
	"github.com/Monthlyaway/short-link-relay/internal/filter"
	"github.com/Monthlyaway/short-link-relay/internal/logger"
	"github.com/Monthlyaway/short-link-relay/internal/model"
	"github.com/Monthlyaway/short-link-relay/internal/proxy"
	"github.com/Monthlyaway/short-link-relay/internal/repository"
	"github.com/Monthlyaway/short-link-relay/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// stubTransport answers every request with a canned response and counts calls
type stubTransport struct {
	calls   int32
	mu      sync.Mutex
	methods []string
	urls    []string
	status  int
	header  http.Header
	body    string
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	atomic.AddInt32(&s.calls, 1)
	s.mu.Lock()
	s.methods = append(s.methods, req.Method)
	s.urls = append(s.urls, req.URL.String())
	s.mu.Unlock()

	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     s.header.Clone(),
		Body:       io.NopCloser(strings.NewReader(s.body)),
		Request:    req,
	}, nil
}

func (s *stubTransport) Calls() int {
	return int(atomic.LoadInt32(&s.calls))
}

// memCache is an in-process LinkCache
type memCache struct {
	mu     sync.Mutex
	routes map[string]cache.Route
}

func newMemCache() *memCache {
	return &memCache{routes: map[string]cache.Route{}}
}

func (m *memCache) Get(_ context.Context, code string) (cache.Route, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.routes[code]
	return r, ok, nil
}

func (m *memCache) Fill(_ context.Context, code string, r cache.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.routes[code]; !ok {
		m.routes[code] = r
	}
	return nil
}

func (m *memCache) Set(_ context.Context, code string, r cache.Route) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[code] = r
	return nil
}

func (m *memCache) Delete(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.routes, code)
	return nil
}

type fixture struct {
	repo      *repository.LinkRepository
	links     *LinkService
	resolver  *Resolver
	transport *stubTransport
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	repo := testutil.NewLinkRepository(t)
	transport := &stubTransport{header: http.Header{}}
	gen := codegen.New(repo.Exists)

	return &fixture{
		repo:      repo,
		links:     NewLinkService(repo, gen, logger.Nop(), opts...),
		resolver:  NewResolver(repo, proxy.NewExecutor(proxy.WithTransport(transport)), logger.Nop(), opts...),
		transport: transport,
	}
}

func TestCreateCustomAndResolveRedirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.links.Create(ctx, CreateLinkInput{
		OriginalURL: "example.com",
		CustomCode:  "abc123",
		Mode:        model.ModeRedirect,
	})
	require.NoError(t, err)

	res, err := f.resolver.Resolve(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, model.ModeRedirect, res.Mode)
	assert.Equal(t, "http://example.com", res.Target)
	assert.Nil(t, res.Upstream)
	assert.Equal(t, 0, f.transport.Calls())

	link, err := f.links.Get(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), link.Clicks)
	assert.Equal(t, "example.com", link.OriginalURL)
}

func TestResolveProxyFetchesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.transport.header.Set("Content-Type", "text/plain")
	f.transport.header.Set("Content-Length", "5")
	f.transport.body = "hello"

	_, err := f.links.Create(ctx, CreateLinkInput{
		OriginalURL: "http://upstream.test/file",
		CustomCode:  "px1",
		Mode:        model.ModeProxy,
	})
	require.NoError(t, err)

	res, err := f.resolver.Resolve(ctx, "px1")
	require.NoError(t, err)
	require.NotNil(t, res.Upstream)
	defer res.Upstream.Close()

	body, err := io.ReadAll(res.Upstream.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, http.StatusOK, res.Upstream.StatusCode)
	assert.Equal(t, []proxy.HeaderField{{Name: "Content-Type", Value: "text/plain"}}, res.Upstream.Header)

	assert.Equal(t, 1, f.transport.Calls())
	assert.Equal(t, []string{http.MethodGet}, f.transport.methods)
	assert.Equal(t, []string{"http://upstream.test/file"}, f.transport.urls)

	link, err := f.links.Get(ctx, "px1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), link.Clicks)
}

func TestResolveProxyNormalizesSchemelessURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.links.Create(ctx, CreateLinkInput{OriginalURL: "example.com/x", CustomCode: "px2", Mode: model.ModeProxy})
	require.NoError(t, err)

	res, err := f.resolver.Resolve(ctx, "px2")
	require.NoError(t, err)
	res.Upstream.Close()
	assert.Equal(t, []string{"http://example.com/x"}, f.transport.urls)
}

func TestResolveProxyUnreachableStillCounts(t *testing.T) {
	repo := testutil.NewLinkRepository(t)
	ctx := context.Background()
	links := NewLinkService(repo, codegen.New(repo.Exists), logger.Nop())
	resolver := NewResolver(repo, proxy.NewExecutor(proxy.WithTransport(failingTransport{})), logger.Nop())

	_, err := links.Create(ctx, CreateLinkInput{OriginalURL: "http://down.test", CustomCode: "down", Mode: model.ModeProxy})
	require.NoError(t, err)

	_, err = resolver.Resolve(ctx, "down")
	require.ErrorIs(t, err, proxy.ErrUpstreamUnreachable)

	link, err := links.Get(ctx, "down")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), link.Clicks)
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, io.ErrUnexpectedEOF
}

func TestResolveUnknownCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrLinkNotFound)
}

func TestConcurrentResolvesCountEveryClick(t *testing.T) {
	f := newFixture(t, WithCache(newMemCache()))
	ctx := context.Background()

	_, err := f.links.Create(ctx, CreateLinkInput{OriginalURL: "https://example.com", CustomCode: "hot"})
	require.NoError(t, err)

	const n = 40
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.resolver.Resolve(ctx, "hot")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	link, err := f.links.Get(ctx, "hot")
	require.NoError(t, err)
	assert.Equal(t, uint64(n), link.Clicks)
}

func TestDeleteThenResolveIsNotFound(t *testing.T) {
	c := newMemCache()
	f := newFixture(t, WithCache(c))
	ctx := context.Background()

	_, err := f.links.Create(ctx, CreateLinkInput{OriginalURL: "https://example.com", CustomCode: "gone"})
	require.NoError(t, err)
	_, err = f.resolver.Resolve(ctx, "gone")
	require.NoError(t, err)

	require.NoError(t, f.links.Delete(ctx, "gone"))
	_, err = f.resolver.Resolve(ctx, "gone")
	assert.ErrorIs(t, err, model.ErrLinkNotFound)
}

func TestStaleCacheEntryIsEvicted(t *testing.T) {
	c := newMemCache()
	f := newFixture(t, WithCache(c))
	ctx := context.Background()

	// Entry left behind by a writer that lost the race with a delete.
	require.NoError(t, c.Set(ctx, "ghost", cache.Route{OriginalURL: "https://example.com"}))

	_, err := f.resolver.Resolve(ctx, "ghost")
	assert.ErrorIs(t, err, model.ErrLinkNotFound)
	_, ok, _ := c.Get(ctx, "ghost")
	assert.False(t, ok)
}

func TestFilterShortCircuitsUnknownCodes(t *testing.T) {
	cf := filter.NewCodeFilter(1000, 0.01)
	f := newFixture(t, WithFilter(cf))
	ctx := context.Background()

	// Written behind the service's back, so the filter never saw it.
	require.NoError(t, f.repo.Create(ctx, &model.Link{ShortCode: "hidden", OriginalURL: "https://example.com"}))
	_, err := f.resolver.Resolve(ctx, "hidden")
	assert.ErrorIs(t, err, model.ErrLinkNotFound)

	_, err = f.links.Create(ctx, CreateLinkInput{OriginalURL: "https://example.com", CustomCode: "known"})
	require.NoError(t, err)
	assert.True(t, cf.MayExist("known"))

	_, err = f.resolver.Resolve(ctx, "known")
	require.NoError(t, err)
}

func TestInitFilterLoadsExistingCodes(t *testing.T) {
	repo := testutil.NewLinkRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &model.Link{ShortCode: "seeded", OriginalURL: "https://example.com"}))

	cf := filter.NewCodeFilter(1000, 0.01)
	links := NewLinkService(repo, codegen.New(repo.Exists), logger.Nop(), WithFilter(cf))
	require.NoError(t, links.InitFilter(ctx))
	assert.True(t, cf.MayExist("seeded"))
}

func TestCreateCustomConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.links.Create(ctx, CreateLinkInput{OriginalURL: "https://a.example", CustomCode: "dup"})
	require.NoError(t, err)
	_, err = f.links.Create(ctx, CreateLinkInput{OriginalURL: "https://b.example", CustomCode: "dup"})
	assert.ErrorIs(t, err, model.ErrCodeConflict)

	link, err := f.links.Get(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, "https://a.example", link.OriginalURL)
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		in   CreateLinkInput
	}{
		{"empty url", CreateLinkInput{OriginalURL: "   "}},
		{"no host", CreateLinkInput{OriginalURL: "http://"}},
		{"url too long", CreateLinkInput{OriginalURL: "https://example.com/" + strings.Repeat("a", model.MaxURLLength)}},
		{"note too long", CreateLinkInput{OriginalURL: "https://example.com", Note: strings.Repeat("n", model.MaxNoteLength+1)}},
		{"bad custom code", CreateLinkInput{OriginalURL: "https://example.com", CustomCode: "has space"}},
		{"reserved code", CreateLinkInput{OriginalURL: "https://example.com", CustomCode: "api"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.links.Create(ctx, tt.in)
			assert.ErrorIs(t, err, model.ErrInvalidInput)
		})
	}

	links, err := f.links.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestConcurrentGeneratedCodesAreUnique(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 50
	codes := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			link, err := f.links.Create(ctx, CreateLinkInput{OriginalURL: "https://example.com"})
			if assert.NoError(t, err) {
				codes <- link.ShortCode
			}
		}()
	}
	wg.Wait()
	close(codes)

	seen := map[string]bool{}
	for code := range codes {
		assert.Len(t, code, codegen.DefaultLength)
		assert.False(t, seen[code], "duplicate code %s", code)
		seen[code] = true
	}
	assert.Len(t, seen, n)
}

func TestCreateGeneratedExhausted(t *testing.T) {
	repo := testutil.NewLinkRepository(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &model.Link{ShortCode: "AAAAAA", OriginalURL: "https://example.com"}))

	// Always draws index 0, so every candidate is "AAAAAA".
	gen := codegen.New(repo.Exists, codegen.WithRand(func(int) int { return 0 }), codegen.WithMaxAttempts(3))
	links := NewLinkService(repo, gen, logger.Nop())

	_, err := links.Create(ctx, CreateLinkInput{OriginalURL: "https://other.example"})
	assert.ErrorIs(t, err, codegen.ErrCapacityExhausted)
}

func TestUpdateRefreshesCache(t *testing.T) {
	c := newMemCache()
	f := newFixture(t, WithCache(c))
	ctx := context.Background()

	_, err := f.links.Create(ctx, CreateLinkInput{OriginalURL: "https://old.example", CustomCode: "edit"})
	require.NoError(t, err)
	_, err = f.resolver.Resolve(ctx, "edit")
	require.NoError(t, err)

	proxyMode := model.ModeProxy
	link, err := f.links.Update(ctx, "edit", UpdateLinkInput{OriginalURL: "https://new.example", Note: "moved", Mode: &proxyMode})
	require.NoError(t, err)
	assert.Equal(t, "https://new.example", link.OriginalURL)
	assert.Equal(t, "moved", link.Note)
	assert.Equal(t, model.ModeProxy, link.Mode)
	assert.Equal(t, uint64(1), link.Clicks)

	route, ok, _ := c.Get(ctx, "edit")
	require.True(t, ok)
	assert.Equal(t, cache.Route{OriginalURL: "https://new.example", Mode: model.ModeProxy}, route)

	res, err := f.resolver.Resolve(ctx, "edit")
	require.NoError(t, err)
	defer res.Upstream.Close()
	assert.Equal(t, []string{"https://new.example"}, f.transport.urls)
}

func TestUpdateInvalidWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.links.Create(ctx, CreateLinkInput{OriginalURL: "https://keep.example", CustomCode: "keep"})
	require.NoError(t, err)

	_, err = f.links.Update(ctx, "keep", UpdateLinkInput{OriginalURL: ""})
	require.ErrorIs(t, err, model.ErrInvalidInput)

	link, err := f.links.Get(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, "https://keep.example", link.OriginalURL)
}

func TestUpdateAndDeleteMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.links.Update(ctx, "missing", UpdateLinkInput{OriginalURL: "https://example.com"})
	assert.ErrorIs(t, err, model.ErrLinkNotFound)
	assert.ErrorIs(t, f.links.Delete(ctx, "missing"), model.ErrLinkNotFound)
}

// brokenStore fails the resolution path of an otherwise working store
type brokenStore struct {
	repository.LinkStore
	getErr error
	incErr error
}

func (s brokenStore) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.LinkStore.GetByCode(ctx, code)
}

func (s brokenStore) IncrementClicks(ctx context.Context, code string) error {
	if s.incErr != nil {
		return s.incErr
	}
	return s.LinkStore.IncrementClicks(ctx, code)
}

func TestResolveLogsStoreFailures(t *testing.T) {
	refused := errors.New("dial tcp 10.0.0.7:3306: connect: connection refused")
	tests := []struct {
		name  string
		store func(repository.LinkStore) brokenStore
	}{
		{"lookup", func(s repository.LinkStore) brokenStore { return brokenStore{LinkStore: s, getErr: refused} }},
		{"increment", func(s repository.LinkStore) brokenStore { return brokenStore{LinkStore: s, incErr: refused} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			repo := testutil.NewLinkRepository(t)
			require.NoError(t, repo.Create(ctx, &model.Link{ShortCode: "abc123", OriginalURL: "example.com"}))

			core, logs := observer.New(zapcore.InfoLevel)
			transport := &stubTransport{header: http.Header{}}
			resolver := NewResolver(tt.store(repo), proxy.NewExecutor(proxy.WithTransport(transport)), logger.Wrap(zap.New(core)))

			_, err := resolver.Resolve(ctx, "abc123")
			require.ErrorIs(t, err, refused)
			assert.Zero(t, transport.Calls())

			entries := logs.FilterMessage("resolve failed").All()
			require.Len(t, entries, 1)
			fields := entries[0].ContextMap()
			assert.Equal(t, "abc123", fields["short_code"])
			assert.Contains(t, fields["error"], "connection refused")
		})
	}
}

func TestResolveNotFoundIsNotLogged(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	repo := testutil.NewLinkRepository(t)
	resolver := NewResolver(repo, proxy.NewExecutor(), logger.Wrap(zap.New(core)))

	_, err := resolver.Resolve(context.Background(), "missing")
	require.ErrorIs(t, err, model.ErrLinkNotFound)
	assert.Zero(t, logs.Len())
}

// racingStore loses every insert to a concurrent writer
type racingStore struct {
	repository.LinkStore
}

func (racingStore) Create(context.Context, *model.Link) error {
	return model.ErrCodeConflict
}

func TestCreateGeneratedRetriesShareBudget(t *testing.T) {
	var checks int32
	// Every other candidate is already taken.
	exists := func(context.Context, string) (bool, error) {
		return atomic.AddInt32(&checks, 1)%2 == 1, nil
	}
	gen := codegen.New(exists, codegen.WithMaxAttempts(4))
	links := NewLinkService(racingStore{LinkStore: testutil.NewLinkRepository(t)}, gen, logger.Nop())

	_, err := links.Create(context.Background(), CreateLinkInput{OriginalURL: "https://example.com"})
	require.ErrorIs(t, err, codegen.ErrCapacityExhausted)
	assert.Equal(t, int32(4), atomic.LoadInt32(&checks))
}
