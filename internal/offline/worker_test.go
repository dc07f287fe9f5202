package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashstudy/internal/cachestore"
)

func TestFetchHitSkipsNetwork(t *testing.T) {
	f := newFixture(t)
	f.register(t, testVersion())
	require.Equal(t, 1, f.origin.hitCount(http.MethodGet, "/styles.css"))

	for i := 0; i < 3; i++ {
		resp := f.fetch(t, f.request(t, http.MethodGet, "/styles.css"))
		assert.Equal(t, SourceHit, resp.Source)
		assert.Equal(t, http.StatusOK, resp.Status)
		assert.Equal(t, "body:/styles.css", string(resp.Body))
	}
	assert.Equal(t, 1, f.origin.hitCount(http.MethodGet, "/styles.css"))
}

func TestFetchMissStoresAfterResponding(t *testing.T) {
	f := newFixture(t)
	f.register(t, testVersion())

	resp := f.fetch(t, f.request(t, http.MethodGet, "/api/decks?page=2"))
	assert.Equal(t, SourceMiss, resp.Source)
	assert.Equal(t, "body:/api/decks", string(resp.Body))

	key := f.request(t, http.MethodGet, "/api/decks?page=2").Key()
	require.Eventually(t, func() bool {
		has, err := f.storage.Has(context.Background(), "flashstudy-dynamic-v1")
		if err != nil || !has {
			return false
		}
		keys := f.cacheKeys(t, "flashstudy-dynamic-v1")
		return len(keys) == 1 && keys[0] == key
	}, waitFor, tick)

	again := f.fetch(t, f.request(t, http.MethodGet, "/api/decks?page=2"))
	assert.Equal(t, SourceHit, again.Source)
	assert.Equal(t, 1, f.origin.hitCount(http.MethodGet, "/api/decks"))

	require.Eventually(t, func() bool {
		return counterValue(t, f.metrics, "flashstudy_offline_store_operations_total",
			map[string]string{"result": "stored"}) == 1
	}, waitFor, tick)
}

func TestFetchDoesNotCacheUncacheableResponses(t *testing.T) {
	f := newFixture(t)
	f.register(t, testVersion())
	f.origin.setStatus("/missing", http.StatusNotFound)

	resp := f.fetch(t, f.request(t, http.MethodGet, "/missing"))
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.Equal(t, SourceIgnored, resp.Source)

	redirected := f.fetch(t, f.request(t, http.MethodGet, "/redirect"))
	assert.Equal(t, http.StatusOK, redirected.Status)
	assert.True(t, redirected.Redirected)
	assert.Equal(t, SourceIgnored, redirected.Source)

	has, err := f.storage.Has(context.Background(), "flashstudy-dynamic-v1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestFetchOfflineNavigationGetsShell(t *testing.T) {
	f := newFixture(t)
	f.register(t, testVersion())
	f.network.down.Store(true)

	req := f.request(t, http.MethodGet, "/decks/42")
	req.Destination = "document"
	resp := f.fetch(t, req)

	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, SourceFallback, resp.Source)
	assert.Equal(t, "body:/index.html", string(resp.Body))
}

func TestFetchOfflineSubresourceGetsEmptyResponse(t *testing.T) {
	f := newFixture(t)
	f.register(t, testVersion())
	f.network.down.Store(true)

	resp := f.fetch(t, f.request(t, http.MethodGet, "/api/decks"))
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, SourceOffline, resp.Source)
	assert.Empty(t, resp.Body)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
}

func TestFetchOfflineNavigationWithoutShell(t *testing.T) {
	f := newFixture(t)
	v := testVersion()
	v.Shell = "/offline.html"
	f.register(t, v)
	f.network.down.Store(true)

	req := f.request(t, http.MethodGet, "/decks/42")
	req.Destination = "document"
	resp := f.fetch(t, req)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
	assert.Equal(t, "Offline", string(resp.Body))
}

func TestFetchIgnoresNonGetAndCrossOrigin(t *testing.T) {
	f := newFixture(t)
	f.register(t, testVersion())
	ctx := context.Background()

	_, ok := f.reg.Fetch(ctx, f.request(t, http.MethodPost, "/api/decks"))
	assert.False(t, ok)

	foreign, err := url.Parse("https://fonts.example.com/inter.woff2")
	require.NoError(t, err)
	_, ok = f.reg.Fetch(ctx, &Request{Method: http.MethodGet, URL: foreign, Header: make(http.Header)})
	assert.False(t, ok)

	assert.Equal(t, []string{"flashstudy-static-v1"}, f.cacheNames(t))
}

// matchFailStorage fails storage-wide lookups on demand.
type matchFailStorage struct {
	cachestore.Storage
	fail atomic.Bool
}

func (s *matchFailStorage) Match(ctx context.Context, key string) (cachestore.Entry, bool, error) {
	if s.fail.Load() {
		return cachestore.Entry{}, false, errors.New("disk on fire")
	}
	return s.Storage.Match(ctx, key)
}

func TestFetchLookupFailureReturnsSyntheticError(t *testing.T) {
	origin := newTestOrigin(t)
	storage := &matchFailStorage{Storage: cachestore.NewMemory()}
	f := newFixtureWith(t, origin, storage)
	f.register(t, testVersion())
	storage.fail.Store(true)

	resp := f.fetch(t, f.request(t, http.MethodGet, "/api/decks"))
	assert.Equal(t, http.StatusInternalServerError, resp.Status)
	assert.Equal(t, SourceError, resp.Source)
	assert.Equal(t, "Offline Cache Error", string(resp.Body))
	assert.Equal(t, 0, origin.hitCount(http.MethodGet, "/api/decks"))
}

func TestStoreFailureIsCounted(t *testing.T) {
	f := newFixture(t)
	v := testVersion()
	v.MaxEntryBytes = 4
	f.register(t, v)

	resp := f.fetch(t, f.request(t, http.MethodGet, "/api/decks"))
	assert.Equal(t, SourceMiss, resp.Source, "the caller still gets the network response")

	require.Eventually(t, func() bool {
		return counterValue(t, f.metrics, "flashstudy_offline_store_operations_total",
			map[string]string{"result": "error"}) == 1
	}, waitFor, tick)

	has, err := f.storage.Has(context.Background(), "flashstudy-dynamic-v1")
	require.NoError(t, err)
	assert.False(t, has)
}

func fillDynamic(t *testing.T, f *fixture, name string, n int) []string {
	t.Helper()
	ctx := context.Background()
	cache, err := f.storage.Open(ctx, name)
	require.NoError(t, err)
	keys := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		key := cachestore.Key(http.MethodGet, fmt.Sprintf("%s/E%d", f.origin.srv.URL, i))
		require.NoError(t, cache.Put(ctx, key, cachestore.Entry{Method: http.MethodGet, Status: http.StatusOK}))
		keys = append(keys, key)
	}
	return keys
}

func TestTrimKeepsNewestEntries(t *testing.T) {
	f := newFixture(t)
	w := f.register(t, testVersion())
	keys := fillDynamic(t, f, "flashstudy-dynamic-v1", 55)

	removed, err := w.Trim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, removed)
	assert.Equal(t, keys[5:], f.cacheKeys(t, "flashstudy-dynamic-v1"))

	removed, err = w.Trim(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)

	assert.Equal(t, float64(5), counterValue(t, f.metrics, "flashstudy_offline_trim_evictions_total", nil))
}

func TestTrimLoopRunsOnInterval(t *testing.T) {
	f := newFixture(t)
	v := testVersion()
	v.Retention = 3
	v.TrimEvery = 20 * time.Millisecond
	f.register(t, v)
	keys := fillDynamic(t, f, "flashstudy-dynamic-v1", 10)

	require.Eventually(t, func() bool {
		got := f.cacheKeys(t, "flashstudy-dynamic-v1")
		return assert.ObjectsAreEqual(keys[7:], got)
	}, waitFor, tick)
}

func TestClearAllDeletesEveryCache(t *testing.T) {
	f := newFixture(t)
	w := f.register(t, testVersion())
	_, err := f.storage.Open(context.Background(), "someone-elses-cache")
	require.NoError(t, err)

	ok, err := w.ClearAll(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, f.cacheNames(t))
}

func TestFetchDoesNotCacheCredentialedExchanges(t *testing.T) {
	f := newFixture(t)
	f.register(t, testVersion())

	req := f.request(t, http.MethodGet, "/api/decks")
	req.Header.Set("Cookie", "sid=abc")
	resp := f.fetch(t, req)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, SourceCredentialed, resp.Source)

	req = f.request(t, http.MethodGet, "/api/profile")
	req.Header.Set("Authorization", "Bearer token")
	assert.Equal(t, SourceCredentialed, f.fetch(t, req).Source)

	resp = f.fetch(t, f.request(t, http.MethodGet, "/session"))
	assert.Equal(t, SourceCredentialed, resp.Source)
	assert.Equal(t, "body:/session", string(resp.Body))

	require.Eventually(t, func() bool {
		f.fetch(t, f.request(t, http.MethodGet, "/api/public"))
		has, err := f.storage.Has(context.Background(), "flashstudy-dynamic-v1")
		return err == nil && has
	}, waitFor, tick)
	base := f.origin.url(t).String()
	assert.Equal(t, []string{"GET " + base + "/api/public"}, f.cacheKeys(t, "flashstudy-dynamic-v1"))

	assert.Equal(t, SourceCredentialed, f.fetch(t, f.request(t, http.MethodGet, "/session")).Source)
	assert.Equal(t, 2, f.origin.hitCount(http.MethodGet, "/session"))
}

// deleteFailStorage refuses to delete one named cache.
type deleteFailStorage struct {
	cachestore.Storage
	name string
}

func (s *deleteFailStorage) Delete(ctx context.Context, name string) (bool, error) {
	if name == s.name {
		return false, errors.New("cache locked")
	}
	return s.Storage.Delete(ctx, name)
}

func TestClearAllAttemptsEveryCache(t *testing.T) {
	origin := newTestOrigin(t)
	storage := &deleteFailStorage{Storage: cachestore.NewMemory(), name: "flashstudy-static-v1"}
	f := newFixtureWith(t, origin, storage)
	w := f.register(t, testVersion())
	for _, name := range []string{"a-cache", "z-cache"} {
		_, err := storage.Open(context.Background(), name)
		require.NoError(t, err)
	}

	ok, err := w.ClearAll(context.Background())
	require.Error(t, err)
	assert.False(t, ok)
	assert.Contains(t, err.Error(), "flashstudy-static-v1")
	assert.Equal(t, []string{"flashstudy-static-v1"}, f.cacheNames(t))
	assert.Equal(t, float64(1), counterValue(t, f.metrics, "flashstudy_offline_lifecycle_events_total",
		map[string]string{"event": "clear", "result": "error"}))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "installing", StateInstalling.String())
	assert.Equal(t, "redundant", StateRedundant.String())
	assert.Equal(t, "state(42)", State(42).String())
}
