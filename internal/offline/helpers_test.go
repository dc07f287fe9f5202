package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashstudy/internal/cachestore"
	"flashstudy/internal/logging"
	"flashstudy/internal/metrics"
)

// testOrigin serves "body:<path>" for every path unless a status override is
// set, and counts hits per "METHOD path". /session also sets a cookie.
type testOrigin struct {
	srv *httptest.Server

	mu     sync.Mutex
	hits   map[string]int
	status map[string]int
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{hits: map[string]int{}, status: map[string]int{}}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.hits[r.Method+" "+r.URL.Path]++
	status, ok := o.status[r.URL.Path]
	o.mu.Unlock()

	if r.URL.Path == "/redirect" {
		http.Redirect(w, r, "/target", http.StatusFound)
		return
	}
	if !ok {
		status = http.StatusOK
	}
	if r.URL.Path == "/session" {
		w.Header().Set("Set-Cookie", "sid=abc; HttpOnly")
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "body:%s", r.URL.Path)
}

func (o *testOrigin) setStatus(path string, code int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status[path] = code
}

func (o *testOrigin) hitCount(method, path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[method+" "+path]
}

func (o *testOrigin) url(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse(o.srv.URL)
	require.NoError(t, err)
	return u
}

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

var errNetworkDown = errors.New("network unreachable")

// switchNetwork fails every fetch while down is set.
type switchNetwork struct {
	inner Network
	down  atomic.Bool
}

func (n *switchNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if n.down.Load() {
		return nil, errNetworkDown
	}
	return n.inner.Fetch(ctx, req)
}

type fixture struct {
	origin  *testOrigin
	storage cachestore.Storage
	network *switchNetwork
	metrics *metrics.Recorder
	reg     *Registration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	origin := newTestOrigin(t)
	return newFixtureWith(t, origin, cachestore.NewMemory())
}

func newFixtureWith(t *testing.T, origin *testOrigin, storage cachestore.Storage) *fixture {
	t.Helper()
	u := origin.url(t)
	network := &switchNetwork{inner: NewNetwork(u, origin.srv.Client())}
	rec := metrics.NewRecorder(nil)

	reg, err := NewRegistration(Options{
		Origin:  u,
		Storage: storage,
		Network: network,
		Logger:  logging.Discard(),
		Metrics: rec,
	})
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	return &fixture{origin: origin, storage: storage, network: network, metrics: rec, reg: reg}
}

func testVersion() Version {
	return Version{
		StaticCache:  "flashstudy-static-v1",
		DynamicCache: "flashstudy-dynamic-v1",
		Assets:       []string{"/", "/index.html", "/styles.css"},
		Shell:        "/index.html",
		Retention:    50,
		SkipWaiting:  true,
	}
}

func (f *fixture) register(t *testing.T, v Version) *Worker {
	t.Helper()
	w, err := f.reg.Register(context.Background(), v)
	require.NoError(t, err)
	return w
}

func (f *fixture) request(t *testing.T, method, path string) *Request {
	t.Helper()
	return &Request{
		Method: method,
		URL:    resolveURI(f.origin.url(t), path),
		Header: make(http.Header),
	}
}

func (f *fixture) fetch(t *testing.T, req *Request) *Response {
	t.Helper()
	resp, ok := f.reg.Fetch(context.Background(), req)
	require.True(t, ok, "worker should answer %s %s", req.Method, req.URL)
	return resp
}

// cacheKeys and cacheNames only assert so they are safe inside Eventually.
func (f *fixture) cacheKeys(t *testing.T, name string) []string {
	t.Helper()
	cache, err := f.storage.Open(context.Background(), name)
	if !assert.NoError(t, err) {
		return nil
	}
	keys, err := cache.Keys(context.Background())
	assert.NoError(t, err)
	return keys
}

func (f *fixture) cacheNames(t *testing.T) []string {
	t.Helper()
	names, err := f.storage.Names(context.Background())
	assert.NoError(t, err)
	return names
}

func counterValue(t *testing.T, rec *metrics.Recorder, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := rec.Gatherer().Gather()
	if !assert.NoError(t, err) {
		return 0
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if labelsMatch(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := map[string]string{}
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}
