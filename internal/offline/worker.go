package offline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"

	"flashstudy/internal/cachestore"
	"flashstudy/internal/metrics"
)

type State int32

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrQuotaExceeded is returned when a response is too large to cache.
var ErrQuotaExceeded = errs.New(errs.CodeRateLimit, "offline: entry exceeds cache quota")

var _ EventHandler = (*Worker)(nil)

// host is the lifecycle owner a worker reports to.
type host interface {
	skipWaiting(ctx context.Context, w *Worker)
	claim(w *Worker)
}

// WorkerOptions are the collaborators shared by every worker version.
type WorkerOptions struct {
	Origin  *url.URL
	Storage cachestore.Storage
	Network Network
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// BackgroundLimit caps concurrent detached cache stores.
	BackgroundLimit int
}

// Worker is one version of the offline cache manager.
type Worker struct {
	id      uint64
	version Version
	origin  *url.URL
	storage cachestore.Storage
	network Network
	host    host

	logger   *slog.Logger
	metrics  *metrics.Recorder
	storeLog *rateLimitedLogger

	state       atomic.Int32
	skipWaiting atomic.Bool

	bgSem chan struct{}

	mu        sync.RWMutex
	closed    bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
	maintOnce sync.Once
}

// NewWorker builds a worker for v. The worker does nothing until events are
// dispatched to it.
func NewWorker(id uint64, v Version, opts WorkerOptions) *Worker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := opts.BackgroundLimit
	if limit <= 0 {
		limit = 32
	}
	logger = logger.With(slog.String("component", "worker"), slog.String("version", v.StaticCache), slog.Uint64("worker_id", id))
	return &Worker{
		id:       id,
		version:  v,
		origin:   opts.Origin,
		storage:  opts.Storage,
		network:  opts.Network,
		logger:   logger,
		metrics:  opts.Metrics,
		storeLog: newRateLimitedLogger(logger, time.Minute),
		bgSem:    make(chan struct{}, limit),
		stopCh:   make(chan struct{}),
	}
}

func (w *Worker) ID() uint64 { return w.id }

func (w *Worker) Version() Version { return w.version }

func (w *Worker) State() State { return State(w.state.Load()) }

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
	w.logger.Debug("worker state", slog.String("state", s.String()))
}

// SkipWaiting asks the host to activate this worker without waiting for the
// previous version to be released.
func (w *Worker) SkipWaiting(ctx context.Context) {
	w.skipWaiting.Store(true)
	if w.host != nil {
		w.host.skipWaiting(ctx, w)
	}
}

func (w *Worker) OnInstall(ev *ExtendableEvent) {
	w.logger.Info("install")
	ev.WaitUntil(w.install)
}

// install precaches every static asset. Either all assets land in the
// static cache or none do.
func (w *Worker) install(ctx context.Context) error {
	assets := w.version.Assets
	fetched := make([]*Response, len(assets))
	reqs := make([]*Request, len(assets))

	g, gctx := errgroup.WithContext(ctx)
	for i, path := range assets {
		reqs[i] = w.assetRequest(path)
		g.Go(func() error {
			resp, err := w.network.Fetch(gctx, reqs[i])
			if err != nil {
				return errs.WrapWithContext(err, errs.CodeNetwork, "offline: fetch static asset", map[string]interface{}{"path": path})
			}
			if resp.Status < 200 || resp.Status >= 300 {
				return errs.WithContext(
					errs.Newf(errs.CodeNetwork, "offline: static asset responded %d", resp.Status),
					"path", path,
				)
			}
			fetched[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		w.logger.Error("static precache failed", slog.Any("error", err))
		return err
	}

	existed, err := w.storage.Has(ctx, w.version.StaticCache)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "offline: check static cache")
	}
	cache, err := w.storage.Open(ctx, w.version.StaticCache)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "offline: open static cache")
	}
	for i, resp := range fetched {
		if err := cache.Put(ctx, reqs[i].Key(), resp.entry(reqs[i])); err != nil {
			if !existed {
				// a half-written static cache must not outlive the failed install
				if _, derr := w.storage.Delete(context.WithoutCancel(ctx), w.version.StaticCache); derr != nil {
					w.logger.Error("drop partial static cache", slog.Any("error", derr))
				}
			}
			return errs.Wrap(err, errs.CodeDatabase, "offline: store static asset")
		}
	}
	w.logger.Info("static assets cached", slog.Int("assets", len(assets)))

	if w.version.SkipWaiting {
		w.SkipWaiting(ctx)
	}
	return nil
}

func (w *Worker) assetRequest(path string) *Request {
	return &Request{Method: http.MethodGet, URL: resolveURI(w.origin, path), Header: make(http.Header)}
}

func (w *Worker) OnActivate(ev *ExtendableEvent) {
	w.logger.Info("activate")
	ev.WaitUntil(w.activate)
}

// activate drops every cache that does not belong to this version, then
// takes over clients. Cleanup failures never block the takeover.
func (w *Worker) activate(ctx context.Context) error {
	cleanupErr := w.deleteStaleCaches(ctx)
	if cleanupErr != nil {
		w.logger.Error("stale cache cleanup failed", slog.Any("error", cleanupErr))
	}
	if w.host != nil {
		w.host.claim(w)
	}
	w.logger.Info("activated")
	return cleanupErr
}

func (w *Worker) deleteStaleCaches(ctx context.Context) error {
	names, err := w.storage.Names(ctx)
	if err != nil {
		return errs.Wrap(err, errs.CodeDatabase, "offline: list caches")
	}

	var (
		mu     sync.Mutex
		failed []string
	)
	var g errgroup.Group
	for _, name := range names {
		if w.version.live(name) {
			continue
		}
		g.Go(func() error {
			w.logger.Info("deleting old cache", slog.String("cache", name))
			if _, err := w.storage.Delete(ctx, name); err != nil {
				w.logger.Error("delete old cache", slog.String("cache", name), slog.Any("error", err))
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(failed) > 0 {
		return errs.Newf(errs.CodeDatabase, "offline: failed to delete %d old caches: %v", len(failed), failed)
	}
	return nil
}

// intercepts reports whether the fetch policy applies to req.
func (w *Worker) intercepts(req *Request) bool {
	return req.Method == http.MethodGet && sameOrigin(req.URL, w.origin)
}

func (w *Worker) OnFetch(ev *FetchEvent) {
	if !w.intercepts(ev.Request) {
		return
	}
	ev.RespondWith(func(ctx context.Context) *Response {
		return w.respond(ctx, ev.Request)
	})
}

// respond applies the cache-first policy.
func (w *Worker) respond(ctx context.Context, req *Request) *Response {
	ent, ok, err := w.storage.Match(ctx, req.Key())
	if err != nil {
		w.logger.Error("cache match failed", slog.String("url", req.URL.String()), slog.Any("error", err))
		return textResponse(http.StatusInternalServerError, "Offline Cache Error", SourceError)
	}
	if ok {
		w.logger.Debug("serving from cache", slog.String("url", req.URL.String()))
		return responseFromEntry(ent, SourceHit)
	}

	w.logger.Debug("fetching from network", slog.String("url", req.URL.String()))
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		w.logger.Warn("network fetch failed", slog.String("url", req.URL.String()), slog.Any("error", err))
		return w.offlineResponse(ctx, req)
	}
	if !resp.Cacheable() {
		resp.Source = SourceIgnored
		return resp
	}
	if credentialed(req, resp) {
		resp.Source = SourceCredentialed
		return resp
	}

	resp.Source = SourceMiss
	w.storeAsync(req, resp.Clone())
	return resp
}

// credentialed reports whether the exchange belongs to one user. The dynamic
// cache is shared by every client of the proxy, so such responses stay out.
func credentialed(req *Request, resp *Response) bool {
	return req.Header.Get("Authorization") != "" ||
		req.Header.Get("Cookie") != "" ||
		len(resp.Header.Values("Set-Cookie")) > 0
}

func (w *Worker) offlineResponse(ctx context.Context, req *Request) *Response {
	if req.IsNavigation() {
		shell := w.assetRequest(w.version.Shell)
		ent, ok, err := w.storage.Match(ctx, shell.Key())
		if err == nil && ok {
			return responseFromEntry(ent, SourceFallback)
		}
		if err != nil {
			w.logger.Error("offline shell lookup failed", slog.Any("error", err))
		}
		return textResponse(http.StatusServiceUnavailable, "Offline", SourceFallback)
	}
	return textResponse(http.StatusOK, "", SourceOffline)
}

// storeAsync writes resp to the dynamic cache in a detached goroutine. The
// caller's response never waits on it; failures are logged and counted.
func (w *Worker) storeAsync(req *Request, resp *Response) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.metrics.ObserveStore(metrics.StoreSkipped)
		return
	}
	select {
	case w.bgSem <- struct{}{}:
	default:
		w.metrics.ObserveStore(metrics.StoreSkipped)
		w.storeLog.Warn("dynamic cache store skipped, background capacity exhausted", slog.String("url", req.URL.String()))
		return
	}

	key := req.Key()
	ent := resp.entry(req)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() { <-w.bgSem }()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := w.store(ctx, key, ent); err != nil {
			w.metrics.ObserveStore(metrics.StoreError)
			w.storeLog.Warn("dynamic cache store failed", slog.String("url", ent.URL), slog.Any("error", err))
			return
		}
		w.metrics.ObserveStore(metrics.StoreStored)
	}()
}

func (w *Worker) store(ctx context.Context, key string, ent cachestore.Entry) error {
	if limit := w.version.MaxEntryBytes; limit > 0 && int64(len(ent.Body)) > limit {
		return ErrQuotaExceeded
	}
	cache, err := w.storage.Open(ctx, w.version.DynamicCache)
	if err != nil {
		return err
	}
	return cache.Put(ctx, key, ent)
}

func (w *Worker) OnMessage(ev *MessageEvent) {
	w.logger.Debug("message received", slog.String("type", ev.Data.Type))
	switch ev.Data.Type {
	case MessageSkipWaiting:
		w.SkipWaiting(ev.Context())
	case MessageGetVersion:
		ev.reply(VersionReply{Version: w.version.StaticCache})
	case MessageClearCache:
		ev.WaitUntil(func(ctx context.Context) error {
			ok, err := w.ClearAll(ctx)
			ev.reply(ClearReply{Success: ok})
			return err
		})
	}
}

// Trim drops the oldest dynamic entries until at most Retention remain.
// Excess is computed from a fresh key listing each run.
func (w *Worker) Trim(ctx context.Context) (int, error) {
	cache, err := w.storage.Open(ctx, w.version.DynamicCache)
	if err != nil {
		w.logger.Error("trim: open dynamic cache", slog.Any("error", err))
		return 0, err
	}
	keys, err := cache.Keys(ctx)
	if err != nil {
		w.logger.Error("trim: list keys", slog.Any("error", err))
		return 0, err
	}
	excess := len(keys) - w.version.Retention
	if excess <= 0 {
		return 0, nil
	}

	removed := 0
	for _, key := range keys[:excess] {
		ok, err := cache.Delete(ctx, key)
		if err != nil {
			w.logger.Error("trim: delete entry", slog.String("key", key), slog.Any("error", err))
			w.metrics.ObserveTrim(removed)
			return removed, err
		}
		if ok {
			removed++
		}
	}
	w.metrics.ObserveTrim(removed)
	w.logger.Info("trimmed dynamic cache", slog.Int("removed", removed), slog.Int("retained", len(keys)-excess))
	return removed, nil
}

// ClearAll deletes every cache in storage. Every deletion is attempted even
// when an earlier one fails.
func (w *Worker) ClearAll(ctx context.Context) (bool, error) {
	names, err := w.storage.Names(ctx)
	if err == nil {
		var failed []error
		for _, name := range names {
			if _, derr := w.storage.Delete(ctx, name); derr != nil {
				failed = append(failed, fmt.Errorf("delete cache %s: %w", name, derr))
			}
		}
		err = errors.Join(failed...)
	}
	w.metrics.ObserveLifecycle("clear", err)
	if err != nil {
		w.logger.Error("clearing caches failed", slog.Any("error", err))
		return false, err
	}
	w.logger.Info("all caches cleared", slog.Int("caches", len(names)))
	return true, nil
}

// startMaintenance runs Trim every TrimEvery until the worker is closed.
func (w *Worker) startMaintenance() {
	every := w.version.TrimEvery
	if every <= 0 {
		return
	}
	w.maintOnce.Do(func() {
		w.mu.RLock()
		defer w.mu.RUnlock()
		if w.closed {
			return
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.trimLoop(every)
		}()
	})
}

func (w *Worker) trimLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			_, _ = w.Trim(ctx)
			cancel()
		}
	}
}

// close stops maintenance and waits for detached stores to finish.
func (w *Worker) close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
}
