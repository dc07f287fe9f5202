package offline

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/jmgilman/go/errors"

	"flashstudy/internal/cachestore"
	"flashstudy/internal/metrics"
)

// ErrNoWorker is returned when a message arrives before any version
// installed successfully.
var ErrNoWorker = errs.New(errs.CodeUnavailable, "offline: no worker registered")

type Options struct {
	Origin  *url.URL
	Storage cachestore.Storage
	Network Network
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// StatsEvery enables the periodic stats log line when positive.
	StatsEvery      time.Duration
	BackgroundLimit int
}

// Registration owns the worker versions of one origin and moves them through
// their lifecycle: installing, waiting, active, redundant.
type Registration struct {
	opts    Options
	logger  *slog.Logger
	metrics *metrics.Recorder
	stats   *statsCollector

	registerMu sync.Mutex // serializes Register
	activateMu sync.Mutex // serializes activation

	mu         sync.Mutex
	installing *Worker
	waiting    *Worker
	active     *Worker

	controller atomic.Pointer[Worker]
	nextID     atomic.Uint64

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewRegistration(opts Options) (*Registration, error) {
	if opts.Origin == nil || opts.Origin.Scheme == "" || opts.Origin.Host == "" {
		return nil, errs.New(errs.CodeInvalidConfig, "offline: origin must be an absolute URL")
	}
	if opts.Storage == nil {
		return nil, errs.New(errs.CodeInvalidConfig, "offline: storage is required")
	}
	if opts.Network == nil {
		opts.Network = NewNetwork(opts.Origin, nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := &Registration{
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "registration")),
		metrics: opts.Metrics,
		stats:   newStatsCollector(),
		stopCh:  make(chan struct{}),
	}
	if opts.StatsEvery > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.statsLoop(opts.StatsEvery)
		}()
	}
	return r, nil
}

// Register installs v as a new worker version. Registering the version that
// is already newest is a no-op. A failed install leaves the previous version
// in charge.
func (r *Registration) Register(ctx context.Context, v Version) (*Worker, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}

	r.registerMu.Lock()
	defer r.registerMu.Unlock()

	if newest := r.newest(); newest != nil && newest.version.Equal(v) {
		r.logger.Debug("version unchanged, skipping install", slog.String("version", v.StaticCache))
		return newest, nil
	}

	w := NewWorker(r.nextID.Add(1), v, WorkerOptions{
		Origin:          r.opts.Origin,
		Storage:         r.opts.Storage,
		Network:         r.opts.Network,
		Logger:          r.opts.Logger,
		Metrics:         r.metrics,
		BackgroundLimit: r.opts.BackgroundLimit,
	})
	w.host = r
	w.setState(StateInstalling)

	r.mu.Lock()
	r.installing = w
	r.mu.Unlock()

	ev := newExtendableEvent(ctx)
	w.OnInstall(ev)
	err := ev.Wait()
	r.metrics.ObserveLifecycle("install", err)

	r.mu.Lock()
	r.installing = nil
	if err != nil {
		r.mu.Unlock()
		w.setState(StateRedundant)
		w.close()
		r.logger.Error("install failed, keeping previous version",
			slog.String("version", v.StaticCache),
			slog.Any("error", err),
		)
		return nil, err
	}
	replaced := r.waiting
	r.waiting = w
	hasActive := r.active != nil
	r.mu.Unlock()

	w.setState(StateInstalled)
	if replaced != nil {
		replaced.setState(StateRedundant)
		replaced.close()
	}

	if w.skipWaiting.Load() || !hasActive {
		if err := r.activateWaiting(ctx); err != nil {
			r.logger.Warn("activation finished with errors", slog.Any("error", err))
		}
	} else {
		r.logger.Info("new version waiting", slog.String("version", v.StaticCache))
	}
	return w, nil
}

func (r *Registration) newest() *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiting != nil {
		return r.waiting
	}
	return r.active
}

// activateWaiting promotes the waiting worker. The previous active worker is
// retired before the activate event runs so its detached stores cannot
// recreate caches the new version is about to delete.
func (r *Registration) activateWaiting(ctx context.Context) error {
	// activation may be triggered by a client request; a disconnect must not
	// abort cache cleanup halfway
	ctx = context.WithoutCancel(ctx)

	r.activateMu.Lock()
	defer r.activateMu.Unlock()

	r.mu.Lock()
	w := r.waiting
	if w == nil {
		r.mu.Unlock()
		return nil
	}
	prev := r.active
	r.waiting = nil
	r.active = w
	r.mu.Unlock()

	if prev != nil {
		prev.setState(StateRedundant)
		prev.close()
	}

	w.setState(StateActivating)
	ev := newExtendableEvent(ctx)
	w.OnActivate(ev)
	err := ev.Wait()
	r.metrics.ObserveLifecycle("activate", err)

	w.setState(StateActivated)
	r.controller.Store(w)
	w.startMaintenance()
	r.logger.Info("version active", slog.String("version", w.version.StaticCache), slog.Uint64("worker_id", w.id))
	return err
}

func (r *Registration) skipWaiting(ctx context.Context, w *Worker) {
	r.mu.Lock()
	isWaiting := r.waiting == w
	r.mu.Unlock()
	if !isWaiting {
		return
	}
	if err := r.activateWaiting(ctx); err != nil {
		r.logger.Warn("activation finished with errors", slog.Any("error", err))
	}
}

func (r *Registration) claim(w *Worker) {
	r.controller.Store(w)
	r.logger.Debug("clients claimed", slog.Uint64("worker_id", w.id))
}

// Controller returns the worker handling fetches, or nil before the first
// activation.
func (r *Registration) Controller() *Worker {
	return r.controller.Load()
}

// Fetch dispatches req to the controlling worker. ok is false when no worker
// controls the origin or the worker declined the request.
func (r *Registration) Fetch(ctx context.Context, req *Request) (*Response, bool) {
	w := r.controller.Load()
	if w == nil {
		return nil, false
	}
	ev := newFetchEvent(ctx, req)
	w.OnFetch(ev)
	return ev.Response()
}

// PostMessage delivers msg to a worker and returns its reply, if any.
// SKIP_WAITING targets the waiting worker; everything else goes to the
// active worker, or the waiting one when nothing is active yet.
func (r *Registration) PostMessage(ctx context.Context, msg Message) (any, bool, error) {
	r.mu.Lock()
	var target *Worker
	if msg.Type == MessageSkipWaiting {
		target = r.waiting
	} else {
		target = r.active
		if target == nil {
			target = r.waiting
		}
	}
	r.mu.Unlock()

	if target == nil {
		if msg.Type == MessageSkipWaiting {
			return nil, false, nil
		}
		return nil, false, ErrNoWorker
	}

	port := make(Port, 1)
	ev := newMessageEvent(ctx, msg, port)
	target.OnMessage(ev)
	err := ev.Wait()

	select {
	case reply := <-port:
		return reply, true, err
	default:
		return nil, false, err
	}
}

type WorkerStatus struct {
	ID           uint64 `json:"id"`
	Version      string `json:"version"`
	DynamicCache string `json:"dynamicCache"`
	State        string `json:"state"`
}

// Status is a point-in-time view of the registration.
type Status struct {
	Installing *WorkerStatus `json:"installing,omitempty"`
	Waiting    *WorkerStatus `json:"waiting,omitempty"`
	Active     *WorkerStatus `json:"active,omitempty"`
	Caches     []string      `json:"caches"`
	Responses  uint64        `json:"responses"`
	FromCache  uint64        `json:"fromCache"`
}

func workerStatus(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{
		ID:           w.id,
		Version:      w.version.StaticCache,
		DynamicCache: w.version.DynamicCache,
		State:        w.State().String(),
	}
}

func (r *Registration) Status(ctx context.Context) (Status, error) {
	r.mu.Lock()
	st := Status{
		Installing: workerStatus(r.installing),
		Waiting:    workerStatus(r.waiting),
		Active:     workerStatus(r.active),
	}
	r.mu.Unlock()

	names, err := r.opts.Storage.Names(ctx)
	if err != nil {
		return st, err
	}
	st.Caches = names
	if st.Caches == nil {
		st.Caches = []string{}
	}
	ss := r.stats.Snapshot()
	st.Responses = ss.Responses
	st.FromCache = ss.FromCache
	return st, nil
}

func (r *Registration) observeServed(source string, bodyBytes int) {
	r.stats.Observe(source, bodyBytes)
}

func (r *Registration) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			caches, entries := r.cacheCounts(ctx)
			cancel()
			ss := r.stats.Snapshot()
			r.logger.Info("cache stats",
				slog.Int("caches", caches),
				slog.Int("entries", entries),
				slog.Uint64("responses", ss.Responses),
				slog.Uint64("from_cache", ss.FromCache),
				slog.String("resp_min_avg_max", formatBytes(ss.MinBytes)+"/"+formatBytes(ss.AvgBytes)+"/"+formatBytes(ss.MaxBytes)),
			)
		}
	}
}

func (r *Registration) cacheCounts(ctx context.Context) (int, int) {
	names, err := r.opts.Storage.Names(ctx)
	if err != nil {
		r.logger.Warn("stats: list caches", slog.Any("error", err))
		return 0, 0
	}
	entries := 0
	for _, name := range names {
		c, err := r.opts.Storage.Open(ctx, name)
		if err != nil {
			continue
		}
		n, err := c.Len(ctx)
		if err != nil {
			continue
		}
		entries += n
	}
	return len(names), entries
}

// Close retires every worker and waits for their background work. The
// storage is left open for its owner to close.
func (r *Registration) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
		r.wg.Wait()

		r.mu.Lock()
		workers := []*Worker{r.installing, r.waiting, r.active}
		r.mu.Unlock()
		for _, w := range workers {
			if w != nil {
				w.close()
			}
		}
	})
}
