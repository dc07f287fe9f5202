package offline

import (
	"context"
	"errors"
	"sync"
)

// EventHandler is the dispatch surface of a worker: one method per event
// kind. Handlers extend an event's lifetime through WaitUntil (or
// RespondWith for fetches); the host observes completion with Wait.
type EventHandler interface {
	OnInstall(ev *ExtendableEvent)
	OnActivate(ev *ExtendableEvent)
	OnFetch(ev *FetchEvent)
	OnMessage(ev *MessageEvent)
}

// ExtendableEvent tracks the asynchronous work a handler attached to it.
type ExtendableEvent struct {
	ctx context.Context

	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

func newExtendableEvent(ctx context.Context) *ExtendableEvent {
	return &ExtendableEvent{ctx: ctx}
}

func (e *ExtendableEvent) Context() context.Context { return e.ctx }

// WaitUntil runs fn in the background and keeps the event alive until it
// returns.
func (e *ExtendableEvent) WaitUntil(fn func(ctx context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(e.ctx); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	}()
}

// Wait blocks until every WaitUntil task finished and joins their errors.
func (e *ExtendableEvent) Wait() error {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}

// FetchEvent carries one request through the worker. A handler that wants
// to answer calls RespondWith; otherwise the request goes to the network
// untouched.
type FetchEvent struct {
	ctx     context.Context
	Request *Request

	once    sync.Once
	respond func(ctx context.Context) *Response
}

func newFetchEvent(ctx context.Context, req *Request) *FetchEvent {
	return &FetchEvent{ctx: ctx, Request: req}
}

func (e *FetchEvent) Context() context.Context { return e.ctx }

// RespondWith registers the producer of the response. Only the first call
// counts.
func (e *FetchEvent) RespondWith(fn func(ctx context.Context) *Response) {
	e.once.Do(func() { e.respond = fn })
}

// Response resolves the registered producer; ok is false when the worker
// declined the request.
func (e *FetchEvent) Response() (*Response, bool) {
	if e.respond == nil {
		return nil, false
	}
	return e.respond(e.ctx), true
}

// Message is the payload posted by the application.
type Message struct {
	Type string `json:"type"`
}

const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageGetVersion  = "GET_VERSION"
	MessageClearCache  = "CLEAR_CACHE"
)

// VersionReply answers GET_VERSION.
type VersionReply struct {
	Version string `json:"version"`
}

// ClearReply answers CLEAR_CACHE.
type ClearReply struct {
	Success bool `json:"success"`
}

// Port is a one-shot reply channel.
type Port chan any

// PostMessage delivers v unless a reply is already pending.
func (p Port) PostMessage(v any) {
	if p == nil {
		return
	}
	select {
	case p <- v:
	default:
	}
}

// MessageEvent carries a message and the ports the sender listens on.
type MessageEvent struct {
	*ExtendableEvent
	Data  Message
	Ports []Port
}

func newMessageEvent(ctx context.Context, msg Message, ports ...Port) *MessageEvent {
	return &MessageEvent{ExtendableEvent: newExtendableEvent(ctx), Data: msg, Ports: ports}
}

func (e *MessageEvent) reply(v any) {
	if len(e.Ports) == 0 {
		return
	}
	e.Ports[0].PostMessage(v)
}
