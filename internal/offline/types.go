package offline

import (
	"net/http"
	"net/url"
	"time"

	"flashstudy/internal/cachestore"
)

// Request is the part of an incoming request the fetch policy looks at.
type Request struct {
	Method string
	URL    *url.URL // absolute
	Header http.Header
	// Destination mirrors Sec-Fetch-Dest; "document" marks a navigation.
	Destination string
}

// Key is the cache identity of the request.
func (r *Request) Key() string {
	return cachestore.Key(r.Method, r.URL.String())
}

// resolveURI turns a request-URI ("/path?query") into an absolute URL on
// origin.
func resolveURI(origin *url.URL, uri string) *url.URL {
	ref, err := url.Parse(uri)
	if err != nil {
		u := *origin
		u.Path = uri
		return &u
	}
	return origin.ResolveReference(ref)
}

func (r *Request) IsNavigation() bool {
	return r.Destination == "document"
}

type ResponseType string

const (
	ResponseBasic  ResponseType = "basic"
	ResponseOpaque ResponseType = "opaque"
)

// Source values reported in the X-Offline-Cache header and metrics.
const (
	SourceHit          = "hit"
	SourceMiss         = "miss"
	SourceIgnored      = "ignore-by-status"
	SourceCredentialed = "ignore-by-credentials"
	SourceFallback     = "fallback"
	SourceOffline      = "offline"
	SourceError        = "error"
	SourceBypass       = "bypass"
	SourceBadGateway   = "bad-gateway"
	SourceRefused      = "refused"
)

// Response is a fully buffered response.
type Response struct {
	Status     int
	Header     http.Header
	Body       []byte
	Type       ResponseType
	Redirected bool
	URL        string
	// Source says how the response was produced.
	Source string
}

// Cacheable reports whether a network response may enter the dynamic cache.
func (r *Response) Cacheable() bool {
	return r.Status == http.StatusOK && r.Type == ResponseBasic && !r.Redirected
}

// Clone duplicates the response so the copy can be stored while the
// original is handed to the caller.
func (r *Response) Clone() *Response {
	out := *r
	out.Header = r.Header.Clone()
	out.Body = append([]byte(nil), r.Body...)
	return &out
}

func (r *Response) entry(req *Request) cachestore.Entry {
	return cachestore.Entry{
		Method:   req.Method,
		URL:      req.URL.String(),
		Status:   r.Status,
		Header:   r.Header,
		Body:     r.Body,
		StoredAt: time.Now().UnixNano(),
	}
}

func responseFromEntry(ent cachestore.Entry, source string) *Response {
	h := ent.Header
	if h == nil {
		h = make(http.Header)
	}
	return &Response{
		Status: ent.Status,
		Header: h,
		Body:   ent.Body,
		Type:   ResponseBasic,
		URL:    ent.URL,
		Source: source,
	}
}

func textResponse(status int, body, source string) *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		Status: status,
		Header: h,
		Body:   []byte(body),
		Type:   ResponseBasic,
		Source: source,
	}
}
