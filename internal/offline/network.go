package offline

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Network performs real fetches for requests the cache cannot answer.
type Network interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// OriginNetwork fetches from the application origin over HTTP.
type OriginNetwork struct {
	origin *url.URL
	client *http.Client
}

// NewNetwork returns a Network bound to origin. A nil client gets a 30s
// timeout client.
func NewNetwork(origin *url.URL, client *http.Client) *OriginNetwork {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &OriginNetwork{origin: origin, client: client}
}

func (n *OriginNetwork) Fetch(ctx context.Context, r *Request) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), nil)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
		Type:   ResponseBasic,
		URL:    r.URL.String(),
	}
	out.Header.Del("Content-Length")

	if final := resp.Request.URL; final != nil {
		out.URL = final.String()
		out.Redirected = final.String() != r.URL.String()
		if !sameOrigin(final, n.origin) {
			out.Type = ResponseOpaque
		}
	}
	return out, nil
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") || isHopHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(name string) bool {
	for _, h := range hopHeaders {
		if strings.EqualFold(h, name) {
			return true
		}
	}
	return false
}

func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
