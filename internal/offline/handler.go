package offline

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	errs "github.com/jmgilman/go/errors"

	"flashstudy/internal/metrics"
)

// SourceHeader reports how a response was produced.
const SourceHeader = "X-Offline-Cache"

const maxMessageBytes = 64 << 10

// Handler is the HTTP face of a Registration. GET requests for the origin go
// through the controlling worker; everything else for the origin is proxied
// untouched. Requests naming any other host are refused.
type Handler struct {
	reg     *Registration
	origin  *url.URL
	logger  *slog.Logger
	metrics *metrics.Recorder

	proxy *httputil.ReverseProxy
	mux   *http.ServeMux
}

func NewHandler(reg *Registration, origin *url.URL, logger *slog.Logger, rec *metrics.Recorder) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		reg:     reg,
		origin:  origin,
		logger:  logger.With(slog.String("component", "handler")),
		metrics: rec,
	}
	h.proxy = &httputil.ReverseProxy{
		Rewrite: h.rewrite,
		ModifyResponse: func(resp *http.Response) error {
			setSourceHeaders(resp.Header, SourceBypass)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.logger.Warn("pass-through failed", slog.String("url", r.URL.String()), slog.Any("error", err))
			setSourceHeaders(w.Header(), SourceBadGateway)
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}

	h.mux = http.NewServeMux()
	h.mux.HandleFunc("POST /__offline/message", h.handleMessage)
	h.mux.HandleFunc("GET /__offline/status", h.handleStatus)
	h.mux.HandleFunc("/", h.handleFetch)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleFetch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.URL.IsAbs() && !sameOrigin(r.URL, h.origin) {
		h.logger.Warn("refusing request for foreign host", slog.String("host", r.URL.Host))
		setSourceHeaders(w.Header(), SourceRefused)
		http.Error(w, "misdirected request", http.StatusMisdirectedRequest)
		h.metrics.ObserveRequest(SourceRefused, 0, time.Since(start))
		return
	}
	req := h.request(r)

	resp, ok := h.reg.Fetch(r.Context(), req)
	if !ok {
		h.proxy.ServeHTTP(w, r)
		h.metrics.ObserveRequest(SourceBypass, 0, time.Since(start))
		return
	}

	writeResponse(w, resp)
	h.reg.observeServed(resp.Source, len(resp.Body))
	h.metrics.ObserveRequest(resp.Source, len(resp.Body), time.Since(start))
}

// request converts r into the worker's view, resolving the target against
// the configured origin.
func (h *Handler) request(r *http.Request) *Request {
	return &Request{
		Method:      r.Method,
		URL:         resolveURI(h.origin, r.URL.RequestURI()),
		Header:      r.Header.Clone(),
		Destination: destination(r.Header),
	}
}

func destination(h http.Header) string {
	if d := strings.ToLower(strings.TrimSpace(h.Get("Sec-Fetch-Dest"))); d != "" {
		return d
	}
	if strings.EqualFold(h.Get("Sec-Fetch-Mode"), "navigate") {
		return "document"
	}
	return ""
}

// rewrite always targets the configured origin; foreign hosts never reach
// the proxy.
func (h *Handler) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(h.origin)
	pr.SetXForwarded()
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, SourceHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeaders(w.Header(), resp.Source)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func setSourceHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(SourceHeader, source)
	}
	// Custom headers are only readable from browser JS when exposed.
	ensureExposedHeader(h, SourceHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg Message
	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "read message: "+err.Error())
		return
	}
	if len(body) > maxMessageBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "decode message: "+err.Error())
		return
	}
	if strings.TrimSpace(msg.Type) == "" {
		writeJSONError(w, http.StatusBadRequest, "message type is required")
		return
	}

	reply, ok, err := h.reg.PostMessage(r.Context(), msg)
	if err != nil {
		h.logger.Warn("message handling failed", slog.String("type", msg.Type), slog.Any("error", err))
	}
	switch {
	case ok:
		writeJSON(w, http.StatusOK, reply)
	case errs.GetCode(err) == errs.CodeUnavailable:
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeJSONError(w, http.StatusInternalServerError, err.Error())
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.reg.Status(r.Context())
	if err != nil {
		h.logger.Error("status snapshot failed", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
