package offsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const cacheHeader = "X-Offsync-Cache"

// handle routes one intercepted request. Classified traffic never gets a
// hard failure: reads degrade to cache or a synthetic offline envelope,
// writes degrade to the mutation log.
func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		s.handleMutation(w, r)
		return
	}
	if s.cfg.isAPIPath(r.URL.Path) {
		s.handleNetworkFirst(w, r)
		return
	}
	s.handleCacheFirst(w, r)
}

// handleNetworkFirst serves API reads: live response when the origin
// answers, last-seen response when it does not, offline envelope when
// there is nothing cached either.
func (s *Service) handleNetworkFirst(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.RequestURI()
	gen := s.cfg.Cache.DataGeneration

	resp, err := s.fetchOrigin(r.Context(), r.Method, uri, r.Header, nil)
	if err == nil && resp.Status < http.StatusInternalServerError {
		if resp.Status < 300 {
			if err := s.store.Put(gen, r.Method, uri, resp); err != nil {
				// Store failures are not masked; there is no deeper fallback.
				log.Printf("router: cache put %s: %v", uri, err)
				http.Error(w, "cache store failure", http.StatusBadGateway)
				return
			}
			s.stats.misses.Add(1)
			s.writeCached(w, resp, "miss")
			return
		}
		// 3xx/4xx pass through unmodified and are never cached.
		s.writeCached(w, resp, "bypass")
		return
	}

	cached, cerr := s.store.Get(gen, r.Method, uri)
	if cerr == nil {
		s.stats.stale.Add(1)
		s.writeCached(w, cached, "stale")
		return
	}
	if !errors.Is(cerr, ErrNotFound) {
		http.Error(w, "cache store failure", http.StatusBadGateway)
		return
	}

	s.stats.offline.Add(1)
	writeJSON(w, http.StatusOK, "offline", offlineEnvelope{
		Success: false,
		Message: "offline: no cached data available",
		Offline: true,
		Data:    []any{},
	})
}

// handleMutation diverts a state-changing request to the mutation log when
// it cannot be delivered. While the origin looks reachable the request is
// forwarded as-is; a transport failure mid-flight still queues it, so a
// single transient drop is handled the same as sustained offline operation.
func (s *Service) handleMutation(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read request body", http.StatusBadRequest)
		return
	}
	uri := r.URL.RequestURI()

	if s.online.Load() {
		resp, err := s.fetchOrigin(r.Context(), r.Method, uri, r.Header, body)
		if err == nil {
			s.writeCached(w, resp, "")
			return
		}
		s.markOffline()
	}

	ent, err := s.queue.Enqueue(r.Context(), uri, r.Method, body)
	if err != nil {
		// The only hard failure on the write path: the log itself is broken.
		log.Printf("router: enqueue %s %s: %v", r.Method, uri, err)
		http.Error(w, "queue failure", http.StatusBadGateway)
		return
	}
	s.stats.queued.Add(1)
	log.Printf("router: queued %s %s (ts=%d)", ent.Method, ent.URL, ent.Timestamp)

	writeJSON(w, http.StatusAccepted, "queued", queuedEnvelope{
		Success: true,
		Message: "request queued for sync",
		Queued:  true,
	})
}

// handleCacheFirst serves static assets: cached copy first with a
// background refresh, network on miss, offline fallback page for
// navigations that miss both.
func (s *Service) handleCacheFirst(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.RequestURI()
	gen := s.cfg.Cache.StaticGeneration

	cached, err := s.store.Get(gen, r.Method, uri)
	if err == nil {
		s.stats.hits.Add(1)
		s.writeCached(w, cached, "hit")
		s.revalidateAsync(r.Method, uri)
		return
	}
	if !errors.Is(err, ErrNotFound) {
		http.Error(w, "cache store failure", http.StatusBadGateway)
		return
	}

	resp, ferr := s.fetchOrigin(r.Context(), r.Method, uri, r.Header, nil)
	if ferr == nil && resp.Status < http.StatusInternalServerError {
		if resp.Status < 300 {
			if err := s.store.Put(gen, r.Method, uri, resp); err != nil {
				log.Printf("router: cache put %s: %v", uri, err)
				http.Error(w, "cache store failure", http.StatusBadGateway)
				return
			}
			s.stats.misses.Add(1)
			s.writeCached(w, resp, "miss")
			return
		}
		s.writeCached(w, resp, "bypass")
		return
	}

	if isNavigation(r) {
		fallback, err := s.store.Get(gen, http.MethodGet, s.cfg.Cache.OfflinePage)
		if err == nil {
			s.stats.offline.Add(1)
			s.writeCached(w, fallback, "fallback")
			return
		}
	}
	setCacheHeader(w.Header(), "offline")
	http.Error(w, "offline", http.StatusServiceUnavailable)
}

// revalidateAsync refreshes one static entry behind the caller's back.
// The semaphore bounds concurrent refreshes; when it is full the refresh
// is skipped rather than queued. The overwrite goes through the store's
// batched Put, so a concurrent reader never sees a partial write.
func (s *Service) revalidateAsync(method, uri string) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resp, err := s.fetchOrigin(ctx, method, uri, http.Header{}, nil)
		if err != nil || resp.Status >= 300 {
			return
		}
		if err := s.store.Put(s.cfg.Cache.StaticGeneration, method, uri, resp); err != nil {
			log.Printf("router: revalidate %s: %v", uri, err)
		}
	}()
}

// fetchOrigin issues one request against the origin and captures the full
// response. The response is returned for any status; a non-nil error means
// the network itself failed.
func (s *Service) fetchOrigin(ctx context.Context, method, uri string, header http.Header, body []byte) (CachedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.cfg.Server.Origin+uri, bodyReader(body))
	if err != nil {
		return CachedResponse{}, err
	}
	copyHeaders(req.Header, header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CachedResponse{}, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return CachedResponse{}, err
	}

	out := CachedResponse{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     respBody,
		StoredAt: time.Now().Unix(),
	}
	out.Header.Del("Content-Length")
	return out, nil
}

func (s *Service) writeCached(w http.ResponseWriter, resp CachedResponse, marker string) {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, cacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeader(w.Header(), marker)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func writeJSON(w http.ResponseWriter, status int, marker string, v any) {
	w.Header().Set("Content-Type", "application/json")
	setCacheHeader(w.Header(), marker)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func setCacheHeader(h http.Header, marker string) {
	if marker != "" {
		h.Set(cacheHeader, marker)
	}
	// In a CORS context custom headers are invisible to the application
	// unless explicitly exposed.
	ensureExposedHeader(h, cacheHeader)
}

func ensureExposedHeader(h http.Header, name string) {
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

func isNavigation(r *http.Request) bool {
	return r.Method == http.MethodGet &&
		strings.Contains(r.Header.Get("Accept"), "text/html")
}

func bodyReader(b []byte) io.Reader {
	if len(b) == 0 {
		return nil
	}
	return bytes.NewReader(b)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
