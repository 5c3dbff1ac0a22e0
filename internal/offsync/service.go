package offsync

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Service owns the intercept path and everything behind it: the generation
// cache, the mutation log, the control bridge, the lifecycle, and the
// background probe/replay loops.
type Service struct {
	cfg Config

	httpClient *http.Client

	store  *cacheStore
	queue  *mutationLog
	bridge *bridge
	life   *lifecycle

	online      atomic.Bool
	replayState atomic.Value // string

	syncCh chan struct{}
	bgSem  chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	stats      *statsCollector
	backlogLog *rateLimitedLogger
}

func NewService(cfg Config) (*Service, error) {
	store, err := openCacheStore(filepath.Join(cfg.Storage.Dir, "cache"))
	if err != nil {
		return nil, err
	}
	queue, err := openMutationLog(filepath.Join(cfg.Storage.Dir, "queue.db"))
	if err != nil {
		store.Close()
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		store:      store,
		queue:      queue,
		bridge:     newBridge(cfg.Sync.tokenWaitDur),
		life:       newLifecycle(),
		syncCh:     make(chan struct{}, 1),
		bgSem:      make(chan struct{}, 32),
		stopCh:     make(chan struct{}),
		stats:      newStatsCollector(),
		backlogLog: newRateLimitedLogger(1 * time.Minute),
	}
	s.replayState.Store(replayIdle)
	// Optimistic until the first probe or a failed send says otherwise.
	s.online.Store(true)

	s.bridge.onSkipWaiting = s.life.Promote
	s.bridge.onCacheURLs = s.cacheURLs
	s.bridge.onClearCache = s.clearCache
	s.bridge.onSync = s.TriggerSync
	s.bridge.onClick = s.handleNotificationClick

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.syncLoop()
	}()

	if cfg.Sync.probeDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.probeLoop(cfg.Sync.probeDur)
		}()
	}
	if cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}

	return s, nil
}

func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if err := s.queue.Close(); err != nil {
		log.Printf("close mutation log: %v", err)
	}
	if err := s.store.Close(); err != nil {
		log.Printf("close cache store: %v", err)
	}
}

// Handler returns the full intercept mux. Engine-owned endpoints shadow
// the interception root the same way a worker scope shadows page fetches.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/control", s.bridge.Handler())
	mux.HandleFunc("/push", s.handlePush)
	mux.HandleFunc("/sync", s.handleSyncTrigger)
	mux.HandleFunc("/cache/clear", s.handleCacheClear)
	mux.HandleFunc("/statusz", s.handleStatus)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", s.handle)
	return mux
}

// handleSyncTrigger is the explicit caller-issued sync command.
func (s *Service) handleSyncTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.TriggerSync()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Service) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.clearCache()
	w.WriteHeader(http.StatusNoContent)
}

// Status is the externally visible engine state.
type Status struct {
	Lifecycle string        `json:"lifecycle"`
	Replayer  string        `json:"replayer"`
	Online    bool          `json:"online"`
	Attached  int           `json:"attached"`
	Backlog   int           `json:"backlog"`
	Stats     StatsSnapshot `json:"stats"`
}

func (s *Service) Status(ctx context.Context) Status {
	backlog, err := s.queue.Len(ctx)
	if err != nil {
		log.Printf("status: queue len: %v", err)
	}
	return Status{
		Lifecycle: s.life.State(),
		Replayer:  s.ReplayState(),
		Online:    s.online.Load(),
		Attached:  s.bridge.Attached(),
		Backlog:   backlog,
		Stats:     s.stats.Snapshot(),
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Status(r.Context()))
}

// probeLoop separates connectivity detection from per-request failures:
// the origin health endpoint is polled and the last-known state feeds the
// router's queue-or-forward decision. The offline -> online transition is
// what fires a replay cycle.
func (s *Service) probeLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			up := s.probeOnce()
			was := s.online.Swap(up)
			if up && !was {
				log.Printf("probe: connectivity restored, triggering sync")
				s.TriggerSync()
			}
			if !up && was {
				log.Printf("probe: origin unreachable, entering offline operation")
			}
		}
	}
}

func (s *Service) probeOnce() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Server.Origin+s.cfg.Sync.HealthPath, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil || resp.StatusCode != http.StatusOK {
		return false
	}
	return strings.Contains(strings.ToLower(string(body)), "ok")
}

// markOffline records a mid-flight send failure without waiting for the
// next probe tick.
func (s *Service) markOffline() {
	if s.online.Swap(false) {
		log.Printf("router: send failed, entering offline operation")
	}
}

// cacheURLs bulk-populates the data generation (CACHE_URLS control
// message). Individual fetch failures are logged and skipped; unlike
// install this is best-effort.
func (s *Service) cacheURLs(urls []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for _, uri := range urls {
		resp, err := s.fetchOrigin(ctx, http.MethodGet, uri, http.Header{}, nil)
		if err != nil || resp.Status < 200 || resp.Status >= 300 {
			log.Printf("cache_urls: skip %s: err=%v", uri, err)
			continue
		}
		if err := s.store.Put(s.cfg.Cache.DataGeneration, http.MethodGet, uri, resp); err != nil {
			log.Printf("cache_urls: store %s: %v", uri, err)
		}
	}
}

// clearCache drops every generation unconditionally (CLEAR_CACHE control
// message). The mutation log is untouched: queued mutations outlive any
// cache wipe.
func (s *Service) clearCache() {
	gens, err := s.store.Generations()
	if err != nil {
		log.Printf("clear_cache: enumerate: %v", err)
		return
	}
	for _, gen := range gens {
		if err := s.store.DropGeneration(gen); err != nil {
			log.Printf("clear_cache: drop %q: %v", gen, err)
		}
	}
	log.Printf("clear_cache: dropped %d generations", len(gens))
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			backlog, _ := s.queue.Len(context.Background())
			log.Printf(
				"stats: hits=%d misses=%d stale=%d offline=%d queued=%d replayed=%d backlog=%d",
				ss.Hits, ss.Misses, ss.Stale, ss.Offline, ss.Queued, ss.Replayed, backlog,
			)
		}
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
