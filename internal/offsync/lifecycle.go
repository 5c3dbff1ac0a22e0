package offsync

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
)

// Lifecycle states. Transitions only ever move forward:
// installing -> waiting -> activating -> active.
const (
	StateInstalling = "installing"
	StateWaiting    = "waiting"
	StateActivating = "activating"
	StateActive     = "active"
)

type lifecycle struct {
	mu    sync.Mutex
	state string

	promoteOnce sync.Once
	promoteCh   chan struct{}
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		state:     StateInstalling,
		promoteCh: make(chan struct{}),
	}
}

func (l *lifecycle) State() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) transition(from, to string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != from {
		return fmt.Errorf("lifecycle: cannot move %s -> %s from %s", from, to, l.state)
	}
	l.state = to
	return nil
}

// Promote releases a waiting version immediately (SKIP_WAITING). Safe to
// call any number of times from any state.
func (l *lifecycle) Promote() {
	l.promoteOnce.Do(func() { close(l.promoteCh) })
}

type staged struct {
	method string
	uri    string
	resp   CachedResponse
}

// install primes the static generation with the precache manifest. All
// fetches are staged in memory and written only once every one succeeded:
// a partially cached static set is worse than keeping whatever the
// previous generation still serves, so a single failed fetch aborts the
// install with the store untouched.
func (s *Service) install(ctx context.Context) error {
	gen := s.cfg.Cache.StaticGeneration

	var stage []staged
	for _, uri := range s.cfg.Cache.Precache {
		resp, err := s.fetchOrigin(ctx, http.MethodGet, uri, http.Header{}, nil)
		if err != nil {
			return fmt.Errorf("install: fetch %s: %w", uri, err)
		}
		if resp.Status < 200 || resp.Status >= 300 {
			return fmt.Errorf("install: fetch %s: status %d", uri, resp.Status)
		}
		stage = append(stage, staged{method: http.MethodGet, uri: uri, resp: resp})
	}
	for _, st := range stage {
		if err := s.store.Put(gen, st.method, st.uri, st.resp); err != nil {
			return fmt.Errorf("install: store %s: %w", st.uri, err)
		}
	}

	if err := s.life.transition(StateInstalling, StateWaiting); err != nil {
		return err
	}
	log.Printf("lifecycle: installed %d assets into %q", len(stage), gen)
	return nil
}

// activate deletes every generation outside the retained set. This is the
// only eviction mechanism: entries within a generation never expire
// individually. Running it again with nothing changed is a no-op.
// In-flight requests reading an old generation are unaffected beyond
// missing on their next lookup.
func (s *Service) activate(ctx context.Context) error {
	if err := s.life.transition(StateWaiting, StateActivating); err != nil {
		return err
	}

	retained := map[string]struct{}{
		s.cfg.Cache.StaticGeneration: {},
		s.cfg.Cache.DataGeneration:   {},
	}
	if err := s.purgeGenerations(retained); err != nil {
		return err
	}

	return s.life.transition(StateActivating, StateActive)
}

func (s *Service) purgeGenerations(retained map[string]struct{}) error {
	gens, err := s.store.Generations()
	if err != nil {
		return fmt.Errorf("activate: enumerate generations: %w", err)
	}
	for _, gen := range gens {
		if _, ok := retained[gen]; ok {
			continue
		}
		if err := s.store.DropGeneration(gen); err != nil {
			return fmt.Errorf("activate: drop %q: %w", gen, err)
		}
		log.Printf("lifecycle: purged generation %q", gen)
	}
	return nil
}

// Startup walks the lifecycle: install, optionally hold in waiting until a
// SKIP_WAITING promote, then activate. An install failure leaves the
// previous generations in place and the engine serving; the purge simply
// never runs for this version.
func (s *Service) Startup(ctx context.Context) error {
	if err := s.install(ctx); err != nil {
		log.Printf("lifecycle: install failed, keeping previous generations: %v", err)
		return err
	}

	if s.cfg.Cache.WaitForPromote {
		log.Printf("lifecycle: waiting for SKIP_WAITING")
		select {
		case <-s.life.promoteCh:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		}
	}

	return s.activate(ctx)
}
