package offsync

import (
	"bytes"
	"context"
	"io"
	"log"
	"net/http"
	"time"
)

// Replayer states, visible through /statusz.
const (
	replayIdle       = "idle"
	replayDraining   = "draining"
	replayRequesting = "requesting"
)

// TriggerSync requests a drain of the mutation log. Triggers arriving
// while a drain is running are coalesced into at most one follow-up drain,
// so repeated connectivity flaps do not pile up cycles.
func (s *Service) TriggerSync() {
	select {
	case s.syncCh <- struct{}{}:
	default:
	}
}

func (s *Service) syncLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.syncCh:
			s.drainOnce(context.Background())
		}
	}
}

// drainOnce replays the mutation log in strict timestamp order. A failed
// entry is left in place and does not block later entries within the same
// cycle; the next cycle retries it before anything newer, so delivery
// order stays FIFO by creation time. Entries are never dropped on failure;
// retries are driven purely by future triggers.
func (s *Service) drainOnce(ctx context.Context) {
	s.setReplayState(replayDraining)
	defer s.setReplayState(replayIdle)

	entries, err := s.queue.Drain(ctx)
	if err != nil {
		log.Printf("replay: drain: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	token, err := s.bridge.Token(ctx)
	if err != nil {
		// An attached context that will not answer fails the whole cycle.
		// Skipping ahead without a token would reorder delivery relative
		// to a later, authenticated retry.
		log.Printf("replay: token exchange failed, postponing %d entries: %v", len(entries), err)
		return
	}

	replayed, retained := 0, 0
	for _, ent := range entries {
		s.setReplayState(replayRequesting)
		if s.replayEntry(ctx, ent, token) {
			if err := s.queue.Remove(ctx, ent.Timestamp); err != nil {
				log.Printf("replay: remove %d: %v", ent.Timestamp, err)
				continue
			}
			s.stats.replayed.Add(1)
			replayed++
			continue
		}
		retained++
	}
	log.Printf("replay: cycle done, %d delivered, %d retained", replayed, retained)

	s.warnBacklog(ctx)
}

// replayEntry re-issues one queued request against the origin. Only a
// success status counts; everything else leaves the entry queued. A
// missing token is not a local error; the request goes out without one
// and the backend's verdict decides.
func (s *Service) replayEntry(ctx context.Context, ent QueueEntry, token string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, ent.Method, s.cfg.Server.Origin+ent.URL, bytes.NewReader(ent.Body))
	if err != nil {
		log.Printf("replay: build %s %s: %v", ent.Method, ent.URL, err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (s *Service) warnBacklog(ctx context.Context) {
	n, err := s.queue.Len(ctx)
	if err != nil || n < s.cfg.Sync.WarnBacklog {
		return
	}
	s.backlogLog.Printf("replay: backlog at %d entries and growing; origin unreachable or rejecting", n)
}

func (s *Service) setReplayState(state string) {
	s.replayState.Store(state)
}

// ReplayState reports the replayer's current state machine position.
func (s *Service) ReplayState() string {
	v, ok := s.replayState.Load().(string)
	if !ok {
		return replayIdle
	}
	return v
}
