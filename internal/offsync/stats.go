package offsync

import "sync/atomic"

// statsCollector counts how each intercepted request was resolved.
type statsCollector struct {
	hits     atomic.Uint64 // served from cache-first static generation
	misses   atomic.Uint64 // fetched from origin and stored
	stale    atomic.Uint64 // network failed, served last-seen data
	offline  atomic.Uint64 // nothing cached, synthetic response
	queued   atomic.Uint64 // mutation diverted to the log
	replayed atomic.Uint64 // queued mutation delivered
}

func newStatsCollector() *statsCollector {
	return &statsCollector{}
}

type StatsSnapshot struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Stale    uint64 `json:"stale"`
	Offline  uint64 `json:"offline"`
	Queued   uint64 `json:"queued"`
	Replayed uint64 `json:"replayed"`
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Hits:     s.hits.Load(),
		Misses:   s.misses.Load(),
		Stale:    s.stale.Load(),
		Offline:  s.offline.Load(),
		Queued:   s.queued.Load(),
		Replayed: s.replayed.Load(),
	}
}
