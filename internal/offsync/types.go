package offsync

import "net/http"

// CachedResponse is one serialized HTTP response in a cache generation.
// At most one exists per (generation, method, URL); writing the same key
// replaces the previous entry.
type CachedResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// QueueEntry is one pending mutating request in the mutation log. The
// creation timestamp (unix nanoseconds, strictly increasing) doubles as the
// entry's unique key. Entries are immutable once written and are only ever
// removed after a successful replay.
type QueueEntry struct {
	Timestamp int64
	URL       string // request URI relative to the origin (path + query)
	Method    string
	Body      []byte
}

// offlineEnvelope is the synthetic body returned for API reads that fail
// with no cached copy. It mirrors the origin's success-envelope shape so
// callers parse it without a special error path.
type offlineEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Offline bool   `json:"offline"`
	Data    []any  `json:"data"`
}

// queuedEnvelope acknowledges a mutation that was diverted to the log.
type queuedEnvelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Queued  bool   `json:"queued"`
}

// PushPayload is the inbound push notification schema.
type PushPayload struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	Data    struct {
		URL string `json:"url"`
	} `json:"data"`
	Actions []NotificationAction `json:"actions"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}
