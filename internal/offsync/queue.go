package offsync

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// mutationLog is the durable FIFO of pending mutating requests, kept in its
// own sqlite database, independent of the cache store. An entry's creation
// timestamp is its primary key; timestamps are strictly increasing even
// when the wall clock stalls or steps backwards, so replay order always
// equals enqueue order.
type mutationLog struct {
	db *sql.DB

	mu     sync.Mutex
	lastTS int64
}

const createQueueTable = `
CREATE TABLE IF NOT EXISTS queue_entries (
	ts INTEGER PRIMARY KEY,
	url TEXT NOT NULL,
	method TEXT NOT NULL,
	body BLOB
);
`

func openMutationLog(path string) (*mutationLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open mutation log: %w", err)
	}
	if _, err := db.Exec(createQueueTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate mutation log: %w", err)
	}
	return &mutationLog{db: db}, nil
}

func (q *mutationLog) Close() error {
	return q.db.Close()
}

func (q *mutationLog) nextTimestamp() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UnixNano()
	if now <= q.lastTS {
		now = q.lastTS + 1
	}
	q.lastTS = now
	return now
}

// Enqueue persists one entry and returns only after the write committed.
func (q *mutationLog) Enqueue(ctx context.Context, uri, method string, body []byte) (QueueEntry, error) {
	ent := QueueEntry{
		Timestamp: q.nextTimestamp(),
		URL:       uri,
		Method:    method,
		Body:      body,
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_entries (ts, url, method, body) VALUES (?, ?, ?, ?)`,
		ent.Timestamp, ent.URL, ent.Method, ent.Body,
	)
	if err != nil {
		return QueueEntry{}, fmt.Errorf("enqueue: %w", err)
	}
	return ent, nil
}

// Drain returns all entries in ascending timestamp order.
func (q *mutationLog) Drain(ctx context.Context) ([]QueueEntry, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT ts, url, method, body FROM queue_entries ORDER BY ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		var ent QueueEntry
		if err := rows.Scan(&ent.Timestamp, &ent.URL, &ent.Method, &ent.Body); err != nil {
			return nil, err
		}
		out = append(out, ent)
	}
	return out, rows.Err()
}

// Remove deletes one entry by its timestamp key. Removing an entry that is
// already gone is not an error.
func (q *mutationLog) Remove(ctx context.Context, ts int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE ts = ?`, ts); err != nil {
		return fmt.Errorf("remove %d: %w", ts, err)
	}
	return nil
}

func (q *mutationLog) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
