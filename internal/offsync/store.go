package offsync

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned when a key has no entry in the given generation.
var ErrNotFound = errors.New("cached response not found")

// cacheStore persists serialized responses in leveldb, partitioned into
// named generations. Keys are "g:<generation>:<method> <uri>", so one
// generation occupies one contiguous key range and can be enumerated or
// dropped with a prefix scan.
type cacheStore struct {
	db *leveldb.DB
}

func openCacheStore(path string) (*cacheStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	return &cacheStore{db: db}, nil
}

func (s *cacheStore) Close() error {
	return s.db.Close()
}

func respKey(gen, method, uri string) []byte {
	return []byte("g:" + gen + ":" + method + " " + uri)
}

func genPrefix(gen string) []byte {
	return []byte("g:" + gen + ":")
}

func (s *cacheStore) Get(gen, method, uri string) (CachedResponse, error) {
	b, err := s.db.Get(respKey(gen, method, uri), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return CachedResponse{}, ErrNotFound
		}
		return CachedResponse{}, err
	}
	var resp CachedResponse
	if err := decodeGob(b, &resp); err != nil {
		return CachedResponse{}, err
	}
	return resp, nil
}

// Put overwrites the entry for (gen, method, uri) in a single batch write,
// so concurrent readers observe either the old or the new value, never a
// partial one.
func (s *cacheStore) Put(gen, method, uri string, resp CachedResponse) error {
	b, err := encodeGob(resp)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(respKey(gen, method, uri), b)
	return s.db.Write(batch, nil)
}

func (s *cacheStore) Delete(gen, method, uri string) error {
	return s.db.Delete(respKey(gen, method, uri), nil)
}

// Generations enumerates the distinct generation names present in the store.
func (s *cacheStore) Generations() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte("g:")), nil)
	defer it.Release()

	seen := map[string]struct{}{}
	var out []string
	for it.Next() {
		rest := strings.TrimPrefix(string(it.Key()), "g:")
		idx := strings.Index(rest, ":")
		if idx < 0 {
			continue
		}
		gen := rest[:idx]
		if _, ok := seen[gen]; ok {
			continue
		}
		seen[gen] = struct{}{}
		out = append(out, gen)
	}
	return out, it.Error()
}

// DropGeneration deletes every entry of one generation in a single batch.
func (s *cacheStore) DropGeneration(gen string) error {
	it := s.db.NewIterator(util.BytesPrefix(genPrefix(gen)), nil)
	defer it.Release()

	batch := new(leveldb.Batch)
	for it.Next() {
		key := make([]byte, len(it.Key()))
		copy(key, it.Key())
		batch.Delete(key)
	}
	if err := it.Error(); err != nil {
		return err
	}
	if batch.Len() == 0 {
		return nil
	}
	return s.db.Write(batch, nil)
}

func (s *cacheStore) Len(gen string) (int, error) {
	it := s.db.NewIterator(util.BytesPrefix(genPrefix(gen)), nil)
	defer it.Release()

	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
