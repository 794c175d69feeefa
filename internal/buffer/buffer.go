// Package buffer implements the append-only byte arena backing raw-shard
// ledger blobs: (offset,size) views into a flat file, generalized from
// internal/storage/ipfs.go's putRaw/getRaw raw-block storage.
package buffer

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/hpcore/hpcore/internal/corerr"
)

// View is a (offset,size) pointer into a Store; (0,0) is the null view
// (spec §3 "Buffer view").
type View struct {
	Offset int64  `json:"offset"`
	Size   uint32 `json:"size"`
}

// IsNull reports whether v is the null view.
func (v View) IsNull() bool {
	return v.Offset == 0 && v.Size == 0
}

// Store is an append-only byte arena: writes are appended at the current
// tail and return the View at which they landed; reads are positioned by
// View; Purge truncates everything from a given offset forward.
type Store struct {
	mu   sync.Mutex
	f    *os.File
	tail int64
}

// Open opens (creating if necessary) the arena file at path.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, corerr.New(corerr.Io, errors.Wrapf(err, "opening buffer store %s", path))
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, corerr.New(corerr.Io, errors.Wrap(err, "stat buffer store"))
	}

	return &Store{f: f, tail: info.Size()}, nil
}

// Append writes b at the current tail and returns the View it landed at.
func (s *Store) Append(b []byte) (View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(b) == 0 {
		return View{}, nil
	}

	n, err := s.f.WriteAt(b, s.tail)
	if err != nil {
		return View{}, corerr.New(corerr.Io, errors.Wrap(err, "appending to buffer store"))
	}

	v := View{Offset: s.tail, Size: uint32(n)}
	s.tail += int64(n)
	return v, nil
}

// Read returns the bytes named by v.
func (s *Store) Read(v View) ([]byte, error) {
	if v.IsNull() {
		return nil, nil
	}

	b := make([]byte, v.Size)
	if _, err := s.f.ReadAt(b, v.Offset); err != nil {
		return nil, corerr.New(corerr.Io, errors.Wrap(err, "reading from buffer store"))
	}
	return b, nil
}

// Purge truncates the arena to drop everything from offset forward, used
// when pruning custom-history shards (spec's max_primary_shards retention).
func (s *Store) Purge(offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.f.Truncate(offset); err != nil {
		return corerr.New(corerr.Io, errors.Wrap(err, "truncating buffer store"))
	}
	s.tail = offset
	return nil
}

// Tail returns the current append offset.
func (s *Store) Tail() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tail
}

// Close closes the underlying file.
func (s *Store) Close() error {
	return s.f.Close()
}
