package cafs

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/hpcore/hpcore/internal/corerr"
	"github.com/hpcore/hpcore/pkg/hash"
)

// fakeHelper is the in-process Helper implementation spec §8 calls for so
// the external hpfs helper can be swapped out in tests.
type fakeHelper struct {
	mu       sync.Mutex
	sessions map[string]bool
	files    map[string]map[uint32][]byte
	dirs     map[string][]Entry
	index    map[uint64]hash.H32
	log      []byte
}

func newFakeHelper() *fakeHelper {
	return &fakeHelper{
		sessions: make(map[string]bool),
		files:    make(map[string]map[uint32][]byte),
		dirs:     make(map[string][]Entry),
		index:    make(map[uint64]hash.H32),
	}
}

func (f *fakeHelper) OpenSession(name string, writable bool, hmapEnabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	return nil
}

func (f *fakeHelper) CloseSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.sessions[name] {
		return corerr.New(corerr.SessionNotFound, errors.Errorf("session %q not open", name))
	}
	delete(f.sessions, name)
	return nil
}

func (f *fakeHelper) QueryHash(session, vpath string) (hash.H32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if blocks, ok := f.files[vpath]; ok {
		hs := make([]hash.H32, 0, len(blocks))
		for i := uint32(0); i < uint32(len(blocks)); i++ {
			hs = append(hs, hash.Sum(blocks[i]))
		}
		return FileHash(hs), nil
	}

	return DirHash(f.dirs[vpath]), nil
}

func (f *fakeHelper) QueryFileBlockHashes(session, vpath string) ([]hash.H32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	blocks := f.files[vpath]
	hs := make([]hash.H32, len(blocks))
	for i := uint32(0); i < uint32(len(blocks)); i++ {
		hs[i] = hash.Sum(blocks[i])
	}
	return hs, nil
}

func (f *fakeHelper) QueryDirChildren(session, vpath string) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dirs[vpath], nil
}

func (f *fakeHelper) PhysicalPath(session, vpath string) (string, error) {
	return "/mnt/" + session + vpath, nil
}

func (f *fakeHelper) WriteBlocks(session, vpath string, blockID uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.files[vpath] == nil {
		f.files[vpath] = make(map[uint32][]byte)
	}
	f.files[vpath][blockID] = append([]byte{}, data...)
	return nil
}

func (f *fakeHelper) ReadBlocks(session, vpath string, blockID uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[vpath][blockID], nil
}

func (f *fakeHelper) AppendLog(records []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, records...)
	return nil
}

func (f *fakeHelper) ReadLog(from, to uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if to > uint64(len(f.log)) {
		to = uint64(len(f.log))
	}
	return f.log[from:to], nil
}

func (f *fakeHelper) TruncateLog(fromSeqNo uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for seq := range f.index {
		if seq >= fromSeqNo {
			delete(f.index, seq)
		}
	}
	return nil
}

func (f *fakeHelper) QueryIndex(seqNo uint64) (hash.H32, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.index[seqNo]
	return h, ok, nil
}

func (f *fakeHelper) LastIndexSeqNo() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var max uint64
	for seq := range f.index {
		if seq > max {
			max = seq
		}
	}
	return max, nil
}

func (f *fakeHelper) UpdateIndex(seqNo uint64, root hash.H32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.index[seqNo] = root
	return nil
}

func (f *fakeHelper) Close() error { return nil }
