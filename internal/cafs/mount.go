// Package cafs implements the content-addressed filesystem mount: RW/named-RO
// sessions proxied to an external helper process, an in-memory parent-hash
// cache, and the append-only hpfs log + index (spec §4.C).
package cafs

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/hpcore/hpcore/internal/corerr"
	"github.com/hpcore/hpcore/pkg/hash"
)

const rwSessionName = "rw"

// Mount is a session-oriented, content-addressed view of one filesystem
// tree (the contract_fs or ledger_fs backing directories of spec §6),
// realized over a Helper.
type Mount struct {
	helper Helper

	mu       sync.Mutex
	rwCount  int
	roNames  map[string]struct{}

	parentMu sync.RWMutex
	parent   map[string]hash.H32
}

// New wraps helper as a Mount. The helper's external process lifecycle is
// the caller's responsibility (see StartIPCHelper).
func New(helper Helper) *Mount {
	return &Mount{
		helper:  helper,
		roNames: make(map[string]struct{}),
		parent:  make(map[string]hash.H32),
	}
}

// AcquireRWSession initializes the rw session on the first acquire and
// increments its reference count (spec §4.C, invariant "session uniqueness").
func (m *Mount) AcquireRWSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rwCount == 0 {
		if err := m.helper.OpenSession(rwSessionName, true, false); err != nil {
			return corerr.New(corerr.CafsHelperGone, errors.Wrap(err, "opening rw session"))
		}
	}
	m.rwCount++
	return nil
}

// ReleaseRWSession decrements the rw session's reference count, tearing it
// down (and making writes visible to hash queries) only when the last
// holder releases.
func (m *Mount) ReleaseRWSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rwCount == 0 {
		return errors.New("release of rw session with zero references")
	}

	m.rwCount--
	if m.rwCount == 0 {
		return m.helper.CloseSession(rwSessionName)
	}
	return nil
}

// RWRefCount reports the current rw session reference count.
func (m *Mount) RWRefCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rwCount
}

// StartROSession opens a named read-only snapshot; hmapEnabled requests
// per-block file-hash maps be materialized for efficient sync.
func (m *Mount) StartROSession(name string, hmapEnabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.helper.OpenSession(name, false, hmapEnabled); err != nil {
		return corerr.New(corerr.CafsHelperGone, errors.Wrapf(err, "opening ro session %s", name))
	}
	m.roNames[name] = struct{}{}
	return nil
}

// StopROSession closes a previously started named read-only session.
func (m *Mount) StopROSession(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.roNames[name]; !ok {
		return corerr.New(corerr.SessionNotFound, errors.Errorf("no ro session named %q", name))
	}
	delete(m.roNames, name)
	return m.helper.CloseSession(name)
}

// GetHash returns the recursive hash of the directory or file at vpath
// within session.
func (m *Mount) GetHash(session, vpath string) (hash.H32, error) {
	return m.helper.QueryHash(session, vpath)
}

// GetFileBlockHashes returns the ordered per-4MiB-block hashes of the file
// at vpath.
func (m *Mount) GetFileBlockHashes(session, vpath string) ([]hash.H32, error) {
	return m.helper.QueryFileBlockHashes(session, vpath)
}

// GetDirChildrenHashes returns the sorted-by-name children of the directory
// at vpath.
func (m *Mount) GetDirChildrenHashes(session, vpath string) ([]Entry, error) {
	return m.helper.QueryDirChildren(session, vpath)
}

// PhysicalPath resolves the on-disk path backing vpath within session.
func (m *Mount) PhysicalPath(session, vpath string) (string, error) {
	return m.helper.PhysicalPath(session, vpath)
}

// WriteBlock writes one 4MiB block through the rw session.
func (m *Mount) WriteBlock(vpath string, blockID uint32, data []byte) error {
	return m.helper.WriteBlocks(rwSessionName, vpath, blockID, data)
}

// ReadBlock reads one 4MiB block from session.
func (m *Mount) ReadBlock(session, vpath string, blockID uint32) ([]byte, error) {
	return m.helper.ReadBlocks(session, vpath, blockID)
}

// GetParentHash returns the cached hash for parentVPath, if known.
func (m *Mount) GetParentHash(parentVPath string) (hash.H32, bool) {
	m.parentMu.RLock()
	defer m.parentMu.RUnlock()

	h, ok := m.parent[parentVPath]
	return h, ok
}

// SetParentHash updates the cached hash for parentVPath under the exclusive
// writer lock (spec §5: "guarded by a reader/writer lock").
func (m *Mount) SetParentHash(parentVPath string, h hash.H32) {
	m.parentMu.Lock()
	defer m.parentMu.Unlock()
	m.parent[parentVPath] = h
}

// InvalidateParentHash drops a cached entry, forcing the next GetParentHash
// to miss.
func (m *Mount) InvalidateParentHash(parentVPath string) {
	m.parentMu.Lock()
	defer m.parentMu.Unlock()
	delete(m.parent, parentVPath)
}

// RootHash combines patch_hash and state_hash into the contract filesystem's
// root hash (spec §3 "CAFS entity tree").
func RootHash(patchHash, stateHash hash.H32) hash.H32 {
	return hash.Combine(patchHash.Bytes(), stateHash.Bytes())
}

// DirHash computes the H32 of a directory from its sorted
// (name, is_file, child_hash) entries (spec §3).
func DirHash(entries []Entry) hash.H32 {
	parts := make([][]byte, 0, len(entries)*3)
	for _, e := range entries {
		isFile := byte(0)
		if e.IsFile {
			isFile = 1
		}
		parts = append(parts, []byte(e.Name), []byte{isFile}, e.ChildHash.Bytes())
	}
	return hash.Combine(parts...)
}

// FileHash computes the H32 of a file from its ordered block hashes
// (spec §3).
func FileHash(blockHashes []hash.H32) hash.H32 {
	parts := make([][]byte, len(blockHashes))
	for i, h := range blockHashes {
		parts[i] = h.Bytes()
	}
	return hash.Combine(parts...)
}

// UpdateHpfsLogIndex records that seqNo's round produced newRoot, appending
// to the hpfs log index.
func (m *Mount) UpdateHpfsLogIndex(seqNo uint64, newRoot hash.H32) error {
	return m.helper.UpdateIndex(seqNo, newRoot)
}

// TruncateLogFile truncates the hpfs log (and its index) from seqNo forward.
func (m *Mount) TruncateLogFile(seqNo uint64) error {
	return m.helper.TruncateLog(seqNo)
}

// GetLastSeqNoFromIndex returns the most recent seq_no recorded in the index.
func (m *Mount) GetLastSeqNoFromIndex() (uint64, error) {
	return m.helper.LastIndexSeqNo()
}

// GetHashFromIndexBySeqNo looks up the root hash recorded for seqNo.
func (m *Mount) GetHashFromIndexBySeqNo(seqNo uint64) (hash.H32, bool, error) {
	return m.helper.QueryIndex(seqNo)
}

// ReadHpfsLogs reads the raw log bytes covering [from,to).
func (m *Mount) ReadHpfsLogs(from, to uint64) ([]byte, error) {
	return m.helper.ReadLog(from, to)
}

// AppendHpfsLogRecords appends raw log bytes for the just-committed round.
func (m *Mount) AppendHpfsLogRecords(buf []byte) error {
	return m.helper.AppendLog(buf)
}

// Close releases the underlying helper connection/process.
func (m *Mount) Close() error {
	return m.helper.Close()
}
