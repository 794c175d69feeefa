package cafssync

import (
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcore/hpcore/internal/cafs"
	"github.com/hpcore/hpcore/internal/corerr"
	"github.com/hpcore/hpcore/internal/unl"
	"github.com/hpcore/hpcore/pkg/hash"
	"github.com/hpcore/hpcore/pkg/wire"
)

// fakeFS is a minimal in-memory cafs.Helper backing one node's mount in
// these tests: a tree of directories and files addressed by vpath.
type fakeFS struct {
	mu       sync.Mutex
	sessions map[string]bool
	files    map[string]map[uint32][]byte
	children map[string]map[string]bool // vpath -> child name -> isFile
}

func newFakeFS() *fakeFS {
	return &fakeFS{
		sessions: make(map[string]bool),
		files:    make(map[string]map[uint32][]byte),
		children: make(map[string]map[string]bool),
	}
}

func (f *fakeFS) OpenSession(name string, writable, hmapEnabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	return nil
}

func (f *fakeFS) CloseSession(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

func (f *fakeFS) putFile(vpath string, blocks map[uint32][]byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[vpath] = blocks
	f.registerLocked(vpath, true)
}

func (f *fakeFS) putDir(vpath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vpath != "/" {
		f.registerLocked(vpath, false)
	}
	if f.children[vpath] == nil {
		f.children[vpath] = make(map[string]bool)
	}
}

// registerLocked links vpath into its parent's child map, and recurses
// upward so every ancestor directory implied by vpath exists too (mirroring
// how writing a nested block through a real rw session materializes the
// whole path).
func (f *fakeFS) registerLocked(vpath string, isFile bool) {
	if vpath == "/" {
		return
	}
	parent, name := splitVPath(vpath)
	if f.children[parent] == nil {
		f.children[parent] = make(map[string]bool)
	}
	f.children[parent][name] = isFile
	if parent != "/" {
		f.registerLocked(parent, false)
	}
}

func splitVPath(vpath string) (parent, name string) {
	trimmed := strings.TrimRight(vpath, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx <= 0 {
		return "/", trimmed[idx+1:]
	}
	return trimmed[:idx], trimmed[idx+1:]
}

func joinVPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

func (f *fakeFS) QueryHash(session, vpath string) (hash.H32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashLocked(vpath)
}

func (f *fakeFS) hashLocked(vpath string) (hash.H32, error) {
	if blocks, ok := f.files[vpath]; ok {
		return f.fileHashLocked(blocks), nil
	}
	if kids, ok := f.children[vpath]; ok {
		entries := f.dirEntriesLocked(vpath, kids)
		return cafs.DirHash(entries), nil
	}
	return hash.H32{}, errors.New("path not found")
}

func (f *fakeFS) fileHashLocked(blocks map[uint32][]byte) hash.H32 {
	max := uint32(0)
	for id := range blocks {
		if id+1 > max {
			max = id + 1
		}
	}
	hs := make([]hash.H32, max)
	for i := uint32(0); i < max; i++ {
		hs[i] = hash.Sum(blocks[i])
	}
	return cafs.FileHash(hs)
}

func (f *fakeFS) dirEntriesLocked(vpath string, kids map[string]bool) []cafs.Entry {
	names := make([]string, 0, len(kids))
	for name := range kids {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]cafs.Entry, 0, len(kids))
	for _, name := range names {
		childPath := joinVPath(vpath, name)
		h, _ := f.hashLocked(childPath)
		entries = append(entries, cafs.Entry{Name: name, IsFile: kids[name], ChildHash: h})
	}
	return entries
}

func (f *fakeFS) QueryFileBlockHashes(session, vpath string) ([]hash.H32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blocks, ok := f.files[vpath]
	if !ok {
		return nil, errors.New("path not found")
	}
	max := uint32(0)
	for id := range blocks {
		if id+1 > max {
			max = id + 1
		}
	}
	hs := make([]hash.H32, max)
	for i := uint32(0); i < max; i++ {
		hs[i] = hash.Sum(blocks[i])
	}
	return hs, nil
}

func (f *fakeFS) QueryDirChildren(session, vpath string) ([]cafs.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kids, ok := f.children[vpath]
	if !ok {
		return nil, errors.New("path not found")
	}
	return f.dirEntriesLocked(vpath, kids), nil
}

func (f *fakeFS) PhysicalPath(session, vpath string) (string, error) { return "", nil }

func (f *fakeFS) WriteBlocks(session, vpath string, blockID uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files[vpath] == nil {
		f.files[vpath] = make(map[uint32][]byte)
		f.registerLocked(vpath, true)
	}
	f.files[vpath][blockID] = data
	return nil
}

func (f *fakeFS) ReadBlocks(session, vpath string, blockID uint32) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blocks, ok := f.files[vpath]
	if !ok {
		return nil, errors.New("path not found")
	}
	return blocks[blockID], nil
}

func (f *fakeFS) AppendLog(records []byte) error                    { return nil }
func (f *fakeFS) ReadLog(from, to uint64) ([]byte, error)           { return nil, nil }
func (f *fakeFS) TruncateLog(fromSeqNo uint64) error                { return nil }
func (f *fakeFS) QueryIndex(seqNo uint64) (hash.H32, bool, error)   { return hash.H32{}, false, nil }
func (f *fakeFS) LastIndexSeqNo() (uint64, error)                   { return 0, nil }
func (f *fakeFS) UpdateIndex(seqNo uint64, root hash.H32) error     { return nil }
func (f *fakeFS) Close() error                                      { return nil }

// requesterTransport delivers SendTo's request straight to the remote
// Syncer and feeds its response back into the local Syncer synchronously.
type requesterTransport struct {
	remote    *Syncer
	local     *Syncer
	remoteHex string
}

func (t *requesterTransport) SendTo(pubkeyHex string, env *wire.Envelope) error {
	resp, err := t.remote.HandleRequest(env.HpfsRequest)
	if err != nil {
		return err
	}
	t.local.HandleResponse(resp)
	return nil
}

func (t *requesterTransport) Sessions() []string { return []string{t.remoteHex} }

func TestRequestSyncBringsFileAndDirectoryUpToTarget(t *testing.T) {
	remoteFS := newFakeFS()
	remoteFS.putDir("/state")
	remoteFS.putDir("/state/sub")
	remoteFS.putFile("/state/a.txt", map[uint32][]byte{0: []byte("hello")})
	remoteFS.putFile("/state/sub/b.txt", map[uint32][]byte{0: []byte("world")})
	remoteMount := cafs.New(remoteFS)
	require.NoError(t, remoteMount.AcquireRWSession())

	localFS := newFakeFS()
	localFS.putDir("/state")
	localMount := cafs.New(localFS)
	require.NoError(t, localMount.AcquireRWSession())

	registry := unl.New([]string{"peerA"})

	remoteSyncer := New("contract", remoteMount, nil, registry, 4*time.Second)
	localSyncer := New("contract", localMount, nil, registry, 4*time.Second)
	localSyncer.peers = &requesterTransport{remote: remoteSyncer, local: localSyncer, remoteHex: "peerA"}

	target, err := remoteMount.GetHash("rw", "/state")
	require.NoError(t, err)

	err = <-localSyncer.RequestSync(target, "/state")
	require.NoError(t, err)

	got, err := localMount.GetHash("rw", "/state")
	require.NoError(t, err)
	assert.Equal(t, target, got)

	cached, ok := localMount.GetParentHash("/state")
	assert.True(t, ok)
	assert.Equal(t, target, cached)
}

func TestRequestSyncNoOpWhenAlreadyConverged(t *testing.T) {
	fs := newFakeFS()
	fs.putDir("/state")
	fs.putFile("/state/a.txt", map[uint32][]byte{0: []byte("same")})
	mount := cafs.New(fs)
	require.NoError(t, mount.AcquireRWSession())

	registry := unl.New([]string{"peerA"})
	syncer := New("contract", mount, &requesterTransport{remoteHex: "peerA"}, registry, time.Second)

	target, err := mount.GetHash("rw", "/state")
	require.NoError(t, err)

	err = <-syncer.RequestSync(target, "/state")
	assert.NoError(t, err)
}

func TestRequestSyncAbandonsWithoutAUNLPeer(t *testing.T) {
	fs := newFakeFS()
	fs.putDir("/state")
	mount := cafs.New(fs)
	require.NoError(t, mount.AcquireRWSession())

	registry := unl.New(nil)
	syncer := New("contract", mount, &requesterTransport{remoteHex: "nobody"}, registry, time.Second)

	err := <-syncer.RequestSync(hash.Sum([]byte("target")), "/state")
	require.Error(t, err)
	assert.True(t, corerr.Is(err, corerr.SyncAbandoned))
}

func TestHandleRequestUnknownMountIsRejected(t *testing.T) {
	fs := newFakeFS()
	fs.putDir("/state")
	mount := cafs.New(fs)
	require.NoError(t, mount.AcquireRWSession())

	s := New("contract", mount, nil, unl.New(nil), time.Second)

	_, err := s.HandleRequest(&wire.HpfsRequest{MountID: "other", VPath: "/state", Hint: wire.HintDirEntries})
	assert.Error(t, err)
}
