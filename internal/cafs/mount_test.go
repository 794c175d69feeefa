package cafs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcore/hpcore/pkg/hash"
)

func TestRWSessionRefcounting(t *testing.T) {
	m := New(newFakeHelper())

	require.NoError(t, m.AcquireRWSession())
	require.NoError(t, m.AcquireRWSession())
	assert.Equal(t, 2, m.RWRefCount())

	require.NoError(t, m.ReleaseRWSession())
	assert.Equal(t, 1, m.RWRefCount())

	require.NoError(t, m.ReleaseRWSession())
	assert.Equal(t, 0, m.RWRefCount())
}

func TestReleaseWithoutAcquireErrors(t *testing.T) {
	m := New(newFakeHelper())
	assert.Error(t, m.ReleaseRWSession())
}

func TestROSessionLifecycle(t *testing.T) {
	m := New(newFakeHelper())

	require.NoError(t, m.StartROSession("snap1", true))
	require.NoError(t, m.StopROSession("snap1"))

	assert.Error(t, m.StopROSession("snap1"))
}

func TestWriteBlocksThenHashRecompute(t *testing.T) {
	m := New(newFakeHelper())
	require.NoError(t, m.AcquireRWSession())

	require.NoError(t, m.WriteBlock("/state/a.bin", 0, []byte("block-zero")))
	require.NoError(t, m.WriteBlock("/state/a.bin", 1, []byte("block-one")))

	blockHashes, err := m.GetFileBlockHashes("rw", "/state/a.bin")
	require.NoError(t, err)
	require.Len(t, blockHashes, 2)

	expected := FileHash([]hash.H32{hash.Sum([]byte("block-zero")), hash.Sum([]byte("block-one"))})
	got, err := m.GetHash("rw", "/state/a.bin")
	require.NoError(t, err)
	assert.Equal(t, expected, got)
}

func TestParentHashCacheReadersWriter(t *testing.T) {
	m := New(newFakeHelper())

	_, ok := m.GetParentHash("/state")
	assert.False(t, ok)

	h := hash.Sum([]byte("root"))
	m.SetParentHash("/state", h)

	got, ok := m.GetParentHash("/state")
	require.True(t, ok)
	assert.Equal(t, h, got)

	m.InvalidateParentHash("/state")
	_, ok = m.GetParentHash("/state")
	assert.False(t, ok)
}

func TestRootHashCombinesPatchAndState(t *testing.T) {
	patch := hash.Sum([]byte("patch"))
	state := hash.Sum([]byte("state"))

	r1 := RootHash(patch, state)
	r2 := RootHash(patch, state)
	assert.Equal(t, r1, r2)

	other := RootHash(state, patch)
	assert.NotEqual(t, r1, other)
}

func TestHpfsLogIndexRoundtrip(t *testing.T) {
	m := New(newFakeHelper())

	root := hash.Sum([]byte("root-1"))
	require.NoError(t, m.UpdateHpfsLogIndex(1, root))

	got, ok, err := m.GetHashFromIndexBySeqNo(1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, root, got)

	last, err := m.GetLastSeqNoFromIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

func TestCIDRoundtrip(t *testing.T) {
	h := hash.Sum([]byte("cid-roundtrip"))

	c, err := toCID(h)
	require.NoError(t, err)

	got, err := fromCID(c)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}
