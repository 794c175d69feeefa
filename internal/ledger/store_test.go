package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcore/hpcore/pkg/hash"
)

func buildChain(t *testing.T, n int) []*Record {
	t.Helper()

	recs := make([]*Record, n)
	var prev hash.H32

	for i := 0; i < n; i++ {
		r := &Record{
			SeqNo:      uint64(i + 1),
			Timestamp:  int64(i + 1),
			PrevLedgerHash: prev,
			DataHash:   hash.Sum([]byte("data")),
			StateHash:  hash.Sum([]byte("state")),
			ConfigHash: hash.Sum([]byte("config")),
			Nonce:      hash.Sum([]byte("nonce")),
			UserHash:   hash.Sum([]byte("users")),
			InputHash:  hash.Sum([]byte("inputs")),
			OutputHash: hash.Sum([]byte("outputs")),
		}
		r.LedgerHash = r.ComputeLedgerHash()
		prev = r.LedgerHash
		recs[i] = r
	}
	return recs
}

func TestAppendAndGetLedgerBySeqNo(t *testing.T) {
	store, err := Open(t.TempDir(), false, false)
	require.NoError(t, err)
	defer store.Close()

	recs := buildChain(t, 3)
	for _, r := range recs {
		require.NoError(t, store.Append(r, nil, nil, nil))
	}

	got, err := store.GetLedgerBySeqNo(2)
	require.NoError(t, err)
	assert.Equal(t, recs[1].LedgerHash, got.LedgerHash)
}

func TestChainIntegrityHolds(t *testing.T) {
	store, err := Open(t.TempDir(), false, false)
	require.NoError(t, err)
	defer store.Close()

	recs := buildChain(t, 5)
	for _, r := range recs {
		require.NoError(t, store.Append(r, nil, nil, nil))
	}

	for i := 1; i < len(recs); i++ {
		prev, err := store.GetLedgerBySeqNo(uint64(i))
		require.NoError(t, err)
		cur, err := store.GetLedgerBySeqNo(uint64(i + 1))
		require.NoError(t, err)

		assert.Equal(t, prev.LedgerHash, cur.PrevLedgerHash)
		assert.Equal(t, prev.SeqNo+1, cur.SeqNo)
	}
}

func TestGetLastLedgerReturnsHighestSeqNo(t *testing.T) {
	store, err := Open(t.TempDir(), false, false)
	require.NoError(t, err)
	defer store.Close()

	recs := buildChain(t, 4)
	for _, r := range recs {
		require.NoError(t, store.Append(r, nil, nil, nil))
	}

	last, err := store.GetLastLedger()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last.SeqNo)
}

func TestGetLedgerBySeqNoNotFound(t *testing.T) {
	store, err := Open(t.TempDir(), false, false)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.GetLedgerBySeqNo(99)
	assert.Error(t, err)
}

func TestRawShardInputsAndOutputs(t *testing.T) {
	store, err := Open(t.TempDir(), true, false)
	require.NoError(t, err)
	defer store.Close()

	recs := buildChain(t, 1)
	r := recs[0]

	inputs := []AppendInput{{
		UserInput: UserInput{Pubkey: []byte("U"), Hash: hash.Sum([]byte("input-1")), Nonce: 1},
		Blob:      []byte("hello"),
	}}
	outputs := []AppendOutput{{
		UserOutput: UserOutput{Pubkey: []byte("U"), Hash: hash.Sum([]byte("output-1"))},
		Blob:       []byte("world"),
	}}

	require.NoError(t, store.Append(r, [][]byte{[]byte("U")}, inputs, outputs))

	users, err := store.GetUsersBySeqNo(1)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("U")}, users)

	gotInputs, err := store.GetUserInputsBySeqNo(1)
	require.NoError(t, err)
	require.Len(t, gotInputs, 1)
	assert.Equal(t, hash.Sum([]byte("input-1")), gotInputs[0].Hash)

	gotOutputs, err := store.GetUserOutputsBySeqNo(1)
	require.NoError(t, err)
	require.Len(t, gotOutputs, 1)

	byHash, err := store.GetUserInputByHash(hash.Sum([]byte("input-1")))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), byHash.LedgerSeqNo)
}

func TestShardIDForBoundaries(t *testing.T) {
	assert.Equal(t, uint64(0), ShardIDFor(1))
	assert.Equal(t, uint64(0), ShardIDFor(ShardSize))
	assert.Equal(t, uint64(1), ShardIDFor(ShardSize+1))
}

func TestPruneDropsOldShards(t *testing.T) {
	store, err := Open(t.TempDir(), false, false)
	require.NoError(t, err)
	defer store.Close()

	r := buildChain(t, 1)[0]
	r.SeqNo = 1
	require.NoError(t, store.Append(r, nil, nil, nil))

	require.NoError(t, store.Prune(ShardSize + 1))

	_, err = store.GetLedgerBySeqNo(1)
	assert.Error(t, err) // shard file was deleted; reopening creates a fresh empty one
}
