package unl

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExistsAndCount(t *testing.T) {
	r := New([]string{"a", "b", "c"})
	assert.True(t, r.Exists("a"))
	assert.False(t, r.Exists("z"))
	assert.Equal(t, 3, r.Count())
}

func TestGetSorted(t *testing.T) {
	r := New([]string{"c", "a", "b"})
	assert.Equal(t, []string{"a", "b", "c"}, r.Get())
}

func TestRecordObservationUpdatesStat(t *testing.T) {
	r := New([]string{"a"})

	r.RecordObservation("a", 1, true)
	st, ok := r.Stat("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), st.LastSeenRound)
	assert.Greater(t, st.Reliability, 0.0)
}

func TestUpdateUNLChangesFromPatchPreservesStats(t *testing.T) {
	r := New([]string{"a", "b"})
	r.RecordObservation("a", 5, true)

	r.UpdateUNLChangesFromPatch([]string{"a", "c"})

	assert.True(t, r.Exists("a"))
	assert.True(t, r.Exists("c"))
	assert.False(t, r.Exists("b"))

	st, ok := r.Stat("a")
	assert.True(t, ok)
	assert.Equal(t, uint64(5), st.LastSeenRound)
}

func TestBloomHintContainsMembers(t *testing.T) {
	r := New([]string{"a", "b"})
	f := r.BloomHint()
	assert.True(t, f.Test([]byte("a")))
}

func TestGetMajorityTimeConfig(t *testing.T) {
	obs := []ProposalObservation{
		{PubkeyHex: "a", TimeConfig: 1000},
		{PubkeyHex: "b", TimeConfig: 1000},
		{PubkeyHex: "c", TimeConfig: 2000},
	}

	got := GetMajorityTimeConfig(obs, 66, 500)
	assert.Equal(t, uint32(1000), got)
}

func TestGetMajorityTimeConfigFallsBackToOwn(t *testing.T) {
	obs := []ProposalObservation{
		{PubkeyHex: "a", TimeConfig: 1000},
		{PubkeyHex: "b", TimeConfig: 2000},
		{PubkeyHex: "c", TimeConfig: 3000},
	}

	got := GetMajorityTimeConfig(obs, 80, 500)
	assert.Equal(t, uint32(500), got)
}

func TestGetMajorityTimeConfigEmpty(t *testing.T) {
	assert.Equal(t, uint32(777), GetMajorityTimeConfig(nil, 80, 777))
}
