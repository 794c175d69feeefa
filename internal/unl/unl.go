// Package unl maintains the authoritative set of trusted peer pubkeys and a
// rolling per-peer reliability statistic, generalized from
// pkg/did/consensus/db.go's Db interface (Nodes()/Node()) from a DID node
// registry to a UNL (spec §4.E).
package unl

import (
	"sort"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Stat is the rolling per-peer statistic updated from observed proposals
// (spec §3 "UNL").
type Stat struct {
	LastSeenRound uint64
	Reliability   float64 // fraction of recent rounds this peer's proposal was accepted
}

// Registry is the UNL: an unordered set of trusted peer identities plus
// their rolling stats.
type Registry struct {
	mu      sync.RWMutex
	members map[string]*Stat // keyed by hex pubkey
}

// New builds a Registry seeded with the given trusted pubkeys (hex-encoded).
// The invariant "UNL is non-empty; a node is always in its own UNL at
// creation" (spec §3) is enforced by the caller via config.Validate.
func New(pubkeysHex []string) *Registry {
	r := &Registry{members: make(map[string]*Stat, len(pubkeysHex))}
	for _, pk := range pubkeysHex {
		r.members[pk] = &Stat{}
	}
	return r
}

// Exists reports whether pubkeyHex is a trusted member.
func (r *Registry) Exists(pubkeyHex string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[pubkeyHex]
	return ok
}

// Count returns the number of trusted members.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Get returns the sorted list of trusted pubkeys.
func (r *Registry) Get() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.members))
	for pk := range r.members {
		out = append(out, pk)
	}
	sort.Strings(out)
	return out
}

// RecordObservation updates a member's rolling stat after a round in which
// its proposal was (or was not) accepted.
func (r *Registry) RecordObservation(pubkeyHex string, round uint64, accepted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.members[pubkeyHex]
	if !ok {
		return
	}

	st.LastSeenRound = round
	const alpha = 0.2 // exponential moving average weight
	obs := 0.0
	if accepted {
		obs = 1.0
	}
	st.Reliability = st.Reliability*(1-alpha) + obs*alpha
}

// Stat returns a copy of the rolling stat for pubkeyHex, if tracked.
func (r *Registry) Stat(pubkeyHex string) (Stat, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.members[pubkeyHex]
	if !ok {
		return Stat{}, false
	}
	return *st, true
}

// UpdateUNLChangesFromPatch replaces the member set with newPubkeysHex,
// preserving rolling stats for members that remain (spec §4.H: "Whenever
// the patch hash changes across a round boundary... updates UNL (4.E)").
func (r *Registry) UpdateUNLChangesFromPatch(newPubkeysHex []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Stat, len(newPubkeysHex))
	for _, pk := range newPubkeysHex {
		if st, ok := r.members[pk]; ok {
			next[pk] = st
		} else {
			next[pk] = &Stat{}
		}
	}
	r.members = next
}

// BloomHint builds a bloom filter over the trusted pubkey set as a
// fast-reject membership hint, grounded on pkg/storage/bloom.go's
// MakeBloom/BloomContains helpers. No wire message carries it.
func (r *Registry) BloomHint() *bloom.BloomFilter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f := bloom.NewWithEstimates(uint(len(r.members))+1, 0.01)
	for pk := range r.members {
		f.Add([]byte(pk))
	}
	return f
}

// ProposalObservation is one accepted proposal's declared time_config from a
// single stage, used by GetMajorityTimeConfig.
type ProposalObservation struct {
	PubkeyHex  string
	TimeConfig uint32
}

// GetMajorityTimeConfig returns the time_config supported by at least
// thresholdPercent of observations; if no value reaches the threshold,
// returns ownRoundtime (spec §4.E).
func GetMajorityTimeConfig(observations []ProposalObservation, thresholdPercent int, ownRoundtime uint32) uint32 {
	if len(observations) == 0 {
		return ownRoundtime
	}

	counts := make(map[uint32]int)
	for _, o := range observations {
		counts[o.TimeConfig]++
	}

	needed := (len(observations)*thresholdPercent + 99) / 100

	var best uint32 = ownRoundtime
	bestCount := -1
	for tc, c := range counts {
		if c >= needed && (c > bestCount || (c == bestCount && tc < best)) {
			best = tc
			bestCount = c
		}
	}

	if bestCount < 0 {
		return ownRoundtime
	}
	return best
}
