// Package consensus implements the multi-stage round state machine of
// spec §4.H: stage assembly, proposal collection, convergence, contract
// execution and ledger commit. Generalized from
// pkg/did/consensus/consensus.go's Tendermint-flavored Consensus/State/
// OnMsg/sendMsg machinery: the teacher's single-proposer prevote/precommit
// voting is reshaped into the spec's every-validator-proposes/
// percentage-convergence model, but the State-struct-mutated-by-stage,
// sendMsg-signs-then-broadcasts, OnMsg-dispatches-by-type shape is kept.
package consensus

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/hpcore/hpcore/pkg/crypto"
	"github.com/hpcore/hpcore/pkg/hash"
	"github.com/hpcore/hpcore/pkg/wire"
)

// NumStages is the fixed number of stages per round (spec §4.H: "N = 4").
const NumStages = 4

// buildProposal assembles this node's Proposal for stage, from the current
// candidate set and CAFS roots, then signs it (spec §4.H step 1).
func buildProposal(
	priv *crypto.PrivateKey,
	stage uint8,
	timeMs uint64,
	timeConfig uint32,
	nodeNonce, groupNonce hash.H32,
	users, inputHashes [][]byte,
	stateHash, patchHash hash.H32,
	lastPrimary, lastRaw hash.SequenceHash,
) (*wire.Proposal, error) {
	p := &wire.Proposal{
		Pubkey:             priv.PublicKey().Bytes(),
		Stage:              stage,
		Time:               timeMs,
		TimeConfig:         timeConfig,
		NodeNonce:          nodeNonce,
		GroupNonce:         groupNonce,
		Users:              hash.SortBytes(users),
		InputOrderedHashes: hash.SortBytes(inputHashes),
		StateHash:          stateHash,
		PatchHash:          patchHash,
		LastPrimaryShardID: lastPrimary,
		LastRawShardID:     lastRaw,
	}

	sig, err := priv.Sign(p.SigningBytes())
	if err != nil {
		return nil, errors.Wrap(err, "signing proposal")
	}
	p.Sig = sig

	return p, nil
}

// signOutput fills in a final-stage proposal's output fields and re-signs it
// (spec §4.H step 4: "assemble the final-stage proposal carrying
// output_hash+output_sig").
func signOutput(priv *crypto.PrivateKey, p *wire.Proposal, outputHash hash.H32) error {
	outSig, err := priv.Sign(outputHash.Bytes())
	if err != nil {
		return errors.Wrap(err, "signing output hash")
	}
	p.OutputHash = outputHash
	p.OutputSig = outSig

	sig, err := priv.Sign(p.SigningBytes())
	if err != nil {
		return errors.Wrap(err, "re-signing proposal with output")
	}
	p.Sig = sig
	return nil
}

// verifyProposal checks a proposal's stage, time_config and signature.
// UNL membership and duplicate-detection are left to the caller (the
// collection buffer), and no age check is made.
func verifyProposal(p *wire.Proposal, expectStage uint8, expectTimeConfig uint32) error {
	if p.Stage != expectStage {
		return errors.Errorf("stage mismatch: got %d want %d", p.Stage, expectStage)
	}
	if p.TimeConfig != expectTimeConfig {
		return errors.Errorf("time_config mismatch: got %d want %d", p.TimeConfig, expectTimeConfig)
	}

	var pk crypto.PublicKey
	if len(p.Pubkey) != crypto.PubKeySize {
		return errors.New("malformed pubkey length")
	}
	copy(pk[:], p.Pubkey)

	if !pk.Verify(p.Sig, p.SigningBytes()) {
		return errors.New("proposal signature invalid")
	}

	return nil
}

// canonicalHash returns the digest identifying a proposal's consensus-
// significant field set, used by the no-double-sign check (spec §8:
// "no two accepted proposals share (round, stage) with different canonical
// field hashes").
func canonicalHash(p *wire.Proposal) hash.H32 {
	return hash.Sum(p.SigningBytes())
}

// convergenceResult is the candidate set carried from stage k into stage
// k+1 (spec §4.H step 3).
type convergenceResult struct {
	Users              [][]byte
	InputOrderedHashes [][]byte
	StateHash          hash.H32
	PatchHash          hash.H32
	OutputHash         hash.H32
	GroupNonce         hash.H32
}

// converge retains, for every set-valued field, the elements appearing in at
// least thresholdPercent of accepted, and for every scalar hash field the
// most-supported value (ties broken by lowest lexicographic hash). GroupNonce
// is not majority-voted: it is the XOR of every accepted proposal's
// NodeNonce, order-insensitively (spec §3, §4.H step 1).
func converge(accepted []*wire.Proposal, thresholdPercent int) convergenceResult {
	n := len(accepted)
	needed := (n*thresholdPercent + 99) / 100

	userCounts := make(map[string]int)
	inputCounts := make(map[string]int)
	var nonce hash.H32

	for _, p := range accepted {
		seenU := make(map[string]bool)
		for _, u := range p.Users {
			k := string(u)
			if !seenU[k] {
				userCounts[k]++
				seenU[k] = true
			}
		}
		seenI := make(map[string]bool)
		for _, ih := range p.InputOrderedHashes {
			k := string(ih)
			if !seenI[k] {
				inputCounts[k]++
				seenI[k] = true
			}
		}
		nonce = nonce.XOR(p.NodeNonce)
	}

	return convergenceResult{
		Users:              filterByCount(userCounts, needed),
		InputOrderedHashes: filterByCount(inputCounts, needed),
		StateHash:          majorityHash(accepted, func(p *wire.Proposal) hash.H32 { return p.StateHash }),
		PatchHash:          majorityHash(accepted, func(p *wire.Proposal) hash.H32 { return p.PatchHash }),
		OutputHash:         majorityHash(accepted, func(p *wire.Proposal) hash.H32 { return p.OutputHash }),
		GroupNonce:         nonce,
	}
}

func filterByCount(counts map[string]int, needed int) [][]byte {
	var out [][]byte
	for k, c := range counts {
		if c >= needed {
			out = append(out, []byte(k))
		}
	}
	return hash.SortBytes(out)
}

// majorityHash returns the value with the highest occurrence count among
// accepted, ties broken by lowest lexicographic hash (spec §4.H step 3).
func majorityHash(accepted []*wire.Proposal, field func(*wire.Proposal) hash.H32) hash.H32 {
	counts := make(map[hash.H32]int)
	for _, p := range accepted {
		counts[field(p)]++
	}

	var candidates []hash.H32
	for h := range counts {
		candidates = append(candidates, h)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Less(candidates[j]) })

	best := hash.H32Empty
	bestCount := -1
	for _, h := range candidates {
		c := counts[h]
		if c > bestCount {
			bestCount = c
			best = h
		}
	}
	return best
}

// quorumSupported reports whether h is supported by at least thresholdPercent
// of accepted's occurrences of the given field (spec §8 "Quorum threshold").
func quorumSupported(accepted []*wire.Proposal, field func(*wire.Proposal) hash.H32, h hash.H32, thresholdPercent int) bool {
	n := len(accepted)
	if n == 0 {
		return false
	}

	count := 0
	for _, p := range accepted {
		if field(p) == h {
			count++
		}
	}

	needed := (n*thresholdPercent + 99) / 100
	return count >= needed
}
