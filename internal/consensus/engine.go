package consensus

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hpcore/hpcore/internal/cafs"
	"github.com/hpcore/hpcore/internal/config"
	"github.com/hpcore/hpcore/internal/corerr"
	"github.com/hpcore/hpcore/internal/ledger"
	"github.com/hpcore/hpcore/internal/supervisor"
	"github.com/hpcore/hpcore/internal/telemetry"
	"github.com/hpcore/hpcore/internal/unl"
	"github.com/hpcore/hpcore/internal/usersession"
	"github.com/hpcore/hpcore/pkg/crypto"
	"github.com/hpcore/hpcore/pkg/hash"
	"github.com/hpcore/hpcore/pkg/wire"
)

var log = telemetry.Component("consensus")

// runState names the engine's position in the IDLE -> STAGE_1..N -> COMMIT ->
// IDLE cycle of spec §4.H, plus the ABORT_SYNC branch.
type runState int

const (
	stateIdle runState = iota
	stateStage
	stateCommit
	stateAbortSync
)

// Syncer requests that vpath be brought to target's declared hash and
// reports completion on the returned channel (nil error on success). This is
// the small shared-state seam spec §9's design notes call for to break the
// consensus<->sync cyclic dependency: neither cafssync nor logsync needs to
// import this package to satisfy this interface, since its signature only
// names pkg/hash and stdlib types.
type Syncer interface {
	RequestSync(target hash.H32, vpath string) <-chan error
}

// Broadcaster is the subset of *peer.Manager the engine drives. Declared as
// an interface so tests can substitute a fake without standing up real
// sockets.
type Broadcaster interface {
	Broadcast(env *wire.Envelope, excludePubkeyHex string)
	ClearDedup()
}

// OutputSink streams a committed round's per-user outputs back to whichever
// live user sessions are listening (spec §2 "writes outputs back to users",
// §4.G "streams outputs back at commit"). *usersession.Server satisfies this
// structurally.
type OutputSink interface {
	DeliverOutput(pubkey []byte, seqNo uint64, data []byte)
}

// Params bundles the engine's fixed configuration, generalized from
// pkg/did/consensus/consensus.go's Consensus struct fields (db, p2p,
// signer, self) to this package's equivalents.
type Params struct {
	Identity      crypto.PrivateKey
	IsFullHistory bool
	UNL           *unl.Registry
	Peers         Broadcaster
	Mount         *cafs.Mount
	Ledger        *ledger.Store
	Inputs        *usersession.InputPool
	Exec          *supervisor.Supervisor
	CafsSyncer    Syncer
	LogSyncer     Syncer
	Outputs       OutputSink
	Cfg           *config.Config
}

// Engine drives the round state machine of spec §4.H: stage assembly,
// proposal collection, convergence, execution and commit, plus patch-driven
// UNL reload and the yield-to-synchronizer branch on divergent state.
// Generalized from pkg/did/consensus/consensus.go's Consensus.OnMsg/
// StartRound/onBlock shape: one struct owns round state, one method ingests
// inbound envelopes, one method drives the round loop forward.
type Engine struct {
	p Params

	mu        sync.Mutex
	state     runState
	round     uint64
	stage     uint8
	nodeNonce hash.H32
	timeConfig uint32
	candidate  convergenceResult
	inbox      map[string]*wire.Proposal // pubkeyHex -> this stage's proposal
	lastPrimary hash.SequenceHash
	lastRaw     hash.SequenceHash
	lastOutputs []supervisor.OutputRecord
	nplInbox    []supervisor.NplMessage

	syncing bool
}

// New builds an Engine ready to run rounds. round is the next seq_no to
// commit (one past the last committed ledger record, or 1 if none exist).
func New(p Params, round uint64) *Engine {
	return &Engine{
		p:      p,
		round:  round,
		state:  stateIdle,
		inbox:  make(map[string]*wire.Proposal),
	}
}

// HandleProposal ingests a peer's proposal envelope, applying these
// acceptance checks: UNL membership, stage match, time_config match,
// signature, and first-proposal-wins per pubkey for the round. The
// proposal's age is not checked.
func (e *Engine) HandleProposal(p *wire.Proposal) {
	if len(p.Pubkey) != crypto.PubKeySize {
		return
	}
	pkHex := pubkeyHex(p.Pubkey)

	if !e.p.UNL.Exists(pkHex) {
		return
	}

	e.mu.Lock()
	expectStage := e.stage
	expectTimeConfig := e.timeConfig
	e.mu.Unlock()

	if err := verifyProposal(p, expectStage, expectTimeConfig); err != nil {
		log.WithField("peer", pkHex).WithError(err).Debug("rejecting proposal")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.inbox[pkHex]; dup {
		return // no double-sign: first proposal per (round, stage, pubkey) wins
	}
	e.inbox[pkHex] = p
}

// HandleNpl buffers an inbound peer NPL message for delivery to the
// contract at this round's execution stage (spec §3 "NPL message",
// SPEC_FULL "NPL pass-through during execution").
func (e *Engine) HandleNpl(m *wire.Npl) {
	if len(m.Pubkey) != crypto.PubKeySize {
		return
	}
	pkHex := pubkeyHex(m.Pubkey)

	if !e.p.UNL.Exists(pkHex) {
		return
	}

	var pk crypto.PublicKey
	copy(pk[:], m.Pubkey)
	if !pk.Verify(m.Sig, m.Data) {
		log.WithField("peer", pkHex).Debug("rejecting npl message: bad signature")
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.nplInbox = append(e.nplInbox, supervisor.NplMessage{PubkeyHex: pkHex, Data: m.Data})
}

// RunRound drives one full round to completion: stage assembly/collection/
// convergence for stages 1..N-1, execution+convergence for stage N, and
// commit. Returns corerr.SyncAbandoned-classified error if the round yields
// to a synchronizer instead of completing.
func (e *Engine) RunRound(ctx context.Context) error {
	c := e.p.Cfg.Contract

	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return errors.Wrap(err, "drawing node_nonce")
	}

	e.mu.Lock()
	e.state = stateStage
	e.stage = 0
	e.nodeNonce = hash.FromBytes(nonceBytes)
	e.candidate = convergenceResult{}
	e.nplInbox = nil
	e.mu.Unlock()

	drained := e.p.Inputs.Drain()
	byHash := make(map[hash.H32]*usersession.PendingInput, len(drained))
	var users, inputHashes [][]byte
	for _, in := range drained {
		users = append(users, in.Pubkey)
		inputHashes = append(inputHashes, in.Hash.Bytes())
		byHash[in.Hash] = in
	}

	roundStart := time.Now()
	sliceDur := time.Duration(c.Roundtime) * time.Millisecond * time.Duration(c.StageSlice) / 100

	stateHash, patchHash, err := e.currentRoots()
	if err != nil {
		return err
	}

	last, err := e.p.Ledger.GetLastLedger()
	if err == nil {
		e.lastPrimary = hash.SequenceHash{SeqNo: last.SeqNo, Hash: last.LedgerHash}
	}

	e.mu.Lock()
	e.timeConfig = uint32(c.Roundtime)
	e.mu.Unlock()

	var final convergenceResult
	for stage := uint8(1); stage <= NumStages; stage++ {
		e.mu.Lock()
		e.stage = stage
		e.inbox = make(map[string]*wire.Proposal)
		e.mu.Unlock()
		e.p.Peers.ClearDedup()

		var candUsers, candInputs [][]byte
		groupNonce := hash.H32{}
		if stage == 1 {
			candUsers, candInputs = users, inputHashes
		} else {
			candUsers, candInputs = e.candidateSnapshot()
			e.mu.Lock()
			groupNonce = e.candidate.GroupNonce
			e.mu.Unlock()
		}

		own, err := buildProposal(&e.p.Identity, stage, uint64(time.Now().UnixMilli()), e.timeConfigSnapshot(),
			e.nodeNonce, groupNonce, candUsers, candInputs, stateHash, patchHash, e.lastPrimary, e.lastRaw)
		if err != nil {
			return errors.Wrap(err, "building stage proposal")
		}

		if stage == NumStages {
			outHash, execErr := e.executeStage(ctx, candUsers, candInputs, byHash)
			if execErr != nil {
				return execErr
			}
			if err := signOutput(&e.p.Identity, own, outHash); err != nil {
				return errors.Wrap(err, "signing execution output")
			}
		}

		env := wire.NewEnvelope(wire.TagProposal, time.Now().UnixMilli())
		env.Proposal = own
		e.p.Peers.Broadcast(env, "")

		deadline := roundStart.Add(sliceDur * time.Duration(stage))
		e.collectUntil(ctx, deadline)

		accepted := e.acceptedSnapshot(own)
		result := converge(accepted, c.Threshold)

		if stage == 1 {
			observations := make([]unl.ProposalObservation, 0, len(accepted))
			for _, p := range accepted {
				observations = append(observations, unl.ProposalObservation{PubkeyHex: pubkeyHex(p.Pubkey), TimeConfig: p.TimeConfig})
			}
			e.mu.Lock()
			e.timeConfig = unl.GetMajorityTimeConfig(observations, c.Threshold, uint32(c.Roundtime))
			e.mu.Unlock()
		}

		if abort := e.checkAbortSync(accepted, result, stateHash, c.Threshold); abort {
			return corerr.New(corerr.SyncAbandoned, errors.New("state divergence detected mid-round, yielding to synchronizer"))
		}

		e.mu.Lock()
		e.candidate = result
		e.mu.Unlock()
		final = result
	}

	return e.commit(final, byHash)
}

func (e *Engine) timeConfigSnapshot() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.timeConfig
}

func (e *Engine) candidateSnapshot() ([][]byte, [][]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.candidate.Users, e.candidate.InputOrderedHashes
}

func (e *Engine) currentRoots() (stateHash, patchHash hash.H32, err error) {
	stateHash, err = e.p.Mount.GetHash("rw", "/state")
	if err != nil {
		return hash.H32{}, hash.H32{}, corerr.New(corerr.CafsHelperGone, errors.Wrap(err, "querying state hash"))
	}
	patchHash, err = e.p.Mount.GetHash("rw", "/seed/state/patch")
	if err != nil {
		return hash.H32{}, hash.H32{}, corerr.New(corerr.CafsHelperGone, errors.Wrap(err, "querying patch hash"))
	}
	return stateHash, patchHash, nil
}

// collectUntil blocks until deadline or ctx cancellation, giving peers time
// to deliver their stage proposals into the inbox via HandleProposal.
func (e *Engine) collectUntil(ctx context.Context, deadline time.Time) {
	d := time.Until(deadline)
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func pubkeyHex(b []byte) string {
	var pk crypto.PublicKey
	copy(pk[:], b)
	return pk.String()
}

func (e *Engine) acceptedSnapshot(own *wire.Proposal) []*wire.Proposal {
	e.mu.Lock()
	defer e.mu.Unlock()

	ownHex := pubkeyHex(own.Pubkey)
	out := make([]*wire.Proposal, 0, len(e.inbox)+1)
	out = append(out, own)
	for pkHex, p := range e.inbox {
		if pkHex == ownHex {
			continue
		}
		out = append(out, p)
	}
	return out
}

// checkAbortSync implements spec §4.H's "if a peer's proposal reveals a
// newer state than ours" trigger: if the converged state_hash differs from
// our own current root and is quorum-supported, we are behind and must yield
// to the synchronizer rather than keep proposing.
func (e *Engine) checkAbortSync(accepted []*wire.Proposal, result convergenceResult, ourState hash.H32, thresholdPercent int) bool {
	if result.StateHash.IsEmpty() || result.StateHash == ourState {
		return false
	}
	if !quorumSupported(accepted, func(p *wire.Proposal) hash.H32 { return p.StateHash }, result.StateHash, thresholdPercent) {
		return false
	}

	e.mu.Lock()
	e.state = stateAbortSync
	e.syncing = true
	e.mu.Unlock()

	syncer := e.p.CafsSyncer
	if e.p.IsFullHistory {
		syncer = e.p.LogSyncer
	}
	if syncer == nil {
		return true
	}

	done := syncer.RequestSync(result.StateHash, "/state")
	<-done

	e.mu.Lock()
	e.syncing = false
	e.state = stateIdle
	e.mu.Unlock()

	return true
}

// executeStage runs the contract for the final stage's converged input set,
// delivering buffered peer NPL messages on stdin and broadcasting whatever
// NPL the contract emits in turn, then returns the round's output_hash
// (spec §4.H step 4).
func (e *Engine) executeStage(ctx context.Context, users, inputHashes [][]byte, byHash map[hash.H32]*usersession.PendingInput) (hash.H32, error) {
	if err := e.p.Mount.AcquireRWSession(); err != nil {
		return hash.H32{}, err
	}
	defer e.p.Mount.ReleaseRWSession()

	var records []supervisor.InputRecord
	for _, ihBytes := range inputHashes {
		h := hash.FromBytes(ihBytes)
		in, ok := byHash[h]
		if !ok {
			continue // known to peers only by hash; not locally held this round
		}
		records = append(records, supervisor.InputRecord{Pubkey: in.Pubkey, Container: in.Container})
	}

	e.mu.Lock()
	nplIn := e.nplInbox
	e.nplInbox = nil
	e.mu.Unlock()

	res, err := e.p.Exec.RunRound(ctx, records, nplIn)
	if err != nil {
		return hash.H32{}, err
	}

	e.broadcastNpl(res.NplOut)

	parts := make([][]byte, 0, len(res.Outputs)*2)
	sortableOutputs := make([]supervisor.OutputRecord, len(res.Outputs))
	copy(sortableOutputs, res.Outputs)
	sortByPubkey(sortableOutputs)
	for _, o := range sortableOutputs {
		parts = append(parts, o.Pubkey, o.Data)
	}

	e.lastOutputs = sortableOutputs
	return hash.Combine(parts...), nil
}

// broadcastNpl signs and relays every NPL message the contract emitted this
// round to the rest of the mesh, tagged with the last committed ledger's
// SequenceHash (spec §3's `lcl_id`).
func (e *Engine) broadcastNpl(out []supervisor.NplMessage) {
	if len(out) == 0 {
		return
	}

	e.mu.Lock()
	lcl := e.lastPrimary
	e.mu.Unlock()

	for _, m := range out {
		sig, err := e.p.Identity.Sign(m.Data)
		if err != nil {
			log.WithError(err).Warn("signing outbound npl message failed")
			continue
		}

		env := wire.NewEnvelope(wire.TagNpl, time.Now().UnixMilli())
		env.Npl = &wire.Npl{
			Pubkey: e.p.Identity.PublicKey().Bytes(),
			LclID:  lcl,
			Data:   m.Data,
			Sig:    sig,
		}
		e.p.Peers.Broadcast(env, "")
	}
}

func sortByPubkey(outs []supervisor.OutputRecord) {
	for i := 1; i < len(outs); i++ {
		for j := i; j > 0 && string(outs[j].Pubkey) < string(outs[j-1].Pubkey); j-- {
			outs[j], outs[j-1] = outs[j-1], outs[j]
		}
	}
}

// commit persists the round's ledger record and advances hpfs log state
// (spec §4.H step 5).
func (e *Engine) commit(final convergenceResult, byHash map[hash.H32]*usersession.PendingInput) error {
	e.mu.Lock()
	e.state = stateCommit
	e.mu.Unlock()

	seqNo := e.round

	var userHash, inputHash, outputHash hash.H32
	for _, u := range final.Users {
		userHash = userHash.XOR(hash.Sum(u))
	}
	for _, ih := range final.InputOrderedHashes {
		inputHash = inputHash.XOR(hash.FromBytes(ih))
	}
	for _, o := range e.lastOutputs {
		outputHash = outputHash.XOR(hash.Combine(o.Pubkey, o.Data))
	}
	if !final.OutputHash.IsEmpty() {
		outputHash = final.OutputHash
	}

	prev, err := e.p.Ledger.GetLastLedger()
	prevHash := hash.H32{}
	if err == nil {
		prevHash = prev.LedgerHash
	}

	rec := &ledger.Record{
		SeqNo:          seqNo,
		Timestamp:      time.Now().UnixMilli(),
		PrevLedgerHash: prevHash,
		DataHash:       hash.Combine(final.StateHash.Bytes(), final.PatchHash.Bytes()),
		StateHash:      final.StateHash,
		ConfigHash:     final.PatchHash,
		Nonce:          final.GroupNonce,
		UserHash:       userHash,
		InputHash:      inputHash,
		OutputHash:     outputHash,
	}
	rec.LedgerHash = rec.ComputeLedgerHash()

	var rawInputs []ledger.AppendInput
	for i, ih := range final.InputOrderedHashes {
		h := hash.FromBytes(ih)
		in, ok := byHash[h]
		if !ok {
			continue // known to peers only by hash; not locally held this round
		}
		rawInputs = append(rawInputs, ledger.AppendInput{
			UserInput: ledger.UserInput{Pubkey: in.Pubkey, Hash: in.Hash, Nonce: uint64(i)},
			Blob:      in.Container,
		})
	}

	rawOutputs := make([]ledger.AppendOutput, 0, len(e.lastOutputs))
	for _, o := range e.lastOutputs {
		rawOutputs = append(rawOutputs, ledger.AppendOutput{
			UserOutput: ledger.UserOutput{Pubkey: o.Pubkey, Hash: hash.Sum(o.Data)},
			Blob:       o.Data,
		})
	}

	if err := e.p.Ledger.Append(rec, final.Users, rawInputs, rawOutputs); err != nil {
		return err
	}

	if e.p.Outputs != nil {
		for _, o := range e.lastOutputs {
			e.p.Outputs.DeliverOutput(o.Pubkey, seqNo, o.Data)
		}
	}

	if e.p.Cfg.Node.History == config.HistoryCustom {
		keepSpan := uint64(e.p.Cfg.Node.MaxPrimaryShards) * ledger.ShardSize
		if seqNo > keepSpan {
			if err := e.p.Ledger.Prune(seqNo - keepSpan + 1); err != nil {
				log.WithError(err).Warn("pruning primary shards failed")
			}
		}
	}

	newRoot := cafs.RootHash(final.PatchHash, final.StateHash)
	if err := e.p.Mount.UpdateHpfsLogIndex(seqNo, newRoot); err != nil {
		return corerr.New(corerr.CafsHelperGone, errors.Wrap(err, "updating hpfs log index"))
	}

	e.mu.Lock()
	e.lastPrimary = hash.SequenceHash{SeqNo: seqNo, Hash: rec.LedgerHash}
	e.round++
	e.state = stateIdle
	e.mu.Unlock()

	return e.reloadPatchIfChanged(final.PatchHash)
}

// reloadPatchIfChanged applies spec §4.H's "whenever the patch hash changes
// across a round boundary, the node re-reads the patch file... and updates
// UNL" rule.
func (e *Engine) reloadPatchIfChanged(newPatchHash hash.H32) error {
	patch, err := config.LoadPatch(e.p.Cfg.ContractDir())
	if err != nil || patch == nil {
		return err
	}

	if err := e.p.Cfg.ApplyPatch(patch); err != nil {
		return err
	}
	e.p.UNL.UpdateUNLChangesFromPatch(patch.UNL)
	return nil
}

// Run drives successive rounds until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := e.RunRound(ctx); err != nil {
			if corerr.Is(err, corerr.SyncAbandoned) {
				log.WithError(err).Warn("round aborted for sync, retrying")
				continue
			}
			if corerr.KindOf(err).Fatal() {
				return err
			}
			log.WithError(err).Error("round failed, continuing to next round")
		}
	}
}
