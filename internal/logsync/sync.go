// Package logsync implements hpfs log replay for full-history nodes (spec
// §4.J): joining-point discovery against a lagging or forked local log,
// followed by importing the missing suffix from a peer. Grounded in shape
// on internal/cafssync's request/response correlation and resubmit/abandon
// policy, and on internal/ledger's primary-shard walk for the fork search.
package logsync

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/hpcore/hpcore/internal/cafs"
	"github.com/hpcore/hpcore/internal/corerr"
	"github.com/hpcore/hpcore/internal/ledger"
	"github.com/hpcore/hpcore/internal/telemetry"
	"github.com/hpcore/hpcore/internal/unl"
	"github.com/hpcore/hpcore/pkg/hash"
	"github.com/hpcore/hpcore/pkg/wire"
)

var log = telemetry.Component("logsync")

// abandonThreshold is the fixed repetition count after which a stalled
// request gives up (spec §4.I step 4, reused by §4.J: "same resubmission
// policy").
const abandonThreshold = 10

// chunkSize is how many seq_nos worth of log we ask for per request.
const chunkSize = ledger.ShardSize

const roSessionName = "logsync"

// Transport is the subset of *peer.Manager this component drives.
type Transport interface {
	SendTo(pubkeyHex string, env *wire.Envelope) error
	Sessions() []string
}

// Syncer drives and serves hpfs log replay for one mount.
type Syncer struct {
	mount    *cafs.Mount
	ledger   *ledger.Store
	peers    Transport
	unl      *unl.Registry
	interval time.Duration

	mu      sync.Mutex
	pending chan *wire.HpfsLogResponse
}

// New builds a Syncer using roundtime*0.7 as the resubmission interval,
// matching cafssync (spec §4.J: "resubmission policy is the same as 4.I").
func New(mount *cafs.Mount, ledgerStore *ledger.Store, peers Transport, registry *unl.Registry, roundtime time.Duration) *Syncer {
	return &Syncer{
		mount:    mount,
		ledger:   ledgerStore,
		peers:    peers,
		unl:      registry,
		interval: time.Duration(float64(roundtime) * 0.7),
	}
}

// RequestSync replays the missing suffix of the hpfs log until the mount's
// root hash converges on target. vpath is accepted only to satisfy the
// internal/consensus Syncer interface; a full-history node always syncs the
// whole log, not one vpath. It satisfies that interface structurally.
func (s *Syncer) RequestSync(target hash.H32, vpath string) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.run(target)
	}()
	return done
}

func (s *Syncer) run(target hash.H32) error {
	if s.currentRootMatches(target) {
		return nil
	}

	peerHex, err := s.pickPeer()
	if err != nil {
		return corerr.New(corerr.SyncAbandoned, err)
	}

	jp, err := s.findJoiningPoint()
	if err != nil {
		return err
	}

	if err := s.replayFrom(peerHex, jp, target); err != nil {
		return err
	}

	log.WithField("target", target.String()).Info("hpfs log replay complete")
	return nil
}

func (s *Syncer) pickPeer() (string, error) {
	for _, pk := range s.peers.Sessions() {
		if s.unl.Exists(pk) {
			return pk, nil
		}
	}
	return "", errors.New("no connected UNL peer available for hpfs log sync")
}

// currentRootMatches opens a fresh RO session over patch and state, per
// spec §4.J's "verify target via a fresh RO session over patch and state".
func (s *Syncer) currentRootMatches(target hash.H32) bool {
	if err := s.mount.StartROSession(roSessionName, false); err != nil {
		return false
	}
	defer s.mount.StopROSession(roSessionName)

	stateHash, err := s.mount.GetHash(roSessionName, "/state")
	if err != nil {
		return false
	}
	patchHash, err := s.mount.GetHash(roSessionName, "/seed/state/patch")
	if err != nil {
		return false
	}
	return cafs.RootHash(patchHash, stateHash) == target
}

// joinPoint is the most recent (seq_no, root_hash) at which the local log
// and ledger are known to agree with the cluster (spec glossary: "joining
// point").
type joinPoint struct {
	seqNo uint64
	hash  hash.H32
}

// findJoiningPoint implements spec §4.J's min_log_record search.
func (s *Syncer) findJoiningPoint() (joinPoint, error) {
	idxSeq, err := s.mount.GetLastSeqNoFromIndex()
	if err != nil {
		return joinPoint{}, corerr.New(corerr.CafsHelperGone, err)
	}

	ledgerRec, ledgerErr := s.ledger.GetLastLedger()
	if idxSeq == 0 || ledgerErr != nil {
		return joinPoint{seqNo: 0}, nil
	}

	ledgerSeq := ledgerRec.SeqNo

	switch {
	case ledgerSeq == idxSeq:
		idxRoot, ok, err := s.mount.GetHashFromIndexBySeqNo(idxSeq)
		if err != nil {
			return joinPoint{}, corerr.New(corerr.CafsHelperGone, err)
		}
		ledgerRoot := cafs.RootHash(ledgerRec.ConfigHash, ledgerRec.StateHash)
		if ok && idxRoot == ledgerRoot {
			if err := s.mount.TruncateLogFile(ledgerSeq + 1); err != nil {
				return joinPoint{}, corerr.New(corerr.CafsHelperGone, err)
			}
			return joinPoint{seqNo: ledgerSeq, hash: idxRoot}, nil
		}
		return s.forkWalkAndTruncate(ledgerSeq - 1)

	case ledgerSeq > idxSeq:
		idxRoot, ok, err := s.mount.GetHashFromIndexBySeqNo(idxSeq)
		if err != nil {
			return joinPoint{}, corerr.New(corerr.CafsHelperGone, err)
		}
		recAtIdx, err := s.ledger.GetLedgerBySeqNo(idxSeq)
		if err != nil {
			return joinPoint{}, err
		}
		if ok && idxRoot == cafs.RootHash(recAtIdx.ConfigHash, recAtIdx.StateHash) {
			return joinPoint{seqNo: idxSeq, hash: idxRoot}, nil
		}
		return s.forkWalkAndTruncate(idxSeq - 1)

	default: // idxSeq > ledgerSeq
		return s.forkWalkAndTruncate(ledgerSeq - 1)
	}
}

// forkWalkAndTruncate walks the ledger's primary shards backward from
// fromSeqNo, recomputing root_hash from each row and comparing against the
// index, then truncates the log/index to whatever it finds (spec §4.J:
// "the first match is the joining point... on reaching genesis without a
// match, truncate log and index fully and request from genesis").
func (s *Syncer) forkWalkAndTruncate(fromSeqNo uint64) (joinPoint, error) {
	for seq := fromSeqNo; seq >= 1; seq-- {
		rec, err := s.ledger.GetLedgerBySeqNo(seq)
		if err != nil {
			if corerr.Is(err, corerr.SessionNotFound) {
				break
			}
			return joinPoint{}, err
		}

		root := cafs.RootHash(rec.ConfigHash, rec.StateHash)
		idxRoot, ok, err := s.mount.GetHashFromIndexBySeqNo(seq)
		if err != nil {
			return joinPoint{}, corerr.New(corerr.CafsHelperGone, err)
		}

		if ok && idxRoot == root {
			if err := s.mount.TruncateLogFile(seq + 1); err != nil {
				return joinPoint{}, corerr.New(corerr.CafsHelperGone, err)
			}
			return joinPoint{seqNo: seq, hash: idxRoot}, nil
		}

		if seq == 1 {
			break
		}
	}

	if err := s.mount.TruncateLogFile(1); err != nil {
		return joinPoint{}, corerr.New(corerr.CafsHelperGone, err)
	}
	return joinPoint{seqNo: 0}, nil
}

// replayFrom requests successive chunks of the hpfs log starting at jp,
// appending each into the local log until the root converges on target or
// the replay is abandoned.
func (s *Syncer) replayFrom(peerHex string, jp joinPoint, target hash.H32) error {
	current := jp

	for i := 0; i < abandonThreshold; i++ {
		req := &wire.HpfsLogRequest{
			TargetSeqNo: current.seqNo + chunkSize,
			MinRecordID: hash.SequenceHash{SeqNo: current.seqNo, Hash: current.hash},
		}

		resp, err := s.roundTrip(peerHex, req)
		if err != nil {
			return err
		}
		if len(resp.Records) == 0 {
			return corerr.New(corerr.SyncAbandoned, errors.New("peer has no further log records but target root not yet reached"))
		}

		if err := s.mount.AppendHpfsLogRecords(resp.Records); err != nil {
			return corerr.New(corerr.CafsHelperGone, errors.Wrap(err, "applying replayed hpfs log records"))
		}

		if s.currentRootMatches(target) {
			return nil
		}

		newSeq, err := s.mount.GetLastSeqNoFromIndex()
		if err != nil {
			return corerr.New(corerr.CafsHelperGone, err)
		}
		newRoot, ok, err := s.mount.GetHashFromIndexBySeqNo(newSeq)
		if err != nil {
			return corerr.New(corerr.CafsHelperGone, err)
		}
		if !ok {
			return errors.New("index missing the seq_no just appended")
		}
		current = joinPoint{seqNo: newSeq, hash: newRoot}
	}

	return corerr.New(corerr.SyncAbandoned, errors.Errorf("hpfs log replay did not converge within %d chunks", abandonThreshold))
}

// roundTrip sends req and waits for its response, resubmitting on timeout
// and abandoning after abandonThreshold attempts (spec §4.I step 4, reused
// by §4.J).
func (s *Syncer) roundTrip(peerHex string, req *wire.HpfsLogRequest) (*wire.HpfsLogResponse, error) {
	ch := make(chan *wire.HpfsLogResponse, 1)
	s.mu.Lock()
	s.pending = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
	}()

	bo := &backoff.Backoff{Min: s.interval, Max: s.interval}

	for attempt := 0; attempt < abandonThreshold; attempt++ {
		env := wire.NewEnvelope(wire.TagHpfsLogRequest, time.Now().UnixMilli())
		env.HpfsLogRequest = req
		if err := s.peers.SendTo(peerHex, env); err != nil {
			if alt, altErr := s.pickPeer(); altErr == nil {
				peerHex = alt
			}
		}

		select {
		case resp := <-ch:
			return resp, nil
		case <-time.After(bo.Duration()):
			continue
		}
	}

	return nil, corerr.New(corerr.SyncAbandoned, errors.Errorf("no hpfs log response after %d attempts", abandonThreshold))
}

// HandleResponse delivers an inbound HpfsLogResponse to the outstanding
// roundTrip, if any.
func (s *Syncer) HandleResponse(resp *wire.HpfsLogResponse) {
	s.mu.Lock()
	ch := s.pending
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- resp:
	default:
	}
}

// HandleRequest answers a peer's HpfsLogRequest, serving only if our index
// agrees with the requested joining point (spec §4.J: "a peer serves only
// if it can verify that our requested min_record_id matches its own index
// at that seq").
func (s *Syncer) HandleRequest(req *wire.HpfsLogRequest) (*wire.HpfsLogResponse, error) {
	if req.MinRecordID.SeqNo > 0 {
		ourRoot, ok, err := s.mount.GetHashFromIndexBySeqNo(req.MinRecordID.SeqNo)
		if err != nil {
			return nil, err
		}
		if !ok || ourRoot != req.MinRecordID.Hash {
			return nil, errors.New("requested joining point does not match our index")
		}
	}

	buf, err := s.mount.ReadHpfsLogs(req.MinRecordID.SeqNo, req.TargetSeqNo)
	if err != nil {
		return nil, err
	}
	return &wire.HpfsLogResponse{FromSeqNo: req.MinRecordID.SeqNo, Records: buf}, nil
}
