// Package cafssync implements block-diff synchronization of the content-
// addressed filesystem to a declared target root hash (spec §4.I). It both
// drives sync as a client (RequestSync) and answers other peers' requests
// as a server (HandleRequest), grounded on pkg/storage/chain.go's
// visited/queue BFS shape for walking a hash-addressed tree.
package cafssync

import (
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/hpcore/hpcore/internal/cafs"
	"github.com/hpcore/hpcore/internal/corerr"
	"github.com/hpcore/hpcore/internal/telemetry"
	"github.com/hpcore/hpcore/internal/unl"
	"github.com/hpcore/hpcore/pkg/hash"
	"github.com/hpcore/hpcore/pkg/wire"
)

var log = telemetry.Component("cafssync")

// abandonThreshold is the fixed repetition count after which a stalled
// request gives up (spec §4.I step 4: "ABANDON_THRESHOLD, 10").
const abandonThreshold = 10

// sessionName is the session queried and written through during sync; sync
// shares the rw session with round execution rather than a dedicated ro
// snapshot, since both ultimately settle on the same on-disk state.
const sessionName = "rw"

// Transport is the subset of *peer.Manager this component drives, kept
// narrow so cafssync never needs to import internal/peer.
type Transport interface {
	SendTo(pubkeyHex string, env *wire.Envelope) error
	Sessions() []string
}

// Syncer drives and serves CAFS block-diff sync for one mount.
type Syncer struct {
	mountID  string
	mount    *cafs.Mount
	peers    Transport
	unl      *unl.Registry
	interval time.Duration

	mu      sync.Mutex
	pending map[string]chan *wire.HpfsResponse
}

// New builds a Syncer for mountID, using roundtime*0.7 as the resubmission
// interval (spec §4.I step 4).
func New(mountID string, mount *cafs.Mount, peers Transport, registry *unl.Registry, roundtime time.Duration) *Syncer {
	return &Syncer{
		mountID:  mountID,
		mount:    mount,
		peers:    peers,
		unl:      registry,
		interval: time.Duration(float64(roundtime) * 0.7),
		pending:  make(map[string]chan *wire.HpfsResponse),
	}
}

// RequestSync brings vpath to target's declared hash, reporting completion
// (nil on success) on the returned channel. It satisfies the
// internal/consensus Syncer interface structurally.
func (s *Syncer) RequestSync(target hash.H32, vpath string) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.run(target, vpath)
	}()
	return done
}

func (s *Syncer) run(target hash.H32, vpath string) error {
	peerHex, err := s.pickPeer()
	if err != nil {
		return corerr.New(corerr.SyncAbandoned, err)
	}

	if err := s.mount.AcquireRWSession(); err != nil {
		return err
	}
	defer s.mount.ReleaseRWSession()

	if err := s.walk(peerHex, target, vpath); err != nil {
		return err
	}

	s.mount.SetParentHash(vpath, target)
	log.WithField("vpath", vpath).WithField("target", target.String()).Info("cafs sync complete")
	return nil
}

func (s *Syncer) pickPeer() (string, error) {
	for _, pk := range s.peers.Sessions() {
		if s.unl.Exists(pk) {
			return pk, nil
		}
	}
	return "", errors.New("no connected UNL peer available for cafs sync")
}

type syncJob struct {
	vpath  string
	want   hash.H32
	isFile bool
}

// walk implements spec §4.I steps 1-3: ask for the contested vpath's
// directory entries (or block hash map, for a file), diff against local
// entries, and recurse into whatever differs.
func (s *Syncer) walk(peerHex string, target hash.H32, rootVPath string) error {
	visited := make(map[string]struct{})
	queue := []syncJob{{vpath: rootVPath, want: target, isFile: false}}

	for len(queue) != 0 {
		job := queue[0]
		queue = queue[1:]

		if _, ok := visited[job.vpath]; ok {
			continue
		}
		visited[job.vpath] = struct{}{}

		if local, err := s.mount.GetHash(sessionName, job.vpath); err == nil && local == job.want {
			continue
		}

		if job.isFile {
			if err := s.syncFile(peerHex, job.vpath, job.want); err != nil {
				return err
			}
			continue
		}

		entries, err := s.requestDirEntries(peerHex, job.vpath)
		if err != nil {
			return err
		}

		local, _ := s.mount.GetDirChildrenHashes(sessionName, job.vpath)
		byName := make(map[string]cafs.Entry, len(local))
		for _, e := range local {
			byName[e.Name] = e
		}

		for _, de := range entries {
			if lc, ok := byName[de.Name]; ok && lc.ChildHash == de.Hash {
				continue
			}
			queue = append(queue, syncJob{vpath: path.Join(job.vpath, de.Name), want: de.Hash, isFile: de.IsFile})
		}
	}

	return nil
}

func (s *Syncer) syncFile(peerHex, vpath string, want hash.H32) error {
	remote, err := s.requestFileBlockHashes(peerHex, vpath)
	if err != nil {
		return err
	}

	local, _ := s.mount.GetFileBlockHashes(sessionName, vpath)

	for i, rb := range remote {
		if i < len(local) && local[i] == rb {
			continue
		}
		if err := s.syncBlock(peerHex, vpath, uint32(i), rb); err != nil {
			return err
		}
	}

	if got, err := s.mount.GetHash(sessionName, vpath); err != nil || got != want {
		return errors.Errorf("file %s did not converge to expected hash after block sync", vpath)
	}
	return nil
}

func (s *Syncer) syncBlock(peerHex, vpath string, blockID uint32, want hash.H32) error {
	resp, err := s.roundTrip(peerHex, &wire.HpfsRequest{
		MountID:  s.mountID,
		VPath:    vpath,
		Hint:     wire.HintBlocks,
		BlockIDs: []uint32{blockID},
	})
	if err != nil {
		return err
	}
	if resp.Block == nil {
		return errors.New("expected a block response")
	}
	if resp.Block.ExpectedHash != want {
		return errors.New("peer's declared block hash does not match the requested target")
	}
	if hash.Sum(resp.Block.Data) != want {
		return errors.New("received block does not hash to its declared expected_hash")
	}
	return s.mount.WriteBlock(vpath, blockID, resp.Block.Data)
}

func (s *Syncer) requestDirEntries(peerHex, vpath string) ([]wire.DirEntry, error) {
	resp, err := s.roundTrip(peerHex, &wire.HpfsRequest{MountID: s.mountID, VPath: vpath, Hint: wire.HintDirEntries})
	if err != nil {
		return nil, err
	}
	if resp.FsEntry == nil {
		return nil, errors.New("expected a directory-entry response")
	}
	return resp.FsEntry.Entries, nil
}

func (s *Syncer) requestFileBlockHashes(peerHex, vpath string) ([]hash.H32, error) {
	resp, err := s.roundTrip(peerHex, &wire.HpfsRequest{MountID: s.mountID, VPath: vpath, Hint: wire.HintFileBlockHashes})
	if err != nil {
		return nil, err
	}
	if resp.FileHashMap == nil {
		return nil, errors.New("expected a file-block-hash-map response")
	}
	return resp.FileHashMap.BlockHashes, nil
}

// roundTrip sends req and waits for its correlated response, resubmitting
// on timeout and abandoning after abandonThreshold attempts.
func (s *Syncer) roundTrip(peerHex string, req *wire.HpfsRequest) (*wire.HpfsResponse, error) {
	key := requestKey(req)

	ch := make(chan *wire.HpfsResponse, 1)
	s.mu.Lock()
	s.pending[key] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}()

	bo := &backoff.Backoff{Min: s.interval, Max: s.interval}

	for attempt := 0; attempt < abandonThreshold; attempt++ {
		env := wire.NewEnvelope(wire.TagHpfsRequest, time.Now().UnixMilli())
		env.HpfsRequest = req
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

	return nil, corerr.New(corerr.SyncAbandoned, errors.Errorf("no response for %s after %d attempts", key, abandonThreshold))
}

// HandleResponse delivers an inbound HpfsResponse to whichever pending
// roundTrip is waiting on it, dropping it silently if nothing matches
// (spec §4.I: late or unsolicited responses are ignored).
func (s *Syncer) HandleResponse(resp *wire.HpfsResponse) {
	if resp.MountID != s.mountID {
		return
	}

	key, ok := responseKey(resp)
	if !ok {
		return
	}

	s.mu.Lock()
	ch, ok := s.pending[key]
	s.mu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- resp:
	default:
	}
}

// HandleRequest answers a peer's HpfsRequest for this mount's sync material
// (spec §4.I: "requests and responses both carry mount_id ... and a hint
// field that lets the server pre-filter its reply").
func (s *Syncer) HandleRequest(req *wire.HpfsRequest) (*wire.HpfsResponse, error) {
	if req.MountID != s.mountID {
		return nil, errors.Errorf("request for mount %q not served here", req.MountID)
	}

	switch req.Hint {
	case wire.HintDirEntries:
		entries, err := s.mount.GetDirChildrenHashes(sessionName, req.VPath)
		if err != nil {
			return nil, err
		}
		out := make([]wire.DirEntry, len(entries))
		for i, e := range entries {
			out[i] = wire.DirEntry{Name: e.Name, IsFile: e.IsFile, Hash: e.ChildHash}
		}
		return &wire.HpfsResponse{MountID: s.mountID, FsEntry: &wire.FsEntryResponse{VPath: req.VPath, Entries: out}}, nil

	case wire.HintFileBlockHashes:
		hashes, err := s.mount.GetFileBlockHashes(sessionName, req.VPath)
		if err != nil {
			return nil, err
		}
		return &wire.HpfsResponse{MountID: s.mountID, FileHashMap: &wire.FileHashMapResponse{VPath: req.VPath, BlockHashes: hashes}}, nil

	case wire.HintBlocks:
		if len(req.BlockIDs) == 0 {
			return nil, errors.New("block request carries no block ids")
		}
		blockID := req.BlockIDs[0]
		data, err := s.mount.ReadBlock(sessionName, req.VPath, blockID)
		if err != nil {
			return nil, err
		}
		return &wire.HpfsResponse{MountID: s.mountID, Block: &wire.BlockResponse{VPath: req.VPath, BlockID: blockID, Data: data, ExpectedHash: hash.Sum(data)}}, nil

	default:
		return nil, errors.Errorf("unknown hpfs request hint %d", req.Hint)
	}
}

func requestKey(req *wire.HpfsRequest) string {
	switch req.Hint {
	case wire.HintDirEntries:
		return "d:" + req.VPath
	case wire.HintFileBlockHashes:
		return "h:" + req.VPath
	case wire.HintBlocks:
		id := uint32(0)
		if len(req.BlockIDs) > 0 {
			id = req.BlockIDs[0]
		}
		return fmt.Sprintf("b:%s:%d", req.VPath, id)
	default:
		return req.VPath
	}
}

func responseKey(resp *wire.HpfsResponse) (string, bool) {
	switch {
	case resp.FsEntry != nil:
		return "d:" + resp.FsEntry.VPath, true
	case resp.FileHashMap != nil:
		return "h:" + resp.FileHashMap.VPath, true
	case resp.Block != nil:
		return fmt.Sprintf("b:%s:%d", resp.Block.VPath, resp.Block.BlockID), true
	default:
		return "", false
	}
}
