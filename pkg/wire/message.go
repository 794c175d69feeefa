// Package wire defines the framed, signed peer/user wire protocol: a tagged
// union of message payloads, each carrying a protocol version and staleness
// timestamp, mirroring the tagged-union shape of pkg/did/consensus/msg.go.
package wire

import (
	"github.com/hpcore/hpcore/pkg/hash"
)

// ProtocolVersion is bumped whenever a wire-incompatible change is made to
// the Envelope or any Payload type.
const ProtocolVersion uint16 = 1

// StalenessMultiplier is how many roundtimes old a message may be before it
// is dropped, unless it is large (see LargeMessageThreshold).
const StalenessMultiplier = 3

// LargeMessageThreshold messages at or above this size bypass the staleness
// check (spec §6: "unless the payload is larger than 1 MiB").
const LargeMessageThreshold = 1 << 20

// Tag identifies the case of the Envelope tagged union.
type Tag uint8

const (
	TagPeerChallenge Tag = iota + 1
	TagPeerChallengeResponse
	TagProposal
	TagNonUnlProposal
	TagNpl
	TagHpfsRequest
	TagHpfsResponse
	TagHpfsLogRequest
	TagHpfsLogResponse
	TagPeerListRequest
	TagPeerListResponse
	TagPeerCapacityAnnouncement
	TagPeerRequirementAnnouncement
	TagSuppress
	TagSubmittedInput
	TagOutputDelivery
)

// Envelope is the outer frame of every message exchanged between nodes.
// Exactly one of the payload fields is populated, selected by Tag.
type Envelope struct {
	Version   uint16 `msgpack:"v"`
	Tag       Tag    `msgpack:"t"`
	CreatedOn int64  `msgpack:"c"` // ms since epoch

	PeerChallenge               *PeerChallenge               `msgpack:"pc,omitempty"`
	PeerChallengeResponse       *PeerChallengeResponse       `msgpack:"pr,omitempty"`
	Proposal                    *Proposal                    `msgpack:"pp,omitempty"`
	NonUnlProposal               *Proposal                    `msgpack:"np,omitempty"`
	Npl                          *Npl                         `msgpack:"nm,omitempty"`
	HpfsRequest                  *HpfsRequest                 `msgpack:"hq,omitempty"`
	HpfsResponse                 *HpfsResponse                `msgpack:"hs,omitempty"`
	HpfsLogRequest               *HpfsLogRequest              `msgpack:"lq,omitempty"`
	HpfsLogResponse              *HpfsLogResponse             `msgpack:"ls,omitempty"`
	PeerListRequest              *PeerListRequest             `msgpack:"plq,omitempty"`
	PeerListResponse             *PeerListResponse            `msgpack:"pls,omitempty"`
	PeerCapacityAnnouncement     *PeerCapacityAnnouncement    `msgpack:"pca,omitempty"`
	PeerRequirementAnnouncement *PeerRequirementAnnouncement `msgpack:"pra,omitempty"`
	Suppress                     *Suppress                    `msgpack:"sp,omitempty"`
	SubmittedInput               *SubmittedInput              `msgpack:"si,omitempty"`
	OutputDelivery               *OutputDelivery              `msgpack:"od,omitempty"`
}

// IsStale reports whether the envelope is older than roundtime*StalenessMultiplier
// at nowMs, unless its encoded size bypasses the check.
func (e *Envelope) IsStale(nowMs int64, roundtimeMs int64, encodedSize int) bool {
	if encodedSize >= LargeMessageThreshold {
		return false
	}

	age := nowMs - e.CreatedOn
	return age > roundtimeMs*StalenessMultiplier
}

// PeerChallenge is the first message of the peer admission handshake
// (spec §4.F).
type PeerChallenge struct {
	ContractID    string `msgpack:"cid"`
	TimeConfig    uint32 `msgpack:"tc"`
	IsFullHistory bool   `msgpack:"fh"`
	Challenge     []byte `msgpack:"ch"` // 16 random bytes
}

// PeerChallengeResponse answers a PeerChallenge.
type PeerChallengeResponse struct {
	Challenge []byte `msgpack:"ch"`
	Sig       []byte `msgpack:"s"`
	Pubkey    []byte `msgpack:"pk"`
}

// Proposal is produced once per stage by every validator (spec §3).
type Proposal struct {
	Pubkey []byte `msgpack:"pk"`
	Sig    []byte `msgpack:"s"`

	Stage      uint8  `msgpack:"st"`
	Time       uint64 `msgpack:"t"`
	TimeConfig uint32 `msgpack:"tc"`

	NodeNonce  hash.H32 `msgpack:"nn"`
	GroupNonce hash.H32 `msgpack:"gn"`

	Users              [][]byte `msgpack:"u"`
	InputOrderedHashes [][]byte `msgpack:"ih"`

	OutputHash hash.H32 `msgpack:"oh"`
	OutputSig  []byte   `msgpack:"os"`

	StateHash hash.H32 `msgpack:"sh"`
	PatchHash hash.H32 `msgpack:"ph"`

	LastPrimaryShardID hash.SequenceHash `msgpack:"lps"`
	LastRawShardID     hash.SequenceHash `msgpack:"lrs"`
}

// SigningBytes returns the canonical byte sequence hashed and signed for this
// proposal: every consensus-significant field except Pubkey and Sig, with
// set-valued fields sorted per the "sorted ascending by raw bytes" rule.
func (p *Proposal) SigningBytes() []byte {
	var b []byte

	b = append(b, p.Stage)
	b = appendUint64(b, p.Time)
	b = appendUint32(b, p.TimeConfig)
	b = append(b, p.NodeNonce.Bytes()...)
	b = append(b, p.GroupNonce.Bytes()...)

	for _, u := range hash.SortBytes(p.Users) {
		b = append(b, u...)
	}
	for _, h := range hash.SortBytes(p.InputOrderedHashes) {
		b = append(b, h...)
	}

	b = append(b, p.OutputHash.Bytes()...)
	b = append(b, p.StateHash.Bytes()...)
	b = append(b, p.PatchHash.Bytes()...)
	b = appendUint64(b, p.LastPrimaryShardID.SeqNo)
	b = append(b, p.LastPrimaryShardID.Hash.Bytes()...)
	b = appendUint64(b, p.LastRawShardID.SeqNo)
	b = append(b, p.LastRawShardID.Hash.Bytes()...)

	return b
}

func appendUint64(b []byte, v uint64) []byte {
	return append(b,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint32(b []byte, v uint32) []byte {
	return append(b, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Npl is a node-to-node message emitted by the contract during execution
// (spec §3).
type Npl struct {
	Pubkey []byte            `msgpack:"pk"`
	LclID  hash.SequenceHash `msgpack:"lcl"`
	Data   []byte            `msgpack:"d"`
	Sig    []byte            `msgpack:"s"`
}

// HpfsHint selects whether an HpfsRequest wants directory entries or a file's
// block-hash map, letting the server pre-filter its reply (spec §4.I).
type HpfsHint uint8

const (
	HintDirEntries HpfsHint = iota + 1
	HintFileBlockHashes
	HintBlocks
)

// HpfsRequest asks a peer for CAFS sync material rooted at VPath.
type HpfsRequest struct {
	MountID  string   `msgpack:"m"`
	VPath    string   `msgpack:"vp"`
	Hint     HpfsHint `msgpack:"h"`
	BlockIDs []uint32 `msgpack:"bi,omitempty"`
}

// HpfsResponse answers an HpfsRequest with exactly one populated variant.
type HpfsResponse struct {
	MountID string `msgpack:"m"`

	FsEntry      *FsEntryResponse      `msgpack:"fe,omitempty"`
	FileHashMap  *FileHashMapResponse  `msgpack:"fh,omitempty"`
	Block        *BlockResponse        `msgpack:"b,omitempty"`
}

// DirEntry is one sorted-by-name child of a directory (spec §3 "CAFS entity tree").
type DirEntry struct {
	Name     string   `msgpack:"n"`
	IsFile   bool     `msgpack:"f"`
	Hash     hash.H32 `msgpack:"h"`
}

// FsEntryResponse carries the sorted children of a directory vpath.
type FsEntryResponse struct {
	VPath   string     `msgpack:"vp"`
	Entries []DirEntry `msgpack:"e"`
}

// FileHashMapResponse carries the ordered per-4MiB-block hashes of a file.
type FileHashMapResponse struct {
	VPath        string     `msgpack:"vp"`
	BlockHashes  []hash.H32 `msgpack:"bh"`
}

// BlockResponse carries one requested block's raw bytes plus the hash the
// requester must recompute and match before accepting it.
type BlockResponse struct {
	VPath        string   `msgpack:"vp"`
	BlockID      uint32   `msgpack:"bi"`
	Data         []byte   `msgpack:"d"`
	ExpectedHash hash.H32 `msgpack:"eh"`
}

// HpfsLogRequest asks a full-history peer for log records from MinRecordID
// up to TargetSeqNo (spec §4.J).
type HpfsLogRequest struct {
	TargetSeqNo  uint64            `msgpack:"ts"`
	MinRecordID  hash.SequenceHash `msgpack:"mr"`
}

// HpfsLogResponse carries a contiguous run of raw log record bytes starting
// at FromSeqNo.
type HpfsLogResponse struct {
	FromSeqNo uint64 `msgpack:"fs"`
	Records   []byte `msgpack:"r"`
}

// PeerListRequest solicits PeerProperties from a random peer (spec §4.F).
type PeerListRequest struct{}

// PeerProperties describes one peer known to the responder.
type PeerProperties struct {
	Host               string `msgpack:"h"`
	Port               uint16 `msgpack:"p"`
	AvailableCapacity  uint32 `msgpack:"c"`
	Timestamp          int64  `msgpack:"t"`
}

// PeerListResponse enumerates peers known to the responder.
type PeerListResponse struct {
	Peers []PeerProperties `msgpack:"p"`
}

// PeerCapacityAnnouncement lets a peer advertise free capacity unsolicited.
type PeerCapacityAnnouncement struct {
	AvailableCapacity uint32 `msgpack:"c"`
}

// PeerRequirementAnnouncement lets a peer advertise that it needs more peers.
type PeerRequirementAnnouncement struct {
	Needed uint32 `msgpack:"n"`
}

// Suppress lets a peer declare it does not wish to receive messages of the
// given tag (spec §4.F).
type Suppress struct {
	Tag Tag `msgpack:"t"`
}

// InputProtocol names the (opaque-to-the-core) encoding of a submitted
// input's container bytes (spec §3 "Submitted user input").
type InputProtocol uint8

const (
	ProtocolRaw InputProtocol = iota
	ProtocolJSON
	ProtocolBSON
	ProtocolMsgpack
)

// SubmittedInput is a signed input handed to the user session layer for
// inclusion in the current round (spec §3, §4.G). Container is opaque to
// the core; Sig authenticates it under Pubkey.
type SubmittedInput struct {
	Pubkey    []byte        `msgpack:"pk"`
	Container []byte        `msgpack:"c"`
	Sig       []byte        `msgpack:"s"`
	Protocol  InputProtocol `msgpack:"pr"`
}

// OutputDelivery carries one user's contract output back at commit time
// (spec §4.G "streams outputs back at commit").
type OutputDelivery struct {
	Pubkey      []byte `msgpack:"pk"`
	LedgerSeqNo uint64 `msgpack:"sq"`
	Data        []byte `msgpack:"d"`
}
