package cafs

import (
	"github.com/hpcore/hpcore/pkg/hash"
)

// BlockSize is the fixed file block size over which per-file hash maps are
// computed (spec §3 "CAFS entity tree": "fixed 4 MiB blocks").
const BlockSize = 4 << 20

// Entry is one sorted-by-name child of a directory.
type Entry struct {
	Name      string
	IsFile    bool
	ChildHash hash.H32
}

// Helper is the capability interface the CAFS mount drives, abstracting the
// external hpfs helper process so it can be swapped for an in-process
// implementation in tests (spec §8 "External helper (hpfs)").
type Helper interface {
	OpenSession(name string, writable bool, hmapEnabled bool) error
	CloseSession(name string) error

	QueryHash(session, vpath string) (hash.H32, error)
	QueryFileBlockHashes(session, vpath string) ([]hash.H32, error)
	QueryDirChildren(session, vpath string) ([]Entry, error)
	PhysicalPath(session, vpath string) (string, error)

	WriteBlocks(session, vpath string, blockID uint32, data []byte) error
	ReadBlocks(session, vpath string, blockID uint32) ([]byte, error)

	AppendLog(records []byte) error
	ReadLog(from, to uint64) ([]byte, error)
	TruncateLog(fromSeqNo uint64) error

	QueryIndex(seqNo uint64) (hash.H32, bool, error)
	LastIndexSeqNo() (uint64, error)
	UpdateIndex(seqNo uint64, root hash.H32) error

	Close() error
}
