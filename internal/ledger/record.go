// Package ledger implements the hash-chained ledger store: primary shards
// (one SQLite database per contiguous seq_no range) and optional raw shards
// (input/output blob provenance), grounded on
// ZejunLiu0-distributed-systems/p3,p4/store/db.go's sql.Open("sqlite3", ...)
// + CREATE TABLE IF NOT EXISTS pattern (spec §4.D).
package ledger

import (
	"github.com/hpcore/hpcore/pkg/hash"
)

// ShardSize is the compile-time constant number of consecutive seq_nos
// stored per primary shard database (spec §4.D: "typically 256").
const ShardSize = 256

// Record is one committed round (spec §3 "Ledger record").
type Record struct {
	SeqNo          uint64
	Timestamp      int64
	LedgerHash     hash.H32
	PrevLedgerHash hash.H32
	DataHash       hash.H32
	StateHash      hash.H32
	ConfigHash     hash.H32
	Nonce          hash.H32
	UserHash       hash.H32
	InputHash      hash.H32
	OutputHash     hash.H32
}

// ComputeLedgerHash derives ledger_hash from the remaining fields, per
// spec §3: H(prev_ledger_hash ‖ seq_no ‖ timestamp ‖ data_hash ‖ state_hash ‖
// config_hash ‖ nonce ‖ user_hash ‖ input_hash ‖ output_hash).
func (r *Record) ComputeLedgerHash() hash.H32 {
	return hash.Combine(
		r.PrevLedgerHash.Bytes(),
		uint64Bytes(r.SeqNo),
		int64Bytes(r.Timestamp),
		r.DataHash.Bytes(),
		r.StateHash.Bytes(),
		r.ConfigHash.Bytes(),
		r.Nonce.Bytes(),
		r.UserHash.Bytes(),
		r.InputHash.Bytes(),
		r.OutputHash.Bytes(),
	)
}

func uint64Bytes(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func int64Bytes(v int64) []byte {
	return uint64Bytes(uint64(v))
}

// ShardIDFor returns which primary shard seqNo belongs to.
func ShardIDFor(seqNo uint64) uint64 {
	return (seqNo - 1) / ShardSize
}

// UserInput is one accepted input row in a raw shard.
type UserInput struct {
	LedgerSeqNo uint64
	Pubkey      []byte
	Hash        hash.H32
	Nonce       uint64
	BlobOffset  int64
	BlobSize    uint32
}

// UserOutput is one delivered output row in a raw shard.
type UserOutput struct {
	LedgerSeqNo uint64
	Pubkey      []byte
	Hash        hash.H32
	BlobOffset  int64
	BlobCount   uint32
}
