// Package hash implements H32, the fixed 32-byte content digest used
// throughout the node: proposal fields, CAFS entity hashes and ledger
// chain links are all H32 values.
package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// H32 is a 32-byte content hash, stored as four big-endian 64-bit words so
// equality and ordering are plain integer comparisons.
type H32 [4]uint64

// H32Empty is the distinguished all-zero value, used as the group_nonce seed
// at stage 1 and as the XOR identity.
var H32Empty = H32{}

// Sum computes the H32 digest of b.
func Sum(b []byte) H32 {
	d := sha256.Sum256(b)
	return FromBytes(d[:])
}

// FromBytes interprets a 32-byte slice as an H32. Panics if len(b) != 32.
func FromBytes(b []byte) H32 {
	if len(b) != 32 {
		panic("hash: FromBytes requires exactly 32 bytes")
	}

	var h H32
	for i := 0; i < 4; i++ {
		h[i] = binary.BigEndian.Uint64(b[i*8 : i*8+8])
	}
	return h
}

// Bytes renders h as its 32-byte big-endian representation.
func (h H32) Bytes() []byte {
	b := make([]byte, 32)
	for i := 0; i < 4; i++ {
		binary.BigEndian.PutUint64(b[i*8:i*8+8], h[i])
	}
	return b
}

func (h H32) String() string {
	return hex.EncodeToString(h.Bytes())
}

// IsEmpty reports whether h is the all-zero value.
func (h H32) IsEmpty() bool {
	return h == H32Empty
}

// Less gives the lexicographic-on-bytes total order over H32 values.
func (h H32) Less(o H32) bool {
	for i := 0; i < 4; i++ {
		if h[i] != o[i] {
			return h[i] < o[i]
		}
	}
	return false
}

// Equal reports componentwise equality.
func (h H32) Equal(o H32) bool {
	return h == o
}

// XOR returns h combined with o by XOR-assign, the order-insensitive
// combinator used to reduce a set of hashes (user_hash, input_hash,
// output_hash, group_nonce) without caring about arrival order.
func (h H32) XOR(o H32) H32 {
	var r H32
	for i := 0; i < 4; i++ {
		r[i] = h[i] ^ o[i]
	}
	return r
}

// XORReduce combines a set of hashes order-insensitively, the construction
// used for user_hash/input_hash/output_hash and group_nonce.
func XORReduce(hs []H32) H32 {
	r := H32Empty
	for _, h := range hs {
		r = r.XOR(h)
	}
	return r
}

// EncodeMsgpack writes h on the wire as a flat 32-byte binary blob rather
// than an array of four uint64s, keeping proposals compact.
func (h H32) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeBytes(h.Bytes())
}

// DecodeMsgpack restores h from the flat 32-byte encoding written by
// EncodeMsgpack.
func (h *H32) DecodeMsgpack(dec *msgpack.Decoder) error {
	b, err := dec.DecodeBytes()
	if err != nil {
		return err
	}

	if len(b) == 0 {
		*h = H32Empty
		return nil
	}

	*h = FromBytes(b)
	return nil
}

// SequenceHash identifies a point in any hash-chained sequence: a ledger
// tip, an hpfs log record, a sync target.
type SequenceHash struct {
	SeqNo uint64
	Hash  H32
}

// Equal reports componentwise equality.
func (s SequenceHash) Equal(o SequenceHash) bool {
	return s.SeqNo == o.SeqNo && s.Hash.Equal(o.Hash)
}

// SortBytes returns a copy of bs sorted ascending by raw byte order, the
// canonical ordering required before hashing any set (spec: "sorted ascending
// by raw bytes").
func SortBytes(bs [][]byte) [][]byte {
	out := make([][]byte, len(bs))
	copy(out, bs)
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i], out[j]) < 0
	})
	return out
}

// SortH32 returns a copy of hs sorted ascending by H32's total order.
func SortH32(hs []H32) []H32 {
	out := make([]H32, len(hs))
	copy(out, hs)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Less(out[j])
	})
	return out
}

// Combine computes a parent H32 over ordered child byte slices: used for
// directory entries, block-hash maps, and the patch/state root combination.
func Combine(parts ...[]byte) H32 {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return FromBytes(h.Sum(nil))
}
