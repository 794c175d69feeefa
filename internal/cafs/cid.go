package cafs

import (
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/pkg/errors"

	"github.com/hpcore/hpcore/pkg/hash"
)

// toCID wraps an H32 as a CIDv1 over an identity multihash, the
// representation used for every hash that crosses the IPC boundary to the
// external helper. H32 is already a digest (sha2-256 produced it), so the
// multihash wraps its bytes directly rather than re-hashing them — mirroring
// internal/storage/ipfs.go's putRaw (multihash.Sum + cid.NewCidV1), but with
// the identity function since the digest already exists.
func toCID(h hash.H32) (cid.Cid, error) {
	mh, err := multihash.Sum(h.Bytes(), multihash.IDENTITY, len(h.Bytes()))
	if err != nil {
		return cid.Undef, errors.Wrap(err, "wrapping H32 as multihash")
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// fromCID recovers the H32 this CID's identity multihash carries. Only valid
// for CIDs produced by toCID.
func fromCID(c cid.Cid) (hash.H32, error) {
	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return hash.H32{}, errors.Wrap(err, "decoding multihash")
	}

	return hash.FromBytes(decoded.Digest), nil
}

// encodeCIDBytes renders h as a CIDv1 byte string, the wire form every hash
// field takes when it crosses the IPC boundary to the hpfs helper.
func encodeCIDBytes(h hash.H32) ([]byte, error) {
	c, err := toCID(h)
	if err != nil {
		return nil, err
	}
	return c.Bytes(), nil
}

// decodeCIDBytes parses b as a CIDv1 produced by encodeCIDBytes and recovers
// the H32 digest it carries.
func decodeCIDBytes(b []byte) (hash.H32, error) {
	c, err := cid.Cast(b)
	if err != nil {
		return hash.H32{}, errors.Wrap(err, "casting cid bytes")
	}
	return fromCID(c)
}
