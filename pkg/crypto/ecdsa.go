package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	ethCrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// PubKeySize is the wire size of a peer identity: a compressed secp256k1
// public key (spec §3 "Peer identity").
const PubKeySize = 33

// PrivateKey signs proposals, peer challenges and ledger records on behalf
// of a single node identity.
type PrivateKey struct {
	*ecdsa.PrivateKey
}

// GeneratePrivateKey draws a fresh secp256k1 keypair.
func GeneratePrivateKey() (*PrivateKey, error) {
	pk, err := ecdsa.GenerateKey(ethCrypto.S256(), rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating secp256k1 key")
	}

	return &PrivateKey{pk}, nil
}

// PrivateKeyFromBytes restores a key previously persisted with Bytes.
func PrivateKeyFromBytes(d []byte) (*PrivateKey, error) {
	pk, err := ethCrypto.ToECDSA(d)
	if err != nil {
		return nil, errors.Wrap(err, "parsing secp256k1 key")
	}

	return &PrivateKey{pk}, nil
}

func (p *PrivateKey) Bytes() []byte {
	return ethCrypto.FromECDSA(p.PrivateKey)
}

// Sign produces a recoverable signature over the sha256 digest of msg.
func (p *PrivateKey) Sign(msg []byte) ([]byte, error) {
	h := sha256.Sum256(msg)
	return ethCrypto.Sign(h[:], p.PrivateKey)
}

// PublicKey returns the compressed 33-byte public key identifying this node.
func (p *PrivateKey) PublicKey() PublicKey {
	b := ethCrypto.CompressPubkey(&p.PrivateKey.PublicKey)
	var pk PublicKey
	copy(pk[:], b)
	return pk
}

// PublicKey is the 33-byte compressed secp256k1 public key used as a peer's
// identity (spec §3).
type PublicKey [PubKeySize]byte

func (p PublicKey) Bytes() []byte {
	return p[:]
}

func (p PublicKey) String() string {
	return hex.EncodeToString(p[:])
}

// Verify checks sig against the sha256 digest of msg for this public key.
func (p PublicKey) Verify(sig, msg []byte) bool {
	h := sha256.Sum256(msg)

	// strip the recovery byte expected by ecrecover-style signatures when present
	s := sig
	if len(s) == 65 {
		s = s[:64]
	}

	return ethCrypto.VerifySignature(p[:], h[:], s)
}

// Recover reconstructs the signer's public key from a recoverable signature
// produced by PrivateKey.Sign, matching sig against the digest of msg.
func Recover(sig, msg []byte) (PublicKey, error) {
	h := sha256.Sum256(msg)

	pub, err := ethCrypto.SigToPub(h[:], sig)
	if err != nil {
		return PublicKey{}, errors.Wrap(err, "recovering public key from signature")
	}

	var pk PublicKey
	copy(pk[:], ethCrypto.CompressPubkey(pub))
	return pk, nil
}
