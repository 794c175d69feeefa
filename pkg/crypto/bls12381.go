package crypto

import (
	stdcrypto "crypto"
	"io"

	"github.com/drand/kyber"
	bls "github.com/drand/kyber-bls12381"
	sig "github.com/drand/kyber/sign/bls"
	"github.com/drand/kyber/util/random"
	"github.com/pkg/errors"
)

var (
	_ stdcrypto.PrivateKey = (*Bls12381PrivateKey)(nil)
	_ stdcrypto.PublicKey  = (*Bls12381PublicKey)(nil)

	pairing = bls.NewBLS12381Suite()
)

// NewBls12381PrivateKey draws a fresh BLS12-381 scalar, used by validators
// to co-sign committed outputs for threshold aggregation.
func NewBls12381PrivateKey() *Bls12381PrivateKey {
	return &Bls12381PrivateKey{
		pairing.G1().Scalar().Pick(random.New()),
	}
}

type Bls12381PrivateKey struct {
	sk kyber.Scalar
}

func (b *Bls12381PrivateKey) Sign(_ io.Reader, digest []byte, _ stdcrypto.SignerOpts) (signature []byte, err error) {
	scheme := sig.NewSchemeOnG2(pairing)
	return scheme.Sign(b.sk, digest)
}

func (b *Bls12381PrivateKey) Public() stdcrypto.PublicKey {
	pk := pairing.G1().Point().Mul(b.sk, nil)
	return &Bls12381PublicKey{pk}
}

func (b *Bls12381PrivateKey) Equal(obls stdcrypto.PrivateKey) bool {
	other, ok := obls.(*Bls12381PrivateKey)
	return ok && b.sk.Equal(other.sk)
}

type Bls12381PublicKey struct {
	kyber.Point
}

func (b *Bls12381PublicKey) Bytes() ([]byte, error) {
	return b.Point.MarshalBinary()
}

func (b *Bls12381PublicKey) Verify(signature, msg []byte) (bool, error) {
	scheme := sig.NewSchemeOnG2(pairing)
	if err := scheme.Verify(b.Point, msg, signature); err != nil {
		return false, err
	}

	return true, nil
}

// AggregateBls12381Signatures combines per-validator signatures over the same
// digest into a single threshold signature, used to stamp a committed output
// hash once a round's quorum of validators has signed it.
func AggregateBls12381Signatures(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("no signatures to aggregate")
	}

	scheme := sig.NewSchemeOnG2(pairing)
	return scheme.AggregateSignatures(sigs...)
}

// AggregateBls12381PublicKeys combines the public keys of the validators that
// contributed to an aggregate signature, for later verification against it.
func AggregateBls12381PublicKeys(pks []*Bls12381PublicKey) (*Bls12381PublicKey, error) {
	if len(pks) == 0 {
		return nil, errors.New("no public keys to aggregate")
	}

	points := make([]kyber.Point, len(pks))
	for i, pk := range pks {
		points[i] = pk.Point
	}

	scheme := sig.NewSchemeOnG2(pairing)
	return &Bls12381PublicKey{scheme.AggregatePublicKeys(points...)}, nil
}
