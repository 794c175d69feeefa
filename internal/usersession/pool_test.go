package usersession

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcore/hpcore/pkg/crypto"
	"github.com/hpcore/hpcore/pkg/hash"
	"github.com/hpcore/hpcore/pkg/wire"
)

func TestInputPoolDrainsOldestFirst(t *testing.T) {
	p := NewInputPool()

	a := &PendingInput{Hash: hash.Sum([]byte("a"))}
	b := &PendingInput{Hash: hash.Sum([]byte("b"))}
	c := &PendingInput{Hash: hash.Sum([]byte("c"))}

	require.True(t, p.Add(a, 30))
	require.True(t, p.Add(b, 10))
	require.True(t, p.Add(c, 20))

	out := p.Drain()
	require.Len(t, out, 3)
	assert.Equal(t, b, out[0])
	assert.Equal(t, c, out[1])
	assert.Equal(t, a, out[2])
}

func TestInputPoolRejectsDuplicateHash(t *testing.T) {
	p := NewInputPool()

	h := hash.Sum([]byte("same"))
	assert.True(t, p.Add(&PendingInput{Hash: h}, 1))
	assert.False(t, p.Add(&PendingInput{Hash: h}, 2))
	assert.Equal(t, 1, p.Len())
}

func TestInputPoolClearsDedupSetOnDrain(t *testing.T) {
	p := NewInputPool()

	h := hash.Sum([]byte("x"))
	require.True(t, p.Add(&PendingInput{Hash: h}, 1))
	p.Drain()

	assert.True(t, p.Add(&PendingInput{Hash: h}, 2), "hash from a drained round must be re-acceptable next round")
}

func TestVerifySubmissionAcceptsValidSignature(t *testing.T) {
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	container := []byte("do the thing")
	sig, err := priv.Sign(container)
	require.NoError(t, err)

	in := &wire.SubmittedInput{Pubkey: priv.PublicKey().Bytes(), Container: container, Sig: sig}
	assert.NoError(t, verifySubmission(in))
}

func TestVerifySubmissionRejectsTamperedContainer(t *testing.T) {
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	sig, err := priv.Sign([]byte("original"))
	require.NoError(t, err)

	in := &wire.SubmittedInput{Pubkey: priv.PublicKey().Bytes(), Container: []byte("tampered"), Sig: sig}
	assert.Error(t, verifySubmission(in))
}
