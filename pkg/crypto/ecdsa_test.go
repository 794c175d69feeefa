package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundtrip(t *testing.T) {
	sk, err := GeneratePrivateKey()
	require.NoError(t, err)

	msg := []byte("proposal digest")

	sig, err := sk.Sign(msg)
	require.NoError(t, err)

	pub := sk.PublicKey()
	assert.True(t, pub.Verify(sig, msg))
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	sk, err := GeneratePrivateKey()
	require.NoError(t, err)

	sig, err := sk.Sign([]byte("original"))
	require.NoError(t, err)

	pub := sk.PublicKey()
	assert.False(t, pub.Verify(sig, []byte("tampered")))
}

func TestPrivateKeyBytesRoundtrip(t *testing.T) {
	sk, err := GeneratePrivateKey()
	require.NoError(t, err)

	restored, err := PrivateKeyFromBytes(sk.Bytes())
	require.NoError(t, err)

	assert.Equal(t, sk.PublicKey(), restored.PublicKey())
}

func TestRecoverPublicKey(t *testing.T) {
	sk, err := GeneratePrivateKey()
	require.NoError(t, err)

	msg := []byte("recoverable")
	sig, err := sk.Sign(msg)
	require.NoError(t, err)

	recovered, err := Recover(sig, msg)
	require.NoError(t, err)

	assert.Equal(t, sk.PublicKey(), recovered)
}
