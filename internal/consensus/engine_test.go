package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpcore/hpcore/internal/unl"
	"github.com/hpcore/hpcore/pkg/crypto"
	"github.com/hpcore/hpcore/pkg/hash"
	"github.com/hpcore/hpcore/pkg/wire"
)

func hash256(t *testing.T) hash.H32 {
	t.Helper()
	return hash.Sum([]byte(t.Name()))
}

func noSeq() hash.SequenceHash {
	return hash.SequenceHash{}
}

func newTestEngine(t *testing.T, members []string) *Engine {
	t.Helper()
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	return New(Params{
		Identity: *priv,
		UNL:      unl.New(members),
	}, 1)
}

func TestHandleProposalRejectsNonUNLMember(t *testing.T) {
	e := newTestEngine(t, nil)

	outsider, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	p, err := buildProposal(outsider, 1, 0, 0, hash256(t), hash256(t), nil, nil, hash256(t), hash256(t), noSeq(), noSeq())
	require.NoError(t, err)

	e.HandleProposal(p)

	assert.Empty(t, e.inbox, "proposal from a non-UNL peer must be dropped before it reaches the inbox")
}

func TestHandleProposalAcceptsUNLMember(t *testing.T) {
	member, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	pkHex := member.PublicKey().String()

	e := newTestEngine(t, []string{pkHex})
	e.stage = 1

	p, err := buildProposal(member, 1, 0, 0, hash256(t), hash256(t), nil, nil, hash256(t), hash256(t), noSeq(), noSeq())
	require.NoError(t, err)

	e.HandleProposal(p)

	assert.Len(t, e.inbox, 1)
	assert.Same(t, p, e.inbox[pkHex])
}

func TestHandleProposalDropsSecondProposalFromSamePeer(t *testing.T) {
	member, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	pkHex := member.PublicKey().String()

	e := newTestEngine(t, []string{pkHex})
	e.stage = 1

	first, err := buildProposal(member, 1, 0, 0, hash256(t), hash256(t), nil, nil, hash256(t), hash256(t), noSeq(), noSeq())
	require.NoError(t, err)
	second, err := buildProposal(member, 1, 100, 0, hash256(t), hash256(t), nil, nil, hash256(t), hash256(t), noSeq(), noSeq())
	require.NoError(t, err)

	e.HandleProposal(first)
	e.HandleProposal(second)

	assert.Same(t, first, e.inbox[pkHex], "first proposal per (round, stage, pubkey) wins")
}

func TestHandleProposalRejectsWrongStage(t *testing.T) {
	member, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	pkHex := member.PublicKey().String()

	e := newTestEngine(t, []string{pkHex})
	e.stage = 2

	p, err := buildProposal(member, 1, 0, 0, hash256(t), hash256(t), nil, nil, hash256(t), hash256(t), noSeq(), noSeq())
	require.NoError(t, err)

	e.HandleProposal(p)

	assert.Empty(t, e.inbox, "proposal for a past/future stage must be dropped")
}

func TestHandleNplBuffersSignedMessageFromUNLMember(t *testing.T) {
	member, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	pkHex := member.PublicKey().String()

	e := newTestEngine(t, []string{pkHex})

	data := []byte("npl payload")
	sig, err := member.Sign(data)
	require.NoError(t, err)

	e.HandleNpl(&wire.Npl{Pubkey: member.PublicKey().Bytes(), Data: data, Sig: sig})

	require.Len(t, e.nplInbox, 1)
	assert.Equal(t, pkHex, e.nplInbox[0].PubkeyHex)
	assert.Equal(t, data, e.nplInbox[0].Data)
}

func TestHandleNplRejectsNonUNLMember(t *testing.T) {
	e := newTestEngine(t, nil)

	outsider, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	data := []byte("npl payload")
	sig, err := outsider.Sign(data)
	require.NoError(t, err)

	e.HandleNpl(&wire.Npl{Pubkey: outsider.PublicKey().Bytes(), Data: data, Sig: sig})

	assert.Empty(t, e.nplInbox, "npl message from a non-UNL peer must be dropped")
}

func TestHandleNplRejectsBadSignature(t *testing.T) {
	member, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	pkHex := member.PublicKey().String()

	e := newTestEngine(t, []string{pkHex})

	other, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	badSig, err := other.Sign([]byte("npl payload"))
	require.NoError(t, err)

	e.HandleNpl(&wire.Npl{Pubkey: member.PublicKey().Bytes(), Data: []byte("npl payload"), Sig: badSig})

	assert.Empty(t, e.nplInbox, "npl message with a signature that doesn't verify must be dropped")
}
