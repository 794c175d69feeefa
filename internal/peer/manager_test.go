package peer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hpcore/hpcore/internal/unl"
	"github.com/hpcore/hpcore/pkg/crypto"
	"github.com/hpcore/hpcore/pkg/wire"
)

func testManager(limits Limits) *Manager {
	return NewManager(Identity{ContractID: "c1", TimeConfig: 1000}, Quotas{}, limits, unl.New([]string{}))
}

func TestHandlePeerListResponseMergesKnownPeers(t *testing.T) {
	m := testManager(Limits{})

	m.HandlePeerListResponse(&wire.PeerListResponse{Peers: []wire.PeerProperties{
		{Host: "10.0.0.1", Port: 7000},
		{Host: "10.0.0.2", Port: 7001},
	}})

	addrs := m.KnownPeerAddrs()
	assert.Len(t, addrs, 2)
	assert.Contains(t, addrs, "10.0.0.1:7000")
	assert.Contains(t, addrs, "10.0.0.2:7001")
}

func TestHandlePeerListRequestReturnsKnownPeers(t *testing.T) {
	m := testManager(Limits{})
	m.HandlePeerListResponse(&wire.PeerListResponse{Peers: []wire.PeerProperties{
		{Host: "10.0.0.1", Port: 7000},
	}})

	resp := m.HandlePeerListRequest()
	assert.Len(t, resp.Peers, 1)
	assert.Equal(t, "10.0.0.1", resp.Peers[0].Host)
}

func TestHandleSuppressBlocksBroadcastToThatPeer(t *testing.T) {
	m := testManager(Limits{})
	m.HandleSuppress("deadbeef", &wire.Suppress{Tag: wire.TagPeerListResponse})

	assert.True(t, m.isSuppressed("deadbeef", wire.TagPeerListResponse))
	assert.False(t, m.isSuppressed("deadbeef", wire.TagProposal))
	assert.False(t, m.isSuppressed("other", wire.TagPeerListResponse))
}

func TestMaybeForwardDedupsSameProposal(t *testing.T) {
	m := testManager(Limits{ForwardMessages: true})

	p := &wire.Proposal{Pubkey: []byte{1, 2, 3}, Stage: 1}
	env := wire.NewEnvelope(wire.TagProposal, 0)
	env.Proposal = p

	sess := &Session{}

	m.maybeForward(sess, env)
	var author crypto.PublicKey
	copy(author[:], p.Pubkey)
	_, seenFirst := m.dedup[dedupKey{pubkeyHex: author.String(), stage: 1, hash: hashSigningBytes(p)}]
	assert.True(t, seenFirst)

	before := len(m.dedup)
	m.maybeForward(sess, env)
	assert.Len(t, m.dedup, before, "duplicate proposal must not grow the dedup set")
}

func TestClearDedupResetsState(t *testing.T) {
	m := testManager(Limits{ForwardMessages: true})

	p := &wire.Proposal{Pubkey: []byte{1, 2, 3}, Stage: 1}
	env := wire.NewEnvelope(wire.TagProposal, 0)
	env.Proposal = p
	m.maybeForward(&Session{}, env)
	assert.NotEmpty(t, m.dedup)

	m.ClearDedup()
	assert.Empty(t, m.dedup)
}

func TestSendToUnknownPeerReturnsError(t *testing.T) {
	m := testManager(Limits{})
	err := m.SendTo("nosuchpeer", wire.NewEnvelope(wire.TagPeerListRequest, 0))
	assert.Error(t, err)
}

func TestSessionsEmptyInitially(t *testing.T) {
	m := testManager(Limits{})
	assert.Empty(t, m.Sessions())
}
