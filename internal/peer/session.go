package peer

import (
	"crypto/rand"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/hpcore/hpcore/internal/corerr"
	"github.com/hpcore/hpcore/pkg/crypto"
	"github.com/hpcore/hpcore/pkg/wire"
)

// State is a session's position in the admission handshake.
type State int

const (
	StateNew State = iota
	StateChallengeSent
	StateChallengeVerified
	StateClosed
)

// Identity describes the local node's identity and effective contract
// parameters, asserted during the challenge handshake.
type Identity struct {
	ContractID    string
	TimeConfig    uint32
	IsFullHistory bool
	PrivateKey    *crypto.PrivateKey
}

// Session is one peer connection: the handshake state, its remote pubkey
// once verified, and the per-peer quota budget.
type Session struct {
	conn   *wire.Conn
	raw    net.Conn
	state  State
	quotas Quotas
	budget *budget

	RemotePubkey crypto.PublicKey
	Host         string
	Port         uint16
}

// NewSession wraps raw as a framed peer connection.
func NewSession(raw net.Conn, quotas Quotas) *Session {
	return &Session{
		conn:   wire.NewConn(raw),
		raw:    raw,
		state:  StateNew,
		quotas: quotas,
		budget: newBudget(),
	}
}

func (s *Session) State() State { return s.state }

// ServerHandshake drives the server side of the two-message challenge
// (spec §4.F steps 1-3): send PeerChallenge, read PeerChallengeResponse,
// and verify that the response echoes the challenge and that its signature
// verifies under the supplied pubkey. The response carries no contract id,
// history mode or time_config, so none of these is checked on this side.
func (s *Session) ServerHandshake(id Identity) error {
	challenge := make([]byte, 16)
	if _, err := rand.Read(challenge); err != nil {
		return errors.Wrap(err, "drawing challenge")
	}

	env := wire.NewEnvelope(wire.TagPeerChallenge, nowMs())
	env.PeerChallenge = &wire.PeerChallenge{
		ContractID:    id.ContractID,
		TimeConfig:    id.TimeConfig,
		IsFullHistory: id.IsFullHistory,
		Challenge:     challenge,
	}

	if err := s.conn.WriteEnvelope(env); err != nil {
		return corerr.New(corerr.Io, errors.Wrap(err, "sending challenge"))
	}
	s.state = StateChallengeSent

	resp, err := s.conn.ReadEnvelope()
	if err != nil {
		return corerr.New(corerr.Io, errors.Wrap(err, "reading challenge response"))
	}
	if resp.Tag != wire.TagPeerChallengeResponse || resp.PeerChallengeResponse == nil {
		return corerr.New(corerr.ChallengeFailed, errors.New("expected PeerChallengeResponse"))
	}

	cr := resp.PeerChallengeResponse
	if string(cr.Challenge) != string(challenge) {
		return corerr.New(corerr.ChallengeFailed, errors.New("challenge mismatch"))
	}

	var pk crypto.PublicKey
	if len(cr.Pubkey) != crypto.PubKeySize {
		return corerr.New(corerr.ChallengeFailed, errors.New("malformed pubkey length"))
	}
	copy(pk[:], cr.Pubkey)

	if !pk.Verify(cr.Sig, cr.Challenge) {
		return corerr.New(corerr.SignatureInvalid, errors.New("challenge response signature invalid"))
	}

	s.RemotePubkey = pk
	s.state = StateChallengeVerified
	return nil
}

// ClientHandshake drives the client side: read the PeerChallenge, verify
// its ContractID and TimeConfig, then sign and reply. The server's
// full-history flag is not checked.
func (s *Session) ClientHandshake(id Identity) error {
	env, err := s.conn.ReadEnvelope()
	if err != nil {
		return corerr.New(corerr.Io, errors.Wrap(err, "reading challenge"))
	}
	if env.Tag != wire.TagPeerChallenge || env.PeerChallenge == nil {
		return corerr.New(corerr.ChallengeFailed, errors.New("expected PeerChallenge"))
	}

	ch := env.PeerChallenge
	if ch.ContractID != id.ContractID {
		return corerr.New(corerr.ChallengeFailed, errors.New("contract_id mismatch"))
	}
	if ch.TimeConfig != id.TimeConfig {
		return corerr.New(corerr.ChallengeFailed, errors.New("time_config mismatch"))
	}
	if id.IsFullHistory && !ch.IsFullHistory {
		// a full-history peer is not required to pair only with full-history peers
	}

	sig, err := id.PrivateKey.Sign(ch.Challenge)
	if err != nil {
		return errors.Wrap(err, "signing challenge")
	}

	resp := wire.NewEnvelope(wire.TagPeerChallengeResponse, nowMs())
	resp.PeerChallengeResponse = &wire.PeerChallengeResponse{
		Challenge: ch.Challenge,
		Sig:       sig,
		Pubkey:    id.PrivateKey.PublicKey().Bytes(),
	}

	if err := s.conn.WriteEnvelope(resp); err != nil {
		return corerr.New(corerr.Io, errors.Wrap(err, "sending challenge response"))
	}

	s.state = StateChallengeVerified
	return nil
}

// Send writes env to a verified session. Outbound messages are not counted
// against any quota budget.
func (s *Session) Send(env *wire.Envelope) error {
	if s.state != StateChallengeVerified {
		return corerr.New(corerr.ChallengeFailed, errors.New("session not verified"))
	}
	return s.conn.WriteEnvelope(env)
}

// Recv reads the next envelope and records it against the quota budget,
// returning a QuotaViolation (caller must close the session) if exceeded.
func (s *Session) Recv() (*wire.Envelope, QuotaViolation, error) {
	if s.state != StateChallengeVerified {
		return nil, ViolationNone, corerr.New(corerr.ChallengeFailed, errors.New("session not verified"))
	}

	b, err := s.conn.ReadFrame()
	if err != nil {
		return nil, ViolationNone, corerr.New(corerr.Io, errors.Wrap(err, "reading frame"))
	}

	if v := s.budget.RecordMessage(s.quotas, int64(len(b)), time.Now()); v != ViolationNone {
		return nil, v, nil
	}

	env := &wire.Envelope{}
	if err := msgpack.Unmarshal(b, env); err != nil {
		s.budget.RecordBadMsg(s.quotas, time.Now())
		return nil, ViolationNone, corerr.New(corerr.MessageMalformed, err)
	}

	return env, ViolationNone, nil
}

// Close closes the underlying connection.
func (s *Session) Close() error {
	s.state = StateClosed
	return s.raw.Close()
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
