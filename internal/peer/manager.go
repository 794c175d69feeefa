package peer

import (
	"crypto/sha256"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hpcore/hpcore/internal/corerr"
	"github.com/hpcore/hpcore/internal/telemetry"
	"github.com/hpcore/hpcore/internal/unl"
	"github.com/hpcore/hpcore/pkg/crypto"
	"github.com/hpcore/hpcore/pkg/wire"
)

var log = telemetry.Component("peer")

// Limits bounds connection admission (spec §4.F: max_connections,
// max_known_connections, max_in_connections_per_host).
type Limits struct {
	MaxConnections          int
	MaxKnownConnections     int
	MaxInConnectionsPerHost int
	ForwardMessages         bool
	PeerDiscoveryInterval   time.Duration
}

// dedupKey identifies one proposal broadcast for forwarding/dedup purposes.
// Scoped to (pubkey, stage, hash) rather than carrying an explicit round
// number on the wire: the collection buffer this key lives in is cleared at
// every stage boundary by the consensus engine, which is sufficient given
// spec §5's "late proposals for a past stage are dropped" rule.
type dedupKey struct {
	pubkeyHex string
	stage     uint8
	hash      [32]byte
}

// Manager owns the set of live peer connections: admission, per-peer quota
// budgets, broadcast, forwarding/dedup and peer-list gossip (spec §4.F).
// Grounded on pkg/did/consensus/p2p.go's publish/subscribe dispatch loop,
// generalized from libp2p pubsub to a plain framed-socket broadcast since
// the spec's admission/quota model needs a bespoke transport, not an open
// swarm (see DESIGN.md).
type Manager struct {
	id     Identity
	quotas Quotas
	limits Limits
	unl    *unl.Registry

	mu           sync.RWMutex
	sessions     map[string]*Session // inbound: hex pubkey; outbound: dial address
	inByHost     map[string]int      // inbound connection count per remote host
	known        map[string]wire.PeerProperties
	suppressedBy map[string]map[wire.Tag]struct{} // pubkeyHex -> suppressed tags

	dedupMu sync.Mutex
	dedup   map[dedupKey]struct{}

	listener net.Listener
	closed   chan struct{}
}

// NewManager builds a Manager for one contract mount's peer session layer.
func NewManager(id Identity, quotas Quotas, limits Limits, registry *unl.Registry) *Manager {
	return &Manager{
		id:           id,
		quotas:       quotas,
		limits:       limits,
		unl:          registry,
		sessions:     make(map[string]*Session),
		inByHost:     make(map[string]int),
		known:        make(map[string]wire.PeerProperties),
		suppressedBy: make(map[string]map[wire.Tag]struct{}),
		dedup:        make(map[dedupKey]struct{}),
		closed:       make(chan struct{}),
	}
}

// Listen accepts inbound peer connections on addr until Close is called.
// Each accepted connection is handed to a dedicated recv worker once its
// handshake completes (spec §5: "two per connection" send/recv workers —
// here the Send side is synchronous from the engine's perspective and the
// Recv side is the dedicated worker).
func (m *Manager) Listen(addr string, onEnvelope func(from crypto.PublicKey, env *wire.Envelope)) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return corerr.New(corerr.Io, errors.Wrapf(err, "listening on %s", addr))
	}
	m.listener = lis

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				select {
				case <-m.closed:
					return
				default:
					log.WithError(err).Warn("accept failed")
					continue
				}
			}
			go m.acceptInbound(conn, onEnvelope)
		}
	}()

	return nil
}

func (m *Manager) acceptInbound(conn net.Conn, onEnvelope func(from crypto.PublicKey, env *wire.Envelope)) {
	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	m.mu.Lock()
	if m.limits.MaxInConnectionsPerHost > 0 && m.inByHost[host] >= m.limits.MaxInConnectionsPerHost {
		m.mu.Unlock()
		conn.Close()
		return
	}
	if m.limits.MaxConnections > 0 && len(m.sessions) >= m.limits.MaxConnections {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.inByHost[host]++
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inByHost[host]--
		m.mu.Unlock()
	}()

	sess := NewSession(conn, m.quotas)
	if err := sess.ServerHandshake(m.id); err != nil {
		log.WithError(err).Warn("peer handshake failed")
		sess.Close()
		return
	}

	key := sess.RemotePubkey.String()
	m.addSession(key, sess)
	defer m.removeSession(key, sess)

	m.recvLoop(sess, onEnvelope)
}

// Connect dials addr as the client side of the admission handshake.
func (m *Manager) Connect(addr string, onEnvelope func(from crypto.PublicKey, env *wire.Envelope)) (*Session, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, corerr.New(corerr.Io, errors.Wrapf(err, "dialing %s", addr))
	}

	sess := NewSession(conn, m.quotas)
	if err := sess.ClientHandshake(m.id); err != nil {
		sess.Close()
		return nil, err
	}

	// The client side of the handshake does not itself learn the server's
	// verified pubkey (spec §4.F only has the server verify the dialer); this
	// node already trusts addr because it came from its own configured/known
	// peer list, so the outbound session is keyed by address instead.
	key := addr
	m.addSession(key, sess)
	go func() {
		defer m.removeSession(key, sess)
		m.recvLoop(sess, onEnvelope)
	}()

	return sess, nil
}

func (m *Manager) addSession(key string, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.limits.MaxKnownConnections > 0 && len(m.sessions) >= m.limits.MaxKnownConnections {
		sess.Close()
		return
	}
	m.sessions[key] = sess
}

func (m *Manager) removeSession(key string, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[key]; ok && cur == sess {
		delete(m.sessions, key)
	}
}

func (m *Manager) recvLoop(sess *Session, onEnvelope func(from crypto.PublicKey, env *wire.Envelope)) {
	for {
		env, violation, err := sess.Recv()
		if err != nil {
			if !corerr.Is(err, corerr.Shutdown) {
				log.WithError(err).Debug("peer recv ended")
			}
			sess.Close()
			return
		}
		if violation != ViolationNone {
			log.WithField("peer", sess.RemotePubkey.String()).WithField("violation", string(violation)).Warn("closing peer for quota violation")
			sess.Close()
			return
		}

		onEnvelope(sess.RemotePubkey, env)

		if m.limits.ForwardMessages {
			m.maybeForward(sess, env)
		}
	}
}

// maybeForward re-broadcasts env to every other peer if it has not already
// been seen from this author at this stage (spec §4.F).
func (m *Manager) maybeForward(from *Session, env *wire.Envelope) {
	p := env.Proposal
	if p == nil {
		p = env.NonUnlProposal
	}
	if p == nil {
		return
	}

	var pk crypto.PublicKey
	copy(pk[:], p.Pubkey)
	key := dedupKey{pubkeyHex: pk.String(), stage: p.Stage, hash: hashSigningBytes(p)}

	m.dedupMu.Lock()
	if _, seen := m.dedup[key]; seen {
		m.dedupMu.Unlock()
		return
	}
	m.dedup[key] = struct{}{}
	m.dedupMu.Unlock()

	m.Broadcast(env, from.RemotePubkey.String())
}

func hashSigningBytes(p *wire.Proposal) [32]byte {
	return sha256.Sum256(p.SigningBytes())
}

// ClearDedup drops all forwarding dedup state, called by the consensus
// engine at every stage boundary.
func (m *Manager) ClearDedup() {
	m.dedupMu.Lock()
	defer m.dedupMu.Unlock()
	m.dedup = make(map[dedupKey]struct{})
}

// Broadcast sends env to every connected peer whose tag is not suppressed,
// except excludePubkeyHex (the peer it was received from, if forwarding).
func (m *Manager) Broadcast(env *wire.Envelope, excludePubkeyHex string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for pkHex, sess := range m.sessions {
		if pkHex == excludePubkeyHex {
			continue
		}
		if m.isSuppressed(pkHex, env.Tag) {
			continue
		}
		if err := sess.Send(env); err != nil {
			log.WithField("peer", pkHex).WithError(err).Debug("broadcast send failed")
		}
	}
}

func (m *Manager) isSuppressed(pubkeyHex string, tag wire.Tag) bool {
	tags, ok := m.suppressedBy[pubkeyHex]
	if !ok {
		return false
	}
	_, ok = tags[tag]
	return ok
}

// HandleSuppress records that the peer identified by pubkeyHex does not
// wish to receive messages of msg.Tag (spec §4.F).
func (m *Manager) HandleSuppress(pubkeyHex string, msg *wire.Suppress) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tags, ok := m.suppressedBy[pubkeyHex]
	if !ok {
		tags = make(map[wire.Tag]struct{})
		m.suppressedBy[pubkeyHex] = tags
	}
	tags[msg.Tag] = struct{}{}
}

// SendTo delivers env to exactly one connected peer, if present.
func (m *Manager) SendTo(pubkeyHex string, env *wire.Envelope) error {
	m.mu.RLock()
	sess, ok := m.sessions[pubkeyHex]
	m.mu.RUnlock()

	if !ok {
		return corerr.New(corerr.SessionNotFound, errors.Errorf("no session for peer %s", pubkeyHex))
	}
	return sess.Send(env)
}

// Sessions returns the key of every currently connected peer: the
// pubkey-hex for inbound sessions, the dial address for outbound ones.
func (m *Manager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.sessions))
	for pk := range m.sessions {
		out = append(out, pk)
	}
	return out
}

// RunDiscovery periodically asks a random connected peer for its known
// peers (spec §4.F "Peer discovery"), until stop is closed.
func (m *Manager) RunDiscovery(stop <-chan struct{}) {
	if m.limits.PeerDiscoveryInterval <= 0 {
		return
	}

	ticker := time.NewTicker(m.limits.PeerDiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.discoverOnce()
		}
	}
}

func (m *Manager) discoverOnce() {
	peers := m.Sessions()
	if len(peers) == 0 {
		return
	}

	target := peers[rand.Intn(len(peers))]
	env := wire.NewEnvelope(wire.TagPeerListRequest, time.Now().UnixMilli())
	env.PeerListRequest = &wire.PeerListRequest{}
	if err := m.SendTo(target, env); err != nil {
		log.WithError(err).Debug("peer discovery request failed")
	}
}

// HandlePeerListRequest answers with every peer this node knows about.
func (m *Manager) HandlePeerListRequest() *wire.PeerListResponse {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]wire.PeerProperties, 0, len(m.known))
	for _, p := range m.known {
		out = append(out, p)
	}
	return &wire.PeerListResponse{Peers: out}
}

// HandlePeerListResponse merges newly learned peers into the known set.
func (m *Manager) HandlePeerListResponse(resp *wire.PeerListResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range resp.Peers {
		key := net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port)))
		m.known[key] = p
	}
}

// KnownPeerAddrs returns every known peer as a "host:port" string, the form
// persisted into Config.Mesh.KnownPeers (spec §5 teardown).
func (m *Manager) KnownPeerAddrs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.known))
	for addr := range m.known {
		out = append(out, addr)
	}
	return out
}

// Close shuts down the listener and every live session.
func (m *Manager) Close() error {
	close(m.closed)
	if m.listener != nil {
		m.listener.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sess := range m.sessions {
		sess.Close()
	}
	return nil
}
