package usersession

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hpcore/hpcore/internal/corerr"
	"github.com/hpcore/hpcore/internal/telemetry"
	"github.com/hpcore/hpcore/pkg/crypto"
	"github.com/hpcore/hpcore/pkg/hash"
	"github.com/hpcore/hpcore/pkg/wire"
)

var log = telemetry.Component("usersession")

// Server accepts TLS-framed user connections: signed input submission into
// the round's InputPool, and output delivery back to the submitting user at
// commit (spec §4.G). Grounded on internal/peer.Manager's
// Listen/acceptInbound/recvLoop accept-loop shape, generalized from the
// mutually-authenticated peer handshake to a plain server-cert TLS listener
// (spec has no client-side challenge for users, only per-input signatures).
type Server struct {
	pool *InputPool

	tlsConfig *tls.Config
	listener  net.Listener
	closed    chan struct{}

	mu       sync.RWMutex
	sessions map[string]*wire.Conn // pubkeyHex -> live connection, for output delivery
}

// NewServer builds a user session server that queues verified submissions
// into pool.
func NewServer(pool *InputPool, tlsConfig *tls.Config) *Server {
	return &Server{
		pool:      pool,
		tlsConfig: tlsConfig,
		closed:    make(chan struct{}),
		sessions:  make(map[string]*wire.Conn),
	}
}

// Listen accepts TLS connections on addr until Close is called.
func (s *Server) Listen(addr string) error {
	lis, err := tls.Listen("tcp", addr, s.tlsConfig)
	if err != nil {
		return corerr.New(corerr.Io, errors.Wrapf(err, "listening on %s", addr))
	}
	s.listener = lis

	go func() {
		for {
			conn, err := lis.Accept()
			if err != nil {
				select {
				case <-s.closed:
					return
				default:
					log.WithError(err).Warn("user session accept failed")
					continue
				}
			}
			go s.handleConn(conn)
		}
	}()

	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	c := wire.NewConn(conn)
	var pubkeyHex string

	for {
		env, err := c.ReadEnvelope()
		if err != nil {
			if pubkeyHex != "" {
				s.removeSession(pubkeyHex)
			}
			return
		}

		switch env.Tag {
		case wire.TagSubmittedInput:
			if env.SubmittedInput == nil {
				continue
			}
			in := env.SubmittedInput
			if err := verifySubmission(in); err != nil {
				log.WithError(err).Debug("rejecting user submission")
				continue
			}

			var pk crypto.PublicKey
			copy(pk[:], in.Pubkey)
			pubkeyHex = pk.String()
			s.addSession(pubkeyHex, c)

			s.pool.Add(&PendingInput{
				Pubkey:    in.Pubkey,
				Container: in.Container,
				Sig:       in.Sig,
				Protocol:  in.Protocol,
				Hash:      hash.Sum(in.Container),
			}, time.Now().UnixMilli())

		default:
			// Anything else on this channel is out of protocol for a user
			// session; ignore rather than close, since a well-behaved
			// client should never send it.
		}
	}
}

// verifySubmission checks that Sig authenticates Container under Pubkey
// (spec §3 "Submitted user input").
func verifySubmission(in *wire.SubmittedInput) error {
	if len(in.Pubkey) != crypto.PubKeySize {
		return errors.Errorf("submitted input pubkey must be %d bytes", crypto.PubKeySize)
	}
	var pk crypto.PublicKey
	copy(pk[:], in.Pubkey)
	if !pk.Verify(in.Sig, in.Container) {
		return corerr.New(corerr.SignatureInvalid, errors.New("submitted input signature does not verify"))
	}
	return nil
}

func (s *Server) addSession(pubkeyHex string, c *wire.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[pubkeyHex] = c
}

func (s *Server) removeSession(pubkeyHex string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, pubkeyHex)
}

// DeliverOutput streams one user's output back over their live session, if
// still connected (spec §4.G "streams outputs back at commit"). A user who
// disconnected before commit simply misses the push; they can still fetch
// their output later through the read-only query surface.
func (s *Server) DeliverOutput(pubkey []byte, seqNo uint64, data []byte) {
	var pk crypto.PublicKey
	copy(pk[:], pubkey)
	pubkeyHex := pk.String()

	s.mu.RLock()
	c, ok := s.sessions[pubkeyHex]
	s.mu.RUnlock()
	if !ok {
		return
	}

	env := wire.NewEnvelope(wire.TagOutputDelivery, time.Now().UnixMilli())
	env.OutputDelivery = &wire.OutputDelivery{Pubkey: pubkey, LedgerSeqNo: seqNo, Data: data}
	if err := c.WriteEnvelope(env); err != nil {
		log.WithField("user", pubkeyHex).WithError(err).Debug("output delivery failed")
	}
}

// Close shuts down the listener; live connections are left to drain on
// their own read errors.
func (s *Server) Close() error {
	close(s.closed)
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
