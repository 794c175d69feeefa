// Package node wires every worker described in spec §5 into one process:
// config and logging, the two CAFS mounts, the ledger store, the UNL, the
// peer and user session listeners, the sync workers and the consensus
// engine, in the startup order the spec fixes and its mirror image on
// teardown. Generalized from internal/node/node.go's NewNode/ListenAndServe/
// Stop shape, replacing its single libp2p host with this project's own
// peer.Manager/usersession.Server listeners and its "ipfs storage" option
// with two cafs.Mount instances backed by out-of-process hpfs helpers.
package node

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"

	"github.com/hpcore/hpcore/internal/cafs"
	"github.com/hpcore/hpcore/internal/cafssync"
	"github.com/hpcore/hpcore/internal/config"
	"github.com/hpcore/hpcore/internal/consensus"
	"github.com/hpcore/hpcore/internal/corerr"
	"github.com/hpcore/hpcore/internal/ledger"
	"github.com/hpcore/hpcore/internal/logsync"
	"github.com/hpcore/hpcore/internal/peer"
	"github.com/hpcore/hpcore/internal/supervisor"
	"github.com/hpcore/hpcore/internal/telemetry"
	"github.com/hpcore/hpcore/internal/unl"
	"github.com/hpcore/hpcore/internal/usersession"
	"github.com/hpcore/hpcore/pkg/crypto"
	"github.com/hpcore/hpcore/pkg/wire"

	"github.com/sirupsen/logrus"
)

var log = telemetry.Component("node")

// Node owns every long-lived worker of one running contract instance. Zero
// value is not usable; build one with New.
type Node struct {
	cfg *config.Config

	contractMount *cafs.Mount
	contractHelp  cafs.Helper
	ledgerMount   *cafs.Mount
	ledgerHelp    cafs.Helper
	ledgerStore   *ledger.Store

	unl *unl.Registry

	peers      *peer.Manager
	users      *usersession.Server
	queryGRPC  *grpc.Server
	inputs     *usersession.InputPool

	cafsSyncer *cafssync.Syncer
	logSyncer  *logsync.Syncer

	exec   *supervisor.Supervisor
	engine *consensus.Engine

	identity *crypto.PrivateKey

	stopDiscovery chan struct{}
	roundCancel   context.CancelFunc
	roundWG       sync.WaitGroup

	logger *logrus.Entry
}

// NodeOption customizes Node construction, mirroring the teacher's
// functional-option pattern (WithStorage/WithLogger/WithDefaultOptions).
type NodeOption func(*Node) error

// WithLogger overrides the component logger entry a Node reports through.
func WithLogger(l *logrus.Entry) NodeOption {
	return func(n *Node) error {
		n.logger = l
		return nil
	}
}

// WithContractHelper substitutes the contract_fs mount's capability
// implementation, letting tests plug in an in-process fake instead of
// spawning the external hpfs helper (spec §9 "External helper ... abstract
// behind a capability interface ... so it can be replaced").
func WithContractHelper(h cafs.Helper) NodeOption {
	return func(n *Node) error {
		n.contractHelp = h
		return nil
	}
}

// WithLedgerHelper substitutes the ledger_fs mount's capability
// implementation, symmetric with WithContractHelper.
func WithLedgerHelper(h cafs.Helper) NodeOption {
	return func(n *Node) error {
		n.ledgerHelp = h
		return nil
	}
}

// New builds a Node for the contract directory cfg was loaded from, applying
// opts after the mandatory defaults. Startup order matches spec §5: config
// is assumed already loaded into cfg by the caller; from here it is logging,
// CAFS mounts, ledger store, UNL, peer + user listeners, sync workers,
// consensus engine.
func New(ctx context.Context, cfg *config.Config, opts ...NodeOption) (*Node, error) {
	n := &Node{
		cfg:           cfg,
		logger:        log,
		stopDiscovery: make(chan struct{}),
	}

	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, errors.Wrap(err, "applying node option")
		}
	}

	if err := telemetry.Configure(cfg.Log.Level, cfg.Log.Loggers, cfg.ContractDir()); err != nil {
		return nil, errors.Wrap(err, "configuring logging")
	}

	keyBytes, err := hex.DecodeString(cfg.Node.PrivateKeyHex)
	if err != nil {
		return nil, corerr.New(corerr.ConfigInvalid, errors.Wrap(err, "decoding node private key hex"))
	}
	identity, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		return nil, corerr.New(corerr.ConfigInvalid, errors.Wrap(err, "parsing node private key"))
	}
	n.identity = identity

	if err := n.openMounts(); err != nil {
		return nil, err
	}

	n.ledgerStore, err = ledger.Open(filepath.Join(cfg.ContractDir(), "ledger_fs"), true, false)
	if err != nil {
		return nil, errors.Wrap(err, "opening ledger store")
	}

	n.unl = unl.New(cfg.Contract.UNL)

	if err := n.startListeners(); err != nil {
		return nil, err
	}

	n.startSyncWorkers()

	round, err := n.nextRound()
	if err != nil {
		return nil, err
	}

	n.exec = supervisor.New(cfg.Contract)
	n.engine = consensus.New(consensus.Params{
		Identity:      *n.identity,
		IsFullHistory: cfg.Node.History == config.HistoryFull,
		UNL:           n.unl,
		Peers:         n.peers,
		Mount:         n.contractMount,
		Ledger:        n.ledgerStore,
		Inputs:        n.inputs,
		Exec:          n.exec,
		CafsSyncer:    n.cafsSyncer,
		LogSyncer:     n.logSyncer,
		Outputs:       n.users,
		Cfg:           cfg,
	}, round)

	return n, nil
}

// openMounts launches (or accepts injected) capability helpers for the two
// on-disk CAFS mounts (spec §6: "contract_fs/ ... ledger_fs/").
func (n *Node) openMounts() error {
	if n.contractHelp == nil {
		h, err := cafs.StartIPCHelper(n.cfg.Hpfs.ExecPath, filepath.Join(n.cfg.ContractDir(), "contract_fs", "hpfs.sock"), n.cfg.Hpfs.RunAs)
		if err != nil {
			return corerr.New(corerr.CafsHelperGone, errors.Wrap(err, "starting contract_fs hpfs helper"))
		}
		n.contractHelp = h
	}
	n.contractMount = cafs.New(n.contractHelp)

	if n.ledgerHelp == nil {
		h, err := cafs.StartIPCHelper(n.cfg.Hpfs.ExecPath, filepath.Join(n.cfg.ContractDir(), "ledger_fs", "hpfs.sock"), n.cfg.Hpfs.RunAs)
		if err != nil {
			return corerr.New(corerr.CafsHelperGone, errors.Wrap(err, "starting ledger_fs hpfs helper"))
		}
		n.ledgerHelp = h
	}
	n.ledgerMount = cafs.New(n.ledgerHelp)

	return nil
}

// startListeners brings up the peer session layer, the user submission
// server and its read-only query gRPC surface (spec §5: "peer + user
// listeners").
func (n *Node) startListeners() error {
	cfg := n.cfg

	id := peer.Identity{
		ContractID:    cfg.ContractDir(),
		TimeConfig:    uint32(cfg.Contract.Roundtime),
		IsFullHistory: cfg.Node.History == config.HistoryFull,
		PrivateKey:    n.identity,
	}
	quotas := peer.Quotas{
		MaxBytesPerMsg:      cfg.Mesh.MaxBytesPerMsg,
		MaxBytesPerMin:      cfg.Mesh.MaxBytesPerMin,
		MaxBadMsgsPerMin:    cfg.Mesh.MaxBadMsgsPerMin,
		MaxBadMsgSigsPerMin: cfg.Mesh.MaxBadMsgSigsPerMin,
		MaxDupMsgsPerMin:    cfg.Mesh.MaxDupMsgsPerMin,
	}
	limits := peer.Limits{
		MaxConnections:          cfg.Mesh.MaxConnections,
		MaxKnownConnections:     cfg.Mesh.MaxKnownConnections,
		MaxInConnectionsPerHost: cfg.Mesh.MaxInConnectionsPerHost,
		ForwardMessages:         cfg.Mesh.ForwardMessages,
		PeerDiscoveryInterval:   time.Duration(cfg.Mesh.PeerDiscoveryIntervalMs) * time.Millisecond,
	}
	n.peers = peer.NewManager(id, quotas, limits, n.unl)

	if err := n.peers.Listen(portAddr(cfg.Mesh.Port), n.onPeerEnvelope); err != nil {
		return err
	}

	n.inputs = usersession.NewInputPool()

	tlsConf, err := tls.LoadX509KeyPair(cfg.TLSCertPath(), cfg.TLSKeyPath())
	if err != nil {
		return corerr.New(corerr.Io, errors.Wrap(err, "loading user session TLS keypair"))
	}
	n.users = usersession.NewServer(n.inputs, &tls.Config{Certificates: []tls.Certificate{tlsConf}})
	if err := n.users.Listen(portAddr(cfg.User.Port)); err != nil {
		return err
	}

	query := usersession.NewQueryServer(n.ledgerStore, cfg.User.ConcurrentReadRequests)
	n.queryGRPC = usersession.NewGRPCServer(query)

	queryLis, err := net.Listen("tcp", portAddr(cfg.User.QueryPort))
	if err != nil {
		return corerr.New(corerr.Io, errors.Wrap(err, "listening on query gRPC port"))
	}
	go func() {
		if err := n.queryGRPC.Serve(queryLis); err != nil {
			n.logger.WithError(err).Debug("query gRPC server stopped")
		}
	}()

	return nil
}

// startSyncWorkers builds the block-diff and, on full-history nodes only,
// hpfs-log syncers (spec §5 worker list: "hpfs-log-sync worker (one; only on
// full-history nodes)").
func (n *Node) startSyncWorkers() {
	roundtime := time.Duration(n.cfg.Contract.Roundtime) * time.Millisecond
	n.cafsSyncer = cafssync.New("contract_fs", n.contractMount, n.peers, n.unl, roundtime)

	if n.cfg.Node.History == config.HistoryFull {
		n.logSyncer = logsync.New(n.ledgerMount, n.ledgerStore, n.peers, n.unl, roundtime)
	}

	go n.peers.RunDiscovery(n.stopDiscovery)
}

// onPeerEnvelope dispatches an inbound peer message by tag to the worker
// that owns it, the callback internal/peer.Manager.Listen/Connect drive
// their recv loops with.
func (n *Node) onPeerEnvelope(from crypto.PublicKey, env *wire.Envelope) {
	switch env.Tag {
	case wire.TagProposal:
		if env.Proposal != nil {
			n.engine.HandleProposal(env.Proposal)
		}
	case wire.TagNonUnlProposal:
		if env.NonUnlProposal != nil {
			n.engine.HandleProposal(env.NonUnlProposal)
		}
	case wire.TagNpl:
		if env.Npl != nil {
			n.engine.HandleNpl(env.Npl)
		}
	case wire.TagHpfsRequest:
		if env.HpfsRequest != nil {
			resp, err := n.cafsSyncer.HandleRequest(env.HpfsRequest)
			if err != nil {
				n.logger.WithError(err).Debug("hpfs request failed")
				return
			}
			out := wire.NewEnvelope(wire.TagHpfsResponse, time.Now().UnixMilli())
			out.HpfsResponse = resp
			if err := n.peers.SendTo(from.String(), out); err != nil {
				n.logger.WithError(err).Debug("hpfs response send failed")
			}
		}
	case wire.TagHpfsResponse:
		if env.HpfsResponse != nil {
			n.cafsSyncer.HandleResponse(env.HpfsResponse)
		}
	case wire.TagHpfsLogRequest:
		if env.HpfsLogRequest != nil && n.logSyncer != nil {
			resp, err := n.logSyncer.HandleRequest(env.HpfsLogRequest)
			if err != nil {
				n.logger.WithError(err).Debug("hpfs log request failed")
				return
			}
			out := wire.NewEnvelope(wire.TagHpfsLogResponse, time.Now().UnixMilli())
			out.HpfsLogResponse = resp
			if err := n.peers.SendTo(from.String(), out); err != nil {
				n.logger.WithError(err).Debug("hpfs log response send failed")
			}
		}
	case wire.TagHpfsLogResponse:
		if env.HpfsLogResponse != nil && n.logSyncer != nil {
			n.logSyncer.HandleResponse(env.HpfsLogResponse)
		}
	case wire.TagPeerListRequest:
		resp := n.peers.HandlePeerListRequest()
		out := wire.NewEnvelope(wire.TagPeerListResponse, time.Now().UnixMilli())
		out.PeerListResponse = resp
		if err := n.peers.SendTo(from.String(), out); err != nil {
			n.logger.WithError(err).Debug("peer list response send failed")
		}
	case wire.TagPeerListResponse:
		if env.PeerListResponse != nil {
			n.peers.HandlePeerListResponse(env.PeerListResponse)
		}
	case wire.TagSuppress:
		if env.Suppress != nil {
			n.peers.HandleSuppress(from.String(), env.Suppress)
		}
	}
}

// nextRound derives the round number the consensus engine should start on:
// one past the last committed ledger record, or 1 if the ledger is empty.
func (n *Node) nextRound() (uint64, error) {
	last, err := n.ledgerStore.GetLastLedger()
	if err != nil {
		if corerr.Is(err, corerr.SessionNotFound) {
			return 1, nil
		}
		return 0, err
	}
	return last.SeqNo + 1, nil
}

// ListenAndServe runs the consensus round loop until ctx is cancelled,
// mirroring internal/node/node.go's ListenAndServe blocking-forever shape,
// generalized to drive a real worker instead of select{}.
func (n *Node) ListenAndServe(ctx context.Context) error {
	n.logger.WithField("peers", portAddr(n.cfg.Mesh.Port)).WithField("users", portAddr(n.cfg.User.Port)).Info("node listening")

	roundCtx, cancel := context.WithCancel(ctx)
	n.roundCancel = cancel

	n.roundWG.Add(1)
	go func() {
		defer n.roundWG.Done()
		if err := n.engine.Run(roundCtx); err != nil {
			n.logger.WithError(err).Error("round loop exited")
		}
	}()

	<-ctx.Done()
	return n.Stop()
}

// Stop tears down every worker in the reverse of spec §5's startup order,
// persisting known_peers back into the config file as the one allowed
// in-memory delta (spec §5 teardown).
func (n *Node) Stop() error {
	n.logger.Warn("node stopping")

	if n.roundCancel != nil {
		n.roundCancel()
	}
	n.roundWG.Wait()

	close(n.stopDiscovery)

	if n.users != nil {
		n.users.Close()
	}
	if n.queryGRPC != nil {
		n.queryGRPC.GracefulStop()
	}
	if n.peers != nil {
		if err := n.cfg.PersistKnownPeers(n.peers.KnownPeerAddrs()); err != nil {
			n.logger.WithError(err).Warn("persisting known_peers failed")
		}
		n.peers.Close()
	}

	if n.ledgerStore != nil {
		n.ledgerStore.Close()
	}
	if n.contractMount != nil {
		n.contractMount.Close()
	}
	if n.ledgerMount != nil {
		n.ledgerMount.Close()
	}

	return n.cfg.Close()
}

func portAddr(port uint16) string {
	return ":" + strconv.Itoa(int(port))
}
