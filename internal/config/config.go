// Package config loads and persists the contract directory's hp.cfg, and
// overlays CLI flags/environment via viper, mirroring
// internal/config/config.go's buildP2PConfig defaults-map pattern.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"

	"github.com/blang/semver/v4"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/hpcore/hpcore/internal/corerr"
)

// MinHpVersion is the compile-time minimum hp_version a config file must
// declare (spec §6).
const MinHpVersion = "1.0.0"

// MaxConcurrentReadRequests bounds Config.User.ConcurrentReadRequests
// (spec §6: "must not exceed a compile-time maximum").
const MaxConcurrentReadRequests = 64

// Cfg_* keys mirror internal/config/p2p.go's Cfg_p2p_* naming, here scoped
// to this node's CLI/env overlay rather than viper defaults for the whole
// persisted file (the file itself is hand-typed JSON, see Config.Save).
const (
	Cfg_node_role              = "node.role"
	Cfg_node_history            = "node.history"
	Cfg_log_level               = "log.level"
	Cfg_log_loggers             = "log.loggers"
	Cfg_contract_roundtime      = "contract.roundtime"
	Cfg_contract_stageSlice     = "contract.stage_slice"
	Cfg_contract_threshold      = "contract.threshold"
	Cfg_contract_mode           = "contract.mode"
)

func init() {
	viper.SetEnvPrefix("HP")
	viper.AutomaticEnv()
	viper.SetDefault(Cfg_log_level, "inf")
	viper.SetDefault(Cfg_log_loggers, []string{"console"})
}

// Role is a node's consensus participation mode.
type Role string

const (
	RoleObserver  Role = "observer"
	RoleValidator Role = "validator"
)

// History selects how much ledger history a node retains.
type History string

const (
	HistoryFull   History = "full"
	HistoryCustom History = "custom"
)

// ConsensusMode selects the UNL admission policy.
type ConsensusMode string

const (
	ModePublic  ConsensusMode = "public"
	ModePrivate ConsensusMode = "private"
)

// Node is the top-level `node` config section.
type Node struct {
	Role             Role    `json:"role"`
	History          History `json:"history"`
	MaxPrimaryShards int     `json:"max_primary_shards,omitempty"`
	PrivateKeyHex    string  `json:"private_key_hex"`
	PubkeyHex        string  `json:"pubkey_hex"`
}

// RoundLimits bounds the contract process's resource consumption for one
// round (spec §4.H execution stage, §6 process supervision).
type RoundLimits struct {
	CPUSeconds     int   `json:"cpu_seconds"`
	MemoryBytes    int64 `json:"memory_bytes"`
	MaxOpenFiles   int   `json:"max_open_files"`
	ExecTimeoutMs  int   `json:"exec_timeout_ms"`
	MaxInputBytes  int64 `json:"max_input_bytes"`
	MaxOutputBytes int64 `json:"max_output_bytes"`
}

// Contract is the `contract` config section, the mutable subset of which is
// also carried by the patch file (spec §6).
type Contract struct {
	UNL                    []string      `json:"unl"`
	Roundtime              int           `json:"roundtime"`
	StageSlice             int           `json:"stage_slice"`
	Threshold              int           `json:"threshold"`
	RoundLimits            RoundLimits   `json:"round_limits"`
	BinPath                string        `json:"bin_path"`
	BinArgs                []string      `json:"bin_args"`
	Environment            []string      `json:"environment"`
	RunAs                  string        `json:"run_as,omitempty"`
	NplMode                string        `json:"npl_mode"`
	MaxInputLedgerOffset   int           `json:"max_input_ledger_offset"`
	ConsensusMode          ConsensusMode `json:"consensus_mode"`
}

// Mesh is the `mesh` (peer transport) config section.
type Mesh struct {
	Port                     uint16   `json:"port"`
	KnownPeers               []string `json:"known_peers"`
	MaxConnections           int      `json:"max_connections"`
	MaxKnownConnections      int      `json:"max_known_connections"`
	MaxInConnectionsPerHost  int      `json:"max_in_connections_per_host"`
	MaxBytesPerMsg           int64    `json:"max_bytes_per_msg"`
	MaxBytesPerMin           int64    `json:"max_bytes_per_min"`
	MaxBadMsgsPerMin         int      `json:"max_bad_msgs_per_min"`
	MaxBadMsgSigsPerMin      int      `json:"max_bad_msgsigs_per_min"`
	MaxDupMsgsPerMin         int      `json:"max_dup_msgs_per_min"`
	ForwardMessages          bool     `json:"forward_messages"`
	PeerDiscoveryIntervalMs  int      `json:"peer_discovery_interval_ms"`
}

// User is the `user` (user session) config section.
type User struct {
	Port                   uint16 `json:"port"`
	QueryPort              uint16 `json:"query_port"`
	ConcurrentReadRequests int    `json:"concurrent_read_requests"`
}

// Hpfs is the `hpfs` (CAFS external helper) config section.
type Hpfs struct {
	ExecPath string `json:"exec_path"`
	RunAs    string `json:"run_as,omitempty"`
}

// Log is the `log` config section.
type Log struct {
	Level   string   `json:"level"`
	Loggers []string `json:"loggers"`
}

// Config is the hand-typed hp.cfg struct tree. Field order here IS the wire
// order: encoding/json serializes struct fields in declaration order, which
// is what makes the write→read→write round-trip law of spec §8 hold without
// an ordered-map dependency.
type Config struct {
	HpVersion string   `json:"hp_version"`
	Node      Node     `json:"node"`
	Contract  Contract `json:"contract"`
	Mesh      Mesh     `json:"mesh"`
	User      User     `json:"user"`
	Hpfs      Hpfs     `json:"hpfs"`
	Log       Log      `json:"log"`

	dir  string
	lock *os.File
}

// ContractDir returns the contract directory this config was loaded from.
func (c *Config) ContractDir() string {
	return c.dir
}

func cfgPath(contractDir string) string {
	return filepath.Join(contractDir, "cfg", "hp.cfg")
}

func patchPath(contractDir string) string {
	return filepath.Join(contractDir, "contract_fs", "seed", "state", "patch")
}

// TLSKeyPath and TLSCertPath locate the self-signed TLS keypair the `new`
// subcommand generates alongside hp.cfg (spec §6 on-disk layout).
func (c *Config) TLSKeyPath() string  { return filepath.Join(c.dir, "cfg", "tlskey.pem") }
func (c *Config) TLSCertPath() string { return filepath.Join(c.dir, "cfg", "tlscert.pem") }

// New builds an unpersisted Config rooted at contractDir, for the `new` CLI
// subcommand to populate with defaults before its first Save.
func New(contractDir string) *Config {
	return &Config{dir: contractDir}
}

// Load reads hp.cfg from the contract directory, takes out the process-wide
// exclusive advisory lock, applies the CLI/env overlay via viper and
// validates the result.
func Load(contractDir string) (*Config, error) {
	path := cfgPath(contractDir)

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, corerr.New(corerr.ConfigInvalid, errors.Wrapf(err, "opening %s", path))
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, corerr.New(corerr.ConfigLocked, errors.Wrapf(err, "locking %s", path))
	}

	c := &Config{dir: contractDir, lock: f}
	if err := json.NewDecoder(f).Decode(c); err != nil {
		f.Close()
		return nil, corerr.New(corerr.ConfigInvalid, errors.Wrap(err, "parsing hp.cfg"))
	}

	c.applyOverlay()

	if err := c.Validate(); err != nil {
		f.Close()
		return nil, err
	}

	return c, nil
}

// applyOverlay folds viper-sourced CLI flags/env vars over the file-loaded
// values, mirroring buildP2PConfig's viper.GetX calls.
func (c *Config) applyOverlay() {
	if viper.IsSet(Cfg_node_role) {
		c.Node.Role = Role(viper.GetString(Cfg_node_role))
	}
	if viper.IsSet(Cfg_node_history) {
		c.Node.History = History(viper.GetString(Cfg_node_history))
	}
	if viper.IsSet(Cfg_log_level) {
		c.Log.Level = viper.GetString(Cfg_log_level)
	}
	if viper.IsSet(Cfg_log_loggers) {
		c.Log.Loggers = viper.GetStringSlice(Cfg_log_loggers)
	}
	if viper.IsSet(Cfg_contract_roundtime) {
		c.Contract.Roundtime = viper.GetInt(Cfg_contract_roundtime)
	}
	if viper.IsSet(Cfg_contract_stageSlice) {
		c.Contract.StageSlice = viper.GetInt(Cfg_contract_stageSlice)
	}
	if viper.IsSet(Cfg_contract_threshold) {
		c.Contract.Threshold = viper.GetInt(Cfg_contract_threshold)
	}
	if viper.IsSet(Cfg_contract_mode) {
		c.Contract.ConsensusMode = ConsensusMode(viper.GetString(Cfg_contract_mode))
	}
}

// Validate checks every bound named in spec §6, plus the original's
// self-check that the node's own pubkey is present in the UNL and that
// hp_version satisfies MinHpVersion.
func (c *Config) Validate() error {
	have, err := semver.Parse(c.HpVersion)
	if err != nil {
		return corerr.New(corerr.ConfigInvalid, errors.Wrapf(err, "parsing hp_version %q", c.HpVersion))
	}
	if have.LT(semver.MustParse(MinHpVersion)) {
		return corerr.New(corerr.ConfigInvalid, errors.Errorf("hp_version %q below minimum %q", c.HpVersion, MinHpVersion))
	}

	if c.Node.Role != RoleObserver && c.Node.Role != RoleValidator {
		return corerr.New(corerr.ConfigInvalid, errors.Errorf("invalid node.role %q", c.Node.Role))
	}

	if c.Node.History == HistoryCustom && c.Node.MaxPrimaryShards <= 0 {
		return corerr.New(corerr.ConfigInvalid, errors.New("custom history requires max_primary_shards > 0"))
	}
	if c.Node.History != HistoryFull && c.Node.History != HistoryCustom {
		return corerr.New(corerr.ConfigInvalid, errors.Errorf("invalid node.history %q", c.Node.History))
	}

	if c.Contract.Roundtime < 1 || c.Contract.Roundtime > 3_600_000 {
		return corerr.New(corerr.ConfigInvalid, errors.Errorf("roundtime %d out of range [1,3600000]", c.Contract.Roundtime))
	}
	if c.Contract.StageSlice < 1 || c.Contract.StageSlice > 33 {
		return corerr.New(corerr.ConfigInvalid, errors.Errorf("stage_slice %d out of range [1,33]", c.Contract.StageSlice))
	}
	if c.Contract.Threshold < 1 || c.Contract.Threshold > 100 {
		return corerr.New(corerr.ConfigInvalid, errors.Errorf("threshold %d out of range [1,100]", c.Contract.Threshold))
	}
	if c.Contract.ConsensusMode != ModePublic && c.Contract.ConsensusMode != ModePrivate {
		return corerr.New(corerr.ConfigInvalid, errors.Errorf("invalid contract.mode %q", c.Contract.ConsensusMode))
	}

	switch c.Log.Level {
	case "dbg", "inf", "wrn", "err":
	default:
		return corerr.New(corerr.ConfigInvalid, errors.Errorf("invalid log.level %q", c.Log.Level))
	}
	for _, l := range c.Log.Loggers {
		if l != "console" && l != "file" {
			return corerr.New(corerr.ConfigInvalid, errors.Errorf("invalid log sink %q", l))
		}
	}

	if c.User.ConcurrentReadRequests > MaxConcurrentReadRequests {
		return corerr.New(corerr.ConfigInvalid, errors.Errorf("concurrent_read_requests %d exceeds max %d", c.User.ConcurrentReadRequests, MaxConcurrentReadRequests))
	}

	if c.Mesh.MaxConnections != 0 && c.Mesh.MaxKnownConnections > c.Mesh.MaxConnections {
		return corerr.New(corerr.ConfigInvalid, errors.New("max_known_connections must be <= max_connections when max_connections is nonzero"))
	}

	if err := c.validateSelfInUNL(); err != nil {
		return err
	}

	return nil
}

// validateSelfInUNL is the original's startup self-check that this node's
// own pubkey is present in its UNL (invariant: "a node is always in its own
// UNL at creation", spec §3).
func (c *Config) validateSelfInUNL() error {
	self := c.selfPubkeyHex()
	for _, pk := range c.Contract.UNL {
		if pk == self {
			return nil
		}
	}
	return corerr.New(corerr.ConfigInvalid, errors.New("own pubkey not present in contract.unl"))
}

func (c *Config) selfPubkeyHex() string {
	return c.Node.PubkeyHex
}

// Save writes c back to hp.cfg, preserving struct field order (spec §8
// round-trip law: "write config -> read config -> write config produces
// byte-identical output").
func (c *Config) Save() error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling hp.cfg")
	}

	path := cfgPath(c.dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0600); err != nil {
		return corerr.New(corerr.Io, errors.Wrap(err, "writing hp.cfg"))
	}

	return os.Rename(tmp, path)
}

// PersistKnownPeers rewrites only mesh.known_peers back to hp.cfg, the only
// in-memory delta the core is allowed to persist outside the patch file
// (spec §5 teardown, §6 "known_peers persistence").
func (c *Config) PersistKnownPeers(peers []string) error {
	c.Mesh.KnownPeers = peers
	return c.Save()
}

// Close releases the exclusive advisory lock on hp.cfg.
func (c *Config) Close() error {
	if c.lock == nil {
		return nil
	}
	defer c.lock.Close()
	return syscall.Flock(int(c.lock.Fd()), syscall.LOCK_UN)
}

// LoadPatch reads the mutable contract-config subset from the patch file
// inside contract_fs (spec §6 "Patch file"). Returns (nil, nil) if absent.
func LoadPatch(contractDir string) (*Contract, error) {
	b, err := os.ReadFile(patchPath(contractDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, corerr.New(corerr.Io, errors.Wrap(err, "reading patch file"))
	}

	var patch Contract
	if err := json.Unmarshal(b, &patch); err != nil {
		return nil, corerr.New(corerr.ConfigInvalid, errors.Wrap(err, "parsing patch file"))
	}

	return &patch, nil
}

// ApplyPatch rebuilds the runtime contract section from a patch and rewrites
// hp.cfg to match, keeping the two consistent (spec §6).
func (c *Config) ApplyPatch(patch *Contract) error {
	c.Contract = *patch
	return c.Save()
}
