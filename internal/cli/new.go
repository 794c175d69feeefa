package cli

import (
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hpcore/hpcore/internal/config"
	"github.com/hpcore/hpcore/internal/telemetry"
	"github.com/hpcore/hpcore/pkg/crypto"
)

var newCmd = &cobra.Command{
	Use:   "new <dir>",
	Short: "create a default contract directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runNew,
}

// defaultTree is the on-disk skeleton every fresh contract directory needs
// (spec §6 "on-disk layout").
var defaultTree = []string{
	"cfg",
	filepath.Join("contract_fs", "seed", "state"),
	filepath.Join("contract_fs", "mnt"),
	"ledger_fs",
}

func runNew(cmd *cobra.Command, args []string) error {
	dir := args[0]

	for _, sub := range defaultTree {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return errors.Wrapf(err, "creating %s", sub)
		}
	}

	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		return errors.Wrap(err, "generating node keypair")
	}
	pubHex := priv.PublicKey().String()

	cfg := config.New(dir)
	cfg.HpVersion = config.MinHpVersion
	cfg.Node = config.Node{
		Role:          config.RoleValidator,
		History:       config.HistoryFull,
		PrivateKeyHex: hex.EncodeToString(priv.Bytes()),
		PubkeyHex:     pubHex,
	}
	cfg.Contract = config.Contract{
		UNL:                  []string{pubHex},
		Roundtime:            5000,
		StageSlice:           10,
		Threshold:            80,
		ConsensusMode:        config.ModePublic,
		NplMode:              "off",
		MaxInputLedgerOffset: 0,
	}
	cfg.Mesh = config.Mesh{Port: 9100, ForwardMessages: true}
	cfg.User = config.User{Port: 9200, QueryPort: 9201, ConcurrentReadRequests: 8}
	cfg.Hpfs = config.Hpfs{ExecPath: "/usr/local/bin/hpfs-helper"}
	cfg.Log = config.Log{Level: "inf", Loggers: []string{"console"}}

	if err := cfg.Save(); err != nil {
		return errors.Wrap(err, "writing hp.cfg")
	}

	if err := generateSelfSignedCert(cfg.TLSKeyPath(), cfg.TLSCertPath()); err != nil {
		telemetry.Component("cli").WithError(err).Warn("openssl self-signed cert generation failed; run it manually before starting the node")
	}

	return nil
}

// generateSelfSignedCert shells out to openssl the way most production Go
// CLIs delegate certificate minting rather than reimplementing x509 template
// construction for a one-shot bootstrap artifact (spec §6: "a self-signed
// TLS cert via an external openssl invocation").
func generateSelfSignedCert(keyPath, certPath string) error {
	cmd := exec.Command("openssl", "req", "-x509", "-newkey", "ec",
		"-pkeyopt", "ec_paramgen_curve:P-256",
		"-keyout", keyPath, "-out", certPath,
		"-days", "3650", "-nodes",
		"-subj", "/CN=hpcore-node",
	)
	return cmd.Run()
}
