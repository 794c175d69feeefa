package cli

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hpcore/hpcore/internal/config"
	"github.com/hpcore/hpcore/pkg/crypto"
)

var rekeyCmd = &cobra.Command{
	Use:   "rekey <dir>",
	Short: "generate a new node keypair and replace self in the UNL",
	Args:  cobra.ExactArgs(1),
	RunE:  runRekey,
}

func runRekey(cmd *cobra.Command, args []string) error {
	dir := args[0]

	cfg, err := config.Load(dir)
	if err != nil {
		return errors.Wrap(err, "loading hp.cfg")
	}
	defer cfg.Close()

	oldPubHex := cfg.Node.PubkeyHex

	priv, err := crypto.GeneratePrivateKey()
	if err != nil {
		return errors.Wrap(err, "generating replacement keypair")
	}
	newPubHex := priv.PublicKey().String()

	cfg.Node.PrivateKeyHex = hex.EncodeToString(priv.Bytes())
	cfg.Node.PubkeyHex = newPubHex

	replaced := false
	for i, pk := range cfg.Contract.UNL {
		if pk == oldPubHex {
			cfg.Contract.UNL[i] = newPubHex
			replaced = true
		}
	}
	if !replaced {
		cfg.Contract.UNL = append(cfg.Contract.UNL, newPubHex)
	}

	return cfg.Save()
}
