package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/hpcore/hpcore/internal/config"
	"github.com/hpcore/hpcore/internal/node"
)

var runCmd = &cobra.Command{
	Use:   "run <dir>",
	Short: "run the node in its normal mode",
	Args:  cobra.ExactArgs(1),
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(args[0])
	if err != nil {
		return errors.Wrap(err, "loading hp.cfg")
	}

	n, err := node.New(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "initing node")
	}

	done := make(chan error, 1)
	go func() {
		done <- n.ListenAndServe(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-waitExit():
		cancel()
		return <-done
	}
}

func waitExit() <-chan os.Signal {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	return sigs
}
