package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/node"
)

// AddNodeFlags exposes some common configuration options on the command-line
func AddNodeFlags(cmd *cobra.Command, conf *config.Config) {
	cmd.Flags().String("moniker", conf.Moniker, "node name")

	// p2p flags
	cmd.Flags().String(
		"p2p.laddr",
		conf.P2P.ListenAddress,
		"node listen address. (0.0.0.0:0 means any interface, any port)")
	cmd.Flags().String("p2p.persistent-peers", conf.P2P.PersistentPeers, "comma-delimited host:port persistent peers")

	// chain flags
	cmd.Flags().String("chain.seal-engine", conf.Chain.SealEngine, "seal engine: pow | signer | none")

	// instrumentation flags
	cmd.Flags().Bool("instrumentation.prometheus", conf.Instrumentation.Prometheus, "serve prometheus metrics")
	cmd.Flags().String(
		"instrumentation.prometheus-listen-addr",
		conf.Instrumentation.PrometheusListenAddr,
		"prometheus listen address")

	// event sink flags
	cmd.Flags().String("event-sink.type", conf.EventSink.Type, "event sink: null | psql")
	cmd.Flags().String("event-sink.psql-conn", conf.EventSink.PsqlConn, "postgres connection string")

	cmd.Flags().String(
		"db-backend",
		conf.DBBackend,
		"database backend: goleveldb | memdb")
	cmd.Flags().String(
		"db-dir",
		conf.DBPath,
		"database directory")
}

// MakeRunNodeCommand returns the command that starts a node and runs it
// until SIGINT or SIGTERM.
func MakeRunNodeCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "start",
		Aliases: []string{"node", "run"},
		Short:   "Run the chainsync node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runNode(ctx, conf, logger)
		},
	}

	AddNodeFlags(cmd, conf)
	return cmd
}

func runNode(ctx context.Context, conf *config.Config, logger log.Logger) error {
	n, err := node.New(conf, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("failed to start node: %w", err)
	}

	// the node stops itself when ctx is cancelled or its sync routine fails
	n.Wait()
	logger.Info("node stopped", "head", n.Chain().Head().Number())
	return n.Err()
}
