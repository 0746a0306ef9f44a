package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/libs/log"
	tmos "github.com/tendermint/chainsync/libs/os"
)

// MakeResetCommand constructs a command that removes the block store and
// the ban book. The config, the genesis and the node id are kept.
func MakeResetCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "unsafe-reset-all",
		Short: "Removes all chainsync data, including the block store and peer bans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ResetAll(conf.DBDir(), logger)
		},
	}
}

// ResetAll removes dbDir and recreates it empty.
func ResetAll(dbDir string, logger log.Logger) error {
	if tmos.FileExists(dbDir) {
		if err := os.RemoveAll(dbDir); err != nil {
			logger.Error("error removing all blockchain history", "dir", dbDir, "err", err)
			return err
		}
		logger.Info("removed all blockchain history", "dir", dbDir)
	} else {
		logger.Info("no blockchain history to remove", "dir", dbDir)
	}
	return tmos.EnsureDir(dbDir, 0700)
}
