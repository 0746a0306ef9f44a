package commands

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/libs/log"
	tmos "github.com/tendermint/chainsync/libs/os"
	"github.com/tendermint/chainsync/types"
)

// MakeInitCommand returns the command that writes the config, the genesis
// and the node identity of a new home directory. Existing files are kept.
func MakeInitCommand(conf *config.Config, logger log.Logger) *cobra.Command {
	var (
		chainID    string
		difficulty uint64
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initializes a chainsync home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initFiles(conf, logger, chainID, difficulty)
		},
	}
	cmd.Flags().StringVar(&chainID, "chain-id", "", "chain id of a new genesis (random if empty)")
	cmd.Flags().Uint64Var(&difficulty, "difficulty", 1, "difficulty of the genesis block")
	return cmd
}

func initFiles(conf *config.Config, logger log.Logger, chainID string, difficulty uint64) error {
	if conf.RootDir == "" {
		return errors.New("root directory is not set")
	}

	nodeID, err := p2p.LoadOrGenNodeID(conf.NodeIDFile())
	if err != nil {
		return err
	}
	logger.Info("node identity", "path", conf.NodeIDFile(), "node_id", nodeID)

	genFile := conf.GenesisFile()
	if tmos.FileExists(genFile) {
		logger.Info("found genesis file", "path", genFile)
	} else {
		if chainID == "" {
			chainID = fmt.Sprintf("chainsync-%s", p2p.NewNodeID()[:6])
		}
		genDoc := &types.GenesisDoc{
			GenesisTime: time.Now().UTC().Truncate(time.Second),
			ChainID:     chainID,
			Difficulty:  difficulty,
		}
		if err := genDoc.ValidateAndComplete(); err != nil {
			return err
		}
		if err := genDoc.SaveAs(genFile); err != nil {
			return err
		}
		logger.Info("generated genesis file", "path", genFile, "chain_id", chainID, "hash", genDoc.Block().Hash())
	}

	cfgFile := filepath.Join(conf.RootDir, "config", "config.toml")
	if tmos.FileExists(cfgFile) {
		logger.Info("found config file", "path", cfgFile)
		return nil
	}
	if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
		return err
	}
	logger.Info("generated config file", "path", cfgFile)
	return nil
}
