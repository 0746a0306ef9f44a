package main

import (
	"context"
	"os"

	"github.com/tendermint/chainsync/cmd/chainsync/commands"
	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/libs/log"
)

func main() {
	conf := config.DefaultConfig()

	logger, err := log.NewDefaultLogger(log.LogFormatPlain, log.LogLevelInfo)
	if err != nil {
		panic(err)
	}

	rcmd := commands.RootCommand(conf, logger)
	rcmd.AddCommand(
		commands.MakeInitCommand(conf, logger),
		commands.MakeResetCommand(conf, logger),
		commands.MakeRunNodeCommand(conf, logger),
		commands.MakeVersionCommand(),
	)

	if err := rcmd.ExecuteContext(context.Background()); err != nil {
		logger.Error("command failed", "err", err)
		os.Exit(1)
	}
}
