package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/libs/log"
	tmos "github.com/tendermint/chainsync/libs/os"
	"github.com/tendermint/chainsync/types"
	"github.com/tendermint/chainsync/version"
)

// clearConfig clears env vars and resets viper.
func clearConfig(t *testing.T) *config.Config {
	t.Helper()
	require.NoError(t, os.Unsetenv("CSHOME"))
	require.NoError(t, os.Unsetenv("CS_HOME"))
	viper.Reset()
	return config.DefaultConfig()
}

func testRootCmd(conf *config.Config) *cobra.Command {
	logger := log.NewNopLogger()
	cmd := RootCommand(conf, logger)
	cmd.AddCommand(
		MakeInitCommand(conf, logger),
		MakeResetCommand(conf, logger),
		MakeVersionCommand(),
	)
	return cmd
}

func runWithArgs(ctx context.Context, cmd *cobra.Command, args []string, env map[string]string) error {
	for k, v := range env {
		old, ok := os.LookupEnv(k)
		if err := os.Setenv(k, v); err != nil {
			return err
		}
		defer func(k string) {
			if ok {
				os.Setenv(k, old)
			} else {
				os.Unsetenv(k)
			}
		}(k)
	}
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func TestRootHome(t *testing.T) {
	flagRoot := t.TempDir()
	envRoot := t.TempDir()

	cases := []struct {
		name string
		args []string
		env  map[string]string
		root string
	}{
		{"flag", []string{"init", "--home", flagRoot}, nil, flagRoot},
		{"env", []string{"init"}, map[string]string{"CSHOME": envRoot}, envRoot},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conf := clearConfig(t)
			err := runWithArgs(context.Background(), testRootCmd(conf), tc.args, tc.env)
			require.NoError(t, err)

			assert.Equal(t, tc.root, conf.RootDir)
			assert.Equal(t, tc.root, conf.P2P.RootDir)
			assert.Equal(t, tc.root, conf.Peers.RootDir)
		})
	}
}

func TestRootLogLevelFlag(t *testing.T) {
	conf := clearConfig(t)
	args := []string{"init", "--home", t.TempDir(), "--log-level", "debug"}
	require.NoError(t, runWithArgs(context.Background(), testRootCmd(conf), args, nil))
	assert.Equal(t, "debug", conf.LogLevel)
}

func TestRootConfigFile(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, tmos.EnsureDir(filepath.Join(home, "config"), 0700))
	cfile := filepath.Join(home, "config", "config.toml")
	require.NoError(t, os.WriteFile(cfile, []byte("moniker = \"from-file\"\n\n[p2p]\nqueue-size = 7\n"), 0600))

	conf := clearConfig(t)
	require.NoError(t, runWithArgs(context.Background(), testRootCmd(conf), []string{"init", "--home", home}, nil))
	assert.Equal(t, "from-file", conf.Moniker)
	assert.Equal(t, 7, conf.P2P.QueueSize)
}

func TestRootRejectsInvalidConfig(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, tmos.EnsureDir(filepath.Join(home, "config"), 0700))
	cfile := filepath.Join(home, "config", "config.toml")
	require.NoError(t, os.WriteFile(cfile, []byte("db-backend = \"cleveldb\"\n"), 0600))

	conf := clearConfig(t)
	err := runWithArgs(context.Background(), testRootCmd(conf), []string{"init", "--home", home}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error in config file")
}

func TestInitFiles(t *testing.T) {
	home := t.TempDir()
	conf := clearConfig(t)
	args := []string{"init", "--home", home, "--chain-id", "test-init", "--difficulty", "3"}
	require.NoError(t, runWithArgs(context.Background(), testRootCmd(conf), args, nil))

	assert.True(t, tmos.FileExists(filepath.Join(home, "config", "config.toml")))
	genDoc, err := types.GenesisDocFromFile(conf.GenesisFile())
	require.NoError(t, err)
	assert.Equal(t, "test-init", genDoc.ChainID)
	assert.Equal(t, uint64(3), genDoc.Difficulty)

	nodeID, err := os.ReadFile(conf.NodeIDFile())
	require.NoError(t, err)

	// a second init keeps what is there
	conf = clearConfig(t)
	args = []string{"init", "--home", home, "--chain-id", "other"}
	require.NoError(t, runWithArgs(context.Background(), testRootCmd(conf), args, nil))

	again, err := types.GenesisDocFromFile(conf.GenesisFile())
	require.NoError(t, err)
	assert.Equal(t, "test-init", again.ChainID)
	nodeIDAgain, err := os.ReadFile(conf.NodeIDFile())
	require.NoError(t, err)
	assert.Equal(t, nodeID, nodeIDAgain)
}

func TestResetAll(t *testing.T) {
	home := t.TempDir()
	conf := clearConfig(t)
	require.NoError(t, runWithArgs(context.Background(), testRootCmd(conf), []string{"init", "--home", home}, nil))

	stale := filepath.Join(conf.DBDir(), "blockstore.db")
	require.NoError(t, tmos.EnsureDir(stale, 0700))

	conf = clearConfig(t)
	require.NoError(t, runWithArgs(context.Background(), testRootCmd(conf), []string{"unsafe-reset-all", "--home", home}, nil))

	assert.False(t, tmos.FileExists(stale))
	assert.True(t, tmos.FileExists(conf.DBDir()))
	assert.True(t, tmos.FileExists(conf.GenesisFile()))
	assert.True(t, tmos.FileExists(conf.NodeIDFile()))
}

func TestVersionCommand(t *testing.T) {
	conf := clearConfig(t)
	for _, tc := range []struct {
		args []string
		want string
	}{
		{[]string{"version"}, version.Version},
		{[]string{"version", "--verbose"}, `"p2p_protocol": 1`},
	} {
		cmd := testRootCmd(conf)
		var out bytes.Buffer
		cmd.SetOut(&out)
		require.NoError(t, runWithArgs(context.Background(), cmd, tc.args, nil))
		assert.Contains(t, strings.TrimSpace(out.String()), tc.want)
	}
}
