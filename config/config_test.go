package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	assert := assert.New(t)

	// set up some defaults
	cfg := DefaultConfig()
	assert.NotNil(cfg.P2P)
	assert.NotNil(cfg.Sync)
	assert.NotNil(cfg.Peers)

	// check the root dir stuff...
	cfg.SetRoot("/foo")
	cfg.Genesis = "bar"
	cfg.DBPath = "/opt/data"

	assert.Equal("/foo/bar", cfg.GenesisFile())
	assert.Equal("/opt/data", cfg.DBDir())
	assert.Equal("/foo/config/node_id", cfg.NodeIDFile())
	assert.Equal("/foo/data/banbook.db", cfg.Peers.BanBookDir())

	cfg.Peers.BanBook = ""
	assert.Empty(cfg.Peers.BanBookDir())
}

func TestConfigValidateBasic(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.ValidateBasic())
	assert.NoError(t, TestConfig().ValidateBasic())

	// tamper with sync section
	cfg.Sync.TickInterval = -1 * time.Second
	err := cfg.ValidateBasic()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[sync]")
}

func TestBaseConfigValidateBasic(t *testing.T) {
	cfg := TestBaseConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.LogFormat = "invalid"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestBaseConfig()
	cfg.LogLevel = "verbose"
	assert.Error(t, cfg.ValidateBasic())

	cfg = TestBaseConfig()
	cfg.DBBackend = "rocksdb"
	assert.Error(t, cfg.ValidateBasic())
}

func TestP2PConfigValidateBasic(t *testing.T) {
	cfg := TestP2PConfig()
	assert.NoError(t, cfg.ValidateBasic())

	fieldsToTest := []string{
		"MaxConnections",
		"MaxIncomingConnections",
		"QueueSize",
		"MaxMessageSize",
	}
	for _, fieldName := range fieldsToTest {
		cfg := TestP2PConfig()
		switch fieldName {
		case "MaxConnections":
			cfg.MaxConnections = -1
		case "MaxIncomingConnections":
			cfg.MaxIncomingConnections = -1
		case "QueueSize":
			cfg.QueueSize = 0
		case "MaxMessageSize":
			cfg.MaxMessageSize = 0
		}
		assert.Error(t, cfg.ValidateBasic(), fieldName)
	}

	cfg.PersistentPeers = "127.0.0.1:30313, ,10.0.0.2:30313"
	assert.NoError(t, cfg.ValidateBasic())
	assert.Equal(t, []string{"127.0.0.1:30313", "10.0.0.2:30313"}, cfg.PersistentPeerList())

	cfg.PersistentPeers = "no-port"
	assert.Error(t, cfg.ValidateBasic())
}

func TestSyncConfigValidateBasic(t *testing.T) {
	testcases := map[string]struct {
		modify    func(*SyncConfig)
		expectErr bool
	}{
		"defaults":               {func(*SyncConfig) {}, false},
		"zero header batch":      {func(c *SyncConfig) { c.HeaderBatch = 0 }, true},
		"header batch too large": {func(c *SyncConfig) { c.HeaderBatch = 513 }, true},
		"body batch too large":   {func(c *SyncConfig) { c.BodyBatch = 257 }, true},
		"window below batch":     {func(c *SyncConfig) { c.MaxAhead = c.HeaderBatch - 1 }, true},
		"no ancestor depth":      {func(c *SyncConfig) { c.MaxAncestorDepth = 0 }, true},
		"no request timeout":     {func(c *SyncConfig) { c.RequestTimeout = 0 }, true},
		"no inflight":            {func(c *SyncConfig) { c.MaxInflightPerPeer = 0 }, true},
	}
	for desc, tc := range testcases {
		tc := tc
		t.Run(desc, func(t *testing.T) {
			cfg := DefaultSyncConfig()
			tc.modify(cfg)
			err := cfg.ValidateBasic()
			if tc.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChainConfigValidateBasic(t *testing.T) {
	cfg := DefaultChainConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.SealEngine = SealEngineSigner
	assert.Error(t, cfg.ValidateBasic())
	cfg.Signers = []string{"02aa"}
	assert.NoError(t, cfg.ValidateBasic())

	cfg.SealEngine = "ethash"
	assert.Error(t, cfg.ValidateBasic())

	cfg = DefaultChainConfig()
	cfg.RetentionDepth = 0
	assert.Error(t, cfg.ValidateBasic())
}

func TestPeersConfigValidateBasic(t *testing.T) {
	cfg := DefaultPeersConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.BanScore = 0
	assert.Error(t, cfg.ValidateBasic())
}

func TestEventSinkConfigValidateBasic(t *testing.T) {
	cfg := DefaultEventSinkConfig()
	assert.NoError(t, cfg.ValidateBasic())

	cfg.Type = EventSinkPSQL
	assert.Error(t, cfg.ValidateBasic())
	cfg.PsqlConn = "postgres://localhost/chainsync"
	assert.NoError(t, cfg.ValidateBasic())

	cfg.Type = "kafka"
	assert.Error(t, cfg.ValidateBasic())
}

func TestInstrumentationConfigValidateBasic(t *testing.T) {
	cfg := TestInstrumentationConfig()
	assert.NoError(t, cfg.ValidateBasic())

	// tamper with maximum open connections
	cfg.MaxOpenConnections = -1
	assert.Error(t, cfg.ValidateBasic())
}
