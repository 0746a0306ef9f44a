package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/creachadair/atomicfile"

	tmos "github.com/tendermint/chainsync/libs/os"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate").Funcs(template.FuncMap{
		"StringsJoin": strings.Join,
	})
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and panics if it fails.
func EnsureRoot(rootDir string) {
	if err := tmos.EnsureDir(rootDir, defaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultConfigDir), defaultDirPerm); err != nil {
		panic(err.Error())
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultDataDir), defaultDirPerm); err != nil {
		panic(err.Error())
	}
}

// WriteConfigFile renders config using the template and writes it to
// configFilePath. The file is replaced atomically.
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(filepath.Join(rootDir, defaultConfigFilePath))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	if _, err := atomicfile.WriteAll(path, &buffer, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

func writeDefaultConfigFileIfNone(rootDir string) error {
	configFilePath := filepath.Join(rootDir, defaultConfigFilePath)
	if !tmos.FileExists(configFilePath) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/chainsync/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.chainsync" by default, but could be changed via $CSHOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# A custom human readable name for this node
moniker = "{{ .BaseConfig.Moniker }}"

# Database backend: goleveldb | memdb
db-backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db-dir = "{{ js .BaseConfig.DBPath }}"

# Output level for logging: debug | info | warn | error
log-level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log-format = "{{ .BaseConfig.LogFormat }}"

# Path to the JSON file describing the genesis block
genesis-file = "{{ js .BaseConfig.Genesis }}"

# Path to the file holding the node ID, created on first start
node-id-file = "{{ js .BaseConfig.NodeID }}"

#######################################################################
###                 Advanced Configuration Options                  ###
#######################################################################

#######################################################
###           P2P Configuration Options             ###
#######################################################
[p2p]

# Address to listen for incoming connections
laddr = "{{ .P2P.ListenAddress }}"

# Comma separated list of host:port pairs of nodes to keep persistent
# connections to
persistent-peers = "{{ .P2P.PersistentPeers }}"

# Time to wait before dialing a persistent peer again
persistent-peers-redial-interval = "{{ .P2P.PersistentPeersRedial }}"

# Maximum number of connected peers
max-connections = {{ .P2P.MaxConnections }}

# Maximum number of simultaneous incoming connections, 0 means unlimited
max-incoming-connections = {{ .P2P.MaxIncomingConnections }}

# Peer connection configuration.
handshake-timeout = "{{ .P2P.HandshakeTimeout }}"
dial-timeout = "{{ .P2P.DialTimeout }}"
send-timeout = "{{ .P2P.SendTimeout }}"

# Outbound messages buffered per peer
queue-size = {{ .P2P.QueueSize }}

# Maximum size of a received message, in bytes
max-message-size = {{ .P2P.MaxMessageSize }}

#######################################################
###          Block Sync Configuration Options       ###
#######################################################
[sync]

# Headers per request, at most 512
header-batch = {{ .Sync.HeaderBatch }}

# Bodies per request, at most 256
body-batch = {{ .Sync.BodyBatch }}

# How far past the local head headers are scheduled
max-ahead = {{ .Sync.MaxAhead }}

# Bound of the common ancestor search
max-ancestor-depth = {{ .Sync.MaxAncestorDepth }}

# Blocks waiting for import before body downloads pause
max-staged = {{ .Sync.MaxStaged }}

# Headers waiting for bodies before header downloads pause
body-backlog = {{ .Sync.BodyBacklog }}

# Announced blocks closer than this to the head are fetched directly
announce-distance = {{ .Sync.AnnounceDistance }}

# Pace of request expiry and import retries
tick-interval = "{{ .Sync.TickInterval }}"

# Soft bound of the event queue
event-buffer = {{ .Sync.EventBuffer }}

# Time a peer has to answer a request
request-timeout = "{{ .Sync.RequestTimeout }}"

# Requests allowed in flight per peer
max-inflight-per-peer = {{ .Sync.MaxInflightPerPeer }}

#######################################################
###         Import Queue Configuration Options      ###
#######################################################
[queue]

# Staged blocks before pushes are refused, orphans excluded
max-size = {{ .Queue.MaxSize }}

# Orphans kept waiting for their parent; the oldest is evicted
max-orphans = {{ .Queue.MaxOrphans }}

# How far a block timestamp may run ahead of the local clock
max-future-drift = "{{ .Queue.MaxFutureDrift }}"

# Capacity of the known-bad set
known-bad-size = {{ .Queue.KnownBadSize }}

#######################################################
###             Chain Configuration Options         ###
#######################################################
[chain]

# Depth below the head at which branches are pruned and reorgs refused
retention-depth = {{ .Chain.RetentionDepth }}

# Seal verification: pow | signer | none
seal-engine = "{{ .Chain.SealEngine }}"

# Hex encoded compressed public keys of authorised signers
signers = [{{ range $i, $s := .Chain.Signers }}{{ if $i }}, {{ end }}"{{ $s }}"{{ end }}]

#######################################################
###             Peers Configuration Options         ###
#######################################################
[peers]

# Peers tracked by the sync state machine
max-peers = {{ .Peers.MaxPeers }}

# A peer is banned once its score drops to -ban-score. An invalid block
# costs 20, a timeout 2.
ban-score = {{ .Peers.BanScore }}
ban-duration = "{{ .Peers.BanDuration }}"
decay-half-life = "{{ .Peers.DecayHalfLife }}"

# Where bans are persisted. Empty keeps bans in memory only.
ban-book = "{{ js .Peers.BanBook }}"

#######################################################
###       Instrumentation Configuration Options     ###
#######################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus-listen-addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Maximum number of simultaneous connections.
# If you want to accept a larger number than the default, make sure
# you increase your OS limits.
# 0 - unlimited.
max-open-connections = {{ .Instrumentation.MaxOpenConnections }}

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"

#######################################################
###          Event Sink Configuration Options       ###
#######################################################
[event-sink]

# Where head changes are recorded: null | psql
type = "{{ .EventSink.Type }}"

# PostgreSQL connection string, used by the psql sink
psql-conn = "{{ js .EventSink.PsqlConn }}"
`

/****** these are for test settings ***********/

// ResetTestRoot creates a fresh home directory under dir holding the default
// config file and a test genesis, and returns a test config rooted there.
func ResetTestRoot(dir, testName string) (*Config, error) {
	// create a unique, concurrency-safe test directory under os.TempDir()
	rootDir, err := os.MkdirTemp(dir, testName+"_")
	if err != nil {
		return nil, err
	}
	// ensure config and data subdirs are created
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultConfigDir), defaultDirPerm); err != nil {
		return nil, err
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultDataDir), defaultDirPerm); err != nil {
		return nil, err
	}

	// Write default config file if missing.
	if err := writeDefaultConfigFileIfNone(rootDir); err != nil {
		return nil, err
	}

	conf := TestConfig().SetRoot(rootDir)
	if !tmos.FileExists(conf.GenesisFile()) {
		if err := writeFile(conf.GenesisFile(), []byte(fmt.Sprintf(testGenesisFmt, testName)), 0644); err != nil {
			return nil, err
		}
	}
	conf.Instrumentation.Namespace = strings.ReplaceAll(testName, "-", "_")
	return conf, nil
}

func writeFile(filePath string, contents []byte, mode os.FileMode) error {
	if err := os.WriteFile(filePath, contents, mode); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

const testGenesisFmt = `{
  "genesis_time": "2020-09-13T12:26:40Z",
  "chain_id": "%s",
  "difficulty": 1
}`
