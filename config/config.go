package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tendermint/chainsync/libs/log"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"

	// SealEngineNone accepts every seal. Test networks only.
	SealEngineNone   = "none"
	SealEnginePoW    = "pow"
	SealEngineSigner = "signer"

	EventSinkNull = "null"
	EventSinkPSQL = "psql"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultChainsyncDir = ".chainsync"
	defaultConfigDir    = "config"
	defaultDataDir      = "data"

	defaultConfigFileName  = "config.toml"
	defaultGenesisJSONName = "genesis.json"
	defaultNodeIDName      = "node_id"
	defaultBanBookName     = "banbook.db"

	defaultConfigFilePath  = filepath.Join(defaultConfigDir, defaultConfigFileName)
	defaultGenesisJSONPath = filepath.Join(defaultConfigDir, defaultGenesisJSONName)
	defaultNodeIDPath      = filepath.Join(defaultConfigDir, defaultNodeIDName)
	defaultBanBookPath     = filepath.Join(defaultDataDir, defaultBanBookName)
)

// Config defines the top level configuration for a chainsync node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	P2P             *P2PConfig             `mapstructure:"p2p"`
	Sync            *SyncConfig            `mapstructure:"sync"`
	Queue           *QueueConfig           `mapstructure:"queue"`
	Chain           *ChainConfig           `mapstructure:"chain"`
	Peers           *PeersConfig           `mapstructure:"peers"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
	EventSink       *EventSinkConfig       `mapstructure:"event-sink"`
}

// DefaultConfig returns a default configuration for a chainsync node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		P2P:             DefaultP2PConfig(),
		Sync:            DefaultSyncConfig(),
		Queue:           DefaultQueueConfig(),
		Chain:           DefaultChainConfig(),
		Peers:           DefaultPeersConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
		EventSink:       DefaultEventSinkConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		P2P:             TestP2PConfig(),
		Sync:            TestSyncConfig(),
		Queue:           DefaultQueueConfig(),
		Chain:           TestChainConfig(),
		Peers:           DefaultPeersConfig(),
		Instrumentation: TestInstrumentationConfig(),
		EventSink:       DefaultEventSinkConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	cfg.P2P.RootDir = root
	cfg.Peers.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.P2P.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [p2p] section: %w", err)
	}
	if err := cfg.Sync.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [sync] section: %w", err)
	}
	if err := cfg.Queue.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [queue] section: %w", err)
	}
	if err := cfg.Chain.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [chain] section: %w", err)
	}
	if err := cfg.Peers.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [peers] section: %w", err)
	}
	if err := cfg.Instrumentation.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [instrumentation] section: %w", err)
	}
	if err := cfg.EventSink.ValidateBasic(); err != nil {
		return fmt.Errorf("error in [event-sink] section: %w", err)
	}
	return nil
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a chainsync node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// A custom human readable name for this node
	Moniker string `mapstructure:"moniker"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`

	// Path to the JSON file describing the genesis block
	Genesis string `mapstructure:"genesis-file"`

	// Path to the file holding the node ID
	NodeID string `mapstructure:"node-id-file"`
}

// DefaultBaseConfig returns a default base configuration for a chainsync node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		Genesis:   defaultGenesisJSONPath,
		NodeID:    defaultNodeIDPath,
		Moniker:   defaultMoniker,
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a chainsync node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = "memdb"
	return cfg
}

// GenesisFile returns the full path to the genesis.json file
func (cfg BaseConfig) GenesisFile() string {
	return rootify(cfg.Genesis, cfg.RootDir)
}

// NodeIDFile returns the full path to the node_id file
func (cfg BaseConfig) NodeIDFile() string {
	return rootify(cfg.NodeID, cfg.RootDir)
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log format (must be 'plain' or 'json')")
	}
	switch cfg.LogLevel {
	case log.LogLevelDebug, log.LogLevelInfo, log.LogLevelWarn, log.LogLevelError:
	default:
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("unsupported db backend %q", cfg.DBBackend)
	}
	return nil
}

// DefaultLogLevel is the log level of a fresh node.
const DefaultLogLevel = log.LogLevelInfo

//-----------------------------------------------------------------------------
// P2PConfig

// P2PConfig defines the configuration options for the peer-to-peer networking layer
type P2PConfig struct { //nolint: maligned
	RootDir string `mapstructure:"home"`

	// Address to listen for incoming connections
	ListenAddress string `mapstructure:"laddr"`

	// Comma separated list of host:port pairs of nodes to keep persistent
	// connections to
	PersistentPeers string `mapstructure:"persistent-peers"`

	// Time to wait before dialing a persistent peer again
	PersistentPeersRedial time.Duration `mapstructure:"persistent-peers-redial-interval"`

	// Maximum number of connected peers
	MaxConnections int `mapstructure:"max-connections"`

	// Maximum number of simultaneous incoming connections, 0 means unlimited
	MaxIncomingConnections int `mapstructure:"max-incoming-connections"`

	// Peer connection configuration.
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`
	DialTimeout      time.Duration `mapstructure:"dial-timeout"`
	SendTimeout      time.Duration `mapstructure:"send-timeout"`

	// Outbound messages buffered per peer
	QueueSize int `mapstructure:"queue-size"`

	// Maximum size of a received message
	MaxMessageSize int `mapstructure:"max-message-size"`
}

// DefaultP2PConfig returns a default configuration for the peer-to-peer layer
func DefaultP2PConfig() *P2PConfig {
	return &P2PConfig{
		ListenAddress:          "0.0.0.0:30313",
		PersistentPeersRedial:  5 * time.Second,
		MaxConnections:         64,
		MaxIncomingConnections: 100,
		HandshakeTimeout:       3 * time.Second,
		DialTimeout:            3 * time.Second,
		SendTimeout:            10 * time.Second,
		QueueSize:              256,
		MaxMessageSize:         16 * 1024 * 1024,
	}
}

// TestP2PConfig returns a configuration for testing the peer-to-peer layer
func TestP2PConfig() *P2PConfig {
	cfg := DefaultP2PConfig()
	cfg.ListenAddress = "127.0.0.1:0"
	cfg.PersistentPeersRedial = 100 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	cfg.DialTimeout = time.Second
	return cfg
}

// PersistentPeerList splits PersistentPeers on commas, dropping empty
// entries.
func (cfg *P2PConfig) PersistentPeerList() []string {
	return splitAndTrimEmpty(cfg.PersistentPeers, ",", " ")
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *P2PConfig) ValidateBasic() error {
	if cfg.ListenAddress != "" {
		if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
			return fmt.Errorf("invalid laddr: %w", err)
		}
	}
	for _, addr := range cfg.PersistentPeerList() {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid persistent peer %q: %w", addr, err)
		}
	}
	if cfg.PersistentPeersRedial <= 0 {
		return errors.New("persistent-peers-redial-interval must be positive")
	}
	if cfg.MaxConnections < 0 {
		return errors.New("max-connections can't be negative")
	}
	if cfg.MaxIncomingConnections < 0 {
		return errors.New("max-incoming-connections can't be negative")
	}
	if cfg.HandshakeTimeout < 0 {
		return errors.New("handshake-timeout can't be negative")
	}
	if cfg.DialTimeout < 0 {
		return errors.New("dial-timeout can't be negative")
	}
	if cfg.SendTimeout < 0 {
		return errors.New("send-timeout can't be negative")
	}
	if cfg.QueueSize <= 0 {
		return errors.New("queue-size must be positive")
	}
	if cfg.MaxMessageSize <= 0 {
		return errors.New("max-message-size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// SyncConfig

// SyncConfig tunes block download and the sync state machine.
type SyncConfig struct {
	// Headers per request, at most 512
	HeaderBatch uint64 `mapstructure:"header-batch"`
	// Bodies per request, at most 256
	BodyBatch int `mapstructure:"body-batch"`
	// How far past the local head headers are scheduled
	MaxAhead uint64 `mapstructure:"max-ahead"`
	// Bound of the common ancestor search
	MaxAncestorDepth uint64 `mapstructure:"max-ancestor-depth"`
	// Blocks waiting for import before body downloads pause
	MaxStaged int `mapstructure:"max-staged"`
	// Headers waiting for bodies before header downloads pause
	BodyBacklog int `mapstructure:"body-backlog"`
	// Announced blocks closer than this to the head are fetched directly
	AnnounceDistance uint64 `mapstructure:"announce-distance"`
	// Pace of request expiry and import retries
	TickInterval time.Duration `mapstructure:"tick-interval"`
	// Soft bound of the event queue
	EventBuffer int `mapstructure:"event-buffer"`
	// Time a peer has to answer a request
	RequestTimeout time.Duration `mapstructure:"request-timeout"`
	// Requests allowed in flight per peer
	MaxInflightPerPeer int `mapstructure:"max-inflight-per-peer"`
}

// DefaultSyncConfig returns a default configuration for block sync
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		HeaderBatch:        192,
		BodyBatch:          128,
		MaxAhead:           20000,
		MaxAncestorDepth:   1000,
		MaxStaged:          2048,
		BodyBacklog:        8192,
		AnnounceDistance:   32,
		TickInterval:       500 * time.Millisecond,
		EventBuffer:        1024,
		RequestTimeout:     10 * time.Second,
		MaxInflightPerPeer: 4,
	}
}

// TestSyncConfig returns a configuration for testing block sync
func TestSyncConfig() *SyncConfig {
	cfg := DefaultSyncConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.RequestTimeout = time.Second
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *SyncConfig) ValidateBasic() error {
	if cfg.HeaderBatch == 0 || cfg.HeaderBatch > 512 {
		return errors.New("header-batch must be in [1, 512]")
	}
	if cfg.BodyBatch <= 0 || cfg.BodyBatch > 256 {
		return errors.New("body-batch must be in [1, 256]")
	}
	if cfg.MaxAhead < cfg.HeaderBatch {
		return errors.New("max-ahead can't be smaller than header-batch")
	}
	if cfg.MaxAncestorDepth == 0 {
		return errors.New("max-ancestor-depth can't be zero")
	}
	if cfg.MaxStaged <= 0 {
		return errors.New("max-staged must be positive")
	}
	if cfg.BodyBacklog <= 0 {
		return errors.New("body-backlog must be positive")
	}
	if cfg.TickInterval <= 0 {
		return errors.New("tick-interval must be positive")
	}
	if cfg.EventBuffer <= 0 {
		return errors.New("event-buffer must be positive")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request-timeout must be positive")
	}
	if cfg.MaxInflightPerPeer <= 0 {
		return errors.New("max-inflight-per-peer must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// QueueConfig

// QueueConfig bounds the import queue.
type QueueConfig struct {
	// Staged blocks before pushes are refused, orphans excluded
	MaxSize int `mapstructure:"max-size"`
	// Orphans kept waiting for their parent; the oldest is evicted
	MaxOrphans int `mapstructure:"max-orphans"`
	// How far a block timestamp may run ahead of the local clock
	MaxFutureDrift time.Duration `mapstructure:"max-future-drift"`
	// Capacity of the known-bad set
	KnownBadSize int `mapstructure:"known-bad-size"`
}

// DefaultQueueConfig returns a default configuration for the import queue
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		MaxSize:        4096,
		MaxOrphans:     512,
		MaxFutureDrift: 15 * time.Second,
		KnownBadSize:   8192,
	}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *QueueConfig) ValidateBasic() error {
	if cfg.MaxSize <= 0 {
		return errors.New("max-size must be positive")
	}
	if cfg.MaxOrphans <= 0 {
		return errors.New("max-orphans must be positive")
	}
	if cfg.MaxFutureDrift < 0 {
		return errors.New("max-future-drift can't be negative")
	}
	if cfg.KnownBadSize <= 0 {
		return errors.New("known-bad-size must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// ChainConfig

// ChainConfig configures the chain store and block validation.
type ChainConfig struct {
	// Depth below the head at which branches are pruned and reorgs refused
	RetentionDepth uint64 `mapstructure:"retention-depth"`

	// Seal verification: pow | signer | none
	SealEngine string `mapstructure:"seal-engine"`

	// Hex encoded compressed public keys of authorised signers, used by the
	// signer engine
	Signers []string `mapstructure:"signers"`
}

// DefaultChainConfig returns a default configuration for the chain
func DefaultChainConfig() *ChainConfig {
	return &ChainConfig{
		RetentionDepth: 1000,
		SealEngine:     SealEnginePoW,
	}
}

// TestChainConfig returns a configuration for testing the chain
func TestChainConfig() *ChainConfig {
	cfg := DefaultChainConfig()
	cfg.SealEngine = SealEngineNone
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *ChainConfig) ValidateBasic() error {
	if cfg.RetentionDepth == 0 {
		return errors.New("retention-depth can't be zero")
	}
	switch cfg.SealEngine {
	case SealEnginePoW, SealEngineNone:
	case SealEngineSigner:
		if len(cfg.Signers) == 0 {
			return errors.New("signer engine needs at least one signer")
		}
	default:
		return fmt.Errorf("unknown seal-engine %q", cfg.SealEngine)
	}
	return nil
}

//-----------------------------------------------------------------------------
// PeersConfig

// PeersConfig configures peer admission and reputation.
type PeersConfig struct {
	RootDir string `mapstructure:"home"`

	// Peers tracked by the sync state machine
	MaxPeers int `mapstructure:"max-peers"`

	// A peer is banned once its score drops to -ban-score
	BanScore      int           `mapstructure:"ban-score"`
	BanDuration   time.Duration `mapstructure:"ban-duration"`
	DecayHalfLife time.Duration `mapstructure:"decay-half-life"`

	// Where bans are persisted. Empty keeps bans in memory only.
	BanBook string `mapstructure:"ban-book"`
}

// DefaultPeersConfig returns a default configuration for peer management
func DefaultPeersConfig() *PeersConfig {
	return &PeersConfig{
		MaxPeers:      50,
		BanScore:      50,
		BanDuration:   15 * time.Minute,
		DecayHalfLife: 10 * time.Minute,
		BanBook:       defaultBanBookPath,
	}
}

// BanBookDir returns the full path to the ban book, or "" if bans are not
// persisted.
func (cfg *PeersConfig) BanBookDir() string {
	if cfg.BanBook == "" {
		return ""
	}
	return rootify(cfg.BanBook, cfg.RootDir)
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *PeersConfig) ValidateBasic() error {
	if cfg.MaxPeers < 0 {
		return errors.New("max-peers can't be negative")
	}
	if cfg.BanScore <= 0 {
		return errors.New("ban-score must be positive")
	}
	if cfg.BanDuration <= 0 {
		return errors.New("ban-duration must be positive")
	}
	if cfg.DecayHalfLife <= 0 {
		return errors.New("decay-half-life must be positive")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Maximum number of simultaneous connections.
	// If you want to accept a larger number than the default, make sure
	// you increase your OS limits.
	// 0 - unlimited.
	MaxOpenConnections int `mapstructure:"max-open-connections"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		MaxOpenConnections:   3,
		Namespace:            "chainsync",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max-open-connections can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// EventSinkConfig

// EventSinkConfig selects where head changes are recorded.
type EventSinkConfig struct {
	// null | psql
	Type string `mapstructure:"type"`

	// PostgreSQL connection string, used by the psql sink
	PsqlConn string `mapstructure:"psql-conn"`
}

// DefaultEventSinkConfig returns a sink that records nothing.
func DefaultEventSinkConfig() *EventSinkConfig {
	return &EventSinkConfig{Type: EventSinkNull}
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *EventSinkConfig) ValidateBasic() error {
	switch cfg.Type {
	case EventSinkNull, "":
	case EventSinkPSQL:
		if cfg.PsqlConn == "" {
			return errors.New("psql sink needs psql-conn")
		}
	default:
		return fmt.Errorf("unknown sink type %q", cfg.Type)
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// splitAndTrimEmpty slices s into all subslices separated by sep and returns a
// slice of the string s with all leading and trailing Unicode code points
// contained in cutset removed. Empty strings are dropped.
func splitAndTrimEmpty(s, sep, cutset string) []string {
	if s == "" {
		return []string{}
	}

	spl := strings.Split(s, sep)
	nonEmptyStrings := make([]string, 0, len(spl))
	for i := 0; i < len(spl); i++ {
		element := strings.Trim(spl[i], cutset)
		if element != "" {
			nonEmptyStrings = append(nonEmptyStrings, element)
		}
	}
	return nonEmptyStrings
}

var defaultMoniker = getDefaultMoniker()

// getDefaultMoniker returns a default moniker, which is the host name. If runtime
// fails to get the host name, "anonymous" will be returned.
func getDefaultMoniker() string {
	moniker, err := os.Hostname()
	if err != nil {
		moniker = "anonymous"
	}
	return moniker
}
