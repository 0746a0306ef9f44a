// Package chain owns the canonical chain. It commits blocks to the store,
// keeps the registry of competing branch tips and switches the head to the
// heaviest valid branch.
//
// Commits must come from a single goroutine. Reads are safe from any
// goroutine: they go through the store and an immutable head snapshot.
package chain

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/holiman/uint256"

	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// DefaultRetentionDepth is how far below the head competing branches are
// kept and reorgs are allowed.
const DefaultRetentionDepth = 1000

const badCacheSize = 4096

var (
	ErrUnknownParent   = errors.New("unknown parent")
	ErrReorgTooDeep    = errors.New("reorg deeper than the retention depth")
	ErrGenesisMismatch = errors.New("stored genesis does not match")
	ErrKnownBad        = errors.New("block is known to be bad")
	ErrUnknownBlock    = errors.New("unknown block")
)

// InvalidBlockError reports a block that failed validation against its
// parent or its state transition.
type InvalidBlockError struct {
	Hash   types.Hash
	Number uint64
	Err    error
}

func (e *InvalidBlockError) Error() string {
	return fmt.Sprintf("invalid block #%d %v: %v", e.Number, e.Hash.Short(), e.Err)
}

func (e *InvalidBlockError) Unwrap() error { return e.Err }

// BlockStatus is where a block stands relative to the chain.
type BlockStatus int

const (
	StatusUnknown BlockStatus = iota
	StatusInChain
	StatusSideChain
	StatusBad
)

func (s BlockStatus) String() string {
	switch s {
	case StatusInChain:
		return "in-chain"
	case StatusSideChain:
		return "side-chain"
	case StatusBad:
		return "bad"
	default:
		return "unknown"
	}
}

// Config configures a Chain.
type Config struct {
	RetentionDepth uint64
}

// DefaultConfig returns the defaults used by the node.
func DefaultConfig() Config {
	return Config{RetentionDepth: DefaultRetentionDepth}
}

// Info describes the canonical chain.
type Info struct {
	GenesisHash types.Hash
	BestHash    types.Hash
	BestNumber  uint64
	TotalWeight *uint256.Int
	Tips        int
}

// Chain is the single writer of canonical state.
type Chain struct {
	logger    log.Logger
	cfg       Config
	store     *store.BlockStore
	exec      Executor
	announcer Announcer
	metrics   *Metrics

	genesis *store.BlockMeta

	headMtx sync.RWMutex
	head    *store.BlockMeta
	nTips   int

	// only touched by the committing goroutine
	tips    map[types.Hash]*store.BlockMeta
	origins map[types.Hash]peerset.ID
	bad     *lru.Cache
}

// Option sets optional parameters of a Chain.
type Option func(*Chain)

// WithAnnouncer sets the receiver of new head announcements.
func WithAnnouncer(a Announcer) Option {
	return func(c *Chain) { c.announcer = a }
}

// WithMetrics sets the metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Chain) { c.metrics = m }
}

// New opens the chain kept in bs. An empty store is initialised with
// genesis; otherwise the stored genesis must match and the last committed
// head is restored.
func New(logger log.Logger, cfg Config, bs *store.BlockStore, genesis *types.Block, exec Executor, opts ...Option) (*Chain, error) {
	if cfg.RetentionDepth == 0 {
		cfg.RetentionDepth = DefaultRetentionDepth
	}
	if exec == nil {
		exec = NopExecutor{}
	}
	bad, err := lru.New(badCacheSize)
	if err != nil {
		return nil, err
	}
	c := &Chain{
		logger:  logger,
		cfg:     cfg,
		store:   bs,
		exec:    exec,
		metrics: NopMetrics(),
		tips:    make(map[types.Hash]*store.BlockMeta),
		origins: make(map[types.Hash]peerset.ID),
		bad:     bad,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.load(genesis); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Chain) load(genesis *types.Block) error {
	genHash := genesis.Hash()

	headHash, ok := c.store.Head()
	if !ok {
		meta := &store.BlockMeta{
			Hash:        genHash,
			Header:      genesis.Header,
			TotalWeight: genesis.Header.Weight(),
			NumTxs:      uint64(len(genesis.Txs)),
		}
		batch := c.store.NewBatch()
		batch.SaveBlock(genesis, meta)
		batch.SetCanonical(0, genHash)
		batch.SetHead(genHash)
		if err := batch.Write(); err != nil {
			return err
		}
		c.genesis, c.head = meta, meta
		c.logger.Info("initialised chain with genesis", "hash", genHash)
		return nil
	}

	stored, ok := c.store.CanonicalHash(0)
	if !ok || stored != genHash {
		return fmt.Errorf("%w: have %v, want %v", ErrGenesisMismatch, stored, genHash)
	}
	c.genesis = c.store.LoadBlockMeta(genHash)
	c.head = c.store.LoadBlockMeta(headHash)
	if c.head == nil {
		return fmt.Errorf("head %v is not stored", headHash)
	}
	for _, tip := range c.store.Tips() {
		if meta := c.store.LoadBlockMeta(tip); meta != nil {
			c.tips[tip] = meta
		}
	}
	c.syncTips()
	c.metrics.Height.Set(float64(c.head.Number()))
	c.logger.Info("restored chain", "head", c.head.Number(), "hash", headHash, "tips", len(c.tips))
	return nil
}

// Head returns the canonical head.
func (c *Chain) Head() *store.BlockMeta {
	c.headMtx.RLock()
	defer c.headMtx.RUnlock()
	return c.head
}

func (c *Chain) setHead(meta *store.BlockMeta) {
	c.headMtx.Lock()
	c.head = meta
	c.headMtx.Unlock()
	c.metrics.Height.Set(float64(meta.Number()))
}

func (c *Chain) syncTips() {
	c.headMtx.Lock()
	c.nTips = len(c.tips)
	c.headMtx.Unlock()
	c.metrics.Tips.Set(float64(len(c.tips)))
}

// Genesis returns the genesis block meta.
func (c *Chain) Genesis() *store.BlockMeta { return c.genesis }

// HasBlock reports whether hash is stored on any branch.
func (c *Chain) HasBlock(hash types.Hash) bool { return c.store.HasBlock(hash) }

// CanonicalHash returns the canonical hash at number.
func (c *Chain) CanonicalHash(number uint64) (types.Hash, bool) {
	if number > c.Head().Number() {
		return types.Hash{}, false
	}
	return c.store.CanonicalHash(number)
}

// BlockMeta returns the meta of a stored block.
func (c *Chain) BlockMeta(hash types.Hash) *store.BlockMeta { return c.store.LoadBlockMeta(hash) }

// Block returns a stored block.
func (c *Chain) Block(hash types.Hash) *types.Block { return c.store.LoadBlock(hash) }

// HeaderByNumber returns the canonical header at number.
func (c *Chain) HeaderByNumber(number uint64) *types.BlockHeader {
	hash, ok := c.CanonicalHash(number)
	if !ok {
		return nil
	}
	return c.store.LoadHeader(hash)
}

// Status reports where hash stands.
func (c *Chain) Status(hash types.Hash) BlockStatus {
	if c.bad.Contains(hash) {
		return StatusBad
	}
	meta := c.store.LoadBlockMeta(hash)
	if meta == nil {
		return StatusUnknown
	}
	if canon, ok := c.CanonicalHash(meta.Number()); ok && canon == hash {
		return StatusInChain
	}
	return StatusSideChain
}

// IsBad reports whether hash was discarded as invalid.
func (c *Chain) IsBad(hash types.Hash) bool { return c.bad.Contains(hash) }

// Info describes the canonical chain.
func (c *Chain) Info() Info {
	c.headMtx.RLock()
	head, tips := c.head, c.nTips
	c.headMtx.RUnlock()
	return Info{
		GenesisHash: c.genesis.Hash,
		BestHash:    head.Hash,
		BestNumber:  head.Number(),
		TotalWeight: new(uint256.Int).Set(head.TotalWeight),
		Tips:        tips,
	}
}
