// Package importqueue stages downloaded blocks between validation and the
// single writer that commits them. Blocks are released parent first.
package importqueue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/internal/seal"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"
)

// Status of a block as far as the queue knows.
type Status int

const (
	StatusUnknown Status = iota
	StatusQueued
	StatusOrphaned
	StatusBad
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusOrphaned:
		return "orphaned"
	case StatusBad:
		return "bad"
	default:
		return "unknown"
	}
}

// ChainReader reports whether a block is committed, on any branch.
type ChainReader interface {
	HasBlock(hash types.Hash) bool
}

// Config bounds the queue.
type Config struct {
	// MaxSize is the high-water mark for staged blocks, orphans excluded.
	MaxSize int
	// MaxOrphans bounds the orphan area; the oldest orphan is evicted first.
	MaxOrphans int
	// MaxFutureDrift is how far a block timestamp may run ahead of the local
	// clock.
	MaxFutureDrift time.Duration
	// KnownBadSize is the capacity of the known-bad set.
	KnownBadSize int
}

// DefaultConfig returns the defaults used by the node.
func DefaultConfig() Config {
	return Config{
		MaxSize:        4096,
		MaxOrphans:     512,
		MaxFutureDrift: 15 * time.Second,
		KnownBadSize:   8192,
	}
}

// DefaultDrainBatch is the number of blocks committed per drain.
const DefaultDrainBatch = 128

// Entry is a staged block and the peer it came from.
type Entry struct {
	Block  *types.Block
	Origin peerset.ID
	Status Status

	hash    types.Hash
	seq     uint64
	ready   bool
	removed bool
	index   int
}

// Hash returns the block hash.
func (e *Entry) Hash() types.Hash { return e.hash }

// Info summarizes the queue.
type Info struct {
	Staged  int
	Ready   int
	Orphans int
	Bad     int
}

// Queue is safe for concurrent use.
type Queue struct {
	logger  log.Logger
	cfg     Config
	chain   ChainReader
	engine  seal.Engine
	metrics *Metrics
	now     func() time.Time

	mtx      sync.Mutex
	seq      uint64
	entries  map[types.Hash]*Entry
	children map[types.Hash][]*Entry
	ready    readyHeap
	orphans  []*Entry
	popped   map[types.Hash]struct{}
	queued   int
	nReady   int
	nOrphans int
	bad      *lru.Cache
}

// New returns an empty queue. engine may be nil to skip seal checks.
func New(logger log.Logger, cfg Config, chain ChainReader, engine seal.Engine, metrics *Metrics, now func() time.Time) (*Queue, error) {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.MaxOrphans <= 0 {
		cfg.MaxOrphans = def.MaxOrphans
	}
	if cfg.MaxFutureDrift <= 0 {
		cfg.MaxFutureDrift = def.MaxFutureDrift
	}
	if cfg.KnownBadSize <= 0 {
		cfg.KnownBadSize = def.KnownBadSize
	}
	if engine == nil {
		engine = seal.NewFaker()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	if now == nil {
		now = time.Now
	}
	bad, err := lru.New(cfg.KnownBadSize)
	if err != nil {
		return nil, err
	}
	return &Queue{
		logger:   logger,
		cfg:      cfg,
		chain:    chain,
		engine:   engine,
		metrics:  metrics,
		now:      now,
		entries:  make(map[types.Hash]*Entry),
		children: make(map[types.Hash][]*Entry),
		popped:   make(map[types.Hash]struct{}),
		bad:      bad,
	}, nil
}

// Push verifies block and stages it. Blocks already queued or committed
// are ignored.
func (q *Queue) Push(block *types.Block, origin peerset.ID) error {
	if block == nil || block.Header == nil {
		return &VerificationError{Err: errNilBlock}
	}
	hash := block.Hash()
	parent := block.ParentHash()

	q.mtx.Lock()
	defer q.mtx.Unlock()

	if _, ok := q.entries[hash]; ok {
		return nil
	}
	if _, ok := q.popped[hash]; ok {
		return nil
	}
	if q.bad.Contains(hash) {
		q.metrics.Rejected.With("reason", "known_bad").Add(1)
		return ErrKnownBad
	}
	if q.chain.HasBlock(hash) {
		return nil
	}
	if q.bad.Contains(parent) {
		q.bad.Add(hash, struct{}{})
		q.metrics.Rejected.With("reason", "known_bad").Add(1)
		return ErrKnownBad
	}
	if err := q.verify(block); err != nil {
		q.metrics.Rejected.With("reason", "verification").Add(1)
		return &VerificationError{Hash: hash, Number: block.Number(), Err: err}
	}

	_, parentPopped := q.popped[parent]
	parentReady := parentPopped || q.chain.HasBlock(parent)
	_, parentStaged := q.entries[parent]
	orphan := !parentReady && !parentStaged

	if !orphan && q.queued >= q.cfg.MaxSize {
		q.metrics.Rejected.With("reason", "full").Add(1)
		return ErrQueueFull
	}

	q.seq++
	e := &Entry{Block: block, Origin: origin, hash: hash, seq: q.seq, Status: StatusQueued}
	q.entries[hash] = e
	q.children[parent] = append(q.children[parent], e)

	switch {
	case parentReady:
		q.queued++
		q.markReady(e)
	case parentStaged:
		q.queued++
	default:
		e.Status = StatusOrphaned
		q.nOrphans++
		q.orphans = append(q.orphans, e)
	}

	// orphans waiting for this block join the queue proper
	for _, c := range q.children[hash] {
		if c.Status == StatusOrphaned {
			q.adopt(c)
		}
	}

	q.evictOrphans()
	q.updateMetrics()
	return nil
}

func (q *Queue) verify(block *types.Block) error {
	if block.Number() == 0 {
		return errors.New("genesis cannot be imported")
	}
	if err := block.ValidateBasic(); err != nil {
		return err
	}
	if err := q.engine.VerifySeal(block.Header); err != nil {
		return err
	}
	limit := q.now().Add(q.cfg.MaxFutureDrift)
	if block.Header.Time > uint64(limit.Unix()) {
		return errFutureBlock
	}
	return nil
}

// adopt moves an orphan into the queue proper. A full queue leaves it
// orphaned until a later release or drain makes room.
func (q *Queue) adopt(e *Entry) bool {
	if q.queued >= q.cfg.MaxSize {
		return false
	}
	e.Status = StatusQueued
	q.nOrphans--
	q.queued++
	return true
}

func (q *Queue) markReady(e *Entry) {
	e.ready = true
	q.nReady++
	heap.Push(&q.ready, e)
}

func (q *Queue) evictOrphans() {
	for q.nOrphans > q.cfg.MaxOrphans && len(q.orphans) > 0 {
		oldest := q.orphans[0]
		q.orphans = q.orphans[1:]
		if oldest.removed || oldest.Status != StatusOrphaned {
			continue
		}
		n := q.removeTree(oldest.hash, false)
		q.metrics.EvictedOrphans.Add(float64(len(n)))
		q.logger.Debug("evicted orphan", "hash", oldest.hash, "number", oldest.Block.Number(), "dropped", len(n))
	}
}

// PopReady releases the next block whose parent is committed or was
// released earlier in the current drain.
func (q *Queue) PopReady() (*Entry, bool) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	e, ok := q.popLocked()
	q.updateMetrics()
	return e, ok
}

// Drain starts a new drain and releases up to max ready blocks, parents
// before children. The caller commits them in order.
func (q *Queue) Drain(max int) []*Entry {
	if max <= 0 {
		max = DefaultDrainBatch
	}
	q.mtx.Lock()
	defer q.mtx.Unlock()

	q.popped = make(map[types.Hash]struct{})
	q.recheckOrphans()

	var out []*Entry
	for len(out) < max {
		e, ok := q.popLocked()
		if !ok {
			break
		}
		out = append(out, e)
	}
	q.updateMetrics()
	return out
}

func (q *Queue) popLocked() (*Entry, bool) {
	for q.ready.Len() > 0 {
		e := heap.Pop(&q.ready).(*Entry)
		if e.removed {
			continue
		}
		q.nReady--
		q.queued--
		e.ready = false
		e.removed = true
		delete(q.entries, e.hash)
		q.unlinkChild(e)
		q.popped[e.hash] = struct{}{}

		for _, c := range q.children[e.hash] {
			if c.Status == StatusOrphaned && !q.adopt(c) {
				continue
			}
			if !c.ready && c.Status == StatusQueued {
				q.markReady(c)
			}
		}
		return e, true
	}
	return nil, false
}

// recheckOrphans promotes orphans whose parent was committed by other means.
func (q *Queue) recheckOrphans() {
	kept := q.orphans[:0]
	for _, e := range q.orphans {
		if e.removed || e.Status != StatusOrphaned {
			continue
		}
		if q.chain.HasBlock(e.Block.ParentHash()) && q.adopt(e) {
			q.markReady(e)
			continue
		}
		kept = append(kept, e)
	}
	q.orphans = kept
}

// MarkBad discards hash and every staged descendant and remembers them as
// bad. The discarded entries are returned so their origins can be
// penalized.
func (q *Queue) MarkBad(hash types.Hash) []*Entry {
	q.mtx.Lock()
	defer q.mtx.Unlock()

	out := q.removeTree(hash, true)
	q.updateMetrics()
	return out
}

// removeTree drops hash, if staged, and all of its staged descendants.
func (q *Queue) removeTree(hash types.Hash, bad bool) []*Entry {
	var out []*Entry
	stack := []types.Hash{hash}
	if bad {
		q.bad.Add(hash, struct{}{})
		delete(q.popped, hash)
	}
	if e, ok := q.entries[hash]; ok {
		q.removeEntry(e)
		out = append(out, e)
	}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		kids := q.children[h]
		delete(q.children, h)
		for _, c := range kids {
			if c.removed {
				continue
			}
			q.removeEntry(c)
			if bad {
				q.bad.Add(c.hash, struct{}{})
			}
			out = append(out, c)
			stack = append(stack, c.hash)
		}
	}
	return out
}

func (q *Queue) removeEntry(e *Entry) {
	e.removed = true
	delete(q.entries, e.hash)
	q.unlinkChild(e)
	if e.ready {
		e.ready = false
		q.nReady--
	}
	if e.Status == StatusOrphaned {
		q.nOrphans--
	} else {
		q.queued--
	}
}

func (q *Queue) unlinkChild(e *Entry) {
	parent := e.Block.ParentHash()
	kids := q.children[parent]
	for i, c := range kids {
		if c == e {
			kids = append(kids[:i], kids[i+1:]...)
			break
		}
	}
	if len(kids) == 0 {
		delete(q.children, parent)
	} else {
		q.children[parent] = kids
	}
}

// Status reports what the queue knows about hash.
func (q *Queue) Status(hash types.Hash) Status {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if e, ok := q.entries[hash]; ok {
		return e.Status
	}
	if q.bad.Contains(hash) {
		return StatusBad
	}
	return StatusUnknown
}

// IsBad reports whether hash is in the known-bad set.
func (q *Queue) IsBad(hash types.Hash) bool {
	return q.bad.Contains(hash)
}

// Full reports whether the high-water mark was reached.
func (q *Queue) Full() bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return q.queued >= q.cfg.MaxSize
}

// Info returns queue counters.
func (q *Queue) Info() Info {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return Info{Staged: q.queued, Ready: q.nReady, Orphans: q.nOrphans, Bad: q.bad.Len()}
}

// Clear drops every staged block. The known-bad set is kept.
func (q *Queue) Clear() {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.entries = make(map[types.Hash]*Entry)
	q.children = make(map[types.Hash][]*Entry)
	q.popped = make(map[types.Hash]struct{})
	q.ready = nil
	q.orphans = nil
	q.queued, q.nReady, q.nOrphans = 0, 0, 0
	q.updateMetrics()
}

func (q *Queue) updateMetrics() {
	q.metrics.Size.Set(float64(q.queued))
	q.metrics.Orphans.Set(float64(q.nOrphans))
}

// readyHeap orders ready entries by number, then arrival.
type readyHeap []*Entry

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Block.Number() != b.Block.Number() {
		return a.Block.Number() < b.Block.Number()
	}
	return a.seq < b.seq
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x interface{}) {
	e := x.(*Entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
