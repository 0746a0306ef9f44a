package chain

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/types"
)

var errBranchInvalid = errors.New("branch contains an invalid block")

// Import is a block to commit and the peer that delivered it.
type Import struct {
	Block  *types.Block
	Origin peerset.ID
}

// BadBlock is a block discarded as invalid.
type BadBlock struct {
	Hash   types.Hash
	Number uint64
	Origin peerset.ID
	Err    error
}

// CommitResult is the effect of a single commit.
type CommitResult struct {
	// Duplicate is set when the block was already stored.
	Duplicate bool
	// Imported is set when the block was stored, on any branch.
	Imported bool
	// Removed lists blocks that left the canonical chain, head first.
	Removed []*store.BlockMeta
	// Added lists blocks that joined the canonical chain, ascending.
	Added []*store.BlockMeta
	// Bad lists every block discarded by this commit.
	Bad []BadBlock
}

// Reorg reports whether canonical blocks were retracted.
func (r *CommitResult) Reorg() bool { return len(r.Removed) > 0 }

// Commit stores block and runs fork choice. The parent must be stored. A
// branch replaces the canonical chain only when it is strictly heavier.
//
// When the block or an ancestor on its branch fails validation the
// offending blocks are discarded, listed in the result and an
// *InvalidBlockError is returned. Errors from the store are fatal.
func (c *Chain) Commit(ctx context.Context, block *types.Block, origin peerset.ID) (*CommitResult, error) {
	res := &CommitResult{}
	hash := block.Hash()

	if c.store.HasBlock(hash) {
		res.Duplicate = true
		return res, nil
	}
	if c.bad.Contains(hash) || c.bad.Contains(block.ParentHash()) {
		c.bad.Add(hash, struct{}{})
		return res, fmt.Errorf("%w: #%d %v", ErrKnownBad, block.Number(), hash.Short())
	}
	parent := c.store.LoadBlockMeta(block.ParentHash())
	if parent == nil {
		return res, fmt.Errorf("%w: #%d %v", ErrUnknownParent, block.Number(), block.ParentHash().Short())
	}
	if err := verifyAgainstParent(block.Header, parent.Header); err != nil {
		return res, c.reject(res, hash, block.Number(), origin, err)
	}

	meta := &store.BlockMeta{
		Hash:        hash,
		Header:      block.Header,
		TotalWeight: new(uint256.Int).Add(parent.TotalWeight, block.Header.Weight()),
		NumTxs:      uint64(len(block.Txs)),
	}

	head := c.Head()
	if parent.Hash == head.Hash {
		return res, c.extend(ctx, res, block, meta, parent, origin)
	}
	if block.Number() <= c.floor(head) {
		return res, fmt.Errorf("%w: #%d is below the retained history", ErrReorgTooDeep, block.Number())
	}
	return res, c.side(ctx, res, block, meta, origin)
}

func verifyAgainstParent(h, parent *types.BlockHeader) error {
	if h.Number != parent.Number+1 {
		return fmt.Errorf("number %d does not follow parent %d", h.Number, parent.Number)
	}
	if h.Time <= parent.Time {
		return fmt.Errorf("timestamp %d not after parent timestamp %d", h.Time, parent.Time)
	}
	return nil
}

func (c *Chain) floor(head *store.BlockMeta) uint64 {
	if head.Number() <= c.cfg.RetentionDepth {
		return 0
	}
	return head.Number() - c.cfg.RetentionDepth
}

func (c *Chain) reject(res *CommitResult, hash types.Hash, number uint64, origin peerset.ID, cause error) error {
	c.bad.Add(hash, struct{}{})
	c.metrics.Invalid.Add(1)
	res.Bad = append(res.Bad, BadBlock{Hash: hash, Number: number, Origin: origin, Err: cause})
	c.logger.Info("rejected invalid block", "number", number, "hash", hash, "origin", origin, "err", cause)
	return &InvalidBlockError{Hash: hash, Number: number, Err: cause}
}

func (c *Chain) execute(ctx context.Context, block *types.Block, parentRoot types.Hash) error {
	root, err := c.exec.ValidateStateTransition(ctx, block, parentRoot)
	if err != nil {
		return err
	}
	if root != block.Header.StateRoot {
		return fmt.Errorf("state root mismatch: have %v, want %v", root, block.Header.StateRoot)
	}
	return nil
}

// extend appends block to the canonical head.
func (c *Chain) extend(ctx context.Context, res *CommitResult, block *types.Block, meta, parent *store.BlockMeta, origin peerset.ID) error {
	if err := c.execute(ctx, block, parent.Header.StateRoot); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.reject(res, meta.Hash, meta.Number(), origin, err)
	}

	batch := c.store.NewBatch()
	batch.SaveBlock(block, meta)
	batch.SetCanonical(meta.Number(), meta.Hash)
	batch.SetHead(meta.Hash)
	if err := batch.Write(); err != nil {
		return err
	}

	c.setHead(meta)
	c.metrics.Imported.Add(1)
	res.Imported = true
	res.Added = append(res.Added, meta)
	return c.prune()
}

// side stores block on a non-canonical branch and reorgs if the branch
// became the heaviest.
func (c *Chain) side(ctx context.Context, res *CommitResult, block *types.Block, meta *store.BlockMeta, origin peerset.ID) error {
	parentHash := block.ParentHash()

	batch := c.store.NewBatch()
	batch.SaveBlock(block, meta)
	if _, ok := c.tips[parentHash]; ok {
		batch.DeleteTip(parentHash)
	}
	batch.SetTip(meta.Hash)
	if err := batch.Write(); err != nil {
		return err
	}

	delete(c.tips, parentHash)
	c.tips[meta.Hash] = meta
	c.origins[meta.Hash] = origin
	c.syncTips()
	c.metrics.Imported.Add(1)
	res.Imported = true

	c.logger.Debug("stored side block", "number", meta.Number(), "hash", meta.Hash, "weight", meta.TotalWeight)

	if !meta.TotalWeight.Gt(c.Head().TotalWeight) {
		return nil
	}
	if err := c.forkChoice(ctx, res); err != nil {
		return err
	}
	if c.bad.Contains(meta.Hash) {
		return &InvalidBlockError{Hash: meta.Hash, Number: meta.Number(), Err: errBranchInvalid}
	}
	if !c.store.HasBlock(meta.Hash) {
		return fmt.Errorf("%w: branch of #%d", ErrReorgTooDeep, meta.Number())
	}
	return nil
}

// bestTip returns the heaviest tip heavier than the head. Ties go to the
// lower hash so the choice does not depend on map order.
func (c *Chain) bestTip() *store.BlockMeta {
	var best *store.BlockMeta
	head := c.Head()
	for _, tip := range c.tips {
		if !tip.TotalWeight.Gt(head.TotalWeight) {
			continue
		}
		if best == nil {
			best = tip
			continue
		}
		if cmp := tip.TotalWeight.Cmp(best.TotalWeight); cmp > 0 || (cmp == 0 && bytes.Compare(tip.Hash[:], best.Hash[:]) < 0) {
			best = tip
		}
	}
	return best
}

// forkChoice switches to the heaviest tip, falling back to the next best
// when a branch turns out invalid or too deep.
func (c *Chain) forkChoice(ctx context.Context, res *CommitResult) error {
	for {
		best := c.bestTip()
		if best == nil {
			return nil
		}
		err := c.reorg(ctx, res, best)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errBranchInvalid):
			continue
		case errors.Is(err, ErrReorgTooDeep), errors.Is(err, ErrUnknownBlock):
			c.logger.Info("discarding branch", "tip", best.Hash, "number", best.Number(), "err", err)
			if err := c.pruneBranch(best); err != nil {
				return err
			}
			continue
		default:
			return err
		}
	}
}

// reorg makes tip the canonical head. Enacted blocks are executed first; the
// canonical changes are then written in one synced batch.
func (c *Chain) reorg(ctx context.Context, res *CommitResult, tip *store.BlockMeta) error {
	head := c.Head()
	route, err := c.route(head, tip, c.floor(head))
	if err != nil {
		return err
	}

	root := route.Ancestor.Header.StateRoot
	for _, m := range route.Enacted {
		block := c.store.LoadBlock(m.Hash)
		if block == nil {
			return fmt.Errorf("%w: body of #%d %v", ErrUnknownBlock, m.Number(), m.Hash.Short())
		}
		if err := c.execute(ctx, block, root); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if derr := c.discardFrom(res, m, err); derr != nil {
				return derr
			}
			return errBranchInvalid
		}
		root = m.Header.StateRoot
	}

	batch := c.store.NewBatch()
	for _, m := range route.Enacted {
		batch.SetCanonical(m.Number(), m.Hash)
	}
	for n := tip.Number() + 1; n <= head.Number(); n++ {
		batch.DeleteCanonical(n)
	}
	batch.DeleteTip(tip.Hash)
	if len(route.Retracted) > 0 {
		batch.SetTip(head.Hash)
	}
	batch.SetHead(tip.Hash)
	if err := batch.Write(); err != nil {
		return err
	}

	delete(c.tips, tip.Hash)
	if len(route.Retracted) > 0 {
		c.tips[head.Hash] = head
		c.metrics.Reorgs.Add(1)
		c.metrics.ReorgDepth.Set(float64(len(route.Retracted)))
	}
	for _, m := range route.Enacted {
		delete(c.origins, m.Hash)
	}
	c.setHead(tip)
	c.syncTips()

	res.Removed = append(res.Removed, route.Retracted...)
	res.Added = append(res.Added, route.Enacted...)

	c.logger.Info("chain reorganised",
		"ancestor", route.Ancestor.Number(),
		"retracted", len(route.Retracted),
		"enacted", len(route.Enacted),
		"head", tip.Number(),
		"hash", tip.Hash,
		"weight", tip.TotalWeight)
	return c.prune()
}

// discardFrom drops failed and everything built on it, and marks them bad.
// The parent of failed becomes a tip if it is not canonical and no other
// tip builds on it.
func (c *Chain) discardFrom(res *CommitResult, failed *store.BlockMeta, cause error) error {
	doomed := map[types.Hash]*store.BlockMeta{failed.Hash: failed}
	var doomedTips []types.Hash
	for hash, tip := range c.tips {
		path, ok := c.descendsFrom(tip, failed)
		if !ok && tip.Hash != failed.Hash {
			continue
		}
		doomedTips = append(doomedTips, hash)
		for _, m := range path {
			doomed[m.Hash] = m
		}
	}

	batch := c.store.NewBatch()
	for hash, m := range doomed {
		batch.DeleteBlock(hash)
		c.bad.Add(hash, struct{}{})
		reason := cause
		if hash != failed.Hash {
			reason = fmt.Errorf("descends from invalid block #%d: %w", failed.Number(), errBranchInvalid)
		}
		res.Bad = append(res.Bad, BadBlock{Hash: hash, Number: m.Number(), Origin: c.origins[hash], Err: reason})
		delete(c.origins, hash)
	}

	parent := c.store.LoadBlockMeta(failed.Header.ParentHash)
	promote := parent != nil && !c.isCanonical(parent)
	if promote {
		for hash, tip := range c.tips {
			if doomed[hash] != nil {
				continue
			}
			if _, ok := c.descendsFrom(tip, parent); ok {
				promote = false
				break
			}
		}
	}
	if promote {
		batch.SetTip(parent.Hash)
	}
	if err := batch.Write(); err != nil {
		return err
	}

	for _, hash := range doomedTips {
		delete(c.tips, hash)
	}
	if promote {
		c.tips[parent.Hash] = parent
	}
	c.syncTips()
	c.metrics.Invalid.Add(float64(len(doomed)))
	c.logger.Info("discarded invalid branch", "number", failed.Number(), "hash", failed.Hash, "dropped", len(doomed), "err", cause)
	return nil
}

// prune drops branches that leave the canonical chain below the retained
// history. Reorging to them would retract finalized blocks.
func (c *Chain) prune() error {
	floor := c.floor(c.Head())
	if floor == 0 {
		return nil
	}
	for _, tip := range c.tips {
		if fork := c.forkPoint(tip); fork != nil && fork.Number() >= floor {
			continue
		}
		if err := c.pruneBranch(tip); err != nil {
			return err
		}
	}
	return nil
}

// forkPoint returns the highest canonical ancestor of m, or nil if the
// branch is not connected to the store.
func (c *Chain) forkPoint(m *store.BlockMeta) *store.BlockMeta {
	for m != nil && !c.isCanonical(m) {
		m = c.store.LoadBlockMeta(m.Header.ParentHash)
	}
	return m
}

// pruneBranch deletes tip and its non-canonical ancestors that no other tip
// builds on.
func (c *Chain) pruneBranch(tip *store.BlockMeta) error {
	shared := make(map[types.Hash]bool)
	for hash, other := range c.tips {
		if hash == tip.Hash {
			continue
		}
		for m := other; m != nil && !c.isCanonical(m); m = c.store.LoadBlockMeta(m.Header.ParentHash) {
			shared[m.Hash] = true
		}
	}

	batch := c.store.NewBatch()
	batch.DeleteTip(tip.Hash)
	dropped := 0
	for m := tip; m != nil && !c.isCanonical(m) && !shared[m.Hash]; m = c.store.LoadBlockMeta(m.Header.ParentHash) {
		batch.DeleteBlock(m.Hash)
		delete(c.origins, m.Hash)
		dropped++
	}
	if err := batch.Write(); err != nil {
		return err
	}
	delete(c.tips, tip.Hash)
	c.syncTips()
	c.logger.Debug("pruned branch", "tip", tip.Hash, "number", tip.Number(), "dropped", dropped)
	return nil
}

// Event summarises one import batch.
type Event struct {
	Imported  []types.Hash
	Bad       []BadBlock
	Retracted []types.Hash
	Enacted   []types.Hash
	// Failed lists blocks that could not be committed for other reasons,
	// such as an unknown parent.
	Failed []BadBlock
	Head   *store.BlockMeta
}

// HeadChanged reports whether the batch moved the head.
func (e *Event) HeadChanged() bool { return len(e.Enacted) > 0 }

// ImportBatch commits blocks in order and announces the resulting head.
// Only storage and context errors are returned; per-block failures are
// reported in the event.
func (c *Chain) ImportBatch(ctx context.Context, imports []Import) (Event, error) {
	var ev Event
	for _, imp := range imports {
		res, err := c.Commit(ctx, imp.Block, imp.Origin)
		if res != nil {
			if res.Imported {
				ev.Imported = append(ev.Imported, imp.Block.Hash())
			}
			ev.Bad = append(ev.Bad, res.Bad...)
			for _, m := range res.Removed {
				ev.Retracted = append(ev.Retracted, m.Hash)
			}
			for _, m := range res.Added {
				ev.Enacted = append(ev.Enacted, m.Hash)
			}
		}
		if err == nil {
			continue
		}
		if store.IsStorageError(err) || ctx.Err() != nil {
			ev.Head = c.Head()
			return ev, err
		}
		var invalid *InvalidBlockError
		if !errors.As(err, &invalid) {
			ev.Failed = append(ev.Failed, BadBlock{Hash: imp.Block.Hash(), Number: imp.Block.Number(), Origin: imp.Origin, Err: err})
		}
	}

	ev.Head = c.Head()
	if ev.HeadChanged() && c.announcer != nil {
		c.announcer.AnnounceNewHead(ev.Head.Hash, ev.Head.Number(), new(uint256.Int).Set(ev.Head.TotalWeight))
	}
	return ev, nil
}
