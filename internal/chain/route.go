package chain

import (
	"fmt"

	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/types"
)

// Route is the path between two blocks through their common ancestor.
type Route struct {
	Ancestor *store.BlockMeta
	// Retracted walks from the starting block down to the ancestor,
	// exclusive.
	Retracted []*store.BlockMeta
	// Enacted climbs from the ancestor, exclusive, up to the target block.
	Enacted []*store.BlockMeta
}

// TreeRoute returns the route from one stored block to another.
func (c *Chain) TreeRoute(from, to types.Hash) (*Route, error) {
	a := c.store.LoadBlockMeta(from)
	if a == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownBlock, from)
	}
	b := c.store.LoadBlockMeta(to)
	if b == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownBlock, to)
	}
	return c.route(a, b, 0)
}

// route walks both blocks back to equal height and then in lock-step until
// they meet. The walk gives up with ErrReorgTooDeep once the ancestor would
// lie below floor.
func (c *Chain) route(from, to *store.BlockMeta, floor uint64) (*Route, error) {
	var (
		r    Route
		a, b = from, to
		err  error
	)
	parent := func(m *store.BlockMeta) (*store.BlockMeta, error) {
		p := c.store.LoadBlockMeta(m.Header.ParentHash)
		if p == nil {
			return nil, fmt.Errorf("%w: parent of #%d %v", ErrUnknownBlock, m.Number(), m.Hash.Short())
		}
		return p, nil
	}

	for a.Number() > b.Number() {
		if a.Number() <= floor {
			return nil, ErrReorgTooDeep
		}
		r.Retracted = append(r.Retracted, a)
		if a, err = parent(a); err != nil {
			return nil, err
		}
	}
	for b.Number() > a.Number() {
		r.Enacted = append(r.Enacted, b)
		if b, err = parent(b); err != nil {
			return nil, err
		}
	}
	for a.Hash != b.Hash {
		if a.Number() <= floor {
			return nil, ErrReorgTooDeep
		}
		r.Retracted = append(r.Retracted, a)
		r.Enacted = append(r.Enacted, b)
		if a, err = parent(a); err != nil {
			return nil, err
		}
		if b, err = parent(b); err != nil {
			return nil, err
		}
	}

	for i, j := 0, len(r.Enacted)-1; i < j; i, j = i+1, j-1 {
		r.Enacted[i], r.Enacted[j] = r.Enacted[j], r.Enacted[i]
	}
	r.Ancestor = a
	return &r, nil
}

// descendsFrom walks back from tip to the height of ancestor and reports
// whether it arrives there. The walked blocks are returned tip first,
// ancestor excluded.
func (c *Chain) descendsFrom(tip *store.BlockMeta, ancestor *store.BlockMeta) ([]*store.BlockMeta, bool) {
	var path []*store.BlockMeta
	m := tip
	for m.Number() > ancestor.Number() {
		path = append(path, m)
		if m = c.store.LoadBlockMeta(m.Header.ParentHash); m == nil {
			return nil, false
		}
	}
	return path, m.Hash == ancestor.Hash
}

// isCanonical reports whether m is on the canonical chain.
func (c *Chain) isCanonical(m *store.BlockMeta) bool {
	hash, ok := c.CanonicalHash(m.Number())
	return ok && hash == m.Hash
}
