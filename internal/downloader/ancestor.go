package downloader

import (
	"errors"
	"fmt"

	"github.com/tendermint/chainsync/types"
)

// sparseProbes is the number of headers asked for in the first probe.
const sparseProbes = 16

var (
	ErrAncestorTooDeep  = errors.New("common ancestor deeper than the reorg limit")
	ErrNoCommonAncestor = errors.New("no common ancestor")
	ErrIncompleteProbe  = errors.New("probe answered without usable headers")
	ErrSearchDone       = errors.New("ancestor search already finished")
)

// ChainReader resolves canonical hashes by number.
type ChainReader interface {
	CanonicalHash(number uint64) (types.Hash, bool)
}

// AncestorSearch locates the highest block shared by the local canonical
// chain and a peer. It first asks for a sparse set of headers below the
// lower of both heads, then bisects between the highest match and the probe
// above it with single-header requests.
type AncestorSearch struct {
	chain  ChainReader
	top    uint64
	bottom uint64

	sparse   bool
	lo, hi   uint64 // lo is known shared, hi is known divergent
	done     bool
	ancestor uint64
	hash     types.Hash
}

// NewAncestorSearch prepares a search between a local head at localHead and
// a peer head at remoteHead. Ancestors more than maxDepth below the local
// head are not looked for.
func NewAncestorSearch(chain ChainReader, localHead, remoteHead, maxDepth uint64) *AncestorSearch {
	top := localHead
	if remoteHead < top {
		top = remoteHead
	}
	var bottom uint64
	if localHead > maxDepth {
		bottom = localHead - maxDepth
	}
	if bottom > top {
		bottom = top
	}
	return &AncestorSearch{chain: chain, top: top, bottom: bottom, sparse: true}
}

// Next returns the next probe to send. It returns false once the search is
// finished.
func (a *AncestorSearch) Next() (HeaderRequest, bool) {
	if a.done {
		return HeaderRequest{}, false
	}
	if !a.sparse {
		mid := a.lo + (a.hi-a.lo)/2
		return HeaderRequest{Origin: Origin{Number: mid}, Amount: 1}, true
	}
	if width := a.sparseAmount(); width < sparseProbes {
		return HeaderRequest{Origin: Origin{Number: a.top}, Amount: width, Reverse: true}, true
	}
	step := (a.top - a.bottom) / (sparseProbes - 1)
	return HeaderRequest{
		Origin:  Origin{Number: a.top},
		Amount:  sparseProbes,
		Skip:    step - 1,
		Reverse: true,
	}, true
}

// Deliver feeds the validated answer to the last probe returned by Next.
func (a *AncestorSearch) Deliver(headers []*types.BlockHeader) error {
	if a.done {
		return ErrSearchDone
	}
	if len(headers) == 0 {
		return ErrIncompleteProbe
	}
	if a.sparse {
		return a.deliverSparse(headers)
	}

	h := headers[0]
	mid := a.lo + (a.hi-a.lo)/2
	if h.Number != mid {
		return fmt.Errorf("%w: got #%d, want #%d", ErrIncompleteProbe, h.Number, mid)
	}
	if a.known(h) {
		a.lo = mid
	} else {
		a.hi = mid
	}
	a.settle()
	return nil
}

func (a *AncestorSearch) deliverSparse(headers []*types.BlockHeader) error {
	for i, h := range headers {
		if !a.known(h) {
			continue
		}
		if i == 0 {
			a.finish(h.Number)
			return nil
		}
		a.sparse = false
		a.lo, a.hi = h.Number, headers[i-1].Number
		a.settle()
		return nil
	}

	lowest := headers[len(headers)-1].Number
	switch {
	case lowest == 0:
		a.done = true
		return ErrNoCommonAncestor
	case lowest <= a.bottom:
		a.done = true
		return fmt.Errorf("%w: nothing shared down to #%d", ErrAncestorTooDeep, lowest)
	case uint64(len(headers)) < a.sparseAmount():
		return fmt.Errorf("%w: %d headers, none shared", ErrIncompleteProbe, len(headers))
	case a.bottom == 0:
		// genesis is shared by handshake, bisect below the lowest probe
		a.sparse = false
		a.lo, a.hi = 0, lowest
		a.settle()
		return nil
	default:
		// the stride left [bottom, lowest) unprobed; it is narrower than
		// sparseProbes and gets one dense probe
		a.top = lowest - 1
		return nil
	}
}

func (a *AncestorSearch) sparseAmount() uint64 {
	if width := a.top - a.bottom + 1; width <= sparseProbes {
		return width
	}
	return sparseProbes
}

func (a *AncestorSearch) settle() {
	if a.hi-a.lo <= 1 {
		a.finish(a.lo)
	}
}

func (a *AncestorSearch) finish(n uint64) {
	a.done = true
	a.ancestor = n
	a.hash, _ = a.chain.CanonicalHash(n)
}

func (a *AncestorSearch) known(h *types.BlockHeader) bool {
	hash, ok := a.chain.CanonicalHash(h.Number)
	return ok && hash == h.Hash()
}

// Result returns the common ancestor once the search is done.
func (a *AncestorSearch) Result() (number uint64, hash types.Hash, ok bool) {
	if !a.done || a.hash.IsZero() {
		return 0, types.Hash{}, false
	}
	return a.ancestor, a.hash, true
}

// Done reports whether the search finished, successfully or not.
func (a *AncestorSearch) Done() bool { return a.done }
