package downloader

import (
	"fmt"
	"time"

	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/types"
)

// Origin is the first header of a header query, by hash or by number. A
// non-zero hash takes precedence.
type Origin struct {
	Hash   types.Hash
	Number uint64
}

func (o Origin) String() string {
	if !o.Hash.IsZero() {
		return o.Hash.Short()
	}
	return fmt.Sprintf("#%d", o.Number)
}

// HeaderRequest is a range query over headers. Skip leaves out that many
// headers between two returned ones; Reverse walks towards genesis.
type HeaderRequest struct {
	Origin  Origin
	Amount  uint64
	Skip    uint64
	Reverse bool
}

// Highest returns the highest block number the request can touch, or zero
// when the origin is a hash.
func (r HeaderRequest) Highest() uint64 {
	if !r.Origin.Hash.IsZero() {
		return 0
	}
	if r.Reverse || r.Amount == 0 {
		return r.Origin.Number
	}
	return r.Origin.Number + (r.Amount-1)*(r.Skip+1)
}

func (r HeaderRequest) String() string {
	return fmt.Sprintf("headers{origin:%v amount:%d skip:%d reverse:%v}", r.Origin, r.Amount, r.Skip, r.Reverse)
}

// Kind distinguishes header and body requests.
type Kind int

const (
	KindHeaders Kind = iota
	KindBodies
)

func (k Kind) String() string {
	switch k {
	case KindHeaders:
		return "headers"
	case KindBodies:
		return "bodies"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Tag records why a request was issued so that responses can be routed.
type Tag int

const (
	TagSync Tag = iota
	TagAncestor
	TagAnnounce
)

func (t Tag) String() string {
	switch t {
	case TagSync:
		return "sync"
	case TagAncestor:
		return "ancestor"
	case TagAnnounce:
		return "announce"
	default:
		return fmt.Sprintf("tag(%d)", int(t))
	}
}

// Request is an outstanding or parked request.
type Request struct {
	ID   peerset.RequestID
	Peer peerset.ID
	// Handle is the slot of Peer when the request was sent. A response is
	// only credited while the handle still resolves.
	Handle   peerset.Handle
	Kind     Kind
	Tag      Tag
	Headers  HeaderRequest
	Bodies   []*types.BlockHeader
	Deadline time.Time
	// Tried lists every peer the range was sent to, most recent last.
	Tried []peerset.ID
}

func (r *Request) key() rangeKey {
	switch r.Kind {
	case KindBodies:
		k := rangeKey{kind: KindBodies, amount: uint64(len(r.Bodies))}
		if len(r.Bodies) > 0 {
			k.hash = r.Bodies[0].Hash()
		}
		return k
	default:
		return rangeKey{
			kind:    KindHeaders,
			hash:    r.Headers.Origin.Hash,
			number:  r.Headers.Origin.Number,
			amount:  r.Headers.Amount,
			skip:    r.Headers.Skip,
			reverse: r.Headers.Reverse,
		}
	}
}

// minHead is the lowest head number a peer must claim to serve r.
func (r *Request) minHead() uint64 {
	switch r.Kind {
	case KindBodies:
		var max uint64
		for _, h := range r.Bodies {
			if h.Number > max {
				max = h.Number
			}
		}
		return max
	default:
		return r.Headers.Highest()
	}
}

func (r *Request) hashes() []types.Hash {
	out := make([]types.Hash, len(r.Bodies))
	for i, h := range r.Bodies {
		out[i] = h.Hash()
	}
	return out
}

func (r *Request) tried(id peerset.ID) bool {
	for _, p := range r.Tried {
		if p == id {
			return true
		}
	}
	return false
}

type rangeKey struct {
	kind    Kind
	hash    types.Hash
	number  uint64
	amount  uint64
	skip    uint64
	reverse bool
}
