package downloader

import (
	"fmt"

	"github.com/tendermint/chainsync/types"
)

// ValidateHeaders checks that headers is a well formed answer to req: no
// more than requested, starting at the origin and stepping by Skip+1 in the
// requested direction. Contiguous answers must also be parent linked.
// An empty answer is valid.
func ValidateHeaders(req HeaderRequest, headers []*types.BlockHeader) error {
	if uint64(len(headers)) > req.Amount {
		return fmt.Errorf("%w: %d headers for amount %d", ErrMalformedResponse, len(headers), req.Amount)
	}
	if len(headers) == 0 {
		return nil
	}
	for i, h := range headers {
		if h == nil {
			return fmt.Errorf("%w: nil header at %d", ErrMalformedResponse, i)
		}
		if err := h.ValidateBasic(); err != nil {
			return fmt.Errorf("%w: header #%d: %v", ErrMalformedResponse, h.Number, err)
		}
	}

	first := headers[0]
	if !req.Origin.Hash.IsZero() {
		if first.Hash() != req.Origin.Hash {
			return fmt.Errorf("%w: first header %v is not origin %v", ErrMalformedResponse, first.Hash().Short(), req.Origin.Hash.Short())
		}
	} else if first.Number != req.Origin.Number {
		return fmt.Errorf("%w: first header #%d is not origin #%d", ErrMalformedResponse, first.Number, req.Origin.Number)
	}

	step := req.Skip + 1
	for i := 1; i < len(headers); i++ {
		prev, cur := headers[i-1], headers[i]
		want := prev.Number + step
		if req.Reverse {
			if prev.Number < step {
				return fmt.Errorf("%w: header #%d below genesis", ErrMalformedResponse, cur.Number)
			}
			want = prev.Number - step
		}
		if cur.Number != want {
			return fmt.Errorf("%w: header #%d at position %d, want #%d", ErrMalformedResponse, cur.Number, i, want)
		}
		if req.Skip != 0 {
			continue
		}
		child, parent := cur, prev
		if req.Reverse {
			child, parent = prev, cur
		}
		if child.ParentHash != parent.Hash() {
			return fmt.Errorf("%w: header #%d does not link to #%d", ErrMalformedResponse, child.Number, parent.Number)
		}
	}
	return nil
}

// MatchBodies pairs bodies with the requested headers in order. A peer may
// answer with a prefix of the request; the rest is reported as missing.
func MatchBodies(headers []*types.BlockHeader, bodies []*types.Body) (BodiesResult, error) {
	if len(bodies) > len(headers) {
		return BodiesResult{}, fmt.Errorf("%w: %d bodies for %d headers", ErrMalformedResponse, len(bodies), len(headers))
	}
	res := BodiesResult{Blocks: make([]*types.Block, 0, len(bodies))}
	for i, body := range bodies {
		if body == nil {
			return BodiesResult{}, fmt.Errorf("%w: nil body at %d", ErrMalformedResponse, i)
		}
		if err := body.Matches(headers[i]); err != nil {
			return BodiesResult{}, fmt.Errorf("%w: body for #%d: %v", ErrMalformedResponse, headers[i].Number, err)
		}
		res.Blocks = append(res.Blocks, types.NewBlock(headers[i], body))
	}
	res.Missing = headers[len(bodies):]
	return res, nil
}
