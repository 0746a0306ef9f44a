package blocksync

import (
	"github.com/tendermint/chainsync/internal/downloader"
	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/internal/wire"
	"github.com/tendermint/chainsync/types"
)

// serve answers header and body queries from the local chain.
func (s *syncer) serve(peer peerset.ID, msg wire.Message) {
	var (
		reply wire.Message
		kind  string
	)
	switch m := msg.(type) {
	case *wire.GetBlockHeaders:
		reply = &wire.BlockHeaders{RequestID: m.RequestID, Headers: s.collectHeaders(m)}
		kind = "headers"
	case *wire.GetBlockBodies:
		reply = &wire.BlockBodies{RequestID: m.RequestID, Bodies: s.collectBodies(m.Hashes)}
		kind = "bodies"
	default:
		return
	}
	if err := s.net.Send(peer, reply); err != nil {
		s.logger.Debug("failed to answer peer", "peer", peer, "kind", kind, "err", err)
		return
	}
	s.metrics.Served.With("kind", kind).Add(1)
}

// collectHeaders walks the canonical chain. A hash origin that is not
// canonical yields just that header.
func (s *syncer) collectHeaders(m *wire.GetBlockHeaders) []*types.BlockHeader {
	amount := m.Amount
	if amount > downloader.MaxHeaderFetch {
		amount = downloader.MaxHeaderFetch
	}
	if amount == 0 {
		return nil
	}

	var first *types.BlockHeader
	if !m.OriginHash.IsZero() {
		meta := s.chain.BlockMeta(m.OriginHash)
		if meta == nil {
			return nil
		}
		if hash, ok := s.chain.CanonicalHash(meta.Number()); !ok || hash != meta.Hash {
			return []*types.BlockHeader{meta.Header}
		}
		first = meta.Header
	} else {
		first = s.chain.HeaderByNumber(m.OriginNumber)
		if first == nil {
			return nil
		}
	}

	out := []*types.BlockHeader{first}
	step := m.Skip + 1
	if step == 0 {
		return out
	}
	number := first.Number
	for uint64(len(out)) < amount {
		if m.Reverse {
			if number < step {
				break
			}
			number -= step
		} else {
			next := number + step
			if next < number {
				break
			}
			number = next
		}
		h := s.chain.HeaderByNumber(number)
		if h == nil {
			break
		}
		out = append(out, h)
	}
	return out
}

// collectBodies returns the bodies of hashes up to the first unknown one.
func (s *syncer) collectBodies(hashes []types.Hash) []*types.Body {
	if len(hashes) > downloader.MaxBodyFetch {
		hashes = hashes[:downloader.MaxBodyFetch]
	}
	out := make([]*types.Body, 0, len(hashes))
	for _, hash := range hashes {
		b := s.chain.Block(hash)
		if b == nil {
			break
		}
		out = append(out, b.Body())
	}
	return out
}
