package blocksync

import (
	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/internal/wire"
)

// relay propagates a new head. The full block goes to the square root of
// the peers lacking it; the others get the hash.
func (s *syncer) relay(head *store.BlockMeta) {
	block := s.chain.Block(head.Hash)
	if block == nil {
		return
	}
	lacks := func(p peerset.Peer) bool {
		if p.HeadHash == head.Hash {
			return false
		}
		return p.HeadWeight == nil || p.HeadWeight.Lt(head.TotalWeight)
	}

	chosen, rest := s.peers.SelectRelayTargets(peerset.RelayFanout(s.peers.Len()), lacks)
	full := &wire.NewBlock{Block: block, TotalWeight: head.TotalWeight.Clone()}
	for _, p := range chosen {
		if err := s.net.Send(p.ID, full); err != nil {
			s.logger.Debug("relay failed", "peer", p.ID, "err", err)
			continue
		}
		s.metrics.Relayed.With("kind", "block").Add(1)
	}

	if len(rest) == 0 {
		return
	}
	announce := &wire.NewBlockHashes{Announces: []wire.HashAnnounce{{Hash: head.Hash, Number: head.Number()}}}
	for _, p := range rest {
		if err := s.net.Send(p.ID, announce); err != nil {
			s.logger.Debug("relay failed", "peer", p.ID, "err", err)
			continue
		}
		s.metrics.Relayed.With("kind", "hash").Add(1)
	}
}
