package peerset

import (
	"math"

	"github.com/mroth/weightedrand"
)

// RelayFanout is the number of peers that receive a full block: the square
// root of the peer count, at least one.
func RelayFanout(numPeers int) int {
	if numPeers <= 0 {
		return 0
	}
	n := int(math.Sqrt(float64(numPeers)))
	if n < 1 {
		n = 1
	}
	return n
}

// relayWeight keeps every candidate drawable while favouring well behaved
// peers.
func relayWeight(score int) uint {
	w := score + InvalidBlockPenalty*5 + 1
	if w < 1 {
		w = 1
	}
	return uint(w)
}

// SelectRelayTargets draws up to n distinct unbanned peers satisfying preds,
// weighted by reputation. The remaining candidates are returned as rest.
func (ps *PeerSet) SelectRelayTargets(n int, preds ...Predicate) (chosen, rest []Peer) {
	candidates := ps.SelectBestPeers(0, preds...)
	if n >= len(candidates) {
		return candidates, nil
	}

	picked := make(map[ID]struct{}, n)
	for len(chosen) < n {
		choices := make([]weightedrand.Choice, 0, len(candidates))
		for _, p := range candidates {
			if _, ok := picked[p.ID]; ok {
				continue
			}
			choices = append(choices, weightedrand.NewChoice(p, relayWeight(p.Score)))
		}
		chooser, err := weightedrand.NewChooser(choices...)
		if err != nil {
			break
		}
		p := chooser.Pick().(Peer)
		picked[p.ID] = struct{}{}
		chosen = append(chosen, p)
	}

	for _, p := range candidates {
		if _, ok := picked[p.ID]; !ok {
			rest = append(rest, p)
		}
	}
	return chosen, rest
}
