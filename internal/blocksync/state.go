package blocksync

import "fmt"

// State is the phase of the sync state machine.
type State int

const (
	StateIdle State = iota
	StateFindingCommonAncestor
	StateHeaderSync
	StateBodySync
	StateLiveFollow
	StateStalled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFindingCommonAncestor:
		return "finding-common-ancestor"
	case StateHeaderSync:
		return "header-sync"
	case StateBodySync:
		return "body-sync"
	case StateLiveFollow:
		return "live-follow"
	case StateStalled:
		return "stalled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// syncing reports whether s is one of the bulk download phases.
func (s State) syncing() bool {
	switch s {
	case StateFindingCommonAncestor, StateHeaderSync, StateBodySync:
		return true
	default:
		return false
	}
}

// SyncStatus is a snapshot of the sync progress.
type SyncStatus struct {
	State State
	// StartBlock is the local head when the current sync round started.
	StartBlock uint64
	// HighestBlock is the highest block number announced by a peer.
	HighestBlock   uint64
	BlocksReceived uint64
	BlocksImported uint64
	NumPeers       int
	// NumActivePeers counts peers with requests in flight.
	NumActivePeers int
}

// IsSyncing reports whether a bulk download is in progress.
func (s SyncStatus) IsSyncing() bool { return s.State.syncing() }

// BlockStatus combines what the import queue and the chain know about a
// block.
type BlockStatus int

const (
	BlockUnknown BlockStatus = iota
	BlockQueued
	BlockInChain
	BlockBad
)

func (s BlockStatus) String() string {
	switch s {
	case BlockUnknown:
		return "unknown"
	case BlockQueued:
		return "queued"
	case BlockInChain:
		return "in-chain"
	case BlockBad:
		return "bad"
	default:
		return fmt.Sprintf("BlockStatus(%d)", int(s))
	}
}
