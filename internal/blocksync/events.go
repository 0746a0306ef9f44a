package blocksync

import (
	"time"

	"github.com/tendermint/chainsync/internal/peerset"
	"github.com/tendermint/chainsync/internal/wire"
)

// Event is anything the sync routine handles. Events embed one of the
// priority types below.
type Event interface {
	Priority() int
}

type priorityLow struct{}
type priorityNormal struct{}
type priorityHigh struct{}

func (priorityLow) Priority() int    { return 1 }
func (priorityNormal) Priority() int { return 2 }
func (priorityHigh) Priority() int   { return 3 }

// peer lifecycle changes go first so that nothing is scheduled against a
// peer that already left
type evPeerAdded struct {
	priorityHigh
	info peerset.Info
}

type evPeerRemoved struct {
	priorityHigh
	peer peerset.ID
}

type evMessage struct {
	priorityNormal
	peer peerset.ID
	msg  wire.Message
}

type evTick struct {
	priorityNormal
	time time.Time
}

// requests from peers are served after our own sync work
type evServe struct {
	priorityLow
	peer peerset.ID
	msg  wire.Message
}
