package blocksync

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/chainsync/internal/chain"
	"github.com/tendermint/chainsync/internal/downloader"
)

// Config tunes the sync state machine.
type Config struct {
	// HeaderBatch is the number of headers asked for per request.
	HeaderBatch uint64
	// BodyBatch is the number of bodies asked for per request.
	BodyBatch int
	// MaxAhead bounds how far past the local head headers are scheduled.
	MaxAhead uint64
	// MaxAncestorDepth bounds the common ancestor search.
	MaxAncestorDepth uint64
	// MaxStaged pauses body downloads while that many blocks wait in the
	// import queue or are in flight.
	MaxStaged int
	// BodyBacklog pauses header downloads while that many headers wait for
	// their bodies.
	BodyBacklog int
	// AnnounceDistance is how far ahead of the head an announced hash may be
	// to be fetched directly instead of by a sync round.
	AnnounceDistance uint64
	// TickInterval paces request expiry and import retries.
	TickInterval time.Duration
	// EventBuffer is the soft bound of the event queue.
	EventBuffer int
}

// DefaultConfig returns the defaults used by the node.
func DefaultConfig() Config {
	return Config{
		HeaderBatch:      downloader.DefaultHeaderBatch,
		BodyBatch:        128,
		MaxAhead:         downloader.DefaultMaxAhead,
		MaxAncestorDepth: chain.DefaultRetentionDepth,
		MaxStaged:        2048,
		BodyBacklog:      8192,
		AnnounceDistance: 32,
		TickInterval:     500 * time.Millisecond,
		EventBuffer:      1024,
	}
}

// ValidateBasic performs basic validation.
func (cfg Config) ValidateBasic() error {
	if cfg.HeaderBatch == 0 || cfg.HeaderBatch > downloader.MaxHeaderFetch {
		return fmt.Errorf("header batch must be in [1, %d]", downloader.MaxHeaderFetch)
	}
	if cfg.BodyBatch <= 0 || cfg.BodyBatch > downloader.MaxBodyFetch {
		return fmt.Errorf("body batch must be in [1, %d]", downloader.MaxBodyFetch)
	}
	if cfg.MaxAhead < cfg.HeaderBatch {
		return errors.New("max ahead can't be smaller than the header batch")
	}
	if cfg.MaxAncestorDepth == 0 {
		return errors.New("max ancestor depth can't be zero")
	}
	if cfg.MaxStaged <= 0 {
		return errors.New("max staged must be positive")
	}
	if cfg.BodyBacklog <= 0 {
		return errors.New("body backlog must be positive")
	}
	if cfg.TickInterval <= 0 {
		return errors.New("tick interval must be positive")
	}
	if cfg.EventBuffer <= 0 {
		return errors.New("event buffer must be positive")
	}
	return nil
}
