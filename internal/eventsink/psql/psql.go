// Package psql records canonical head changes in a PostgreSQL database.
package psql

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/adlio/schema"
	"github.com/holiman/uint256"

	"github.com/tendermint/chainsync/internal/chain"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/types"

	// Register the Postgres database driver.
	_ "github.com/lib/pq"
)

const (
	DriverName = "postgres"
	TableHeads = "chain_heads"

	defaultWriteTimeout = 5 * time.Second
)

//go:embed schema.sql
var schemaSQL string

var _ chain.Announcer = (*EventSink)(nil)

// Head is a recorded head change.
type Head struct {
	Number    uint64
	Hash      types.Hash
	Weight    *uint256.Int
	CreatedAt time.Time
}

// EventSink writes head changes to Postgres. Rows are attributed to a chain
// ID, the hex genesis hash by default.
type EventSink struct {
	logger  log.Logger
	store   *sql.DB
	chainID string
	timeout time.Duration
}

// NewEventSink constructs an event sink associated with the PostgreSQL
// database specified by connStr.
func NewEventSink(logger log.Logger, connStr, chainID string) (*EventSink, error) {
	db, err := sql.Open(DriverName, connStr)
	if err != nil {
		return nil, err
	}
	return &EventSink{
		logger:  logger,
		store:   db,
		chainID: chainID,
		timeout: defaultWriteTimeout,
	}, nil
}

// DB returns the underlying Postgres connection used by the sink.
func (es *EventSink) DB() *sql.DB { return es.store }

// Migrations returns the schema of the sink.
func Migrations() []*schema.Migration {
	return []*schema.Migration{{
		ID:     "2022-05-01 chain heads",
		Script: schemaSQL,
	}}
}

// Migrate installs the schema if it is not there yet.
func (es *EventSink) Migrate() error {
	return schema.NewMigrator().Apply(es.store, Migrations())
}

// IndexHead records a head change.
func (es *EventSink) IndexHead(ctx context.Context, h Head) error {
	if h.Weight == nil {
		return errors.New("head without weight")
	}
	if h.Number > 1<<63-1 {
		return fmt.Errorf("block number %d out of range", h.Number)
	}
	_, err := es.store.ExecContext(ctx, `
INSERT INTO `+TableHeads+` (chain_id, number, hash, weight, created_at)
  VALUES ($1, $2, $3, $4, $5);
`, es.chainID, int64(h.Number), h.Hash.String(), h.Weight.Dec(), h.CreatedAt)
	return err
}

// AnnounceNewHead implements chain.Announcer. Failures are logged; the sink
// never holds up the chain.
func (es *EventSink) AnnounceNewHead(hash types.Hash, number uint64, weight *uint256.Int) {
	ctx, cancel := context.WithTimeout(context.Background(), es.timeout)
	defer cancel()

	head := Head{Number: number, Hash: hash, Weight: weight, CreatedAt: time.Now().UTC()}
	if err := es.IndexHead(ctx, head); err != nil {
		es.logger.Error("failed to index head", "number", number, "hash", hash, "err", err)
	}
}

// LatestHead returns the most recently recorded head.
func (es *EventSink) LatestHead(ctx context.Context) (Head, error) {
	var (
		number        int64
		hashHex, wdec string
		createdAt     time.Time
	)
	err := es.store.QueryRowContext(ctx, `
SELECT number, hash, weight::text, created_at FROM `+TableHeads+`
  WHERE chain_id = $1 ORDER BY rowid DESC LIMIT 1;
`, es.chainID).Scan(&number, &hashHex, &wdec, &createdAt)
	if err != nil {
		return Head{}, err
	}

	hash, err := types.HashFromHex(hashHex)
	if err != nil {
		return Head{}, err
	}
	weight, err := uint256.FromDecimal(wdec)
	if err != nil {
		return Head{}, fmt.Errorf("weight %q: %w", wdec, err)
	}
	return Head{Number: uint64(number), Hash: hash, Weight: weight, CreatedAt: createdAt}, nil
}

// Stop closes the database connection.
func (es *EventSink) Stop() error { return es.store.Close() }
