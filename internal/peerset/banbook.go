package peerset

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const banKeyPrefix = "ban:"

// BanEntry is the persisted record of a ban.
type BanEntry struct {
	ID     ID        `json:"id"`
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
	Score  int       `json:"score"`
}

// BanBook persists bans in LevelDB so that they survive restarts.
type BanBook struct {
	mtx sync.RWMutex
	db  *leveldb.DB
}

// OpenBanBook opens (or creates) a ban book at path. An empty path keeps the
// book in memory.
func OpenBanBook(path string) (*BanBook, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(filepath.Clean(path), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open ban book: %w", err)
	}
	return &BanBook{db: db}, nil
}

func banKey(id ID) []byte { return []byte(banKeyPrefix + string(id)) }

// Ban records a ban for id.
func (bb *BanBook) Ban(entry BanEntry) error {
	bz, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	bb.mtx.Lock()
	defer bb.mtx.Unlock()
	return bb.db.Put(banKey(entry.ID), bz, nil)
}

// Lookup returns the ban entry of id if it is still in force at now.
func (bb *BanBook) Lookup(id ID, now time.Time) (BanEntry, bool, error) {
	bb.mtx.RLock()
	defer bb.mtx.RUnlock()

	bz, err := bb.db.Get(banKey(id), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return BanEntry{}, false, nil
	} else if err != nil {
		return BanEntry{}, false, err
	}

	var entry BanEntry
	if err := json.Unmarshal(bz, &entry); err != nil {
		return BanEntry{}, false, fmt.Errorf("decode ban of %s: %w", id, err)
	}
	return entry, entry.Until.After(now), nil
}

// Unban removes any ban of id.
func (bb *BanBook) Unban(id ID) error {
	bb.mtx.Lock()
	defer bb.mtx.Unlock()
	return bb.db.Delete(banKey(id), nil)
}

// Active returns every ban still in force at now.
func (bb *BanBook) Active(now time.Time) ([]BanEntry, error) {
	bb.mtx.RLock()
	defer bb.mtx.RUnlock()

	iter := bb.db.NewIterator(util.BytesPrefix([]byte(banKeyPrefix)), nil)
	defer iter.Release()

	var out []BanEntry
	for iter.Next() {
		var entry BanEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, err
		}
		if entry.Until.After(now) {
			out = append(out, entry)
		}
	}
	return out, iter.Error()
}

// Prune deletes expired bans and returns how many were removed.
func (bb *BanBook) Prune(now time.Time) (int, error) {
	bb.mtx.Lock()
	defer bb.mtx.Unlock()

	iter := bb.db.NewIterator(util.BytesPrefix([]byte(banKeyPrefix)), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		var entry BanEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil || !entry.Until.After(now) {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return 0, err
	}
	return batch.Len(), bb.db.Write(batch, nil)
}

// Close closes the underlying database.
func (bb *BanBook) Close() error {
	bb.mtx.Lock()
	defer bb.mtx.Unlock()
	return bb.db.Close()
}
