package config

import (
	dbm "github.com/tendermint/tm-db"

	tmos "github.com/tendermint/chainsync/libs/os"
)

// DBContext names a database of the node. ID is the database name inside
// DBDir, e.g. "blockstore".
type DBContext struct {
	ID     string
	Config *Config
}

// DBProvider opens the database described by a DBContext.
type DBProvider func(*DBContext) (dbm.DB, error)

// DefaultDBProvider opens ctx.ID with the configured backend under DBDir.
// The directory is created if missing.
func DefaultDBProvider(ctx *DBContext) (dbm.DB, error) {
	backend := dbm.BackendType(ctx.Config.DBBackend)
	if backend == dbm.MemDBBackend {
		return dbm.NewMemDB(), nil
	}
	dir := ctx.Config.DBDir()
	if err := tmos.EnsureDir(dir, defaultDirPerm); err != nil {
		return nil, err
	}
	return dbm.NewDB(ctx.ID, backend, dir)
}

// MemDBProvider ignores the config and opens an in-memory database.
func MemDBProvider(*DBContext) (dbm.DB, error) { return dbm.NewMemDB(), nil }
