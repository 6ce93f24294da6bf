package store

import (
	"time"

	"github.com/otiai10/copy"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"

	"github.com/yznetwork/overlay/internal/log"
)

// OpenFileLimit mirrors the teacher's default handle budget for the
// embedded database.
var OpenFileLimit = 64

// LevelDBStore is the default Store backend, grounded directly in the
// teacher's storage/database/leveldb_database.go.
type LevelDBStore struct {
	fn  string
	db  *leveldb.DB
	log log.Logger
}

func ldbOptions(cacheMiB, numHandles int) *opt.Options {
	return &opt.Options{
		OpenFilesCacheCapacity: numHandles,
		BlockCacheCapacity:     cacheMiB / 2 * opt.MiB,
		WriteBuffer:            cacheMiB / 4 * opt.MiB,
		Filter:                 filter.NewBloomFilter(10),
	}
}

// NewLevelDBStore opens (or creates) a LevelDB-backed store at dir.
func NewLevelDBStore(dir string, cacheMiB, numHandles int) (*LevelDBStore, error) {
	logger := log.New("database", dir)
	if cacheMiB < 16 {
		cacheMiB = 16
	}
	if numHandles < 16 {
		numHandles = 16
	}
	db, err := leveldb.OpenFile(dir, ldbOptions(cacheMiB, numHandles))
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(dir, nil)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("opened leveldb store", "writeBufferMiB", cacheMiB, "numHandles", numHandles)
	return &LevelDBStore{fn: dir, db: db, log: logger}, nil
}

func (s *LevelDBStore) Put(key string, value []byte) error {
	return s.db.Put([]byte(key), value, nil)
}

func (s *LevelDBStore) Get(key string) ([]byte, error) {
	v, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *LevelDBStore) Delete(key string) error {
	return s.db.Delete([]byte(key), nil)
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

// SnapshotBeforeRotation copies the store directory aside before an
// identity-key rotation, so a failed rotation can be rolled back. Mirrors
// the teacher's use of otiai10/copy for filesystem staging.
func (s *LevelDBStore) SnapshotBeforeRotation() (string, error) {
	dest := s.fn + ".snapshot-" + time.Now().UTC().Format("20060102T150405Z")
	if err := copy.Copy(s.fn, dest); err != nil {
		s.log.Warn("failed to snapshot store before rotation", "err", err)
		return "", err
	}
	return dest, nil
}
