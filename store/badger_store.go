package store

import (
	"time"

	"github.com/dgraph-io/badger"

	"github.com/yznetwork/overlay/internal/log"
)

const gcThreshold = int64(1 << 30)
const gcTickInterval = time.Minute

// BadgerStore is the alternate Store backend, selected by CLI flag,
// grounded in the teacher's storage/database/badger_database.go. Same
// Store contract as LevelDBStore — callers never need to know which
// backend is active.
type BadgerStore struct {
	fn       string
	db       *badger.DB
	gcTicker *time.Ticker
	stop     chan struct{}
	log      log.Logger
}

// NewBadgerStore opens (or creates) a Badger-backed store at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	logger := log.New("database", dir)
	opts := badger.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	s := &BadgerStore{fn: dir, db: db, log: logger, stop: make(chan struct{})}
	s.gcTicker = time.NewTicker(gcTickInterval)
	go s.runGC()
	return s, nil
}

func (s *BadgerStore) runGC() {
	for {
		select {
		case <-s.gcTicker.C:
			lsm, vlog := s.db.Size()
			if lsm+vlog > gcThreshold {
				if err := s.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
					s.log.Debug("badger gc", "err", err)
				}
			}
		case <-s.stop:
			return
		}
	}
}

func (s *BadgerStore) Put(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (s *BadgerStore) Get(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

func (s *BadgerStore) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (s *BadgerStore) Close() error {
	s.gcTicker.Stop()
	close(s.stop)
	return s.db.Close()
}
