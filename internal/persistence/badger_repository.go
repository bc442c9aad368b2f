package persistence

import (
	"encoding/binary"
	"errors"

	"github.com/dgraph-io/badger/v3"
)

var (
	latestKey   = []byte("snapshot/latest")
	previousKey = []byte("snapshot/previous")
)

// badgerRepository is the BadgerDB implementation of the SnapshotRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository creates and returns a new repository instance connected to a BadgerDB database.
func NewBadgerRepository(dbPath string) (SnapshotRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is disabled to keep our app's logs clean.
	// Errors will still be returned from DB operations.
	opts.Logger = nil
	return open(opts)
}

// NewInMemoryBadgerRepository is backed by an in-memory Badger instance.
func NewInMemoryBadgerRepository() (SnapshotRepository, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (SnapshotRepository, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerRepository{db: db}, nil
}

// SaveSnapshot moves the current latest value to the previous key and
// stores the new record as latest, in one transaction.
func (r *badgerRepository) SaveSnapshot(id int64, record []byte) error {
	value := make([]byte, 8+len(record))
	binary.LittleEndian.PutUint64(value, uint64(id))
	copy(value[8:], record)

	return r.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(latestKey)
		switch {
		case err == nil:
			prev, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := txn.Set(previousKey, prev); err != nil {
				return err
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(latestKey, value)
	})
}

// LoadSnapshots returns latest then previous, skipping missing keys.
func (r *badgerRepository) LoadSnapshots() ([]Snapshot, error) {
	var snapshots []Snapshot
	err := r.db.View(func(txn *badger.Txn) error {
		for _, key := range [][]byte{latestKey, previousKey} {
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(val) < 8 {
				return errors.New("snapshot value is too short")
			}
			snapshots = append(snapshots, Snapshot{
				ID:     int64(binary.LittleEndian.Uint64(val)),
				Record: val[8:],
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshots, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
