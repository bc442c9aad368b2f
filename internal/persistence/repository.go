package persistence

// Snapshot is one mirrored order store record.
type Snapshot struct {
	ID     int64
	Record []byte
}

// SnapshotRepository defines the interface for the snapshot mirror.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the order store.
type SnapshotRepository interface {
	// SaveSnapshot stores record as the latest snapshot and keeps the
	// previous latest as a fallback. The record is copied.
	SaveSnapshot(id int64, record []byte) error

	// LoadSnapshots returns the stored snapshots, newest first.
	// If nothing is stored, it returns an empty slice and no error.
	LoadSnapshots() ([]Snapshot, error)

	// Close gracefully closes the connection to the database.
	Close() error
}
