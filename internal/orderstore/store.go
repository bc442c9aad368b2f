package orderstore

import (
	"context"
	"errors"
	"fmt"
	"order-reconciler-go/internal/clock"
	"order-reconciler-go/internal/models"
	"order-reconciler-go/internal/ordercache"
	"order-reconciler-go/internal/persistence"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultFileName      = "orders.dat"
	defaultRolloverBytes = 64 << 20
	defaultQueueSize     = 16
	defaultWriteRetries  = 3
	defaultWriteBackoff  = 100 * time.Millisecond
	maxGenerations       = 9
)

var (
	ErrStoreFailed    = errors.New("orderstore: store failed")
	ErrClosed         = errors.New("orderstore: store closed")
	ErrAlreadyStarted = errors.New("orderstore: writer already started")
	ErrQueueFull      = errors.New("orderstore: snapshot queue full")
)

// Config controls where and how snapshots are written.
type Config struct {
	Dir              string
	FileName         string
	RolloverBytes    int64
	SnapshotInterval time.Duration // 0 disables periodic snapshots
	QueueSize        int
	WriteRetries     int
	WriteBackoff     time.Duration
}

// ConfigFrom converts the file configuration section.
func ConfigFrom(sc models.StoreConfig) Config {
	return Config{
		Dir:              sc.Dir,
		FileName:         sc.FileName,
		RolloverBytes:    sc.RolloverBytes,
		SnapshotInterval: time.Duration(sc.SnapshotIntervalMs) * time.Millisecond,
		QueueSize:        sc.QueueSize,
		WriteRetries:     sc.WriteRetries,
		WriteBackoff:     time.Duration(sc.WriteBackoffMs) * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	if c.FileName == "" {
		c.FileName = defaultFileName
	}
	if c.RolloverBytes == 0 {
		c.RolloverBytes = defaultRolloverBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.WriteRetries == 0 {
		c.WriteRetries = defaultWriteRetries
	}
	if c.WriteBackoff == 0 {
		c.WriteBackoff = defaultWriteBackoff
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("invalid store config: Dir is empty")
	}
	if c.RolloverBytes <= 0 {
		return fmt.Errorf("invalid store config: RolloverBytes must be > 0")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("invalid store config: QueueSize must be > 0")
	}
	if c.WriteRetries < 0 || c.WriteBackoff < 0 || c.SnapshotInterval < 0 {
		return fmt.Errorf("invalid store config: negative retry, backoff or interval")
	}
	return nil
}

// Option customises a Store.
type Option func(*Store)

// WithMirror copies every written record into repo, which also serves as
// the last recovery source.
func WithMirror(repo persistence.SnapshotRepository) Option {
	return func(s *Store) { s.mirror = repo }
}

func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Store makes the order cache crash safe. It embeds the cache, so the
// transaction and every cache operation are available on the store itself.
type Store struct {
	*ordercache.Cache

	cfg    Config
	logger *zap.Logger
	clock  clock.Clock
	mirror persistence.SnapshotRepository

	seqMu             sync.Mutex
	remoteSequence    int32
	localSequence     int32
	lastSequenceReset time.Time

	snapshotID      atomic.Int64
	snapshotVersion atomic.Uint64

	queueMu sync.RWMutex // 发送方持读锁，Close 持写锁关闭 queue
	queue   chan *writeRequest
	free    chan []byte

	fileMu   sync.Mutex
	file     *os.File
	fileSize int64

	err     atomic.Value
	started atomic.Bool
	closed  atomic.Bool
	wg      sync.WaitGroup
}

type writeRequest struct {
	buf     []byte
	id      int64
	version uint64
	done    chan error // nil for fire-and-forget snapshots
}

// New creates a store over cache and makes sure the snapshot directory exists.
func New(cfg Config, cache *ordercache.Cache, logger *zap.Logger, opts ...Option) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		Cache:  cache,
		cfg:    cfg,
		logger: logger,
		clock:  clock.Real{},
		queue:  make(chan *writeRequest, cfg.QueueSize),
		free:   make(chan []byte, cfg.QueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs the writer loop and, if configured, the periodic snapshot ticker.
func (s *Store) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Close stops the writer after the queued snapshots are written.
func (s *Store) Close() error {
	s.queueMu.Lock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.queue)
	}
	s.queueMu.Unlock()
	s.wg.Wait()

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.file != nil {
		if err := s.file.Sync(); err != nil {
			s.setErr(err)
		}
		if err := s.file.Close(); err != nil {
			s.setErr(err)
		}
		s.file = nil
	}
	return s.Err()
}

// Err returns the error that failed the store, if any.
func (s *Store) Err() error {
	if v := s.err.Load(); v != nil {
		return v.(error)
	}
	return nil
}

func (s *Store) setErr(err error) {
	if err == nil || s.err.Load() != nil {
		return
	}
	s.err.Store(err)
}

// SetSequences records the session counters of the broker connection.
func (s *Store) SetSequences(remote, local int32) {
	s.seqMu.Lock()
	s.remoteSequence = remote
	s.localSequence = local
	s.seqMu.Unlock()
}

func (s *Store) Sequences() (remote, local int32, lastReset time.Time) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	return s.remoteSequence, s.localSequence, s.lastSequenceReset
}

// ResetSequences zeroes both counters and remembers when it happened.
func (s *Store) ResetSequences(at time.Time) {
	s.seqMu.Lock()
	s.remoteSequence = 0
	s.localSequence = 0
	s.lastSequenceReset = at
	s.seqMu.Unlock()
}

// Changed reports whether the cache moved since the last queued snapshot.
func (s *Store) Changed() bool {
	return s.Version() != s.snapshotVersion.Load()
}

// SnapshotNow encodes the cache in memory and queues it for the writer.
// It must not be called while holding the transaction.
func (s *Store) SnapshotNow() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.Err(); err != nil {
		return err
	}
	req := s.buildSnapshot()
	if !s.started.Load() {
		return s.writeDirect(req)
	}
	switch err := s.enqueue(req, false); {
	case err == nil:
		s.snapshotVersion.Store(req.version)
		return nil
	case errors.Is(err, ErrQueueFull):
		s.recycle(req.buf)
		s.logger.Warn("snapshot queue full, skipping snapshot", zap.Int64("snapshotId", req.id))
		return err
	default:
		s.recycle(req.buf)
		return err
	}
}

// ForceSnapshot blocks until every queued snapshot and a fresh one are on
// disk and synced.
func (s *Store) ForceSnapshot() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.Err(); err != nil {
		return err
	}
	req := s.buildSnapshot()
	if !s.started.Load() {
		return s.writeDirect(req)
	}
	req.done = make(chan error, 1)
	if err := s.enqueue(req, true); err != nil {
		s.recycle(req.buf)
		return err
	}
	s.snapshotVersion.Store(req.version)
	return <-req.done
}

// enqueue hands req to the writer unless the store is closed. Without
// block a full queue returns ErrQueueFull.
func (s *Store) enqueue(req *writeRequest, block bool) error {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if block {
		s.queue <- req
		return nil
	}
	select {
	case s.queue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Store) writeDirect(req *writeRequest) error {
	req.done = make(chan error, 1)
	s.handle(req)
	s.snapshotVersion.Store(req.version)
	return <-req.done
}

// buildSnapshot encodes the cache under the transaction lock.
func (s *Store) buildSnapshot() *writeRequest {
	buf := s.buffer()
	id := s.snapshotID.Add(1)

	remote, local, reset := s.Sequences()
	s.BeginTransaction()
	snap := &snapshot{
		id:                id,
		remoteSequence:    remote,
		localSequence:     local,
		lastSequenceReset: reset,
		serials:           s.SerialIndex(),
		positions:         s.Positions(),
		strategyPositions: s.StrategyPositions(),
	}
	version := s.Version()
	buf = encodeSnapshot(buf, snap, s.Orders())
	s.EndTransaction()

	return &writeRequest{buf: buf, id: id, version: version}
}

func (s *Store) buffer() []byte {
	select {
	case b := <-s.free:
		return b[:0]
	default:
		return make([]byte, 0, 4096)
	}
}

func (s *Store) recycle(b []byte) {
	select {
	case s.free <- b[:0]:
	default:
	}
}
