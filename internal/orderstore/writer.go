package orderstore

import (
	"context"
	"errors"
	"fmt"
	"order-reconciler-go/internal/metrics"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// run is the single writer. Cancelling ctx only stops the periodic
// snapshots; queued and forced snapshots are served until Close.
func (s *Store) run(ctx context.Context) {
	var (
		ticker *time.Ticker
		tickC  <-chan time.Time
		doneC  = ctx.Done()
	)
	if s.cfg.SnapshotInterval > 0 {
		ticker = time.NewTicker(s.cfg.SnapshotInterval)
		tickC = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-doneC:
			doneC = nil
			tickC = nil
		case req, ok := <-s.queue:
			if !ok {
				return
			}
			s.handle(req)
		case <-tickC:
			if !s.Changed() || s.Err() != nil {
				continue
			}
			req := s.buildSnapshot()
			s.snapshotVersion.Store(req.version)
			s.handle(req)
		}
	}
}

// handle writes one request and reports to its waiter.
func (s *Store) handle(req *writeRequest) {
	err := s.writeWithRetry(req)
	if err == nil && req.done != nil {
		err = s.sync()
	}
	if err == nil && s.mirror != nil {
		if mErr := s.mirror.SaveSnapshot(req.id, req.buf); mErr != nil {
			s.logger.Warn("failed to mirror snapshot", zap.Int64("snapshotId", req.id), zap.Error(mErr))
		}
	}
	if req.done != nil {
		req.done <- err
	}
	s.recycle(req.buf)
}

func (s *Store) writeWithRetry(req *writeRequest) error {
	if err := s.Err(); err != nil {
		return err
	}
	var err error
	for attempt := 0; attempt <= s.cfg.WriteRetries; attempt++ {
		if attempt > 0 {
			<-s.clock.After(s.cfg.WriteBackoff)
		}
		start := time.Now()
		if err = s.writeRecord(req.buf); err == nil {
			metrics.SnapshotBytes.Add(float64(len(req.buf)))
			metrics.SnapshotWriteLatency.Observe(time.Since(start).Seconds())
			return nil
		}
		metrics.SnapshotErrors.Inc()
		s.logger.Warn("snapshot write failed",
			zap.Int64("snapshotId", req.id), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	failed := fmt.Errorf("%w: %v", ErrStoreFailed, err)
	s.setErr(failed)
	s.logger.Error("giving up on snapshot writes", zap.Int64("snapshotId", req.id), zap.Error(err))
	return failed
}

// writeRecord appends buf to the current file, rolling over first when the
// file already passed the threshold. A failed write is truncated away so a
// retry never leaves a torn record in front of a good one.
func (s *Store) writeRecord(buf []byte) error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()

	if s.file != nil && s.fileSize >= s.cfg.RolloverBytes {
		if err := s.rollover(); err != nil {
			return err
		}
	}
	if s.file == nil {
		if err := s.openCurrent(); err != nil {
			return err
		}
	}

	n, err := s.file.Write(buf)
	if err != nil || n != len(buf) {
		if err == nil {
			err = errors.New("short write")
		}
		if tErr := s.file.Truncate(s.fileSize); tErr != nil {
			_ = s.file.Close()
			s.file = nil
		}
		return err
	}
	s.fileSize += int64(n)
	return nil
}

func (s *Store) sync() error {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

func (s *Store) currentPath() string {
	return filepath.Join(s.cfg.Dir, s.cfg.FileName)
}

func (s *Store) generationPath(gen int) string {
	return fmt.Sprintf("%s.%d", s.currentPath(), gen)
}

func (s *Store) openCurrent() error {
	f, err := os.OpenFile(s.currentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	s.file = f
	s.fileSize = info.Size()
	return nil
}

// rollover shifts .1...8 up by one, drops .9, moves the current file to .1
// and leaves the store without an open file.
func (s *Store) rollover() error {
	if err := s.file.Sync(); err != nil {
		return err
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	s.file = nil
	s.fileSize = 0

	if err := os.Remove(s.generationPath(maxGenerations)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for gen := maxGenerations - 1; gen >= 1; gen-- {
		err := os.Rename(s.generationPath(gen), s.generationPath(gen+1))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(s.currentPath(), s.generationPath(1)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.logger.Info("snapshot file rolled over", zap.String("file", s.currentPath()))
	return nil
}
