package orderstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"order-reconciler-go/internal/models"
	"os"

	"go.uber.org/zap"
)

// scanRecords returns every record in data whose length and checksum
// validate, oldest first. A torn tail ends the scan.
func scanRecords(data []byte) [][]byte {
	var records [][]byte
	off := 0
	for off+lengthSize <= len(data) {
		length := int(binary.LittleEndian.Uint32(data[off:]))
		if length < minRecordBody || off+lengthSize+length > len(data) {
			break
		}
		record := data[off : off+lengthSize+length]
		if verifyRecord(record) == nil {
			records = append(records, record)
		}
		off += lengthSize + length
	}
	return records
}

// Recover rebuilds the cache from the newest snapshot that decodes. It
// tries the current file, then generations .1 to .9, then the mirror.
// It reports false when no valid snapshot exists anywhere.
func (s *Store) Recover() (bool, error) {
	paths := []string{s.currentPath()}
	for gen := 1; gen <= maxGenerations; gen++ {
		paths = append(paths, s.generationPath(gen))
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			s.logger.Warn("cannot read snapshot file", zap.String("file", path), zap.Error(err))
			continue
		}
		records := scanRecords(data)
		for i := len(records) - 1; i >= 0; i-- {
			snap, err := decodeSnapshot(records[i])
			if err != nil {
				s.logger.Warn("skipping undecodable snapshot", zap.String("file", path), zap.Int("record", i), zap.Error(err))
				continue
			}
			s.apply(snap)
			s.logger.Info("recovered order cache",
				zap.String("file", path), zap.Int64("snapshotId", snap.id), zap.Int("orders", len(snap.orders)))
			return true, nil
		}
	}

	if s.mirror == nil {
		return false, nil
	}
	snaps, err := s.mirror.LoadSnapshots()
	if err != nil {
		return false, fmt.Errorf("load mirrored snapshots: %w", err)
	}
	for _, m := range snaps {
		snap, err := decodeSnapshot(m.Record)
		if err != nil {
			s.logger.Warn("skipping undecodable mirrored snapshot", zap.Int64("snapshotId", m.ID), zap.Error(err))
			continue
		}
		s.apply(snap)
		s.logger.Info("recovered order cache from mirror", zap.Int64("snapshotId", snap.id))
		return true, nil
	}
	return false, nil
}

// apply replaces the cache content with snap. Terminal orders only live on
// as lineage of other orders and are not re-indexed by broker id.
func (s *Store) apply(snap *snapshot) {
	indexed := make([]*models.PhysicalOrder, 0, len(snap.orders))
	for _, o := range snap.orders {
		if !o.State.IsTerminal() {
			indexed = append(indexed, o)
		}
	}

	s.BeginTransaction()
	s.Restore(indexed, snap.serials, snap.positions, snap.strategyPositions)
	s.snapshotVersion.Store(s.Version())
	s.EndTransaction()

	s.seqMu.Lock()
	s.remoteSequence = snap.remoteSequence
	s.localSequence = snap.localSequence
	s.lastSequenceReset = snap.lastSequenceReset
	s.seqMu.Unlock()

	for {
		cur := s.snapshotID.Load()
		if snap.id <= cur || s.snapshotID.CompareAndSwap(cur, snap.id) {
			break
		}
	}
}
