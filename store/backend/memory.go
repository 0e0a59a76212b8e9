// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package backend

import (
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/pointvault/pointvault/pkg/errors"
	"github.com/pointvault/pointvault/pkg/logger"
	"github.com/pointvault/pointvault/point"
)

const btreeDegree = 16

// sample is one stored value keyed by stamp.
type sample struct {
	stamp point.Stamp
	value point.VersionedValue
}

func sampleLess(a, b sample) bool {
	return a.stamp < b.stamp
}

// undoRecord remembers the state of one slot before the transaction
// touched it. Rollback replays records in reverse.
type undoRecord struct {
	pointUUID uuid.UUID
	stamp     point.Stamp
	previous  *sample
}

// Memory is the in-memory storage engine: one ordered tree of versioned
// samples per point. It supports count queries and purge.
type Memory struct {
	mu            sync.RWMutex
	trees         map[uuid.UUID]*btree.BTreeG[sample]
	version       uint64
	inTransaction bool
	undo          []undoRecord
	responseLimit int
}

// NewMemory creates an in-memory engine. The response limit caps the
// values in one response; 0 means uncapped.
func NewMemory(responseLimit int) *Memory {
	return &Memory{
		trees:         make(map[uuid.UUID]*btree.BTreeG[sample]),
		responseLimit: responseLimit,
	}
}

// Open implements BackEnd.
func (m *Memory) Open(_ context.Context) error {
	logger.Debug().Msg("Memory back-end open")
	return nil
}

// Close implements BackEnd.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trees = make(map[uuid.UUID]*btree.BTreeG[sample])
	return nil
}

// BeginUpdates implements BackEnd.
func (m *Memory) BeginUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inTransaction = true
	m.undo = m.undo[:0]
}

// Commit implements BackEnd.
func (m *Memory) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = m.undo[:0]
	return nil
}

// Rollback implements BackEnd.
func (m *Memory) Rollback() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.undo) - 1; i >= 0; i-- {
		record := m.undo[i]
		tree := m.trees[record.pointUUID]
		if tree == nil {
			continue
		}
		if record.previous != nil {
			tree.ReplaceOrInsert(*record.previous)
		} else {
			tree.Delete(sample{stamp: record.stamp})
		}
	}
	m.undo = m.undo[:0]
}

// EndUpdates implements BackEnd.
func (m *Memory) EndUpdates() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inTransaction = false
	m.undo = m.undo[:0]
}

// Update implements BackEnd.
func (m *Memory) Update(value point.VersionedValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inTransaction {
		return errors.NewBackEndError("update", errors.New("no open transaction"))
	}

	tree, ok := m.trees[value.PointUUID]
	if !ok {
		tree = btree.NewG(btreeDegree, sampleLess)
		m.trees[value.PointUUID] = tree
	}

	m.version++
	value.Version = m.version

	entry := sample{stamp: value.Stamp, value: value}
	previous, replaced := tree.ReplaceOrInsert(entry)
	record := undoRecord{pointUUID: value.PointUUID, stamp: value.Stamp}
	if replaced {
		record.previous = &previous
	}
	m.undo = append(m.undo, record)
	return nil
}

// Delete implements BackEnd.
func (m *Memory) Delete(value point.VersionedValue) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inTransaction {
		return 0, errors.NewBackEndError("delete", errors.New("no open transaction"))
	}

	tree, ok := m.trees[value.PointUUID]
	if !ok {
		return 0, nil
	}
	previous, removed := tree.Delete(sample{stamp: value.Stamp})
	if !removed {
		return 0, nil
	}
	m.undo = append(m.undo, undoRecord{
		pointUUID: value.PointUUID,
		stamp:     value.Stamp,
		previous:  &previous,
	})
	return 1, nil
}

// CreateResponse implements BackEnd.
func (m *Memory) CreateResponse(_ context.Context, query point.Query) *point.StoreValues {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tree := m.trees[query.PointUUID]
	if tree == nil {
		if query.Count {
			return &point.StoreValues{Count: 0}
		}
		return point.NewStoreValues()
	}

	if query.Count {
		return &point.StoreValues{Count: m.countLocked(tree, query.Interval)}
	}

	limit := query.Rows
	if m.responseLimit > 0 && (limit == 0 || limit > m.responseLimit) {
		limit = m.responseLimit
	}

	response := point.NewStoreValues()
	truncated := false
	visit := func(entry sample) bool {
		if !query.Interval.Contains(entry.stamp) {
			return false
		}
		if limit > 0 && response.Size() >= limit {
			truncated = true
			return false
		}
		response.Add(entry.value.Value)
		return true
	}

	if query.Reverse {
		if before, bounded := query.Interval.NotAfter(); bounded {
			tree.DescendLessOrEqual(sample{stamp: before}, visit)
		} else {
			tree.Descend(visit)
		}
	} else {
		if after, bounded := query.Interval.NotBefore(); bounded {
			tree.AscendGreaterOrEqual(sample{stamp: after}, visit)
		} else {
			tree.Ascend(visit)
		}
	}

	if truncated && !response.IsEmpty() {
		last := response.Values[response.Size()-1].Stamp
		response.Mark = point.NewMark(query, last)
	}
	return response
}

func (m *Memory) countLocked(tree *btree.BTreeG[sample], interval point.TimeInterval) int64 {
	var count int64
	visit := func(entry sample) bool {
		if !interval.Contains(entry.stamp) {
			return false
		}
		count++
		return true
	}
	if after, bounded := interval.NotBefore(); bounded {
		tree.AscendGreaterOrEqual(sample{stamp: after}, visit)
	} else {
		tree.Ascend(visit)
	}
	return count
}

// SupportsCount implements BackEnd.
func (m *Memory) SupportsCount() bool {
	return true
}

// SupportsPurge implements BackEnd.
func (m *Memory) SupportsPurge() bool {
	return true
}

// Purge implements BackEnd. Purge bypasses the transaction bracket: the
// removals are immediate and not undoable.
func (m *Memory) Purge(_ context.Context, pointUUIDs []uuid.UUID, interval point.TimeInterval) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	purged := 0
	for _, id := range pointUUIDs {
		tree := m.trees[id]
		if tree == nil {
			continue
		}
		var doomed []point.Stamp
		visit := func(entry sample) bool {
			if !interval.Contains(entry.stamp) {
				return false
			}
			doomed = append(doomed, entry.stamp)
			return true
		}
		if after, bounded := interval.NotBefore(); bounded {
			tree.AscendGreaterOrEqual(sample{stamp: after}, visit)
		} else {
			tree.Ascend(visit)
		}
		for _, stamp := range doomed {
			if _, removed := tree.Delete(sample{stamp: stamp}); removed {
				purged++
			}
		}
	}
	logger.Debug().Int("purged", purged).Msg("Memory back-end purge")
	return purged, nil
}
