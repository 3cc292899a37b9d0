// Package store persists the fills and final status of orchestrator runs
package store

import (
	"context"
	"sync"

	"order_orchestrator/internal/core"
)

// MemoryJournal implements core.IRunJournal in memory
type MemoryJournal struct {
	mu     sync.RWMutex
	fills  map[string][]core.Fill
	status map[string][]byte
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		fills:  make(map[string][]core.Fill),
		status: make(map[string][]byte),
	}
}

func (j *MemoryJournal) RecordFill(ctx context.Context, runID string, fill core.Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fills[runID] = append(j.fills[runID], fill)
	return nil
}

func (j *MemoryJournal) SaveStatus(ctx context.Context, runID string, status []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status[runID] = append([]byte(nil), status...)
	return nil
}

func (j *MemoryJournal) LoadFills(ctx context.Context, runID string) ([]core.Fill, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]core.Fill(nil), j.fills[runID]...), nil
}

// LoadStatus returns the saved status of runID, nil when none was saved
func (j *MemoryJournal) LoadStatus(ctx context.Context, runID string) ([]byte, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status[runID], nil
}

func (j *MemoryJournal) Close() error {
	return nil
}

var _ core.IRunJournal = (*MemoryJournal)(nil)
