package queue

import (
	"context"
	"sync"
	"time"

	"marketindex/pkg/types"
)

// Memory is the process-local backend. Pushes append to an unbounded
// slice; a one-slot wake channel lets a blocked Pop return as soon as work
// arrives instead of polling.
type Memory struct {
	mu        sync.Mutex
	txJobs    []types.TxJob
	sweepJobs []types.SweepJob
	locks     map[string]time.Time // market id -> lock expiry

	txWake    chan struct{}
	sweepWake chan struct{}

	dedupeTTL time.Duration
	now       func() time.Time
}

// NewMemory returns an in-memory queue with the given sweep lock TTL.
func NewMemory(dedupeTTL time.Duration) *Memory {
	return &Memory{
		locks:     make(map[string]time.Time),
		txWake:    make(chan struct{}, 1),
		sweepWake: make(chan struct{}, 1),
		dedupeTTL: dedupeTTL,
		now:       time.Now,
	}
}

func (m *Memory) PushTx(_ context.Context, job types.TxJob) error {
	m.mu.Lock()
	m.txJobs = append(m.txJobs, job)
	m.mu.Unlock()
	wake(m.txWake)
	return nil
}

func (m *Memory) PopTx(ctx context.Context) (types.TxJob, bool, error) {
	deadline := time.NewTimer(PopTimeout)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		if len(m.txJobs) > 0 {
			job := m.txJobs[0]
			m.txJobs = m.txJobs[1:]
			m.mu.Unlock()
			return job, true, nil
		}
		m.mu.Unlock()

		select {
		case <-m.txWake:
		case <-deadline.C:
			return types.TxJob{}, false, nil
		case <-ctx.Done():
			return types.TxJob{}, false, ctx.Err()
		}
	}
}

func (m *Memory) EnqueueSweep(_ context.Context, marketID string) (bool, error) {
	m.mu.Lock()
	now := m.now()
	if expiry, held := m.locks[marketID]; held && now.Before(expiry) {
		m.mu.Unlock()
		return false, nil
	}
	m.locks[marketID] = now.Add(m.dedupeTTL)
	m.sweepJobs = append(m.sweepJobs, types.SweepJob{MarketID: marketID})
	m.mu.Unlock()
	wake(m.sweepWake)
	return true, nil
}

func (m *Memory) PopSweep(ctx context.Context) (types.SweepJob, bool, error) {
	deadline := time.NewTimer(PopTimeout)
	defer deadline.Stop()
	for {
		m.mu.Lock()
		if len(m.sweepJobs) > 0 {
			job := m.sweepJobs[0]
			m.sweepJobs = m.sweepJobs[1:]
			m.mu.Unlock()
			return job, true, nil
		}
		m.mu.Unlock()

		select {
		case <-m.sweepWake:
		case <-deadline.C:
			return types.SweepJob{}, false, nil
		case <-ctx.Done():
			return types.SweepJob{}, false, ctx.Err()
		}
	}
}

func (m *Memory) ReleaseSweepLock(_ context.Context, marketID string) error {
	m.mu.Lock()
	delete(m.locks, marketID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) PendingTx(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txJobs), nil
}

func (m *Memory) PendingSweep(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sweepJobs), nil
}

func (m *Memory) Close() error { return nil }

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
