package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

type inFlight struct {
	worker  string
	started time.Time
}

// Memory is a single-process Schedule
type Memory struct {
	mu       sync.Mutex
	due      map[string]time.Time
	inFlight map[string]inFlight
}

// NewMemory creates an empty schedule
func NewMemory() *Memory {
	return &Memory{
		due:      make(map[string]time.Time),
		inFlight: make(map[string]inFlight),
	}
}

func (m *Memory) Add(_ context.Context, wallet string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.due[wallet]; !ok {
		m.due[wallet] = at
	}
	return nil
}

func (m *Memory) Reschedule(_ context.Context, wallet string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.due[wallet] = at
	return nil
}

func (m *Memory) Remove(_ context.Context, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.due, wallet)
	delete(m.inFlight, wallet)
	return nil
}

// ClaimDue returns due wallets earliest first
func (m *Memory) ClaimDue(_ context.Context, now time.Time, limit int64, worker string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []string
	for wallet, at := range m.due {
		if !at.After(now) {
			due = append(due, wallet)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := m.due[due[i]], m.due[due[j]]
		if a.Equal(b) {
			return due[i] < due[j]
		}
		return a.Before(b)
	})
	if limit > 0 && int64(len(due)) > limit {
		due = due[:limit]
	}

	for _, wallet := range due {
		delete(m.due, wallet)
		m.inFlight[wallet] = inFlight{worker: worker, started: now}
	}
	return due, nil
}

func (m *Memory) Release(_ context.Context, wallet string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, wallet)
	return nil
}

func (m *Memory) RequeueStuck(_ context.Context, now time.Time, timeout time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requeued := 0
	for wallet, f := range m.inFlight {
		if now.Sub(f.started) <= timeout {
			continue
		}
		if _, ok := m.due[wallet]; !ok {
			m.due[wallet] = now
		}
		delete(m.inFlight, wallet)
		requeued++
	}
	return requeued, nil
}

func (m *Memory) Length(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.due)), nil
}

func (m *Memory) Close() error {
	return nil
}
