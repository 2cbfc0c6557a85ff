package payout

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rail-service/payout_service/internal/domain/entities"
)

// memStore is an in-memory Store. One mutex stands in for the row lock.
type memStore struct {
	mu        sync.Mutex
	payouts   map[string]*entities.Payout
	attempts  map[string][]*entities.PayoutAttempt
	retries   map[uuid.UUID]*entities.RetryRecord
	signals   []*entities.PayoutSignal
	unmatched []*entities.UnmatchedSignal
}

func newMemStore() *memStore {
	return &memStore{
		payouts:  make(map[string]*entities.Payout),
		attempts: make(map[string][]*entities.PayoutAttempt),
		retries:  make(map[uuid.UUID]*entities.RetryRecord),
	}
}

func (m *memStore) InsertPayout(_ context.Context, p *entities.Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payouts[p.ID()]; ok {
		return entities.ErrDuplicatePayout
	}
	m.payouts[p.ID()] = p.Clone()
	return nil
}

func (m *memStore) GetPayout(_ context.Context, id string) (*entities.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return nil, entities.ErrPayoutNotFound
	}
	return p.Clone(), nil
}

func (m *memStore) ListAttempts(_ context.Context, id string) ([]*entities.PayoutAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneAttempts(m.attempts[id]), nil
}

func (m *memStore) FindAttemptByReference(_ context.Context, providerID, reference string) (*entities.PayoutAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.attempts {
		for _, a := range list {
			if a.ProviderID == providerID && a.Reference() == reference {
				return a.Clone(), nil
			}
		}
	}
	return nil, entities.ErrAttemptNotFound
}

func (m *memStore) Transition(_ context.Context, id string, fn TransitionFunc) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return nil, entities.ErrPayoutNotFound
	}
	snap := &Snapshot{Payout: p.Clone(), Attempts: cloneAttempts(m.attempts[id])}
	ch, err := fn(snap)
	if err != nil {
		return nil, err
	}
	if ch != nil {
		if ch.Payout != nil {
			m.payouts[id] = ch.Payout.Clone()
		}
		for _, a := range ch.Attempts {
			m.upsertAttempt(id, a.Clone())
		}
		for _, attemptID := range ch.DeleteRetries {
			delete(m.retries, attemptID)
		}
		if ch.SaveRetry != nil {
			rec := *ch.SaveRetry
			m.retries[rec.AttemptID] = &rec
		}
		m.signals = append(m.signals, ch.Signals...)
	}
	return &Snapshot{Payout: m.payouts[id].Clone(), Attempts: cloneAttempts(m.attempts[id])}, nil
}

func (m *memStore) upsertAttempt(id string, a *entities.PayoutAttempt) {
	for i, existing := range m.attempts[id] {
		if existing.ID == a.ID {
			m.attempts[id][i] = a
			return
		}
	}
	m.attempts[id] = append(m.attempts[id], a)
}

func (m *memStore) DueRetries(_ context.Context, now time.Time, limit int) ([]*entities.RetryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*entities.RetryRecord
	for _, r := range m.retries {
		if !r.NextRetryAt.After(now) {
			rec := *r
			due = append(due, &rec)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memStore) DeleteRetry(_ context.Context, attemptID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retries, attemptID)
	return nil
}

func (m *memStore) RecordUnmatched(_ context.Context, s *entities.UnmatchedSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unmatched = append(m.unmatched, s)
	return nil
}

func (m *memStore) AwaitingProvider(_ context.Context, olderThan time.Time, limit int) ([]*entities.PayoutAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entities.PayoutAttempt
	for id, list := range m.attempts {
		if m.payouts[id].Status.IsTerminal() {
			continue
		}
		for _, a := range list {
			if a.Outcome.IsTerminal() || a.UpdatedAt.After(olderThan) {
				continue
			}
			if _, scheduled := m.retries[a.ID]; scheduled {
				continue
			}
			out = append(out, a.Clone())
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) StaleCreated(_ context.Context, olderThan time.Time, limit int) ([]*entities.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entities.Payout
	for id, p := range m.payouts {
		if p.Status != entities.PayoutStatusCreated || !p.UpdatedAt.Before(olderThan) || len(m.attempts[id]) > 0 {
			continue
		}
		out = append(out, p.Clone())
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) PendingSettlements(_ context.Context, limit int) ([]*entities.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entities.Payout
	for _, p := range m.payouts {
		if p.Settlement.IsPending() {
			out = append(out, p.Clone())
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkSettlementDone(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.payouts[id]; ok && p.Settlement.IsPending() {
		p.Settlement = entities.SettlementDone
	}
	return nil
}

func (m *memStore) retryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.retries)
}

func (m *memStore) signalsFor(id string) []*entities.PayoutSignal {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entities.PayoutSignal
	for _, s := range m.signals {
		if s.InternalTransactionID == id {
			out = append(out, s)
		}
	}
	return out
}

func cloneAttempts(in []*entities.PayoutAttempt) []*entities.PayoutAttempt {
	out := make([]*entities.PayoutAttempt, len(in))
	for i, a := range in {
		out[i] = a.Clone()
	}
	return out
}
