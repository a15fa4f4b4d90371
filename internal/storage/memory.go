package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

type providerRecord struct {
	role      models.Role
	available bool
}

// MemoryStore is a mutex-guarded Store. Every conditional write happens
// under the same lock as its check, which makes it a real compare-and-swap.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]*models.ServiceRequest
	policies  []models.PricingPolicy
	providers map[string]providerRecord
	earnings  map[string]Earning
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]*models.ServiceRequest),
		providers: make(map[string]providerRecord),
		earnings:  make(map[string]Earning),
	}
}

func (m *MemoryStore) CreateRequest(ctx context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return ErrConflict
	}
	m.requests[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) AssignIfPending(ctx context.Context, p AssignParams) (*models.ServiceRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[p.RequestID]
	if !ok {
		return nil, false, ErrNotFound
	}
	r.AcceptanceLog = append(r.AcceptanceLog, models.AcceptanceEntry{ProviderID: p.ProviderID, Role: p.Role, At: p.At})
	if r.Status != models.StatusPending {
		return r.Clone(), false, nil
	}
	r.Status = p.Status
	r.AssignedProviderID = p.ProviderID
	r.AssignedProviderRole = p.Role
	r.OTP = p.OTP
	r.UpdatedAt = p.At
	return r.Clone(), true, nil
}

func (m *MemoryStore) TransitionStatus(ctx context.Context, id string, from, to models.Status, at time.Time) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from {
		return nil, ErrConflict
	}
	r.Status = to
	r.UpdatedAt = at
	return r.Clone(), nil
}

func (m *MemoryStore) Complete(ctx context.Context, id string, c Completion) (*models.ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != c.From {
		return nil, ErrConflict
	}
	at := c.At
	r.Status = models.StatusCompleted
	r.DistanceMeters = c.DistanceMeters
	r.Payment = c.Payment
	r.CompletedAt = &at
	r.UpdatedAt = at
	return r.Clone(), nil
}

func (m *MemoryStore) AppendTrailPoint(ctx context.Context, id string, p models.TrailPoint) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if !r.Status.IsActive() {
		return false, nil
	}
	r.LocationHistory = append(r.LocationHistory, p)
	return true, nil
}

func (m *MemoryStore) FindActiveByProvider(ctx context.Context, providerID string) (*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.ServiceRequest
	for _, r := range m.requests {
		if r.AssignedProviderID != providerID || !r.Status.IsActive() {
			continue
		}
		if best == nil || r.UpdatedAt.After(best.UpdatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best.Clone(), nil
}

func (m *MemoryStore) CountActiveSince(ctx context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	open := openStatuses()
	n := 0
	for _, r := range m.requests {
		if r.CreatedAt.Before(since) {
			continue
		}
		for _, s := range open {
			if r.Status == s {
				n++
				break
			}
		}
	}
	return n, nil
}

func (m *MemoryStore) LatestPolicy(ctx context.Context) (models.PricingPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.policies) == 0 {
		return models.PricingPolicy{}, ErrNotFound
	}
	return m.policies[len(m.policies)-1], nil
}

func (m *MemoryStore) SavePolicy(ctx context.Context, p models.PricingPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies = append(m.policies, p)
	sort.SliceStable(m.policies, func(i, j int) bool { return m.policies[i].UpdatedAt.Before(m.policies[j].UpdatedAt) })
	return nil
}

func (m *MemoryStore) SetAvailability(ctx context.Context, providerID string, role models.Role, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[providerID] = providerRecord{role: role, available: available}
	return nil
}

// Available reports the stored availability flag; unknown providers are available.
func (m *MemoryStore) Available(providerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[providerID]
	return !ok || p.available
}

func (m *MemoryStore) RecordEarning(ctx context.Context, e Earning) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.earnings[e.RequestID]; ok {
		return false, nil
	}
	m.earnings[e.RequestID] = e
	return true, nil
}

// Earnings returns recorded earnings ordered by time.
func (m *MemoryStore) Earnings() []Earning {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Earning, 0, len(m.earnings))
	for _, e := range m.earnings {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func (m *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
