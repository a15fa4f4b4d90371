package geo

import (
	"sort"
	"sync"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
)

// Registry is the minimal interface required by the matcher, trail recorder and
// socket handlers. Tests substitute deterministic fakes.
type Registry interface {
	Register(providerID, connID string, role models.Role, coords *models.Coord)
	Unregister(connID string) (string, bool)
	Get(providerID string) (models.ProviderEntry, bool)
	UpdateCoordinates(providerID string, c models.Coord) bool
	SetAvailable(providerID string, available bool) bool
	Snapshot() []models.ProviderEntry
}

// Observer is notified after registry mutations, outside the registry lock.
type Observer interface {
	ProviderUpdated(e models.ProviderEntry)
	ProviderRemoved(providerID string)
}

// Index is the in-memory provider registry. It is owned by the process and
// injected where needed; a restart drops every provider.
type Index struct {
	mu        sync.RWMutex
	providers map[string]models.ProviderEntry
	byConn    map[string]string
	// busy outlives the entry so a reconnecting provider stays unavailable
	busy      map[string]struct{}
	observers []Observer
}

func NewIndex(observers ...Observer) *Index {
	return &Index{
		providers: make(map[string]models.ProviderEntry),
		byConn:    make(map[string]string),
		busy:      make(map[string]struct{}),
		observers: observers,
	}
}

// Register upserts a provider. Known coordinates survive a call without them.
func (g *Index) Register(providerID, connID string, role models.Role, coords *models.Coord) {
	if providerID == "" {
		return
	}
	g.mu.Lock()
	existing, ok := g.providers[providerID]
	if ok && existing.ConnectionID != connID {
		delete(g.byConn, existing.ConnectionID)
	}
	// a connection re-registering under another identity replaces it
	if prev, taken := g.byConn[connID]; taken && prev != providerID {
		delete(g.providers, prev)
		defer g.notifyRemoved(prev)
	}
	e := models.ProviderEntry{
		ProviderID:   providerID,
		ConnectionID: connID,
		Role:         role,
		Updated:      time.Now(),
	}
	_, busy := g.busy[providerID]
	e.Available = !busy
	if ok {
		e.Available = existing.Available
		if role == "" {
			e.Role = existing.Role
		}
		e.Coordinates = existing.Coordinates
	}
	if coords != nil {
		c := *coords
		e.Coordinates = &c
	}
	g.providers[providerID] = e
	g.byConn[connID] = providerID
	n := len(g.providers)
	g.mu.Unlock()

	observability.ProvidersOnline.Set(float64(n))
	g.notifyUpdated(e)
}

// Unregister drops the entry bound to connID and returns its provider id.
func (g *Index) Unregister(connID string) (string, bool) {
	g.mu.Lock()
	id, ok := g.byConn[connID]
	if !ok {
		g.mu.Unlock()
		return "", false
	}
	delete(g.byConn, connID)
	delete(g.providers, id)
	n := len(g.providers)
	g.mu.Unlock()

	observability.ProvidersOnline.Set(float64(n))
	g.notifyRemoved(id)
	return id, true
}

func (g *Index) Get(providerID string) (models.ProviderEntry, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.providers[providerID]
	return e, ok
}

func (g *Index) UpdateCoordinates(providerID string, c models.Coord) bool {
	g.mu.Lock()
	e, ok := g.providers[providerID]
	if !ok {
		g.mu.Unlock()
		return false
	}
	e.Coordinates = &c
	e.Updated = time.Now()
	g.providers[providerID] = e
	g.mu.Unlock()

	g.notifyUpdated(e)
	return true
}

// SetAvailable flips the provider's availability and reports whether it is
// connected. The flag is remembered for providers that register later.
func (g *Index) SetAvailable(providerID string, available bool) bool {
	g.mu.Lock()
	if available {
		delete(g.busy, providerID)
	} else {
		g.busy[providerID] = struct{}{}
	}
	e, ok := g.providers[providerID]
	if !ok {
		g.mu.Unlock()
		return false
	}
	e.Available = available
	e.Updated = time.Now()
	g.providers[providerID] = e
	g.mu.Unlock()

	g.notifyUpdated(e)
	return true
}

func (g *Index) Snapshot() []models.ProviderEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.ProviderEntry, 0, len(g.providers))
	for _, e := range g.providers {
		out = append(out, e)
	}
	return out
}

func (g *Index) notifyUpdated(e models.ProviderEntry) {
	for _, o := range g.observers {
		o.ProviderUpdated(e)
	}
}

func (g *Index) notifyRemoved(id string) {
	for _, o := range g.observers {
		o.ProviderRemoved(id)
	}
}

// Matcher answers proximity queries with a linear scan of the registry.
type Matcher struct {
	Registry Registry
}

// FindWithin returns available providers of role within radiusMeters of the
// center, nearest first. No candidates is an empty slice, not an error.
func (m *Matcher) FindWithin(lat, lng, radiusMeters float64, role models.Role) []models.Candidate {
	out := []models.Candidate{}
	for _, e := range m.Registry.Snapshot() {
		if e.Coordinates == nil || e.Role != role || !e.Available {
			continue
		}
		d := Haversine(lat, lng, e.Coordinates.Lat, e.Coordinates.Lng)
		if d > radiusMeters {
			continue
		}
		out = append(out, models.Candidate{
			ProviderID:     e.ProviderID,
			ConnectionID:   e.ConnectionID,
			DistanceMeters: d,
			Coordinates:    *e.Coordinates,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceMeters == out[j].DistanceMeters {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].DistanceMeters < out[j].DistanceMeters
	})
	return out
}
