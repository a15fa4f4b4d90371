package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional write found the record in another state.
	ErrConflict = errors.New("conditional write lost")
)

// AssignParams describes one acceptance attempt.
type AssignParams struct {
	RequestID  string
	ProviderID string
	Role       models.Role
	Status     models.Status
	OTP        string
	At         time.Time
}

// Completion is written atomically together with the completed status.
type Completion struct {
	From           models.Status
	DistanceMeters float64
	Payment        models.Payment
	At             time.Time
}

// RequestStore persists service requests. Every state change is a single
// conditional write; implementations must not check-then-act in Go code
// without holding the same lock the write uses.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.ServiceRequest) error
	GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error)
	// AssignIfPending records the attempt in the acceptance log and assigns the
	// request only if it is still pending. won reports whether this call did.
	AssignIfPending(ctx context.Context, p AssignParams) (r *models.ServiceRequest, won bool, err error)
	// TransitionStatus moves from -> to, or returns ErrConflict.
	TransitionStatus(ctx context.Context, id string, from, to models.Status, at time.Time) (*models.ServiceRequest, error)
	// Complete moves c.From -> completed with distance and payment, or returns ErrConflict.
	Complete(ctx context.Context, id string, c Completion) (*models.ServiceRequest, error)
	// AppendTrailPoint appends only while the request is active.
	AppendTrailPoint(ctx context.Context, id string, p models.TrailPoint) (bool, error)
	FindActiveByProvider(ctx context.Context, providerID string) (*models.ServiceRequest, error)
	// CountActiveSince counts open requests created at or after since.
	CountActiveSince(ctx context.Context, since time.Time) (int, error)
}

type PricingStore interface {
	LatestPolicy(ctx context.Context) (models.PricingPolicy, error)
	SavePolicy(ctx context.Context, p models.PricingPolicy) error
}

// ProviderStore is the durable provider record (availability flag only).
type ProviderStore interface {
	SetAvailability(ctx context.Context, providerID string, role models.Role, available bool) error
}

type Earning struct {
	RequestID  string      `json:"request_id"`
	ProviderID string      `json:"provider_id"`
	Role       models.Role `json:"role"`
	Amount     float64     `json:"amount"`
	Currency   string      `json:"currency"`
	At         time.Time   `json:"at"`
}

type EarningsStore interface {
	// RecordEarning is idempotent per request; recorded is false on replays.
	RecordEarning(ctx context.Context, e Earning) (recorded bool, err error)
}

// Store bundles every persistence concern the server needs.
type Store interface {
	RequestStore
	PricingStore
	ProviderStore
	EarningsStore
	Close() error
}

// openStatuses are counted for demand pricing.
func openStatuses() []models.Status {
	return append([]models.Status{models.StatusPending}, models.ActiveStatuses...)
}

func statusStrings(ss []models.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
