// Package trail records the location history of active service requests.
package trail

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/storage"
)

type Store interface {
	GetRequest(ctx context.Context, id string) (*models.ServiceRequest, error)
	AppendTrailPoint(ctx context.Context, id string, p models.TrailPoint) (bool, error)
	FindActiveByProvider(ctx context.Context, providerID string) (*models.ServiceRequest, error)
}

// Forwarder relays a recorded position to the requester's live view.
type Forwarder interface {
	ForwardProviderLocation(requesterID, requestID, providerID string, c models.Coord, at time.Time)
}

type Sample struct {
	RequestID  string // optional when ProviderID has an active request
	ProviderID string
	Lat, Lng   float64
	Timestamp  time.Time
}

type Result struct {
	Recorded  bool
	RequestID string
}

type Recorder struct {
	Store    Store
	Registry geo.Registry // optional
	Forward  Forwarder    // optional
	Logger   *slog.Logger
	Clock    func() time.Time
}

func NewRecorder(store Store, registry geo.Registry, fwd Forwarder, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		Store:    store,
		Registry: registry,
		Forward:  fwd,
		Logger:   logger,
		Clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Append records one position sample. Samples for requests that are unknown,
// not active, or assigned to someone else are ignored without error; only an
// invalid coordinate or a store failure is reported.
func (r *Recorder) Append(ctx context.Context, s Sample) (Result, error) {
	if err := geo.ValidateCoord(s.Lat, s.Lng); err != nil {
		observability.TrailSamples.WithLabelValues("invalid").Inc()
		return Result{}, err
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = r.Clock()
	}
	pos := models.Coord{Lat: s.Lat, Lng: s.Lng}
	if s.ProviderID != "" && r.Registry != nil {
		r.Registry.UpdateCoordinates(s.ProviderID, pos)
	}

	req, err := r.lookup(ctx, s)
	if errors.Is(err, storage.ErrNotFound) {
		return r.ignored(s.RequestID), nil
	}
	if err != nil {
		return Result{}, err
	}
	if !req.Status.IsActive() || (s.ProviderID != "" && req.AssignedProviderID != s.ProviderID) {
		return r.ignored(req.ID), nil
	}

	ok, err := r.Store.AppendTrailPoint(ctx, req.ID, models.TrailPoint{Lat: s.Lat, Lng: s.Lng, Timestamp: s.Timestamp})
	if errors.Is(err, storage.ErrNotFound) {
		return r.ignored(req.ID), nil
	}
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return r.ignored(req.ID), nil
	}
	observability.TrailSamples.WithLabelValues("recorded").Inc()
	if r.Forward != nil {
		r.Forward.ForwardProviderLocation(req.RequesterID, req.ID, req.AssignedProviderID, pos, s.Timestamp)
	}
	return Result{Recorded: true, RequestID: req.ID}, nil
}

func (r *Recorder) lookup(ctx context.Context, s Sample) (*models.ServiceRequest, error) {
	if s.RequestID != "" {
		return r.Store.GetRequest(ctx, s.RequestID)
	}
	if s.ProviderID == "" {
		return nil, storage.ErrNotFound
	}
	return r.Store.FindActiveByProvider(ctx, s.ProviderID)
}

func (r *Recorder) ignored(requestID string) Result {
	observability.TrailSamples.WithLabelValues("ignored").Inc()
	r.Logger.Debug("location sample ignored", "request_id", requestID)
	return Result{RequestID: requestID}
}
