package lifecycle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
	"github.com/example/roadside-dispatch/internal/pricing"
	"github.com/example/roadside-dispatch/internal/storage"
)

// Store is the persistence the lifecycle needs.
type Store interface {
	storage.RequestStore
	storage.PricingStore
	storage.ProviderStore
}

// EventSink receives lifecycle facts. Publishing is best effort.
type EventSink interface {
	Publish(ctx context.Context, e models.Event) error
}

type NopSink struct{}

func (NopSink) Publish(context.Context, models.Event) error { return nil }

// Availability is the registry side of provider availability.
type Availability interface {
	SetAvailable(providerID string, available bool) bool
}

type Service struct {
	Store        Store
	Calculator   *pricing.Calculator
	FuelPrices   pricing.FuelPriceSource // optional live feed
	Availability Availability            // optional
	Events       EventSink
	Logger       *slog.Logger
	Clock        func() time.Time
	NewOTP       func() string
}

func NewService(store Store, calc *pricing.Calculator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store:      store,
		Calculator: calc,
		Events:     NopSink{},
		Logger:     logger,
		Clock:      func() time.Time { return time.Now().UTC() },
		NewOTP:     GenerateOTP,
	}
}

// GenerateOTP returns a 4-digit one-time code in [1000, 9999].
func GenerateOTP() string {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return strconv.FormatInt(1000+time.Now().UnixNano()%9000, 10)
	}
	return strconv.FormatInt(1000+n.Int64(), 10)
}

type NewRequest struct {
	RequesterID    string
	ServiceType    models.ServiceType
	Lat, Lng       float64
	Address        string
	Description    string
	MechanicalType string
	FuelDetails    *models.FuelDetails
}

func (s *Service) Create(ctx context.Context, in NewRequest) (*models.ServiceRequest, error) {
	if strings.TrimSpace(in.RequesterID) == "" {
		return nil, badRequest("requester id is required")
	}
	if !in.ServiceType.Valid() {
		return nil, badRequest("unknown service type %q", in.ServiceType)
	}
	if err := geo.ValidateCoord(in.Lat, in.Lng); err != nil {
		return nil, err
	}
	if in.FuelDetails != nil && in.FuelDetails.Quantity < 0 {
		return nil, badRequest("fuel quantity must not be negative")
	}
	now := s.Clock()
	r := &models.ServiceRequest{
		ID:              uuid.NewString(),
		RequesterID:     in.RequesterID,
		ServiceType:     in.ServiceType,
		Location:        models.Location{Coord: models.Coord{Lat: in.Lat, Lng: in.Lng}, Address: in.Address},
		Description:     in.Description,
		MechanicalType:  in.MechanicalType,
		FuelDetails:     in.FuelDetails,
		Status:          models.StatusPending,
		AcceptanceLog:   []models.AcceptanceEntry{},
		LocationHistory: []models.TrailPoint{},
		Payment:         models.Payment{Status: models.PaymentPending},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.Store.CreateRequest(ctx, r); err != nil {
		return nil, storeErr("create request", err)
	}
	s.publish(ctx, r, models.EventRequestCreated)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.ServiceRequest, error) {
	r, err := s.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, storeErr("get request", err)
	}
	return r, nil
}

type AcceptInput struct {
	RequestID  string
	ProviderID string
	Role       models.Role
	Via        Channel
}

type AcceptResult struct {
	Request *models.ServiceRequest
	OTP     string
}

// Accept runs the first-writer-wins acceptance. Exactly one concurrent caller
// gets a result; everyone else gets ErrAlreadyAssigned and nothing changes
// except the acceptance log.
func (s *Service) Accept(ctx context.Context, in AcceptInput) (*AcceptResult, error) {
	if in.RequestID == "" || in.ProviderID == "" {
		return nil, badRequest("request id and provider id are required")
	}
	if !in.Role.IsProvider() {
		return nil, badRequest("role %q cannot accept requests", in.Role)
	}
	otp := s.NewOTP()
	r, won, err := s.Store.AssignIfPending(ctx, storage.AssignParams{
		RequestID:  in.RequestID,
		ProviderID: in.ProviderID,
		Role:       in.Role,
		Status:     in.Via.AcceptedStatus(),
		OTP:        otp,
		At:         s.Clock(),
	})
	if err != nil {
		observability.AcceptAttempts.WithLabelValues("error").Inc()
		return nil, storeErr("accept request", err)
	}
	if !won {
		observability.AcceptAttempts.WithLabelValues("lost").Inc()
		s.Logger.Info("acceptance lost", "request_id", in.RequestID, "provider_id", in.ProviderID, "status", r.Status)
		return nil, fmt.Errorf("%w: %s", ErrAlreadyAssigned, in.RequestID)
	}
	observability.AcceptAttempts.WithLabelValues("won").Inc()
	s.setAvailability(ctx, in.ProviderID, in.Role, false)
	s.publish(ctx, r, models.EventRequestAccepted)
	return &AcceptResult{Request: r, OTP: otp}, nil
}

type StatusInput struct {
	RequestID  string
	ProviderID string // optional; when set it must match the assignee
	Status     models.Status
	// completion only
	DistanceMeters *float64
	Amount         *float64
}

type StatusResult struct {
	Request       *models.ServiceRequest
	Fare          *models.Fare
	LiveFuelPrice *float64
}

func (s *Service) UpdateStatus(ctx context.Context, in StatusInput) (*StatusResult, error) {
	r, err := s.Store.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, storeErr("load request", err)
	}
	if !CanTransition(r.Status, in.Status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, in.Status)
	}
	if in.ProviderID != "" && in.ProviderID != r.AssignedProviderID {
		return nil, ErrNotAssignee
	}
	if in.Status == models.StatusCompleted {
		return s.complete(ctx, r, in)
	}
	updated, err := s.Store.TransitionStatus(ctx, r.ID, r.Status, in.Status, s.Clock())
	if errors.Is(err, storage.ErrConflict) {
		return nil, fmt.Errorf("%w: request %s changed concurrently", ErrInvalidTransition, r.ID)
	}
	if err != nil {
		return nil, storeErr("update status", err)
	}
	s.publish(ctx, updated, models.EventStatusChanged)
	return &StatusResult{Request: updated}, nil
}

func (s *Service) complete(ctx context.Context, r *models.ServiceRequest, in StatusInput) (*StatusResult, error) {
	now := s.Clock()
	policy, err := s.Policy(ctx)
	if err != nil {
		return nil, err
	}
	cond := pricing.Conditions{At: now}
	if window := s.Calculator.Rules.DemandWindow; window > 0 {
		n, err := s.Store.CountActiveSince(ctx, now.Add(-window))
		if err != nil {
			s.Logger.Warn("demand count unavailable, pricing without it", "request_id", r.ID, "err", err)
		}
		cond.ActiveDemand = n
	}
	if r.ServiceType == models.ServiceFuel && s.FuelPrices != nil {
		fuelType := ""
		if r.FuelDetails != nil {
			fuelType = r.FuelDetails.FuelType
		}
		if p, err := s.FuelPrices.Price(ctx, fuelType); err != nil {
			s.Logger.Warn("live fuel price unavailable, using policy price", "request_id", r.ID, "err", err)
		} else {
			cond.LiveFuelPrice = &p
		}
	}

	fare := s.Calculator.ComputeFare(r, policy, in.DistanceMeters, in.Amount, cond)
	payment := models.Payment{
		Amount:      fare.Amount,
		Currency:    fare.Currency,
		Status:      models.PaymentPending,
		Suspicious:  fare.Suspicious,
		ProviderSet: fare.ProviderSet,
	}
	done, err := s.Store.Complete(ctx, r.ID, storage.Completion{
		From:           r.Status,
		DistanceMeters: fare.DistanceMeters,
		Payment:        payment,
		At:             now,
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil, fmt.Errorf("%w: request %s changed concurrently", ErrInvalidTransition, r.ID)
	}
	if err != nil {
		return nil, storeErr("complete request", err)
	}

	observability.FaresComputed.Inc()
	if fare.Suspicious {
		observability.FaresSuspicious.Inc()
		s.Logger.Warn("suspicious fare", "request_id", r.ID, "provider_id", r.AssignedProviderID,
			"amount", fare.Amount, "calculated", fare.BaseAmount)
	}
	s.setAvailability(ctx, done.AssignedProviderID, done.AssignedProviderRole, true)
	s.publish(ctx, done, models.EventRequestCompleted)
	return &StatusResult{Request: done, Fare: &fare, LiveFuelPrice: cond.LiveFuelPrice}, nil
}

// Policy returns the newest pricing policy, creating the default one on first use.
func (s *Service) Policy(ctx context.Context) (models.PricingPolicy, error) {
	p, err := s.Store.LatestPolicy(ctx)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return models.PricingPolicy{}, storeErr("load pricing policy", err)
	}
	p = models.DefaultPricingPolicy()
	p.UpdatedAt = s.Clock()
	if err := s.Store.SavePolicy(ctx, p); err != nil {
		return models.PricingPolicy{}, storeErr("save default pricing policy", err)
	}
	return p, nil
}

// SetPolicy stores p as the newest policy version.
func (s *Service) SetPolicy(ctx context.Context, p models.PricingPolicy) (models.PricingPolicy, error) {
	if p.PricePerKm < 0 || p.FuelPricePerUnit < 0 || p.MinimumFare < 0 {
		return models.PricingPolicy{}, badRequest("prices must not be negative")
	}
	if p.Currency == "" {
		p.Currency = models.DefaultPricingPolicy().Currency
	}
	p.UpdatedAt = s.Clock()
	if err := s.Store.SavePolicy(ctx, p); err != nil {
		return models.PricingPolicy{}, storeErr("save pricing policy", err)
	}
	return p, nil
}

// HasActiveAssignment reports whether providerID holds a request that is not
// completed yet.
func (s *Service) HasActiveAssignment(ctx context.Context, providerID string) (bool, error) {
	_, err := s.Store.FindActiveByProvider(ctx, providerID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case err != nil:
		return false, storeErr("find active request", err)
	}
	return true, nil
}

func (s *Service) setAvailability(ctx context.Context, providerID string, role models.Role, available bool) {
	if providerID == "" {
		return
	}
	if s.Availability != nil {
		s.Availability.SetAvailable(providerID, available)
	}
	if err := s.Store.SetAvailability(ctx, providerID, role, available); err != nil {
		s.Logger.Warn("provider availability not persisted", "provider_id", providerID, "available", available, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, r *models.ServiceRequest, t models.EventType) {
	if s.Events == nil {
		return
	}
	e := models.Event{
		ID:           uuid.NewString(),
		Type:         t,
		RequestID:    r.ID,
		RequesterID:  r.RequesterID,
		ProviderID:   r.AssignedProviderID,
		ProviderRole: r.AssignedProviderRole,
		Status:       r.Status,
		ServiceType:  r.ServiceType,
		At:           s.Clock(),
	}
	if t == models.EventRequestCompleted {
		p := r.Payment
		e.Payment = &p
	}
	if err := s.Events.Publish(ctx, e); err != nil {
		s.Logger.Warn("event publish failed", "type", t, "request_id", r.ID, "err", err)
	}
}
