package models

import "time"

type Coord struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// Role is the provider category used to route requests.
type Role string

const (
	RoleMechanic Role = "mechanic"
	RoleDelivery Role = "delivery"
	RoleUser     Role = "user"
)

func (r Role) IsProvider() bool { return r == RoleMechanic || r == RoleDelivery }

type ServiceType string

const (
	ServiceMechanical ServiceType = "mechanical"
	ServiceFuel       ServiceType = "fuel"
)

// TargetRole maps a service type to the providers that can fulfil it.
func (t ServiceType) TargetRole() Role {
	if t == ServiceFuel {
		return RoleDelivery
	}
	return RoleMechanic
}

func (t ServiceType) Valid() bool { return t == ServiceMechanical || t == ServiceFuel }

type Status string

const (
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusAssigned   Status = "assigned"
	StatusOnWay      Status = "on-way"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// ActiveStatuses are the statuses during which a trail is recorded.
var ActiveStatuses = []Status{StatusAccepted, StatusAssigned, StatusOnWay, StatusInProgress}

func (s Status) IsActive() bool {
	for _, a := range ActiveStatuses {
		if s == a {
			return true
		}
	}
	return false
}

// ProviderEntry is the registry view of a connected provider.
type ProviderEntry struct {
	ProviderID   string    `json:"provider_id"`
	ConnectionID string    `json:"connection_id"`
	Role         Role      `json:"role"`
	Coordinates  *Coord    `json:"coordinates,omitempty"`
	Available    bool      `json:"available"`
	Updated      time.Time `json:"updated"`
}

// Candidate is a provider returned by a proximity query.
type Candidate struct {
	ProviderID     string  `json:"provider_id"`
	ConnectionID   string  `json:"connection_id"`
	DistanceMeters float64 `json:"distance_meters"`
	Coordinates    Coord   `json:"coordinates"`
}

type Location struct {
	Coord   `bson:",inline"`
	Address string `json:"address,omitempty" bson:"address,omitempty"`
}

type FuelDetails struct {
	Quantity float64 `json:"quantity" bson:"quantity"`
	FuelType string  `json:"fuelType" bson:"fuel_type"`
}

type TrailPoint struct {
	Lat       float64   `json:"lat" bson:"lat"`
	Lng       float64   `json:"lng" bson:"lng"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

type AcceptanceEntry struct {
	ProviderID string    `json:"providerId" bson:"provider_id"`
	Role       Role      `json:"role" bson:"role"`
	At         time.Time `json:"timestamp" bson:"at"`
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
)

type Payment struct {
	Amount      float64       `json:"amount" bson:"amount"`
	Currency    string        `json:"currency" bson:"currency"`
	Status      PaymentStatus `json:"status" bson:"status"`
	Suspicious  bool          `json:"suspicious" bson:"suspicious"`
	ProviderSet bool          `json:"providerSetAmount" bson:"provider_set_amount"`
}

type ServiceRequest struct {
	ID                   string            `json:"id" bson:"_id"`
	RequesterID          string            `json:"requesterId" bson:"requester_id"`
	ServiceType          ServiceType       `json:"serviceType" bson:"service_type"`
	Location             Location          `json:"location" bson:"location"`
	Description          string            `json:"description,omitempty" bson:"description,omitempty"`
	MechanicalType       string            `json:"mechanicalType,omitempty" bson:"mechanical_type,omitempty"`
	FuelDetails          *FuelDetails      `json:"fuelDetails,omitempty" bson:"fuel_details,omitempty"`
	Status               Status            `json:"status" bson:"status"`
	AssignedProviderID   string            `json:"assignedProviderId,omitempty" bson:"assigned_provider_id,omitempty"`
	AssignedProviderRole Role              `json:"assignedProviderRole,omitempty" bson:"assigned_provider_role,omitempty"`
	AcceptanceLog        []AcceptanceEntry `json:"acceptanceLog" bson:"acceptance_log"`
	LocationHistory      []TrailPoint      `json:"locationHistory" bson:"location_history"`
	DistanceMeters       float64           `json:"distanceMeters" bson:"distance_meters"`
	Payment              Payment           `json:"payment" bson:"payment"`
	OTP                  string            `json:"-" bson:"otp,omitempty"`
	CreatedAt            time.Time         `json:"createdAt" bson:"created_at"`
	UpdatedAt            time.Time         `json:"updatedAt" bson:"updated_at"`
	CompletedAt          *time.Time        `json:"completedAt,omitempty" bson:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can't mutate store-owned slices.
func (r *ServiceRequest) Clone() *ServiceRequest {
	if r == nil {
		return nil
	}
	c := *r
	c.AcceptanceLog = append([]AcceptanceEntry(nil), r.AcceptanceLog...)
	c.LocationHistory = append([]TrailPoint(nil), r.LocationHistory...)
	if r.FuelDetails != nil {
		fd := *r.FuelDetails
		c.FuelDetails = &fd
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// PricingPolicy is versioned by UpdatedAt; the newest one wins.
type PricingPolicy struct {
	PricePerKm       float64   `json:"pricePerKm" bson:"price_per_km"`
	Currency         string    `json:"currency" bson:"currency"`
	FuelPricePerUnit float64   `json:"fuelPricePerUnit" bson:"fuel_price_per_unit"`
	MinimumFare      float64   `json:"minimumFare" bson:"minimum_fare"`
	UpdatedAt        time.Time `json:"updatedAt" bson:"updated_at"`
}

func DefaultPricingPolicy() PricingPolicy {
	return PricingPolicy{PricePerKm: 7, Currency: "INR", FuelPricePerUnit: 100, MinimumFare: 0}
}

// Fare is the output of a fare computation.
type Fare struct {
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency"`
	Suspicious     bool    `json:"suspicious"`
	BaseAmount     float64 `json:"baseAmount"`
	DistanceMeters float64 `json:"distanceMeters"`
	Multiplier     float64 `json:"multiplier"`
	FuelUnitPrice  float64 `json:"fuelUnitPrice,omitempty"`
	ProviderSet    bool    `json:"providerSetAmount"`
}

type EventType string

const (
	EventRequestCreated   EventType = "request.created"
	EventRequestAccepted  EventType = "request.accepted"
	EventStatusChanged    EventType = "request.status_changed"
	EventRequestCompleted EventType = "request.completed"
)

// Event is a lifecycle fact published to the event stream.
type Event struct {
	ID           string      `json:"id"`
	Type         EventType   `json:"type"`
	RequestID    string      `json:"request_id"`
	RequesterID  string      `json:"requester_id"`
	ProviderID   string      `json:"provider_id,omitempty"`
	ProviderRole Role        `json:"provider_role,omitempty"`
	Status       Status      `json:"status"`
	Payment      *Payment    `json:"payment,omitempty"`
	ServiceType  ServiceType `json:"service_type"`
	At           time.Time   `json:"at"`
}
