package dispatch

import (
	"time"

	"github.com/example/roadside-dispatch/internal/models"
)

// Message is the envelope of every frame written to a client.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Outbound events.
const (
	EventNewRequest                  = "newRequest"
	EventRequestLocked               = "requestLocked"
	EventProviderLocationUpdate      = "providerLocationUpdate"
	EventServiceOTP                  = "serviceOtp"
	EventRequestAccepted             = "requestAccepted"
	EventRequestAcceptedConfirmation = "requestAcceptedConfirmation"
	EventServiceRequestReceived      = "serviceRequestReceived"
	EventServiceRequestError         = "serviceRequestError"
	EventStatusUpdateConfirmation    = "statusUpdateConfirmation"
	EventStatusUpdateError           = "statusUpdateError"
	EventRequestError                = "requestError"
	EventLocationError               = "locationError"
	EventJoined                      = "joined"
)

// StatusEvent is the per-request status channel name.
func StatusEvent(requestID string) string { return "statusUpdate:" + requestID }

type NewRequestPayload struct {
	RequestID          string              `json:"requestId"`
	UserID             string              `json:"user"`
	ServiceType        models.ServiceType  `json:"serviceType"`
	MechanicalType     string              `json:"mechanicalType,omitempty"`
	Location           models.Location     `json:"location"`
	Description        string              `json:"description"`
	Status             models.Status       `json:"status"`
	FuelDetails        *models.FuelDetails `json:"fuelDetails"`
	CreatedAt          time.Time           `json:"createdAt"`
	DistanceToProvider *float64            `json:"distanceToProvider,omitempty"`
}

func newRequestPayload(r *models.ServiceRequest) NewRequestPayload {
	return NewRequestPayload{
		RequestID:      r.ID,
		UserID:         r.RequesterID,
		ServiceType:    r.ServiceType,
		MechanicalType: r.MechanicalType,
		Location:       r.Location,
		Description:    r.Description,
		Status:         r.Status,
		FuelDetails:    r.FuelDetails,
		CreatedAt:      r.CreatedAt,
	}
}

type RequestRef struct {
	RequestID string `json:"requestId"`
}

type OTPPayload struct {
	RequestID string `json:"requestId"`
	OTP       string `json:"otp"`
}

type AcceptedPayload struct {
	RequestID    string        `json:"requestId"`
	ProviderID   string        `json:"providerId"`
	ProviderRole models.Role   `json:"providerRole"`
	Status       models.Status `json:"status"`
}

type ProviderLocationPayload struct {
	RequestID  string    `json:"requestId"`
	ProviderID string    `json:"providerId"`
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	Timestamp  time.Time `json:"timestamp"`
}

type PaymentPayload struct {
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	Suspicious bool    `json:"suspicious,omitempty"`
}

type StatusPayload struct {
	RequestID     string          `json:"requestId"`
	Status        models.Status   `json:"status"`
	Payment       *PaymentPayload `json:"payment,omitempty"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`
	LiveFuelPrice *float64        `json:"liveFuelPrice,omitempty"`
}

type ReceivedPayload struct {
	Status    string `json:"status"`
	RequestID string `json:"requestId"`
}

type ErrorPayload struct {
	RequestID string `json:"requestId,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}
