package dispatch

import (
	"context"
	"time"

	"github.com/example/roadside-dispatch/internal/lifecycle"
	"github.com/example/roadside-dispatch/internal/models"
)

// Coordinator runs lifecycle operations and fans their outcome out to the
// parties involved. Notification failures never undo a committed change.
type Coordinator struct {
	Lifecycle   *lifecycle.Service
	Broadcaster *Broadcaster
	Hub         Publisher
}

func NewCoordinator(svc *lifecycle.Service, b *Broadcaster, hub Publisher) *Coordinator {
	return &Coordinator{Lifecycle: svc, Broadcaster: b, Hub: hub}
}

// Submit creates a request and dispatches it to providers.
func (c *Coordinator) Submit(ctx context.Context, in lifecycle.NewRequest) (*models.ServiceRequest, Result, error) {
	r, err := c.Lifecycle.Create(ctx, in)
	if err != nil {
		return nil, Result{}, err
	}
	return r, c.Broadcaster.Dispatch(r), nil
}

// Accept runs the acceptance protocol. connID is the accepting connection,
// empty for REST callers.
func (c *Coordinator) Accept(ctx context.Context, in lifecycle.AcceptInput, connID string) (*lifecycle.AcceptResult, error) {
	res, err := c.Lifecycle.Accept(ctx, in)
	if err != nil {
		return nil, err
	}
	r := res.Request
	userRoom := PartyRoom(models.RoleUser, r.RequesterID)
	ref := RequestRef{RequestID: r.ID}

	// the winner learns about the lock through its confirmation instead
	c.Hub.Publish(RoleRoom(in.Role), Message{Event: EventRequestLocked, Data: ref}, connID)

	otp := Message{Event: EventServiceOTP, Data: OTPPayload{RequestID: r.ID, OTP: res.OTP}}
	c.Hub.Publish(userRoom, otp)
	c.toProvider(connID, in.Role, in.ProviderID, otp)

	c.Hub.Publish(userRoom, Message{Event: EventRequestAccepted, Data: AcceptedPayload{
		RequestID: r.ID, ProviderID: in.ProviderID, ProviderRole: in.Role, Status: r.Status,
	}})
	if connID != "" {
		_ = c.Hub.Send(connID, Message{Event: EventRequestAcceptedConfirmation, Data: ref})
	}
	return res, nil
}

// UpdateStatus advances a request and notifies the requester and the
// assigned provider on the request's status channel.
func (c *Coordinator) UpdateStatus(ctx context.Context, in lifecycle.StatusInput, connID string) (*lifecycle.StatusResult, error) {
	res, err := c.Lifecycle.UpdateStatus(ctx, in)
	if err != nil {
		return nil, err
	}
	payload := StatusFor(res)
	msg := Message{Event: StatusEvent(res.Request.ID), Data: payload}
	c.Hub.Publish(PartyRoom(models.RoleUser, res.Request.RequesterID), msg)
	if res.Request.AssignedProviderID != "" {
		c.Hub.Publish(PartyRoom(res.Request.AssignedProviderRole, res.Request.AssignedProviderID), msg)
	}
	if connID != "" {
		_ = c.Hub.Send(connID, Message{Event: EventStatusUpdateConfirmation, Data: payload})
	}
	return res, nil
}

// ForwardProviderLocation relays a recorded trail sample to the requester.
func (c *Coordinator) ForwardProviderLocation(requesterID, requestID, providerID string, pos models.Coord, at time.Time) {
	c.Hub.Publish(PartyRoom(models.RoleUser, requesterID), Message{
		Event: EventProviderLocationUpdate,
		Data:  ProviderLocationPayload{RequestID: requestID, ProviderID: providerID, Lat: pos.Lat, Lng: pos.Lng, Timestamp: at},
	})
}

func (c *Coordinator) toProvider(connID string, role models.Role, providerID string, msg Message) {
	if connID != "" {
		_ = c.Hub.Send(connID, msg)
		return
	}
	c.Hub.Publish(PartyRoom(role, providerID), msg)
}

// StatusFor builds the status channel payload of a status change.
func StatusFor(res *lifecycle.StatusResult) StatusPayload {
	r := res.Request
	p := StatusPayload{RequestID: r.ID, Status: r.Status}
	if r.Status == models.StatusCompleted {
		p.Payment = &PaymentPayload{Amount: r.Payment.Amount, Currency: r.Payment.Currency, Suspicious: r.Payment.Suspicious}
		p.CompletedAt = r.CompletedAt
		if r.ServiceType == models.ServiceFuel {
			p.LiveFuelPrice = res.LiveFuelPrice
		}
	}
	return p
}
