package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/pricing"
	"github.com/example/roadside-dispatch/internal/storage"
)

var offPeak = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingSink) Publish(_ context.Context, e models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type availabilityFake struct {
	mu    sync.Mutex
	state map[string]bool
}

func (a *availabilityFake) SetAvailable(id string, v bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state[id] = v
	return true
}

type fixedFuel float64

func (f fixedFuel) Price(context.Context, string) (float64, error) { return float64(f), nil }

type failingFuel struct{}

func (failingFuel) Price(context.Context, string) (float64, error) { return 0, errors.New("feed down") }

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *recordingSink, *availabilityFake) {
	t.Helper()
	store := storage.NewMemoryStore()
	rules := pricing.DefaultRules()
	rules.Location = time.UTC
	svc := NewService(store, pricing.NewCalculator(rules), logging.Discard())
	sink := &recordingSink{}
	avail := &availabilityFake{state: map[string]bool{}}
	svc.Events = sink
	svc.Availability = avail
	svc.Clock = func() time.Time { return offPeak }
	svc.NewOTP = func() string { return "4821" }
	return svc, store, sink, avail
}

func mechanicalRequest(t *testing.T, svc *Service) *models.ServiceRequest {
	t.Helper()
	r, err := svc.Create(context.Background(), NewRequest{
		RequesterID: "u1", ServiceType: models.ServiceMechanical, Lat: 19.076, Lng: 72.8777,
	})
	require.NoError(t, err)
	return r
}

func TestCreateValidates(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, NewRequest{ServiceType: models.ServiceFuel, Lat: 1, Lng: 1})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = svc.Create(ctx, NewRequest{RequesterID: "u", ServiceType: "towing", Lat: 1, Lng: 1})
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = svc.Create(ctx, NewRequest{RequesterID: "u", ServiceType: models.ServiceFuel, Lat: 91, Lng: 1})
	assert.ErrorIs(t, err, geo.ErrInvalidLocation)

	r := mechanicalRequest(t, svc)
	assert.Equal(t, models.StatusPending, r.Status)
	assert.NotEmpty(t, r.ID)
}

func TestAcceptSingleWinner(t *testing.T) {
	svc, store, sink, avail := newTestService(t)
	r := mechanicalRequest(t, svc)

	const n = 32
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winners []string
	var lost int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pid := fmt.Sprintf("m%d", i)
			res, err := svc.Accept(context.Background(), AcceptInput{RequestID: r.ID, ProviderID: pid, Role: models.RoleMechanic, Via: ViaSocket})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, res.Request.AssignedProviderID)
				return
			}
			assert.ErrorIs(t, err, ErrAlreadyAssigned)
			lost++
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, lost)

	got, err := svc.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, winners[0], got.AssignedProviderID)
	assert.Len(t, got.AcceptanceLog, n)
	assert.Equal(t, "4821", got.OTP)

	assert.False(t, avail.state[winners[0]])
	assert.False(t, store.Available(winners[0]))
	assert.Equal(t, []models.EventType{models.EventRequestCreated, models.EventRequestAccepted}, sink.types())
}

func TestAcceptViaRESTAssigns(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	r := mechanicalRequest(t, svc)
	res, err := svc.Accept(context.Background(), AcceptInput{RequestID: r.ID, ProviderID: "m1", Role: models.RoleMechanic, Via: ViaREST})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, res.Request.Status)
}

func TestAcceptErrors(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Accept(ctx, AcceptInput{RequestID: "missing", ProviderID: "m1", Role: models.RoleMechanic})
	assert.ErrorIs(t, err, ErrNotFound)

	r := mechanicalRequest(t, svc)
	_, err = svc.Accept(ctx, AcceptInput{RequestID: r.ID, ProviderID: "u2", Role: models.RoleUser})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestUpdateStatusTransitions(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	r := mechanicalRequest(t, svc)

	_, err := svc.UpdateStatus(ctx, StatusInput{RequestID: r.ID, Status: models.StatusOnWay})
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot skip acceptance")

	_, err = svc.Accept(ctx, AcceptInput{RequestID: r.ID, ProviderID: "m1", Role: models.RoleMechanic})
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, StatusInput{RequestID: r.ID, ProviderID: "m2", Status: models.StatusOnWay})
	assert.ErrorIs(t, err, ErrNotAssignee)

	res, err := svc.UpdateStatus(ctx, StatusInput{RequestID: r.ID, ProviderID: "m1", Status: models.StatusOnWay})
	require.NoError(t, err)
	assert.Equal(t, models.StatusOnWay, res.Request.Status)

	_, err = svc.UpdateStatus(ctx, StatusInput{RequestID: r.ID, Status: models.StatusAccepted})
	assert.ErrorIs(t, err, ErrInvalidTransition, "no going back")

	res, err = svc.UpdateStatus(ctx, StatusInput{RequestID: r.ID, Status: models.StatusInProgress})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, res.Request.Status)

	_, err = svc.UpdateStatus(ctx, StatusInput{RequestID: "missing", Status: models.StatusCompleted})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompletionPricesRecordedTrail(t *testing.T) {
	svc, store, sink, avail := newTestService(t)
	ctx := context.Background()
	r := mechanicalRequest(t, svc)
	_, err := svc.Accept(ctx, AcceptInput{RequestID: r.ID, ProviderID: "m1", Role: models.RoleMechanic})
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, StatusInput{RequestID: r.ID, Status: models.StatusInProgress})
	require.NoError(t, err)

	step := 2000 / geo.EarthRadiusMeters * 180 / 3.141592653589793
	for _, p := range []models.TrailPoint{
		{Lat: 19.076, Lng: 72.8777, Timestamp: offPeak},
		{Lat: 19.076 + step, Lng: 72.8777, Timestamp: offPeak.Add(time.Minute)},
	} {
		ok, err := store.AppendTrailPoint(ctx, r.ID, p)
		require.NoError(t, err)
		require.True(t, ok)
	}

	res, err := svc.UpdateStatus(ctx, StatusInput{RequestID: r.ID, ProviderID: "m1", Status: models.StatusCompleted})
	require.NoError(t, err)
	require.NotNil(t, res.Fare)
	assert.Equal(t, models.StatusCompleted, res.Request.Status)
	assert.Equal(t, 2000.0, res.Request.DistanceMeters)
	assert.Equal(t, 14.0, res.Request.Payment.Amount)
	assert.Equal(t, "INR", res.Request.Payment.Currency)
	assert.Equal(t, models.PaymentPending, res.Request.Payment.Status)
	assert.False(t, res.Request.Payment.Suspicious)
	require.NotNil(t, res.Request.CompletedAt)

	assert.True(t, avail.state["m1"], "provider is available again")
	types := sink.types()
	assert.Equal(t, models.EventRequestCompleted, types[len(types)-1])

	_, err = svc.UpdateStatus(ctx, StatusInput{RequestID: r.ID, Status: models.StatusCompleted})
	assert.ErrorIs(t, err, ErrInvalidTransition, "completed is terminal")
}

func TestCompletionFlagsLowSubmittedAmount(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.SetPolicy(ctx, models.PricingPolicy{PricePerKm: 10, Currency: "INR"})
	require.NoError(t, err)

	r := mechanicalRequest(t, svc)
	_, err = svc.Accept(ctx, AcceptInput{RequestID: r.ID, ProviderID: "m1", Role: models.RoleMechanic})
	require.NoError(t, err)

	dist, amount := 10000.0, 40.0
	res, err := svc.UpdateStatus(ctx, StatusInput{RequestID: r.ID, Status: models.StatusCompleted, DistanceMeters: &dist, Amount: &amount})
	require.NoError(t, err)
	assert.Equal(t, 40.0, res.Request.Payment.Amount)
	assert.True(t, res.Request.Payment.Suspicious)
	assert.True(t, res.Request.Payment.ProviderSet)
	assert.Equal(t, 100.0, res.Fare.BaseAmount)
}

func TestFuelCompletionUsesLivePrice(t *testing.T) {
	for _, tc := range []struct {
		name     string
		feed     pricing.FuelPriceSource
		want     float64
		wantLive bool
	}{
		{name: "live feed", feed: fixedFuel(110), want: 330, wantLive: true},
		{name: "feed failure falls back to policy", feed: failingFuel{}, want: 300},
	} {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			svc, _, _, _ := newTestService(t)
			svc.FuelPrices = tc.feed
			ctx := context.Background()
			r, err := svc.Create(ctx, NewRequest{
				RequesterID: "u1", ServiceType: models.ServiceFuel, Lat: 19.076, Lng: 72.8777,
				FuelDetails: &models.FuelDetails{Quantity: 3, FuelType: "petrol"},
			})
			require.NoError(t, err)
			_, err = svc.Accept(ctx, AcceptInput{RequestID: r.ID, ProviderID: "d1", Role: models.RoleDelivery})
			require.NoError(t, err)

			res, err := svc.UpdateStatus(ctx, StatusInput{RequestID: r.ID, Status: models.StatusCompleted})
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Request.Payment.Amount)
			assert.Equal(t, tc.wantLive, res.LiveFuelPrice != nil)
		})
	}
}

func TestPolicyDefaultCreatedOnFirstRead(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()
	p, err := svc.Policy(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7.0, p.PricePerKm)
	assert.Equal(t, "INR", p.Currency)
	assert.Equal(t, 100.0, p.FuelPricePerUnit)

	stored, err := store.LatestPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, p, stored)

	_, err = svc.SetPolicy(ctx, models.PricingPolicy{PricePerKm: -1})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestRetryableClassification(t *testing.T) {
	err := storeErr("op", errors.New("connection reset"))
	assert.True(t, IsRetryable(err))
	assert.False(t, IsRetryable(storeErr("op", storage.ErrNotFound)))
	assert.ErrorIs(t, storeErr("op", storage.ErrNotFound), ErrNotFound)
}

func TestHasActiveAssignment(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	busy, err := svc.HasActiveAssignment(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, busy)

	r := mechanicalRequest(t, svc)
	_, err = svc.Accept(ctx, AcceptInput{RequestID: r.ID, ProviderID: "m1", Role: models.RoleMechanic, Via: ViaREST})
	require.NoError(t, err)
	busy, err = svc.HasActiveAssignment(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, busy)

	_, err = svc.UpdateStatus(ctx, StatusInput{RequestID: r.ID, ProviderID: "m1", Status: models.StatusCompleted})
	require.NoError(t, err)
	busy, err = svc.HasActiveAssignment(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, busy)
}
