package pricing

import (
	"math"
	"time"

	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/models"
)

// Conditions are the environmental inputs of a fare: when it is computed, how
// many requests are concurrently active, and the live fuel price if known.
// Together with the request, policy and submitted amount they fully determine
// the result.
type Conditions struct {
	At            time.Time
	ActiveDemand  int
	LiveFuelPrice *float64
}

type Calculator struct {
	Rules Rules
}

func NewCalculator(r Rules) *Calculator { return &Calculator{Rules: r} }

// ResolveDistance prefers an explicit non-negative distance, then the cached
// distance on the request, then the recorded trail.
func ResolveDistance(req *models.ServiceRequest, explicit *float64) float64 {
	if explicit != nil && *explicit >= 0 && !math.IsNaN(*explicit) && !math.IsInf(*explicit, 0) {
		return *explicit
	}
	if req.DistanceMeters > 0 {
		return req.DistanceMeters
	}
	return geo.TrailDistance(req.LocationHistory)
}

// Multiplier composes the peak, demand and geo-fence factors.
func (c *Calculator) Multiplier(at time.Time, activeDemand int, loc models.Coord) float64 {
	m := 1.0
	if c.Rules.Location != nil {
		at = at.In(c.Rules.Location)
	}
	hour := at.Hour()
	for _, w := range c.Rules.PeakWindows {
		if w.Contains(hour) {
			m *= c.Rules.PeakMultiplier
			break
		}
	}
	if activeDemand > c.Rules.DemandThreshold {
		m *= c.Rules.DemandMultiplier
	}
	if c.Rules.Geofence.Contains(loc) {
		m *= c.Rules.GeofenceMultiplier
	}
	return m
}

// ComputeFare derives the charge for a completed request. Missing inputs fall
// back to zero distance and the policy fuel price; it never fails.
func (c *Calculator) ComputeFare(req *models.ServiceRequest, policy models.PricingPolicy, explicitDistance, submitted *float64, cond Conditions) models.Fare {
	dist := ResolveDistance(req, explicitDistance)
	mult := c.Multiplier(cond.At, cond.ActiveDemand, req.Location.Coord)

	travel := round2(dist / 1000 * policy.PricePerKm * mult)
	if travel < 0 {
		travel = 0
	}

	fare := models.Fare{
		Currency:       policy.Currency,
		DistanceMeters: dist,
		Multiplier:     mult,
	}
	if fare.Currency == "" {
		fare.Currency = models.DefaultPricingPolicy().Currency
	}

	var fuelCost float64
	if req.ServiceType == models.ServiceFuel {
		unit := policy.FuelPricePerUnit
		if cond.LiveFuelPrice != nil && *cond.LiveFuelPrice > 0 {
			unit = *cond.LiveFuelPrice
		}
		fare.FuelUnitPrice = unit
		if req.FuelDetails != nil && req.FuelDetails.Quantity > 0 {
			fuelCost = round2(req.FuelDetails.Quantity * unit)
		}
	}
	if fuelCost < 0 {
		fuelCost = 0
	}

	base := round2(travel + fuelCost)
	if policy.MinimumFare > 0 && base < policy.MinimumFare {
		base = round2(policy.MinimumFare)
	}
	fare.BaseAmount = base
	fare.Amount = base

	if submitted != nil && *submitted > 0 && !math.IsInf(*submitted, 0) {
		fare.Amount = round2(*submitted)
		fare.ProviderSet = true
		if fare.Amount < c.Rules.FraudRatio*base {
			fare.Suspicious = true
		}
	}
	return fare
}

func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}
