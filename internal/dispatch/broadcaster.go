package dispatch

import (
	"log/slog"

	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
)

// DefaultRadiusMeters is the proximity radius used when none is configured.
const DefaultRadiusMeters = 10000.0

type Finder interface {
	FindWithin(lat, lng, radiusMeters float64, role models.Role) []models.Candidate
}

// Publisher delivers messages to connections and rooms. Hub implements it.
type Publisher interface {
	Send(connID string, msg Message) error
	Publish(room string, msg Message, exclude ...string) int
}

type Broadcaster struct {
	Finder       Finder
	Hub          Publisher
	RadiusMeters float64
	Logger       *slog.Logger
}

func NewBroadcaster(f Finder, hub Publisher, radiusMeters float64, logger *slog.Logger) *Broadcaster {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{Finder: f, Hub: hub, RadiusMeters: radiusMeters, Logger: logger}
}

type Result struct {
	Role       models.Role
	Candidates []models.Candidate
	Delivered  int
	Fallback   bool
}

// Dispatch notifies nearby providers of the matching role, each with its own
// distance. With nobody nearby the whole role group is notified instead.
func (b *Broadcaster) Dispatch(r *models.ServiceRequest) Result {
	role := r.ServiceType.TargetRole()
	cands := b.Finder.FindWithin(r.Location.Lat, r.Location.Lng, b.RadiusMeters, role)
	observability.DispatchCandidates.Observe(float64(len(cands)))
	res := Result{Role: role, Candidates: cands}

	base := newRequestPayload(r)
	if len(cands) == 0 {
		res.Fallback = true
		res.Delivered = b.Hub.Publish(RoleRoom(role), Message{Event: EventNewRequest, Data: base})
		observability.DispatchesTotal.WithLabelValues(string(role), "fallback").Inc()
		b.Logger.Info("no nearby providers, broadcast to role group",
			"request_id", r.ID, "role", role, "delivered", res.Delivered)
		return res
	}

	for _, c := range cands {
		p := base
		d := c.DistanceMeters
		p.DistanceToProvider = &d
		if err := b.Hub.Send(c.ConnectionID, Message{Event: EventNewRequest, Data: p}); err != nil {
			b.Logger.Warn("provider notification failed", "request_id", r.ID, "provider_id", c.ProviderID, "err", err)
			continue
		}
		res.Delivered++
	}
	observability.DispatchesTotal.WithLabelValues(string(role), "nearby").Inc()
	b.Logger.Info("request dispatched", "request_id", r.ID, "role", role,
		"candidates", len(cands), "delivered", res.Delivered)
	return res
}
