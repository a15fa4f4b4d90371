package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/lifecycle"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/trail"
)

// Deps are the collaborators the API serves.
type Deps struct {
	Coordinator *dispatch.Coordinator
	Trail       *trail.Recorder
	Registry    geo.Registry
	Hub         *dispatch.Hub
	Logger      *slog.Logger
	// Ready reports backend readiness for /readyz; nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	coord    *dispatch.Coordinator
	svc      *lifecycle.Service
	trail    *trail.Recorder
	registry geo.Registry
	hub      *dispatch.Hub
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		coord:    d.Coordinator,
		svc:      d.Coordinator.Lifecycle,
		trail:    d.Trail,
		registry: d.Registry,
		hub:      d.Hub,
		ready:    d.Ready,
		logger:   logger,
		mux:      mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/status", s.handleStatus).Methods(http.MethodPost)
	api.HandleFunc("/pricing", s.handleGetPricing).Methods(http.MethodGet)
	api.HandleFunc("/pricing", s.handlePutPricing).Methods(http.MethodPut)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type locationBody struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address,omitempty"`
}

type createRequestBody struct {
	RequesterID    string              `json:"requesterId"`
	UserID         string              `json:"userId"`
	ServiceType    models.ServiceType  `json:"serviceType"`
	Location       locationBody        `json:"location"`
	Description    string              `json:"description"`
	MechanicalType string              `json:"mechanicalType"`
	FuelDetails    *models.FuelDetails `json:"fuelDetails"`
}

func (b createRequestBody) toNewRequest(fallbackRequester string) lifecycle.NewRequest {
	requester := b.RequesterID
	if requester == "" {
		requester = b.UserID
	}
	if requester == "" {
		requester = fallbackRequester
	}
	return lifecycle.NewRequest{
		RequesterID:    requester,
		ServiceType:    b.ServiceType,
		Lat:            b.Location.Lat,
		Lng:            b.Location.Lng,
		Address:        b.Location.Address,
		Description:    b.Description,
		MechanicalType: b.MechanicalType,
		FuelDetails:    b.FuelDetails,
	}
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, res, err := s.coord.Submit(r.Context(), body.toNewRequest(""))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"serviceRequest": req,
		"broadcastCount": len(res.Candidates),
		"delivered":      res.Delivered,
		"fallback":       res.Fallback,
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type acceptBody struct {
	ProviderID string      `json:"providerId"`
	Role       models.Role `json:"role"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body acceptBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.coord.Accept(r.Context(), lifecycle.AcceptInput{
		RequestID:  mux.Vars(r)["id"],
		ProviderID: body.ProviderID,
		Role:       body.Role,
		Via:        lifecycle.ViaREST,
	}, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"serviceRequest": res.Request, "otp": res.OTP})
}

type statusBody struct {
	Status         models.Status `json:"status"`
	ProviderID     string        `json:"providerId"`
	DistanceMeters *float64      `json:"distanceMeters"`
	Amount         *float64      `json:"amount"`
}

func (b statusBody) toInput(requestID, fallbackProvider string) lifecycle.StatusInput {
	provider := b.ProviderID
	if provider == "" {
		provider = fallbackProvider
	}
	return lifecycle.StatusInput{
		RequestID:      requestID,
		ProviderID:     provider,
		Status:         b.Status,
		DistanceMeters: b.DistanceMeters,
		Amount:         b.Amount,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.coord.UpdateStatus(r.Context(), body.toInput(mux.Vars(r)["id"], ""), "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := map[string]any{"serviceRequest": res.Request}
	if res.Fare != nil {
		out["fare"] = res.Fare
	}
	if res.LiveFuelPrice != nil {
		out["liveFuelPrice"] = *res.LiveFuelPrice
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetPricing(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Policy(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutPricing(w http.ResponseWriter, r *http.Request) {
	var p models.PricingPolicy
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	saved, err := s.svc.SetPolicy(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrAlreadyAssigned), errors.Is(err, lifecycle.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrNotAssignee):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrBadRequest), errors.Is(err, geo.ErrInvalidLocation):
		return http.StatusBadRequest
	case lifecycle.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "err", err, "request_id", requestIDFromContext(r.Context()))
	}
	writeJSON(w, code, map[string]any{"error": err.Error(), "retryable": lifecycle.IsRetryable(err)})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }
