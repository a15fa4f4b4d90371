package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/lifecycle"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/pricing"
	"github.com/example/roadside-dispatch/internal/storage"
	"github.com/example/roadside-dispatch/internal/trail"
)

const (
	baseLat = 19.0760
	baseLng = 72.8777
)

type testEnv struct {
	srv   *httptest.Server
	store *storage.MemoryStore
	index *geo.Index
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	api, store, index := newAPI(t, logging.Discard())
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, index: index}
}

func newAPI(t *testing.T, logger *slog.Logger) (*Server, *storage.MemoryStore, *geo.Index) {
	t.Helper()
	store := storage.NewMemoryStore()
	rules := pricing.DefaultRules()
	rules.Location = time.UTC
	svc := lifecycle.NewService(store, pricing.NewCalculator(rules), logging.Discard())
	index := geo.NewIndex()
	svc.Availability = index
	svc.Clock = func() time.Time { return time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC) }
	svc.NewOTP = func() string { return "4321" }

	hub := dispatch.NewHub(logging.Discard())
	b := dispatch.NewBroadcaster(&geo.Matcher{Registry: index}, hub, 0, logging.Discard())
	coord := dispatch.NewCoordinator(svc, b, hub)
	rec := trail.NewRecorder(store, index, coord, logging.Discard())

	api := NewServer(Deps{Coordinator: coord, Trail: rec, Registry: index, Hub: hub, Logger: logger})
	return api, store, index
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]json.RawMessage{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func createBody(serviceType string) map[string]any {
	return map[string]any{
		"requesterId": "u1",
		"serviceType": serviceType,
		"location":    map[string]any{"lat": baseLat, "lng": baseLng, "address": "Marine Drive"},
		"description": "flat tyre",
	}
}

func createRequest(t *testing.T, e *testEnv) models.ServiceRequest {
	t.Helper()
	resp, out := e.do(t, http.MethodPost, "/api/v1/requests", createBody("mechanical"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var r models.ServiceRequest
	require.NoError(t, json.Unmarshal(out["serviceRequest"], &r))
	return r
}

func TestCreateAndGetRequest(t *testing.T) {
	e := newEnv(t)
	resp, out := e.do(t, http.MethodPost, "/api/v1/requests", createBody("mechanical"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "0", string(out["broadcastCount"]))
	assert.Equal(t, "true", string(out["fallback"]))

	var r models.ServiceRequest
	require.NoError(t, json.Unmarshal(out["serviceRequest"], &r))
	assert.Equal(t, models.StatusPending, r.Status)
	assert.Equal(t, "u1", r.RequesterID)

	resp, out = e.do(t, http.MethodGet, "/api/v1/requests/"+r.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"`+r.ID+`"`, string(out["id"]))

	resp, _ = e.do(t, http.MethodGet, "/api/v1/requests/missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRejectsBadInput(t *testing.T) {
	e := newEnv(t)
	resp, _ := e.do(t, http.MethodPost, "/api/v1/requests", createBody("towing"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := createBody("fuel")
	body["location"] = map[string]any{"lat": 123.0, "lng": 0}
	resp, _ = e.do(t, http.MethodPost, "/api/v1/requests", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAcceptAndStatusOverREST(t *testing.T) {
	e := newEnv(t)
	r := createRequest(t, e)
	path := "/api/v1/requests/" + r.ID

	resp, out := e.do(t, http.MethodPost, path+"/accept", map[string]any{"providerId": "m1", "role": "mechanic"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"4321"`, string(out["otp"]))
	var got models.ServiceRequest
	require.NoError(t, json.Unmarshal(out["serviceRequest"], &got))
	assert.Equal(t, models.StatusAssigned, got.Status)

	resp, _ = e.do(t, http.MethodPost, path+"/accept", map[string]any{"providerId": "m2", "role": "mechanic"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, path+"/status", map[string]any{"providerId": "m2", "status": "on-way"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, path+"/status", map[string]any{"providerId": "m1", "status": "on-way"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, path+"/status", map[string]any{"providerId": "m1", "status": "pending"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, out = e.do(t, http.MethodPost, path+"/status", map[string]any{"providerId": "m1", "status": "completed", "distanceMeters": 2000})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fare models.Fare
	require.NoError(t, json.Unmarshal(out["fare"], &fare))
	assert.Equal(t, 14.0, fare.Amount)
}

func TestPricingEndpoints(t *testing.T) {
	e := newEnv(t)
	resp, out := e.do(t, http.MethodGet, "/api/v1/pricing", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"INR"`, string(out["currency"]))

	resp, _ = e.do(t, http.MethodPut, "/api/v1/pricing", map[string]any{"pricePerKm": -1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPut, "/api/v1/pricing", map[string]any{"pricePerKm": 9, "fuelPricePerUnit": 105})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	p, err := e.store.LatestPolicy(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, 9.0, p.PricePerKm)
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	retryable := &lifecycle.RetryableError{Op: "get request", Err: errors.New("db down")}
	cases := []struct {
		err  error
		want int
	}{
		{lifecycle.ErrNotFound, http.StatusNotFound},
		{lifecycle.ErrAlreadyAssigned, http.StatusConflict},
		{lifecycle.ErrInvalidTransition, http.StatusConflict},
		{lifecycle.ErrNotAssignee, http.StatusForbidden},
		{geo.ErrInvalidLocation, http.StatusBadRequest},
		{retryable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func dial(t *testing.T, e *testEnv, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"event": event, "data": data}))
}

func expect(t *testing.T, conn *websocket.Conn, event string) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, event, f.Event, string(f.Data))
	return f
}

func TestWebsocketRequestLifecycle(t *testing.T) {
	e := newEnv(t)

	prov := dial(t, e, "")
	send(t, prov, "providerRegister", map[string]any{
		"providerId":  "m1",
		"role":        "mechanic",
		"coordinates": []float64{baseLat + 0.01, baseLng},
	})
	expect(t, prov, dispatch.EventJoined)

	user := dial(t, e, "?userId=u1&role=user")
	expect(t, user, dispatch.EventJoined)

	send(t, user, "newServiceRequest", map[string]any{
		"serviceType": "mechanical",
		"location":    map[string]any{"lat": baseLat, "lng": baseLng},
		"description": "battery",
	})
	var received dispatch.ReceivedPayload
	require.NoError(t, json.Unmarshal(expect(t, user, dispatch.EventServiceRequestReceived).Data, &received))
	assert.Equal(t, "received", received.Status)
	requestID := received.RequestID

	var offer dispatch.NewRequestPayload
	require.NoError(t, json.Unmarshal(expect(t, prov, dispatch.EventNewRequest).Data, &offer))
	assert.Equal(t, requestID, offer.RequestID)
	require.NotNil(t, offer.DistanceToProvider)
	assert.InDelta(t, 1112, *offer.DistanceToProvider, 5)

	send(t, prov, "acceptRequest", map[string]any{"requestId": requestID})
	expect(t, prov, dispatch.EventServiceOTP)
	expect(t, prov, dispatch.EventRequestAcceptedConfirmation)
	var otp dispatch.OTPPayload
	require.NoError(t, json.Unmarshal(expect(t, user, dispatch.EventServiceOTP).Data, &otp))
	assert.Equal(t, "4321", otp.OTP)
	expect(t, user, dispatch.EventRequestAccepted)

	send(t, prov, "locationUpdate", map[string]any{"lat": baseLat + 0.005, "lng": baseLng})
	var loc dispatch.ProviderLocationPayload
	require.NoError(t, json.Unmarshal(expect(t, user, dispatch.EventProviderLocationUpdate).Data, &loc))
	assert.Equal(t, requestID, loc.RequestID)
	assert.Equal(t, "m1", loc.ProviderID)

	send(t, prov, "updateStatus", map[string]any{"requestId": requestID, "status": "completed", "distanceMeters": 2000})
	var st dispatch.StatusPayload
	require.NoError(t, json.Unmarshal(expect(t, user, dispatch.StatusEvent(requestID)).Data, &st))
	assert.Equal(t, models.StatusCompleted, st.Status)
	require.NotNil(t, st.Payment)
	assert.Equal(t, 14.0, st.Payment.Amount)
	expect(t, prov, dispatch.StatusEvent(requestID))
	expect(t, prov, dispatch.EventStatusUpdateConfirmation)

	r, err := e.store.GetRequest(testContext(t), requestID)
	require.NoError(t, err)
	assert.Len(t, r.LocationHistory, 1)
}

func TestWebsocketErrors(t *testing.T) {
	e := newEnv(t)
	conn := dial(t, e, "?userId=u1&role=user")
	expect(t, conn, dispatch.EventJoined)

	send(t, conn, "bogus", nil)
	expect(t, conn, dispatch.EventRequestError)

	send(t, conn, "newServiceRequest", map[string]any{"serviceType": "towing", "location": map[string]any{"lat": 1, "lng": 1}})
	expect(t, conn, dispatch.EventServiceRequestError)

	send(t, conn, "acceptRequest", map[string]any{"requestId": "missing", "providerId": "m1", "role": "mechanic"})
	var p dispatch.ErrorPayload
	require.NoError(t, json.Unmarshal(expect(t, conn, dispatch.EventRequestError).Data, &p))
	assert.Equal(t, "missing", p.RequestID)

	send(t, conn, "locationUpdate", map[string]any{"lat": 1, "lng": 1})
	expect(t, conn, dispatch.EventLocationError)
}

func TestWebsocketDisconnectUnregistersProvider(t *testing.T) {
	e := newEnv(t)
	conn := dial(t, e, "?userId=m9&role=delivery")
	expect(t, conn, dispatch.EventJoined)
	_, ok := e.index.Get("m9")
	require.True(t, ok)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		_, ok := e.index.Get("m9")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocketRequesterCannotAccept(t *testing.T) {
	e := newEnv(t)
	r := createRequest(t, e)
	conn := dial(t, e, "?userId=u1&role=user")
	expect(t, conn, dispatch.EventJoined)

	send(t, conn, "acceptRequest", map[string]any{"requestId": r.ID, "providerId": "m1", "role": "mechanic"})
	expect(t, conn, dispatch.EventRequestError)

	send(t, conn, "updateStatus", map[string]any{"requestId": r.ID, "providerId": "m1", "status": "on-way"})
	expect(t, conn, dispatch.EventStatusUpdateError)

	got, err := e.store.GetRequest(testContext(t), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Empty(t, got.AcceptanceLog)
}

func TestProviderWithActiveRequestRejoinsUnavailable(t *testing.T) {
	e := newEnv(t)
	r := createRequest(t, e)
	resp, _ := e.do(t, http.MethodPost, "/api/v1/requests/"+r.ID+"/accept", map[string]any{"providerId": "m1", "role": "mechanic"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	// a fresh process only knows the assignment from the store
	e.index.SetAvailable("m1", true)

	prov := dial(t, e, "")
	send(t, prov, "providerRegister", map[string]any{
		"providerId":  "m1",
		"role":        "mechanic",
		"coordinates": []float64{baseLat, baseLng},
	})
	expect(t, prov, dispatch.EventJoined)

	entry, ok := e.index.Get("m1")
	require.True(t, ok)
	assert.False(t, entry.Available)

	_, out := e.do(t, http.MethodPost, "/api/v1/requests", createBody("mechanical"))
	assert.Equal(t, "0", string(out["broadcastCount"]))
}

// testContext mirrors testing.T.Context (Go 1.24+): canceled when the test ends.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
