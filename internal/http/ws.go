package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/lifecycle"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/trail"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 << 10
	opTimeout      = 5 * time.Second
)

// inbound is the envelope of every client frame.
type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// session is the per-connection state, owned by its read loop.
type session struct {
	id     string
	userID string
	role   models.Role
}

type inboundHandler func(s *Server, ctx context.Context, sess *session, data json.RawMessage)

var inboundHandlers = map[string]inboundHandler{
	"join":              (*Server).onJoin,
	"providerRegister":  (*Server).onProviderRegister,
	"locationUpdate":    (*Server).onLocationUpdate,
	"newServiceRequest": (*Server).onNewServiceRequest,
	"acceptRequest":     (*Server).onAcceptRequest,
	"updateStatus":      (*Server).onUpdateStatus,
}

// wsConn bounds every write with a deadline. Writes are serialized by the hub.
type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) WriteJSON(v any) error {
	_ = w.c.SetWriteDeadline(time.Now().Add(writeWait))
	return w.c.WriteJSON(v)
}

func (w wsConn) Close() error { return w.c.Close() }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "err", err)
		return
	}
	sess := &session{id: newID()}
	s.hub.Add(sess.id, wsConn{c: conn})
	s.logger.Info("ws connected", "conn_id", sess.id)

	defer func() {
		if providerID, ok := s.registry.Unregister(sess.id); ok {
			s.logger.Info("provider disconnected", "provider_id", providerID, "conn_id", sess.id)
		}
		s.hub.Remove(sess.id)
		_ = conn.Close()
	}()

	q := r.URL.Query()
	if userID, role := q.Get("userId"), models.Role(q.Get("role")); userID != "" && role != "" {
		if err := s.join(r.Context(), sess, userID, role, nil); err != nil {
			s.reply(sess, dispatch.EventRequestError, dispatch.ErrorPayload{Message: err.Error()})
		}
	}

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				s.reply(sess, dispatch.EventRequestError, dispatch.ErrorPayload{Message: "malformed frame"})
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("ws read error", "conn_id", sess.id, "err", err)
			}
			return
		}
		h, ok := inboundHandlers[msg.Event]
		if !ok {
			s.reply(sess, dispatch.EventRequestError, dispatch.ErrorPayload{Message: "unknown event " + msg.Event})
			continue
		}
		ctx, cancel := context.WithTimeout(r.Context(), opTimeout)
		h(s, ctx, sess, msg.Data)
		cancel()
	}
}

func (s *Server) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) reply(sess *session, event string, data any) {
	_ = s.hub.Send(sess.id, dispatch.Message{Event: event, Data: data})
}

// join binds the connection to an identity and its rooms. Providers are
// also registered for proximity matching.
func (s *Server) join(ctx context.Context, sess *session, userID string, role models.Role, coords *models.Coord) error {
	if userID == "" {
		return fmt.Errorf("%w: userId is required", lifecycle.ErrBadRequest)
	}
	if role != models.RoleUser && !role.IsProvider() {
		return fmt.Errorf("%w: unknown role %q", lifecycle.ErrBadRequest, role)
	}
	if coords != nil {
		if err := geo.ValidateCoord(coords.Lat, coords.Lng); err != nil {
			return err
		}
	}
	if err := s.hub.Join(sess.id, dispatch.RoleRoom(role), dispatch.PartyRoom(role, userID)); err != nil {
		return err
	}
	sess.userID, sess.role = userID, role
	if role.IsProvider() {
		s.registry.Register(userID, sess.id, role, coords)
		busy, err := s.svc.HasActiveAssignment(ctx, userID)
		if err != nil {
			s.logger.Warn("active assignment lookup failed", "provider_id", userID, "err", err)
		} else if busy {
			s.registry.SetAvailable(userID, false)
		}
	}
	s.reply(sess, dispatch.EventJoined, map[string]any{"userId": userID, "role": role})
	return nil
}

type joinData struct {
	UserID      string        `json:"userId"`
	Role        models.Role   `json:"role"`
	Coordinates *models.Coord `json:"coordinates"`
}

func (s *Server) onJoin(ctx context.Context, sess *session, data json.RawMessage) {
	var d joinData
	if err := json.Unmarshal(data, &d); err != nil {
		s.reply(sess, dispatch.EventRequestError, dispatch.ErrorPayload{Message: err.Error()})
		return
	}
	if err := s.join(ctx, sess, d.UserID, d.Role, d.Coordinates); err != nil {
		s.reply(sess, dispatch.EventRequestError, dispatch.ErrorPayload{Message: err.Error()})
	}
}

type registerData struct {
	ProviderID  string      `json:"providerId"`
	Role        models.Role `json:"role"`
	Coordinates []float64   `json:"coordinates"` // [lat, lng]
}

func (s *Server) onProviderRegister(ctx context.Context, sess *session, data json.RawMessage) {
	var d registerData
	if err := json.Unmarshal(data, &d); err != nil {
		s.reply(sess, dispatch.EventRequestError, dispatch.ErrorPayload{Message: err.Error()})
		return
	}
	var coords *models.Coord
	if len(d.Coordinates) == 2 {
		coords = &models.Coord{Lat: d.Coordinates[0], Lng: d.Coordinates[1]}
	}
	var err error
	if !d.Role.IsProvider() {
		err = fmt.Errorf("%w: %q is not a provider role", lifecycle.ErrBadRequest, d.Role)
	} else {
		err = s.join(ctx, sess, d.ProviderID, d.Role, coords)
	}
	if err != nil {
		s.reply(sess, dispatch.EventRequestError, dispatch.ErrorPayload{Message: err.Error()})
	}
}

type locationData struct {
	RequestID string    `json:"requestId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) onLocationUpdate(ctx context.Context, sess *session, data json.RawMessage) {
	var d locationData
	if err := json.Unmarshal(data, &d); err != nil {
		s.reply(sess, dispatch.EventLocationError, dispatch.ErrorPayload{Message: err.Error()})
		return
	}
	if !sess.role.IsProvider() {
		s.reply(sess, dispatch.EventLocationError, dispatch.ErrorPayload{RequestID: d.RequestID, Message: "join as a provider first"})
		return
	}
	_, err := s.trail.Append(ctx, trail.Sample{
		RequestID:  d.RequestID,
		ProviderID: sess.userID,
		Lat:        d.Lat,
		Lng:        d.Lng,
		Timestamp:  d.Timestamp,
	})
	if err != nil {
		s.reply(sess, dispatch.EventLocationError, errorPayload(d.RequestID, err))
	}
}

func (s *Server) onNewServiceRequest(ctx context.Context, sess *session, data json.RawMessage) {
	var body createRequestBody
	if err := json.Unmarshal(data, &body); err != nil {
		s.reply(sess, dispatch.EventServiceRequestError, dispatch.ErrorPayload{Message: err.Error()})
		return
	}
	req, _, err := s.coord.Submit(ctx, body.toNewRequest(sess.userID))
	if err != nil {
		s.reply(sess, dispatch.EventServiceRequestError, errorPayload("", err))
		return
	}
	s.reply(sess, dispatch.EventServiceRequestReceived, dispatch.ReceivedPayload{Status: "received", RequestID: req.ID})
}

type acceptData struct {
	RequestID string `json:"requestId"`
}

func (s *Server) onAcceptRequest(ctx context.Context, sess *session, data json.RawMessage) {
	var d acceptData
	if err := json.Unmarshal(data, &d); err != nil {
		s.reply(sess, dispatch.EventRequestError, dispatch.ErrorPayload{Message: err.Error()})
		return
	}
	if !sess.role.IsProvider() {
		s.reply(sess, dispatch.EventRequestError, dispatch.ErrorPayload{RequestID: d.RequestID, Message: "join as a provider first"})
		return
	}
	in := lifecycle.AcceptInput{RequestID: d.RequestID, ProviderID: sess.userID, Role: sess.role, Via: lifecycle.ViaSocket}
	if _, err := s.coord.Accept(ctx, in, sess.id); err != nil {
		s.reply(sess, dispatch.EventRequestError, errorPayload(d.RequestID, err))
	}
}

type updateStatusData struct {
	RequestID string `json:"requestId"`
	statusBody
}

func (s *Server) onUpdateStatus(ctx context.Context, sess *session, data json.RawMessage) {
	var d updateStatusData
	if err := json.Unmarshal(data, &d); err != nil {
		s.reply(sess, dispatch.EventStatusUpdateError, dispatch.ErrorPayload{Message: err.Error()})
		return
	}
	if !sess.role.IsProvider() {
		s.reply(sess, dispatch.EventStatusUpdateError, dispatch.ErrorPayload{RequestID: d.RequestID, Message: "join as a provider first"})
		return
	}
	in := d.toInput(d.RequestID, "")
	in.ProviderID = sess.userID
	if _, err := s.coord.UpdateStatus(ctx, in, sess.id); err != nil {
		s.reply(sess, dispatch.EventStatusUpdateError, errorPayload(d.RequestID, err))
	}
}

func errorPayload(requestID string, err error) dispatch.ErrorPayload {
	return dispatch.ErrorPayload{RequestID: requestID, Message: err.Error(), Retryable: lifecycle.IsRetryable(err)}
}
