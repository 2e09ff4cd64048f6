// Package ws is the thin WebSocket delivery fabric at the engine's boundary
// (spec §1 treats transport as an external collaborator): command envelopes
// in, snapshot/delta/error frames out, over one streaming channel per
// subscriber. No engine logic lives here.
package ws

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/stormstack/engine/internal/apierr"
	"github.com/stormstack/engine/internal/container"
	"github.com/stormstack/engine/internal/envelope"
	"github.com/stormstack/engine/internal/ids"
	"github.com/stormstack/engine/internal/snapshot"
)

// Server bridges one container to WebSocket clients.
type Server struct {
	container *container.Container
	log       *logrus.Entry
	upgrader  websocket.Upgrader
}

// NewServer creates a transport server for a container.
func NewServer(c *container.Container, log *logrus.Entry) *Server {
	return &Server{
		container: c,
		log:       log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the HTTP handler serving the streaming endpoint at
// /ws/{match_id} plus the container management routes (see api.go). Query
// parameters compose the subscription: player=... adds a player filter
// (with owner component and handle resolved by the caller's claims
// pipeline), cursor=N resumes a previous stream.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws/{match_id}", s.handleStream)
	s.apiRoutes(r)
	return r
}

// claimsFrom extracts the admission context the external auth layer placed
// on the request. The engine consumes it opaquely.
func claimsFrom(r *http.Request) envelope.Claims {
	var roles []string
	if raw := r.Header.Get("X-Stormstack-Roles"); raw != "" {
		roles = strings.Split(raw, ",")
	}
	return envelope.Claims{
		TenantID: ids.TenantId(r.Header.Get("X-Stormstack-Tenant")),
		UserID:   r.Header.Get("X-Stormstack-User"),
		Roles:    roles,
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	matchID := ids.MatchId(chi.URLParam(r, "match_id"))
	if matchID == "" {
		writeError(w, apierr.InvalidInput("match id is required").WithField("match_id"))
		return
	}
	m, err := s.container.Match(matchID)
	if err != nil {
		writeError(w, err)
		return
	}

	claims := claimsFrom(r)
	if claims.TenantID == "" {
		writeError(w, apierr.Unauthorized("tenant claim is required"))
		return
	}

	var opts []snapshot.SubscriberOption
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		tick, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			writeError(w, apierr.InvalidInput("cursor must be a tick number").WithField("cursor"))
			return
		}
		opts = append(opts, snapshot.WithCursor(tick))
	}
	if player := r.URL.Query().Get("player"); player != "" {
		ownerType, handle, perr := s.ownerBinding(r)
		if perr != nil {
			writeError(w, perr)
			return
		}
		opts = append(opts, snapshot.WithPlayerFilter(snapshot.PlayerFilter{
			Player:         ids.PlayerId(player),
			OwnerComponent: ownerType,
			OwnerHandle:    handle,
		}))
	}

	sub, err := s.container.Router().Subscribe(matchID, opts...)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.container.Router().Unsubscribe(sub)
		return
	}

	go s.readLoop(conn, m.ID(), claims)
	s.writeLoop(conn, sub)
}

// ownerBinding resolves the ownership component and the player's handle
// from the request. The owner component is conventionally named "OWNER";
// the handle comes from the claims pipeline (header) since player-to-handle
// assignment is the roster's concern, not the transport's.
func (s *Server) ownerBinding(r *http.Request) (ids.ComponentTypeId, int64, error) {
	ct, ok := s.container.Schema().LookupByName("OWNER")
	if !ok {
		return 0, 0, apierr.InvalidState("no OWNER component registered; player filtering unavailable")
	}
	handle, err := strconv.ParseInt(r.Header.Get("X-Stormstack-Player-Handle"), 10, 64)
	if err != nil {
		return 0, 0, apierr.InvalidInput("player handle claim is required").WithField("player")
	}
	return ct, handle, nil
}

// readLoop decodes command envelopes off the wire and admits them.
// Admission errors go straight back to this connection as error frames;
// in-tick errors arrive through the subscriber stream like any other.
func (s *Server) readLoop(conn *websocket.Conn, matchID ids.MatchId, claims envelope.Claims) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd envelope.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.writeAdmissionError(conn, matchID, apierr.InvalidInput("malformed command envelope"))
			continue
		}
		if cmd.MatchID == "" {
			cmd.MatchID = matchID
		}
		if err := cmd.Validate(); err != nil {
			s.writeAdmissionError(conn, matchID, err)
			continue
		}
		if cmd.MatchID != matchID {
			s.writeAdmissionError(conn, matchID, apierr.InvalidInput("command addressed to a different match").WithField("match_id"))
			continue
		}

		m, err := s.container.Match(cmd.MatchID)
		if err != nil {
			s.writeAdmissionError(conn, matchID, err)
			continue
		}
		var target uint64
		if cmd.TargetTick != nil {
			target = *cmd.TargetTick
		}
		if err := m.Enqueue(cmd.CommandName, cmd.Payload, ids.PlayerId(claims.UserID), target); err != nil {
			s.writeAdmissionError(conn, matchID, err)
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, sub *snapshot.Subscriber) {
	defer conn.Close()
	for msg := range sub.C {
		if err := conn.WriteJSON(msg); err != nil {
			s.container.Router().Unsubscribe(sub)
			return
		}
	}
	// Channel closed: the router dropped us (overloaded, match removed).
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "overloaded"), deadline())
}

func (s *Server) writeAdmissionError(conn *websocket.Conn, matchID ids.MatchId, err error) {
	kind := apierr.KindTransport
	msg := err.Error()
	if e, ok := err.(*apierr.Error); ok {
		kind = e.Kind
		msg = e.Message
	}
	_ = conn.WriteJSON(snapshot.Message{
		Type: "error",
		Error: &snapshot.ErrorEvent{
			MatchID: matchID,
			Kind:    kind,
			Message: msg,
		},
	})
}

func deadline() time.Time { return time.Now().Add(5 * time.Second) }

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := map[string]string{"message": err.Error()}
	if e, ok := err.(*apierr.Error); ok {
		body["kind"] = string(e.Kind)
		body["message"] = e.Message
		if e.Field != "" {
			body["field"] = e.Field
		}
		switch e.Kind {
		case apierr.KindNotFound:
			status = http.StatusNotFound
		case apierr.KindInvalidInput, apierr.KindInvalidState:
			status = http.StatusBadRequest
		case apierr.KindUnauthorized:
			status = http.StatusUnauthorized
		case apierr.KindResourceExhausted:
			status = http.StatusTooManyRequests
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
