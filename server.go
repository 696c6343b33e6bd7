package holderfeed

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const maxInboundMessageSize = 512

// server is the thin HTTP surface of a Service.
type server struct {
	service  *Service
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func newServer(s *Service) *server {
	var allowed = s.options.allowedOrigin
	return &server{
		service: s,
		logger:  s.options.logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				var origin = r.Header.Get("Origin")
				return allowed == "*" || origin == "" || origin == allowed
			},
		},
	}
}

func (s *server) routes() http.Handler {
	var mux = http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /feed", func(w http.ResponseWriter, r *http.Request) {
		s.handleSubscribe(w, r, FeedTopic())
	})
	mux.HandleFunc("GET /chat", s.handleRoom)
	mux.HandleFunc("GET /chat/{entityID...}", s.handleRoom)

	mux.HandleFunc("GET /api/token/{entityID}/top-holders", s.handleTopHolders)
	mux.HandleFunc("GET /api/token/{entityID}/user/{ownerID}", s.handleUserStatus)
	mux.HandleFunc("GET /api/token/{entityID}/events", s.handleEvents)

	return mux
}

func (s *server) handleRoom(w http.ResponseWriter, r *http.Request) {
	// An empty or nested id still upgrades so the client gets a policy violation close code.
	var entityID = strings.TrimSuffix(r.PathValue("entityID"), "/")
	s.handleSubscribe(w, r, RoomTopic(entityID))
}

// handleSubscribe upgrades the request and admits the connection to topic. Rejections
// happen after the upgrade so the client sees a websocket close code.
func (s *server) handleSubscribe(w http.ResponseWriter, r *http.Request, topic Topic) {
	var hub = s.service.Hub()
	if hub == nil {
		http.Error(w, "service not started", http.StatusServiceUnavailable)
		return
	}

	var ws, err = s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	var conn = NewConnection(ws, s.service.options.sendBuffer)

	if err := hub.Join(r.Context(), conn, topic); err != nil {
		var code, reason = closeCodeFor(err)
		s.logger.Info("rejected subscriber", "topic", topic.String(), "error", err)
		conn.CloseWithCode(code, reason)
		return
	}

	s.readPump(ws, conn)
	hub.Leave(conn)
}

// readPump discards client frames and forwards pongs until the connection fails.
func (s *server) readPump(ws *websocket.Conn, conn *Connection) {
	ws.SetReadLimit(maxInboundMessageSize)
	ws.SetPongHandler(func(string) error {
		conn.Pong()
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func closeCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidTopic):
		return websocket.ClosePolicyViolation, "invalid entity id"
	case errors.Is(err, ErrHubFull):
		return websocket.CloseTryAgainLater, "too many connections"
	case errors.Is(err, ErrHubStopped):
		return websocket.CloseGoingAway, "server shutting down"
	default:
		return websocket.CloseInternalServerErr, "internal error"
	}
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var stats, err = s.service.Stats(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"rooms":       stats.Rooms,
		"roomMembers": stats.RoomMembers,
		"feedMembers": stats.FeedMembers,
	})
}

func (s *server) handleTopHolders(w http.ResponseWriter, r *http.Request) {
	var entityID = r.PathValue("entityID")

	var holders, err = s.service.Snapshot(r.Context(), entityID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"entityId": entityID,
		"holders":  rankingItems(holders),
	})
}

func (s *server) handleUserStatus(w http.ResponseWriter, r *http.Request) {
	var (
		entityID = r.PathValue("entityID")
		ownerID  = r.PathValue("ownerID")
	)

	var holder, ok, err = s.service.IsTopHolder(r.Context(), entityID, ownerID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var body = map[string]any{
		"entityId":  entityID,
		"ownerId":   ownerID,
		"isInTop10": ok,
	}
	if ok {
		body["rank"] = holder.Rank
		body["balance"] = holder.Balance.String()
		body["percentage"] = percentageNumber(holder.Percentage)
	}
	s.writeJSON(w, http.StatusOK, body)
}

type eventItem struct {
	OwnerID   string    `json:"ownerId"`
	Type      string    `json:"type"`
	Rank      int       `json:"rank"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var entityID = r.PathValue("entityID")

	var limit = 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		var parsed, err = strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
			return
		}
		limit = parsed
	}

	var events, err = s.service.Events(r.Context(), entityID, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var items = make([]eventItem, len(events))
	for i, e := range events {
		items[i] = eventItem{OwnerID: e.OwnerID, Type: string(e.Type), Rank: e.Rank(), CreatedAt: e.CreatedAt}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"entityId": entityID,
		"events":   items,
	})
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidEntityID):
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrNotStarted):
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		s.logger.Error("request failed", "error", err)
		s.writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream unavailable"})
	}
}

func (s *server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", s.service.options.allowedOrigin)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}
