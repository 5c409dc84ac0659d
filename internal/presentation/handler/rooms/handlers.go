package rooms

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hilthontt/codesync/internal/application/presence"
	"github.com/hilthontt/codesync/internal/application/roomstore"
	"github.com/hilthontt/codesync/internal/domain"
	"github.com/hilthontt/codesync/internal/infrastructure/json"
	"github.com/hilthontt/codesync/internal/infrastructure/logging"
	"github.com/hilthontt/codesync/internal/infrastructure/ws"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 200
)

var errEventsNotRecorded = errors.New("room events are not recorded")

type Handler struct {
	store       *roomstore.Store
	repository  domain.RoomRepository
	audit       domain.RoomAuditRepository
	presence    *presence.Registry
	roomManager *ws.RoomManager
	events      ws.Handler
	upgrader    websocket.Upgrader
	logger      logging.Logger
}

func NewHandler(
	store *roomstore.Store,
	repository domain.RoomRepository,
	audit domain.RoomAuditRepository,
	presence *presence.Registry,
	roomManager *ws.RoomManager,
	events ws.Handler,
	allowedOrigins []string,
	logger logging.Logger,
) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		store:       store,
		repository:  repository,
		audit:       audit,
		presence:    presence,
		roomManager: roomManager,
		events:      events,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigins),
		},
		logger: logger,
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, "*") {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}

// ConnectHandler upgrades to a websocket and serves the connection until it
// closes. Rooms are joined with a join event over the socket.
func (h *Handler) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(logging.WebSocket, logging.Connect, "websocket upgrade failed", map[logging.ExtraKey]any{
			logging.ClientIp:     r.RemoteAddr,
			logging.ErrorMessage: err.Error(),
		})
		return
	}

	client := ws.NewClient(conn, uuid.NewString(), h.logger)
	h.roomManager.AddClient(client)
	defer h.roomManager.RemoveClient(client)

	h.logger.Debug(logging.WebSocket, logging.Connect, "client connected", map[logging.ExtraKey]any{
		logging.ConnID:   client.ID,
		logging.ClientIp: r.RemoteAddr,
	})

	go client.WriteMessage()
	client.ReadMessage(context.WithoutCancel(r.Context()), h.events)
}

// GetRoomHandler returns the live copy of a room when it is cached, otherwise
// the durable copy.
func (h *Handler) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomKey := chi.URLParam(r, "roomKey")
	if err := domain.ValidateRoomKey(roomKey); err != nil {
		json.WriteValidationError(w, err)
		return
	}

	var resp *roomResponse
	err := h.store.View(roomKey, func(room *domain.Room) {
		resp = newRoomResponse(room, true)
	})
	if err == nil {
		resp.PendingWrite = h.store.FlushPending(roomKey)
	}
	if errors.Is(err, domain.ErrRoomNotLoaded) {
		room, findErr := h.repository.FindByKey(r.Context(), roomKey)
		switch {
		case errors.Is(findErr, domain.ErrRoomNotFound):
			json.WriteNotFound(w, findErr)
			return
		case findErr != nil:
			h.logger.Error(logging.Room, logging.Load, "failed to read room", map[logging.ExtraKey]any{
				logging.RoomKey:      roomKey,
				logging.ErrorMessage: findErr.Error(),
			})
			json.WriteInternalError(w, findErr)
			return
		}
		room.Normalize()
		resp = newRoomResponse(room, false)
	}

	resp.Members = h.presence.Members(roomKey)
	_ = json.Write(w, http.StatusOK, resp)
}

// GetRoomEventsHandler lists a room's recorded lifecycle events, newest first.
// Events are only recorded when the event pipeline and Mongo are both enabled.
func (h *Handler) GetRoomEventsHandler(w http.ResponseWriter, r *http.Request) {
	roomKey := chi.URLParam(r, "roomKey")
	if err := domain.ValidateRoomKey(roomKey); err != nil {
		json.WriteValidationError(w, err)
		return
	}
	if h.audit == nil {
		json.WriteNotFound(w, errEventsNotRecorded)
		return
	}

	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			json.WriteValidationError(w, errors.New("limit must be a positive integer"))
			return
		}
		limit = min(n, maxEventLimit)
	}

	logs, err := h.audit.GetByRoomKey(r.Context(), roomKey, limit)
	if err != nil {
		h.logger.Error(logging.MongoDB, logging.Load, "failed to read room events", map[logging.ExtraKey]any{
			logging.RoomKey:      roomKey,
			logging.ErrorMessage: err.Error(),
		})
		json.WriteInternalError(w, err)
		return
	}
	if logs == nil {
		logs = []domain.RoomAuditLog{}
	}

	_ = json.Write(w, http.StatusOK, &roomEventsResponse{RoomID: roomKey, Events: logs})
}

func newRoomResponse(room *domain.Room, live bool) *roomResponse {
	snapshot := room.Snapshot()
	return &roomResponse{
		RoomID:       room.Key,
		Files:        room.SortedPaths(),
		ActiveFile:   snapshot.ActiveFile,
		MessageCount: len(room.Messages),
		Live:         live,
	}
}
