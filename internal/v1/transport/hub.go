package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/emberfell/server/internal/v1/auth"
	"github.com/emberfell/server/internal/v1/logging"
	"github.com/emberfell/server/internal/v1/metrics"
	"github.com/emberfell/server/internal/v1/ratelimit"
	"github.com/emberfell/server/internal/v1/types"
	"github.com/emberfell/server/internal/v1/world"
)

// Hub is the room registry: it serves websocket upgrades, authenticates
// sessions, and routes each one into the live room for its world, creating
// the room on demand. At most one room exists per world ID.
type Hub struct {
	mu    sync.Mutex
	rooms map[types.WorldIDType]*roomEntry

	validator   types.TokenValidator
	persistence world.Persistence
	rateLimiter *ratelimit.RateLimiter
	devMode     bool
}

// roomEntry serializes room creation per world ID. The first caller creates
// the room outside the hub lock; concurrent callers for the same world block
// on ready and share the outcome.
type roomEntry struct {
	ready chan struct{}
	room  *world.Room
	err   error
}

// NewHub creates a new Hub and configures it with its dependencies.
func NewHub(validator types.TokenValidator, persistence world.Persistence, rateLimiter *ratelimit.RateLimiter, devMode bool) *Hub {
	return &Hub{
		rooms:       make(map[types.WorldIDType]*roomEntry),
		validator:   validator,
		persistence: persistence,
		rateLimiter: rateLimiter,
		devMode:     devMode,
	}
}

// ServeWs upgrades the connection and admits the session into a world room.
//
// The upgrade happens before authentication so failures can be reported as
// websocket close codes, which is the only error channel browser clients can
// actually read. Only the IP rate limit runs pre-upgrade, while an HTTP
// response is still possible.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // Response already written by CheckWebSocket
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	conn, err := upgradeWebSocket(c, allowedOrigins)
	if err != nil {
		return
	}

	claims, err := h.authenticateSession(c.Query("token"))
	if err != nil {
		closeWithCode(conn, types.CloseAuthFailed, "authentication failed")
		return
	}

	if h.rateLimiter != nil {
		if err := h.rateLimiter.CheckWebSocketUser(c.Request.Context(), claims.Subject); err != nil {
			closeWithCode(conn, types.CloseTryAgainLater, "rate limit exceeded")
			return
		}
	}

	h.handleConnection(c, conn, claims)
}

// handleConnection resolves the room and runs the join handshake on an
// established, authenticated connection.
func (h *Hub) handleConnection(c *gin.Context, conn wsConnection, claims *auth.CustomClaims) {
	ctx := c.Request.Context()
	worldID := types.WorldIDType(c.Param("worldId"))
	accountID := types.AccountIDType(claims.Subject)
	displayName := resolveDisplayName(c.Query("name"), claims)

	// A join can land on a room that disposed between lookup and Join; in
	// that case resolve again, which replaces the stale registry entry.
	for attempt := 0; ; attempt++ {
		r, err := h.joinOrCreateRoom(ctx, worldID)
		if err != nil {
			if errors.Is(err, world.ErrWorldNotFound) {
				closeWithCode(conn, types.CloseWorldNotFound, "world not found")
			} else {
				logging.Error(ctx, "Failed to open world room",
					zap.String("worldId", string(worldID)), zap.Error(err))
				closeWithCode(conn, websocket.CloseInternalServerErr, "failed to open world")
			}
			return
		}

		client := newClient(conn, r, types.SessionIDType(uuid.NewString()), accountID, displayName)

		err = r.Join(ctx, client, accountID, claims.Email, string(displayName))
		switch {
		case err == nil:
			metrics.ActiveWebSocketConnections.Inc()
			go client.writePump()
			go client.readPump()
			return
		case errors.Is(err, world.ErrRoomClosed) && attempt < 2:
			continue
		case errors.Is(err, world.ErrNotOwner):
			closeWithCode(conn, types.CloseNotOwner, "only the owner may open this world")
			h.reapIfEmpty(r)
			return
		case errors.Is(err, world.ErrRoomFull), errors.Is(err, world.ErrRoomClosed):
			closeWithCode(conn, types.CloseTryAgainLater, "world is full")
			return
		default:
			logging.Error(ctx, "Join failed",
				zap.String("worldId", string(worldID)),
				zap.String("accountId", string(accountID)),
				zap.Error(err))
			closeWithCode(conn, websocket.CloseInternalServerErr, "join failed")
			h.reapIfEmpty(r)
			return
		}
	}
}

// joinOrCreateRoom returns the live room for worldID, creating it when no
// entry exists. Creation runs outside the hub lock so a slow world load never
// blocks lookups for other worlds.
func (h *Hub) joinOrCreateRoom(ctx context.Context, worldID types.WorldIDType) (*world.Room, error) {
	for {
		h.mu.Lock()
		if e, ok := h.rooms[worldID]; ok {
			h.mu.Unlock()
			<-e.ready
			if e.err != nil {
				return nil, e.err
			}
			if e.room.Disposed() {
				// Stale entry: the room emptied but its dispose callback has
				// not pruned the registry yet. Replace it.
				h.mu.Lock()
				if h.rooms[worldID] == e {
					delete(h.rooms, worldID)
				}
				h.mu.Unlock()
				continue
			}
			return e.room, nil
		}

		e := &roomEntry{ready: make(chan struct{})}
		h.rooms[worldID] = e
		h.mu.Unlock()

		logging.Info(ctx, "Creating world room", zap.String("worldId", string(worldID)))
		r, err := world.NewRoom(ctx, worldID, h.persistence, h.removeRoom)
		e.room, e.err = r, err
		if err != nil {
			h.mu.Lock()
			delete(h.rooms, worldID)
			h.mu.Unlock()
		}
		close(e.ready)
		return r, err
	}
}

// reapIfEmpty shuts down a room left with no players by a failed join, so a
// refused cold-open does not leave an idle room ticking forever.
func (h *Hub) reapIfEmpty(r *world.Room) {
	if r.PlayerCount() != 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.Shutdown(ctx)
}

// removeRoom prunes the registry entry for a disposed room. Invoked from the
// room's dispose path.
func (h *Hub) removeRoom(worldID types.WorldIDType) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if e, ok := h.rooms[worldID]; ok && e.room != nil && e.room.Disposed() {
		delete(h.rooms, worldID)
		logging.Info(context.Background(), "Removed world room from hub", zap.String("worldId", string(worldID)))
	}
}

// RoomCount returns the number of registered rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Shutdown gracefully closes all active rooms. Each room disconnects its
// clients with a going-away close and runs its final save; Shutdown returns
// once every save has landed or the context expires.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Shutting down hub - closing all world rooms...")

	h.mu.Lock()
	rooms := make([]*world.Room, 0, len(h.rooms))
	for _, e := range h.rooms {
		select {
		case <-e.ready:
			if e.room != nil {
				rooms = append(rooms, e.room)
			}
		default:
			// Still being created; its joiners will find a disposed hub state
			// when the server's listener is already gone.
		}
	}
	h.mu.Unlock()

	var firstErr error
	for _, r := range rooms {
		if err := r.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	logging.Info(ctx, "All world rooms closed", zap.Int("count", len(rooms)))
	return firstErr
}

// authenticateSession validates the bearer token and extracts claims.
func (h *Hub) authenticateSession(token string) (*auth.CustomClaims, error) {
	if strings.TrimSpace(token) == "" {
		logging.Warn(context.Background(), "No token provided in request")
		return nil, errors.New("token not provided")
	}
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(context.Background(), "Token validation failed", zap.Error(err))
		return nil, err
	}
	logging.GetLogger().Debug("Session authenticated", zap.String("accountId", claims.Subject))
	return claims, nil
}

// closeWithCode reports a pre-join failure on a raw connection. The client
// never entered a room, so there is no pump to drain; write the frame
// directly and hang up.
func closeWithCode(conn wsConnection, code int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = conn.Close()
}
