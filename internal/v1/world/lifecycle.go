package world

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emberfell/server/internal/v1/game"
	"github.com/emberfell/server/internal/v1/logging"
	"github.com/emberfell/server/internal/v1/metrics"
	"github.com/emberfell/server/internal/v1/types"
)

// Join admits an authenticated session into the room.
//
// Only the world owner may open a cold (empty) world; once warm, any
// authenticated account may join up to the party cap. The character row is
// loaded or created before any in-room bookkeeping, so a failed join leaves
// no partial state behind and the player record is fully populated before it
// becomes observable to other clients.
func (r *Room) Join(ctx context.Context, conn types.ClientConn, accountID types.AccountIDType, email, characterName string) error {
	sid := conn.SessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return ErrRoomClosed
	}
	if r.state.Len() == 0 && accountID != r.hostAccountID {
		logging.Warn(ctx, "Non-owner attempted to cold-open world",
			zap.String("world", string(r.ID)), zap.String("account", string(accountID)))
		return ErrNotOwner
	}
	if r.state.Len() >= types.MaxPartySize {
		return ErrRoomFull
	}

	// Persistence I/O happens while holding the room lock: join is a
	// suspension point and the room stays serialized throughout.
	char, err := r.persistence.GetCharacter(ctx, accountID, r.ID)
	if err != nil {
		return err
	}
	if char == nil {
		name := strings.TrimSpace(characterName)
		if name == "" {
			name = email
		}
		sx, sy := r.tiles.Spawn()
		char, err = r.persistence.CreateCharacter(ctx, accountID, r.ID, name, sx, sy)
		if err != nil {
			return err
		}
	}

	x, y := char.X, char.Y
	if !r.tiles.Passable(x, y) {
		// The saved position predates a map change; fall back to spawn so
		// the passability invariant holds from the first broadcast.
		x, y = r.tiles.Spawn()
	}

	rec := game.PlayerRecord{
		SessionID: sid,
		AccountID: accountID,
		Name:      char.Name,
		X:         x,
		Y:         y,
	}
	if err := r.state.AddPlayer(rec); err != nil {
		return err
	}

	r.clients[sid] = conn
	r.queues[sid] = game.NewInputQueue()
	r.accountBySession[sid] = accountID
	r.characterBySession[sid] = char.ID
	r.lastInputAt[sid] = time.Now()
	if accountID == r.hostAccountID {
		r.hostSessionID = sid
	}

	// Everyone already present sees an add op; the joiner boots from a full
	// snapshot instead.
	r.flushPatchLocked(sid)
	r.sendToLocked(conn, types.MsgRoomState, r.state.Snapshot())

	metrics.RoomPlayers.WithLabelValues(string(r.ID)).Set(float64(r.state.Len()))
	logging.Info(ctx, "Player joined world",
		zap.String("world", string(r.ID)),
		zap.String("session", string(sid)),
		zap.String("account", string(accountID)),
		zap.String("name", char.Name),
		zap.Bool("host", accountID == r.hostAccountID))
	return nil
}

// Leave removes a session from the room. It is idempotent: a second call
// for an already-removed session is a no-op. The character position save is
// fire-and-forget; the leave path never blocks on I/O. When the last player
// leaves, the room disposes itself.
func (r *Room) Leave(conn types.ClientConn, consented bool) {
	sid := conn.SessionID()

	r.mu.Lock()
	if _, ok := r.accountBySession[sid]; !ok {
		r.mu.Unlock()
		return
	}

	charID := r.characterBySession[sid]
	rec, _ := r.state.Get(sid)

	delete(r.clients, sid)
	delete(r.queues, sid)
	delete(r.accountBySession, sid)
	delete(r.characterBySession, sid)
	delete(r.lastInputAt, sid)
	r.idleWarned.Delete(sid)
	if r.hostSessionID == sid {
		r.hostSessionID = ""
	}
	r.state.RemovePlayer(sid)
	r.flushPatchLocked(sid)

	remaining := r.state.Len()
	if remaining == 0 {
		r.disposed = true
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.persistence.SaveCharacterPosition(ctx, charID, rec.X, rec.Y); err != nil {
			logging.Error(ctx, "Failed to save character on leave",
				zap.String("world", string(r.ID)),
				zap.Int64("character", charID),
				zap.Error(err))
		}
	}()

	logging.Info(context.Background(), "Player left world",
		zap.String("world", string(r.ID)),
		zap.String("session", string(sid)),
		zap.Bool("consented", consented),
		zap.Int("remaining", remaining))

	if remaining == 0 {
		r.dispose()
	} else {
		metrics.RoomPlayers.WithLabelValues(string(r.ID)).Set(float64(remaining))
	}
}

// Disposed reports whether the room has shut down and stopped accepting
// joins. The hub uses this to replace a stale registry entry.
func (r *Room) Disposed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disposed
}

// dispose stops the timers, removes the room from the registry, and
// performs the final synchronous save. Timers are cancelled before the save
// so nothing fires mid-disposal; the run loop's select simply exits.
func (r *Room) dispose() {
	r.closeOnce.Do(func() {
		close(r.done)

		if r.onDispose != nil {
			r.onDispose(r.ID)
		}
		r.finalSave()

		metrics.ActiveRooms.Dec()
		metrics.RoomPlayers.DeleteLabelValues(string(r.ID))
		logging.Info(context.Background(), "World room disposed", zap.String("world", string(r.ID)))
	})
}

// Shutdown kicks all connected clients and disposes the room. Used on
// server shutdown; waits for in-flight saves up to the context deadline.
func (r *Room) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.disposed = true
	conns := make([]types.ClientConn, 0, len(r.clients))
	for _, c := range r.clients {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close(types.CloseGoingAway, "server shutting down")
	}

	r.dispose()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
