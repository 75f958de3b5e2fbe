package world

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/emberfell/server/internal/v1/game"
	"github.com/emberfell/server/internal/v1/logging"
	"github.com/emberfell/server/internal/v1/metrics"
	"github.com/emberfell/server/internal/v1/types"
)

// tick advances the simulation one step: for every player with a pending
// input, consume exactly one, evaluate the move, and acknowledge the
// sequence number even when the move was blocked. Clients discard confirmed
// predictions by sequence, so a silently dropped blocked move would grow
// their prediction buffers without bound.
func (r *Room) tick() {
	start := time.Now()

	r.mu.Lock()
	for sid, q := range r.queues {
		in, ok := q.Pop()
		if !ok {
			continue
		}
		rec, ok := r.state.Get(sid)
		if !ok {
			continue
		}
		nx, ny, _ := game.Step(r.tiles, rec.X, rec.Y, in.Dir)
		r.state.SetPosition(sid, nx, ny)
		r.state.SetLastProcessedSeq(sid, in.Seq)
	}
	r.flushPatchLocked("")
	r.mu.Unlock()

	metrics.TickDuration.Observe(time.Since(start).Seconds())
}

// HandleInput is the message intake for one client input frame. Rejections
// are logged and silently dropped; the client never sees an error. Any
// well-formed input from a known session resets the idle timer before the
// staleness check, since a client replaying an old sequence is still engaged.
func (r *Room) HandleInput(conn types.ClientConn, payload types.InputPayload) {
	sid := conn.SessionID()
	ctx := context.Background()

	in, err := game.ParseInput(payload)
	if err != nil {
		metrics.InputsTotal.WithLabelValues("malformed").Inc()
		logging.Warn(ctx, "Dropping malformed input",
			zap.String("world", string(r.ID)), zap.String("session", string(sid)), zap.Error(err))
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.state.Get(sid)
	if !ok {
		// Race with leave; the session is already gone.
		metrics.InputsTotal.WithLabelValues("no_player").Inc()
		logging.Warn(ctx, "Dropping input from session not in state",
			zap.String("world", string(r.ID)), zap.String("session", string(sid)))
		return
	}

	r.lastInputAt[sid] = time.Now()
	r.idleWarned.Delete(sid)

	if in.Seq <= rec.LastProcessedSeq {
		metrics.InputsTotal.WithLabelValues("stale").Inc()
		logging.GetLogger().Debug("Dropping stale input",
			zap.String("world", string(r.ID)),
			zap.String("session", string(sid)),
			zap.Uint64("seq", in.Seq),
			zap.Uint64("lastProcessed", rec.LastProcessedSeq))
		return
	}

	if !r.queues[sid].Push(in) {
		metrics.InputsTotal.WithLabelValues("overflow").Inc()
		logging.GetLogger().Debug("Input queue full, dropping newest",
			zap.String("world", string(r.ID)),
			zap.String("session", string(sid)),
			zap.Uint64("seq", in.Seq))
		return
	}
	metrics.InputsTotal.WithLabelValues("accepted").Inc()
}

// checkIdle warns sessions idle past the warning threshold and kicks those
// past the kick threshold. The 30s cadence means warnings land anywhere in
// [14:00, 14:30) and kicks in [15:00, 15:30).
func (r *Room) checkIdle() {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for sid, last := range r.lastInputAt {
		conn, ok := r.clients[sid]
		if !ok {
			continue
		}
		elapsed := now.Sub(last)
		switch {
		case elapsed >= idleKickAfter:
			logging.Info(context.Background(), "Kicking idle player",
				zap.String("world", string(r.ID)),
				zap.String("session", string(sid)),
				zap.Duration("idle", elapsed))
			r.sendToLocked(conn, types.MsgIdleKick, types.IdleKickPayload{Reason: "idle timeout"})
			// The close frame is queued behind the kick message; the
			// transport close then drives Leave.
			conn.Close(types.CloseIdleTimeout, "idle timeout")
		case elapsed >= idleWarnAfter && !r.idleWarned.Has(sid):
			r.sendToLocked(conn, types.MsgIdleWarning, types.IdleWarningPayload{SecondsRemaining: idleWarnSeconds})
			r.idleWarned.Insert(sid)
		}
	}
}
