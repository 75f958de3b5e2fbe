package world

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/emberfell/server/internal/v1/logging"
	"github.com/emberfell/server/internal/v1/store"
)

const saveTimeout = 30 * time.Second

// autoSave snapshots positions and commits them in the background. Saves
// are single-flight: if one is already running the interval is skipped, so
// two saves for the same world never contend on its rows. A failed interval
// save only costs one cadence of durability; the room keeps running.
func (r *Room) autoSave() {
	if !r.saveMu.TryLock() {
		logging.GetLogger().Debug("Skipping auto-save, previous save still in flight",
			zap.String("world", string(r.ID)))
		return
	}

	positions, worldData := r.snapshotForSave()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.saveMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		if err := r.persistence.SaveAll(ctx, r.ID, worldData, positions); err != nil {
			logging.Error(ctx, "Auto-save failed",
				zap.String("world", string(r.ID)),
				zap.Int("characters", len(positions)),
				zap.Error(err))
		}
	}()
}

// finalSave runs synchronously at disposal. Unlike the interval save it
// blocks until any in-flight save finishes, so the last word always lands.
func (r *Room) finalSave() {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	positions, worldData := r.snapshotForSave()

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.persistence.SaveAll(ctx, r.ID, worldData, positions); err != nil {
		logging.Error(ctx, "Final save failed",
			zap.String("world", string(r.ID)),
			zap.Int("characters", len(positions)),
			zap.Error(err))
		return
	}
	logging.Info(ctx, "Final save complete",
		zap.String("world", string(r.ID)),
		zap.Int("characters", len(positions)))
}

// snapshotForSave copies everything a save needs while holding the room
// lock, so the transaction itself runs without touching live state.
func (r *Room) snapshotForSave() ([]store.CharacterPosition, json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	positions := make([]store.CharacterPosition, 0, len(r.characterBySession))
	for sid, charID := range r.characterBySession {
		rec, ok := r.state.Get(sid)
		if !ok {
			continue
		}
		positions = append(positions, store.CharacterPosition{CharacterID: charID, X: rec.X, Y: rec.Y})
	}
	return positions, r.worldData
}
