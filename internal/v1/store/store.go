package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/emberfell/server/internal/v1/logging"
	"github.com/emberfell/server/internal/v1/metrics"
	"github.com/emberfell/server/internal/v1/types"
)

// CharacterPosition is one element of a transactional save: the character
// row to update and the position to persist.
type CharacterPosition struct {
	CharacterID int64
	X           int
	Y           int
}

// Store is the persistence port the rooms consume. Reads pass straight
// through to the repos; the transactional save path runs behind a circuit
// breaker so a failing database sheds interval saves instead of stacking
// transactions (rooms already tolerate skipped saves, loss is bounded by
// the save cadence).
type Store struct {
	db      *DB
	worlds  *WorldRepo
	chars   *CharacterRepo
	breaker *gobreaker.CircuitBreaker
}

func New(db *DB) *Store {
	return &Store{
		db:     db,
		worlds: NewWorldRepo(db),
		chars:  NewCharacterRepo(db),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "world-save",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn(context.Background(), "Save circuit breaker state change",
					zap.String("breaker", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
	}
}

// GetWorld loads a world save row; (nil, nil) when absent.
func (s *Store) GetWorld(ctx context.Context, worldID types.WorldIDType) (*WorldSaveRow, error) {
	return s.worlds.GetByID(ctx, worldID)
}

// GetCharacter loads the account's character for a world; (nil, nil) when absent.
func (s *Store) GetCharacter(ctx context.Context, accountID types.AccountIDType, worldID types.WorldIDType) (*CharacterRow, error) {
	return s.chars.GetByAccountAndWorld(ctx, accountID, worldID)
}

// CreateCharacter inserts a new character at the world's spawn.
func (s *Store) CreateCharacter(ctx context.Context, accountID types.AccountIDType, worldID types.WorldIDType, name string, x, y int) (*CharacterRow, error) {
	return s.chars.Create(ctx, accountID, worldID, name, x, y)
}

// SaveCharacterPosition persists one character's position outside a world
// transaction. Used by the fire-and-forget save when a player leaves.
func (s *Store) SaveCharacterPosition(ctx context.Context, characterID int64, x, y int) error {
	return s.chars.UpdatePosition(ctx, characterID, x, y)
}

// SaveAll commits the world blob and every given character position in a
// single transaction: either everything lands or nothing does.
func (s *Store) SaveAll(ctx context.Context, worldID types.WorldIDType, worldData json.RawMessage, positions []CharacterPosition) error {
	start := time.Now()
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.saveAll(ctx, worldID, worldData, positions)
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SaveDuration.Observe(time.Since(start).Seconds())
	metrics.SavesTotal.WithLabelValues(status).Inc()
	return err
}

func (s *Store) saveAll(ctx context.Context, worldID types.WorldIDType, worldData json.RawMessage, positions []CharacterPosition) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.worlds.updateWorldDataTx(ctx, tx, worldID, worldData); err != nil {
		return fmt.Errorf("save world data: %w", err)
	}
	for _, p := range positions {
		if err := s.chars.updatePositionTx(ctx, tx, p.CharacterID, p.X, p.Y); err != nil {
			return fmt.Errorf("save character %d: %w", p.CharacterID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit save tx: %w", err)
	}
	return nil
}
