package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/emberfell/server/internal/v1/types"
)

// WorldSaveRow mirrors one row of world_saves. WorldData is opaque to the
// store; the game package interprets the tile grid out of it.
type WorldSaveRow struct {
	ID             types.WorldIDType
	OwnerAccountID types.AccountIDType
	Name           string
	Seed           int64
	WorldData      json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type WorldRepo struct {
	db *DB
}

func NewWorldRepo(db *DB) *WorldRepo {
	return &WorldRepo{db: db}
}

// GetByID loads a world save. Returns (nil, nil) when the world does not
// exist; callers translate that into their own not-found error.
func (r *WorldRepo) GetByID(ctx context.Context, worldID types.WorldIDType) (*WorldSaveRow, error) {
	var w WorldSaveRow
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, owner_account_id, name, seed, world_data, created_at, updated_at
		 FROM world_saves
		 WHERE id = $1`, string(worldID),
	).Scan(&w.ID, &w.OwnerAccountID, &w.Name, &w.Seed, &w.WorldData, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// updateWorldDataTx writes the world blob inside an open save transaction.
func (r *WorldRepo) updateWorldDataTx(ctx context.Context, tx pgx.Tx, worldID types.WorldIDType, worldData json.RawMessage) error {
	_, err := tx.Exec(ctx,
		`UPDATE world_saves SET world_data = $2, updated_at = now() WHERE id = $1`,
		string(worldID), worldData,
	)
	return err
}
