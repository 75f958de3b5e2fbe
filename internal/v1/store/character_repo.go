package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/emberfell/server/internal/v1/types"
)

// CharacterRow mirrors one row of characters. (account_id, world_id) is
// unique: an account has exactly one character per world.
type CharacterRow struct {
	ID        int64
	AccountID types.AccountIDType
	WorldID   types.WorldIDType
	Name      string
	X         int
	Y         int
	CreatedAt time.Time
	UpdatedAt time.Time
}

type CharacterRepo struct {
	db *DB
}

func NewCharacterRepo(db *DB) *CharacterRepo {
	return &CharacterRepo{db: db}
}

// GetByAccountAndWorld loads the account's character for a world.
// Returns (nil, nil) when none exists yet.
func (r *CharacterRepo) GetByAccountAndWorld(ctx context.Context, accountID types.AccountIDType, worldID types.WorldIDType) (*CharacterRow, error) {
	var c CharacterRow
	err := r.db.Pool.QueryRow(ctx,
		`SELECT id, account_id, world_id, name, x, y, created_at, updated_at
		 FROM characters
		 WHERE account_id = $1 AND world_id = $2`,
		string(accountID), string(worldID),
	).Scan(&c.ID, &c.AccountID, &c.WorldID, &c.Name, &c.X, &c.Y, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a character at the given spawn position.
func (r *CharacterRepo) Create(ctx context.Context, accountID types.AccountIDType, worldID types.WorldIDType, name string, x, y int) (*CharacterRow, error) {
	var c CharacterRow
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO characters (account_id, world_id, name, x, y)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, account_id, world_id, name, x, y, created_at, updated_at`,
		string(accountID), string(worldID), name, x, y,
	).Scan(&c.ID, &c.AccountID, &c.WorldID, &c.Name, &c.X, &c.Y, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdatePosition persists a single character's position. Used by the
// fire-and-forget save on leave.
func (r *CharacterRepo) UpdatePosition(ctx context.Context, characterID int64, x, y int) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE characters SET x = $2, y = $3, updated_at = now() WHERE id = $1`,
		characterID, x, y,
	)
	return err
}

// updatePositionTx is UpdatePosition inside an open save transaction.
func (r *CharacterRepo) updatePositionTx(ctx context.Context, tx pgx.Tx, characterID int64, x, y int) error {
	_, err := tx.Exec(ctx,
		`UPDATE characters SET x = $2, y = $3, updated_at = now() WHERE id = $1`,
		characterID, x, y,
	)
	return err
}
