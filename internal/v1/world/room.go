// Package world implements the per-world room runtime: the fixed-tick
// simulation loop, input intake, idle tracking, host ownership, and the
// save/load coordination with the persistence store. One Room exists per
// live world save; the transport hub creates rooms on demand and removes
// them when the last player leaves.
package world

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/emberfell/server/internal/v1/game"
	"github.com/emberfell/server/internal/v1/logging"
	"github.com/emberfell/server/internal/v1/metrics"
	"github.com/emberfell/server/internal/v1/store"
	"github.com/emberfell/server/internal/v1/types"
)

const (
	tickInterval      = time.Second / types.TickRate
	autoSaveInterval  = 60 * time.Second
	idleCheckInterval = 30 * time.Second
	idleWarnAfter     = 14 * time.Minute
	idleKickAfter     = 15 * time.Minute
	idleWarnSeconds   = 60
)

var (
	// ErrWorldNotFound means the world save does not exist; room creation fails.
	ErrWorldNotFound = errors.New("world not found")
	// ErrNotOwner means a non-owner tried to cold-open the world.
	ErrNotOwner = errors.New("only the world owner may open a cold world")
	// ErrRoomFull means the room is at party capacity.
	ErrRoomFull = errors.New("room is full")
	// ErrRoomClosed means the room disposed while the join was in flight.
	ErrRoomClosed = errors.New("room is closed")
)

// Persistence is the narrow store port the room consumes. *store.Store
// implements it; tests substitute a mock.
type Persistence interface {
	GetWorld(ctx context.Context, worldID types.WorldIDType) (*store.WorldSaveRow, error)
	GetCharacter(ctx context.Context, accountID types.AccountIDType, worldID types.WorldIDType) (*store.CharacterRow, error)
	CreateCharacter(ctx context.Context, accountID types.AccountIDType, worldID types.WorldIDType, name string, x, y int) (*store.CharacterRow, error)
	SaveCharacterPosition(ctx context.Context, characterID int64, x, y int) error
	SaveAll(ctx context.Context, worldID types.WorldIDType, worldData json.RawMessage, positions []store.CharacterPosition) error
}

// Room owns the state and lifecycle for exactly one world save.
//
// Concurrency: the room is serialized through mu, held for the duration of
// every tick, message, and timer handler. A single run-loop goroutine owns
// the tick / auto-save / idle tickers and exits when done closes, so a timer
// can never fire after disposal. Saves serialize separately on saveMu:
// interval saves TryLock and skip when one is in flight, the final dispose
// save blocks until it can run.
type Room struct {
	ID types.WorldIDType

	mu    sync.Mutex
	tiles *game.TileMap
	state *game.RoomState

	// worldData is the opaque save blob, round-tripped back to the store on
	// every save. The tile grid inside it is immutable for the room's life.
	worldData json.RawMessage
	worldName string

	// hostAccountID comes from persistence at creation and never changes;
	// hostSessionID tracks the currently connected host, if any.
	hostAccountID types.AccountIDType
	hostSessionID types.SessionIDType

	clients            map[types.SessionIDType]types.ClientConn
	queues             map[types.SessionIDType]*game.InputQueue
	accountBySession   map[types.SessionIDType]types.AccountIDType
	characterBySession map[types.SessionIDType]int64
	lastInputAt        map[types.SessionIDType]time.Time
	idleWarned         set.Set[types.SessionIDType]

	disposed bool

	persistence Persistence
	onDispose   func(types.WorldIDType)

	saveMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewRoom loads the world save, records its owner as host, and starts the
// room's run loop. Returns ErrWorldNotFound when no such world exists.
func NewRoom(ctx context.Context, id types.WorldIDType, persistence Persistence, onDispose func(types.WorldIDType)) (*Room, error) {
	row, err := persistence.GetWorld(ctx, id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, ErrWorldNotFound
	}

	tiles, err := game.ParseWorldData(row.WorldData)
	if err != nil {
		return nil, err
	}

	r := &Room{
		ID:                 id,
		tiles:              tiles,
		state:              game.NewRoomState(),
		worldData:          row.WorldData,
		worldName:          row.Name,
		hostAccountID:      row.OwnerAccountID,
		clients:            make(map[types.SessionIDType]types.ClientConn),
		queues:             make(map[types.SessionIDType]*game.InputQueue),
		accountBySession:   make(map[types.SessionIDType]types.AccountIDType),
		characterBySession: make(map[types.SessionIDType]int64),
		lastInputAt:        make(map[types.SessionIDType]time.Time),
		idleWarned:         set.New[types.SessionIDType](),
		persistence:        persistence,
		onDispose:          onDispose,
		done:               make(chan struct{}),
	}

	logging.Info(ctx, "World room created",
		zap.String("world", string(id)),
		zap.String("name", row.Name),
		zap.String("owner", string(row.OwnerAccountID)))

	r.wg.Add(1)
	go r.run()

	metrics.ActiveRooms.Inc()
	return r, nil
}

// run owns the room's three timers until the done channel closes.
func (r *Room) run() {
	defer r.wg.Done()

	tick := time.NewTicker(tickInterval)
	save := time.NewTicker(autoSaveInterval)
	idle := time.NewTicker(idleCheckInterval)
	defer tick.Stop()
	defer save.Stop()
	defer idle.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-tick.C:
			r.tick()
		case <-save.C:
			r.autoSave()
		case <-idle.C:
			r.checkIdle()
		}
	}
}

// HostSessionID returns the session of the currently connected host, or ""
// when the host is not connected.
func (r *Room) HostSessionID() types.SessionIDType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hostSessionID
}

// PlayerCount returns the number of players currently in state.
func (r *Room) PlayerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Len()
}

// sendToLocked marshals and queues a message for one session.
func (r *Room) sendToLocked(conn types.ClientConn, msgType string, payload any) {
	data, err := types.Encode(msgType, payload)
	if err != nil {
		logging.Error(context.Background(), "Failed to encode message",
			zap.String("world", string(r.ID)), zap.String("type", msgType), zap.Error(err))
		return
	}
	conn.SendRaw(data)
}

// broadcastRawLocked queues raw bytes for every connected session except the
// excluded one. Caller must hold r.mu.
func (r *Room) broadcastRawLocked(data []byte, except types.SessionIDType) {
	for sid, conn := range r.clients {
		if sid == except {
			continue
		}
		conn.SendRaw(data)
	}
}

// flushPatchLocked drains pending state mutations into a state_patch frame
// and broadcasts it. Patches for tick N always reach a session before any
// patch for tick N+1 because each client's send channel preserves order.
// Caller must hold r.mu.
func (r *Room) flushPatchLocked(except types.SessionIDType) {
	ops := r.state.Flush()
	if len(ops) == 0 {
		return
	}
	data, err := types.Encode(types.MsgStatePatch, game.StatePatch{Ops: ops})
	if err != nil {
		logging.Error(context.Background(), "Failed to encode state patch",
			zap.String("world", string(r.ID)), zap.Error(err))
		return
	}
	r.broadcastRawLocked(data, except)
}
