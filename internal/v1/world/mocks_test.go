package world

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/set"

	"github.com/emberfell/server/internal/v1/game"
	"github.com/emberfell/server/internal/v1/store"
	"github.com/emberfell/server/internal/v1/types"
)

// mockPersistence is an in-memory Persistence implementation that records
// every save for assertions.
type mockPersistence struct {
	mu         sync.Mutex
	worlds     map[types.WorldIDType]*store.WorldSaveRow
	characters map[string]*store.CharacterRow // keyed accountID|worldID
	nextCharID int64

	savedPositions map[int64][2]int
	saveAllCalls   int
	getWorldErr    error
	saveAllErr     error
}

func newMockPersistence() *mockPersistence {
	return &mockPersistence{
		worlds:         make(map[types.WorldIDType]*store.WorldSaveRow),
		characters:     make(map[string]*store.CharacterRow),
		savedPositions: make(map[int64][2]int),
	}
}

func charKey(accountID types.AccountIDType, worldID types.WorldIDType) string {
	return string(accountID) + "|" + string(worldID)
}

func (m *mockPersistence) addWorld(id types.WorldIDType, owner types.AccountIDType, data json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.worlds[id] = &store.WorldSaveRow{ID: id, OwnerAccountID: owner, Name: "Test World", WorldData: data}
}

func (m *mockPersistence) addCharacter(accountID types.AccountIDType, worldID types.WorldIDType, name string, x, y int) *store.CharacterRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCharID++
	row := &store.CharacterRow{ID: m.nextCharID, AccountID: accountID, WorldID: worldID, Name: name, X: x, Y: y}
	m.characters[charKey(accountID, worldID)] = row
	return row
}

func (m *mockPersistence) GetWorld(_ context.Context, worldID types.WorldIDType) (*store.WorldSaveRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getWorldErr != nil {
		return nil, m.getWorldErr
	}
	return m.worlds[worldID], nil
}

func (m *mockPersistence) GetCharacter(_ context.Context, accountID types.AccountIDType, worldID types.WorldIDType) (*store.CharacterRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.characters[charKey(accountID, worldID)], nil
}

func (m *mockPersistence) CreateCharacter(_ context.Context, accountID types.AccountIDType, worldID types.WorldIDType, name string, x, y int) (*store.CharacterRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCharID++
	row := &store.CharacterRow{ID: m.nextCharID, AccountID: accountID, WorldID: worldID, Name: name, X: x, Y: y}
	m.characters[charKey(accountID, worldID)] = row
	return row, nil
}

func (m *mockPersistence) SaveCharacterPosition(_ context.Context, characterID int64, x, y int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedPositions[characterID] = [2]int{x, y}
	return nil
}

func (m *mockPersistence) SaveAll(_ context.Context, _ types.WorldIDType, _ json.RawMessage, positions []store.CharacterPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveAllCalls++
	if m.saveAllErr != nil {
		return m.saveAllErr
	}
	for _, p := range positions {
		m.savedPositions[p.CharacterID] = [2]int{p.X, p.Y}
	}
	return nil
}

func (m *mockPersistence) saveAllCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveAllCalls
}

func (m *mockPersistence) savedPosition(characterID int64) ([2]int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.savedPositions[characterID]
	return pos, ok
}

// mockConn is an in-memory types.ClientConn capturing everything the room
// sends.
type mockConn struct {
	id types.SessionIDType

	mu          sync.Mutex
	sent        [][]byte
	closed      bool
	closeCode   int
	closeReason string
}

func newMockConn(id types.SessionIDType) *mockConn {
	return &mockConn{id: id}
}

func (c *mockConn) SessionID() types.SessionIDType { return c.id }

func (c *mockConn) SendRaw(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, data)
}

func (c *mockConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
}

func (c *mockConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

// messages decodes every captured frame into envelopes.
func (c *mockConn) messages(t *testing.T) []types.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Message, 0, len(c.sent))
	for _, raw := range c.sent {
		var msg types.Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		out = append(out, msg)
	}
	return out
}

// lastPatch returns the most recent state_patch payload, failing the test
// when none was sent.
func (c *mockConn) lastPatch(t *testing.T) game.StatePatch {
	t.Helper()
	msgs := c.messages(t)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Type == types.MsgStatePatch {
			var patch game.StatePatch
			require.NoError(t, json.Unmarshal(msgs[i].Payload, &patch))
			return patch
		}
	}
	t.Fatal("no state_patch received")
	return game.StatePatch{}
}

// patchOpsFor collects every patch op sent to this conn for a session.
func (c *mockConn) patchOpsFor(t *testing.T, sid types.SessionIDType) []game.PatchOp {
	t.Helper()
	var ops []game.PatchOp
	for _, msg := range c.messages(t) {
		if msg.Type != types.MsgStatePatch {
			continue
		}
		var patch game.StatePatch
		require.NoError(t, json.Unmarshal(msg.Payload, &patch))
		for _, op := range patch.Ops {
			if op.SessionID == sid {
				ops = append(ops, op)
			}
		}
	}
	return ops
}

func (c *mockConn) messageTypes(t *testing.T) []string {
	t.Helper()
	msgs := c.messages(t)
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Type
	}
	return out
}

// openWorldData builds a 5x5 all-ground map with spawn at (2,2), plus an
// extra field that must survive the save round-trip untouched.
func openWorldData(t *testing.T) json.RawMessage {
	t.Helper()
	return worldDataWithTiles(t, [][]int{
		{0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0},
	}, 2, 2)
}

func worldDataWithTiles(t *testing.T, tiles [][]int, spawnX, spawnY int) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"width":  len(tiles[0]),
		"height": len(tiles),
		"spawn":  map[string]int{"x": spawnX, "y": spawnY},
		"tiles":  tiles,
		"seed":   12345,
	})
	require.NoError(t, err)
	return data
}

var testWorldID = types.WorldIDType("world-1")

// newTestRoom builds a room around the mock store without starting the run
// loop, so tests drive ticks and idle checks deterministically.
func newTestRoom(t *testing.T, p *mockPersistence) *Room {
	t.Helper()

	row, err := p.GetWorld(context.Background(), testWorldID)
	require.NoError(t, err)
	require.NotNil(t, row, "test world must be registered on the mock first")

	tiles, err := game.ParseWorldData(row.WorldData)
	require.NoError(t, err)

	r := &Room{
		ID:                 testWorldID,
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
		persistence:        p,
		done:               make(chan struct{}),
	}
	t.Cleanup(func() {
		r.closeOnce.Do(func() { close(r.done) })
		r.wg.Wait()
	})
	return r
}

// joinTestPlayer admits a player and returns its conn.
func joinTestPlayer(t *testing.T, r *Room, account types.AccountIDType, session types.SessionIDType) *mockConn {
	t.Helper()
	conn := newMockConn(session)
	require.NoError(t, r.Join(context.Background(), conn, account, fmt.Sprintf("%s@example.com", account), string(account)))
	return conn
}
