package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/emberfell/server/internal/v1/auth"
	"github.com/emberfell/server/internal/v1/store"
	"github.com/emberfell/server/internal/v1/types"
)

// mockWsConn is a scriptable wsConnection. Reads are fed through a channel;
// writes are captured for assertions.
type mockWsConn struct {
	reads chan []byte

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newMockWsConn() *mockWsConn {
	return &mockWsConn{reads: make(chan []byte, 16)}
}

func (c *mockWsConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.reads
	if !ok {
		return 0, nil, io.EOF
	}
	return 1, data, nil // TextMessage
}

func (c *mockWsConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed connection")
	}
	frame := append([]byte{byte(messageType)}, data...)
	c.written = append(c.written, frame)
	return nil
}

func (c *mockWsConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockWsConn) SetWriteDeadline(time.Time) error { return nil }

// frames returns captured writes as (messageType, payload) pairs.
func (c *mockWsConn) frames() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]frame, 0, len(c.written))
	for _, w := range c.written {
		out = append(out, frame{messageType: int(w[0]), data: w[1:]})
	}
	return out
}

type frame struct {
	messageType int
	data        []byte
}

// mockRoomer records the calls a client makes into its room.
type mockRoomer struct {
	mu     sync.Mutex
	inputs []types.InputPayload
	leaves []bool // consented flag per Leave call
}

func (r *mockRoomer) HandleInput(_ types.ClientConn, payload types.InputPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, payload)
}

func (r *mockRoomer) Leave(_ types.ClientConn, consented bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaves = append(r.leaves, consented)
}

func (r *mockRoomer) inputCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inputs)
}

func (r *mockRoomer) leaveCalls() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.leaves...)
}

// mockValidator accepts any non-empty token and reports the token string as
// the account subject.
type mockValidator struct{}

func (mockValidator) ValidateToken(tokenString string) (*auth.CustomClaims, error) {
	if tokenString == "" {
		return nil, errors.New("empty token")
	}
	claims := &auth.CustomClaims{Email: tokenString + "@example.com"}
	claims.Subject = tokenString
	return claims, nil
}

// rejectingValidator refuses every token.
type rejectingValidator struct{}

func (rejectingValidator) ValidateToken(string) (*auth.CustomClaims, error) {
	return nil, errors.New("bad token")
}

// mockPersistence backs the hub's rooms with an in-memory store.
type mockPersistence struct {
	mu         sync.Mutex
	worlds     map[types.WorldIDType]*store.WorldSaveRow
	characters map[string]*store.CharacterRow
	nextCharID int64
}

func newMockPersistence() *mockPersistence {
	return &mockPersistence{
		worlds:     make(map[types.WorldIDType]*store.WorldSaveRow),
		characters: make(map[string]*store.CharacterRow),
	}
}

func (m *mockPersistence) addWorld(id types.WorldIDType, owner types.AccountIDType, data json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.worlds[id] = &store.WorldSaveRow{ID: id, OwnerAccountID: owner, Name: "Test World", WorldData: data}
}

func (m *mockPersistence) GetWorld(_ context.Context, worldID types.WorldIDType) (*store.WorldSaveRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.worlds[worldID], nil
}

func (m *mockPersistence) GetCharacter(_ context.Context, accountID types.AccountIDType, worldID types.WorldIDType) (*store.CharacterRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.characters[string(accountID)+"|"+string(worldID)], nil
}

func (m *mockPersistence) CreateCharacter(_ context.Context, accountID types.AccountIDType, worldID types.WorldIDType, name string, x, y int) (*store.CharacterRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextCharID++
	row := &store.CharacterRow{ID: m.nextCharID, AccountID: accountID, WorldID: worldID, Name: name, X: x, Y: y}
	m.characters[string(accountID)+"|"+string(worldID)] = row
	return row, nil
}

func (m *mockPersistence) SaveCharacterPosition(context.Context, int64, int, int) error {
	return nil
}

func (m *mockPersistence) SaveAll(context.Context, types.WorldIDType, json.RawMessage, []store.CharacterPosition) error {
	return nil
}
