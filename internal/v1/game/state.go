package game

import (
	"fmt"

	"github.com/emberfell/server/internal/v1/types"
)

// PlayerRecord is the per-session state observable to clients. Every field
// here is tracked: any mutation yields a patch on the next flush.
type PlayerRecord struct {
	SessionID        types.SessionIDType `json:"sessionId"`
	AccountID        types.AccountIDType `json:"accountId"`
	Name             string              `json:"name"`
	X                int                 `json:"x"`
	Y                int                 `json:"y"`
	LastProcessedSeq uint64              `json:"lastProcessedSequenceNumber"`
}

// Patch op kinds.
const (
	OpAdd    = "add"
	OpChange = "change"
	OpRemove = "remove"
)

// PatchOp is one element of a state delta. Add carries the full record,
// change carries only the fields that moved, remove carries neither.
type PatchOp struct {
	Op        string              `json:"op"`
	SessionID types.SessionIDType `json:"sessionId"`
	Player    *PlayerRecord       `json:"player,omitempty"`
	Fields    map[string]any      `json:"fields,omitempty"`
}

// StatePatch is the payload of a state_patch message.
type StatePatch struct {
	Ops []PatchOp `json:"ops"`
}

// RoomSnapshot is the payload of a room_state message: the full mapping a
// freshly joined client boots its local state from.
type RoomSnapshot struct {
	Players map[types.SessionIDType]PlayerRecord `json:"players"`
}

// RoomState holds the synchronized player mapping for one room. Mutations
// funnel through the setters below, which record change ops coalesced per
// session; the room flushes them into a broadcast at each tick boundary.
// Not safe for concurrent use; the owning room serializes access.
type RoomState struct {
	players map[types.SessionIDType]*PlayerRecord

	added   map[types.SessionIDType]struct{}
	changed map[types.SessionIDType]map[string]any
	removed []types.SessionIDType
}

func NewRoomState() *RoomState {
	return &RoomState{
		players: make(map[types.SessionIDType]*PlayerRecord),
		added:   make(map[types.SessionIDType]struct{}),
		changed: make(map[types.SessionIDType]map[string]any),
	}
}

// AddPlayer inserts a fully initialized record. Inserting a session that is
// already present is a programming error: at most one record may exist per
// session.
func (s *RoomState) AddPlayer(rec PlayerRecord) error {
	if _, ok := s.players[rec.SessionID]; ok {
		return fmt.Errorf("session %s already in state", rec.SessionID)
	}
	r := rec
	s.players[rec.SessionID] = &r
	s.added[rec.SessionID] = struct{}{}
	return nil
}

// RemovePlayer deletes a record. Removing an absent session is a no-op so
// leave handling stays idempotent.
func (s *RoomState) RemovePlayer(sid types.SessionIDType) {
	if _, ok := s.players[sid]; !ok {
		return
	}
	delete(s.players, sid)
	delete(s.changed, sid)
	if _, wasAdded := s.added[sid]; wasAdded {
		// Added and removed within the same flush window: clients never saw it.
		delete(s.added, sid)
		return
	}
	s.removed = append(s.removed, sid)
}

// SetPosition moves a player. No patch is recorded when the position is
// unchanged (a blocked move acknowledges via the sequence number alone).
func (s *RoomState) SetPosition(sid types.SessionIDType, x, y int) {
	p, ok := s.players[sid]
	if !ok || (p.X == x && p.Y == y) {
		return
	}
	p.X, p.Y = x, y
	s.markChanged(sid, "x", x)
	s.markChanged(sid, "y", y)
}

// SetLastProcessedSeq advances the acknowledged sequence number. The value
// is monotonically non-decreasing for the life of the session; regressions
// are ignored.
func (s *RoomState) SetLastProcessedSeq(sid types.SessionIDType, seq uint64) {
	p, ok := s.players[sid]
	if !ok || seq <= p.LastProcessedSeq {
		return
	}
	p.LastProcessedSeq = seq
	s.markChanged(sid, "lastProcessedSequenceNumber", seq)
}

func (s *RoomState) markChanged(sid types.SessionIDType, field string, value any) {
	if _, justAdded := s.added[sid]; justAdded {
		// The pending add op already carries the current record.
		return
	}
	m, ok := s.changed[sid]
	if !ok {
		m = make(map[string]any)
		s.changed[sid] = m
	}
	m[field] = value
}

// Get returns a copy of the record for a session.
func (s *RoomState) Get(sid types.SessionIDType) (PlayerRecord, bool) {
	p, ok := s.players[sid]
	if !ok {
		return PlayerRecord{}, false
	}
	return *p, true
}

// Len returns the number of players currently in state.
func (s *RoomState) Len() int { return len(s.players) }

// Sessions returns the session ids currently in state.
func (s *RoomState) Sessions() []types.SessionIDType {
	out := make([]types.SessionIDType, 0, len(s.players))
	for sid := range s.players {
		out = append(out, sid)
	}
	return out
}

// Snapshot returns a deep copy of the full player mapping.
func (s *RoomState) Snapshot() RoomSnapshot {
	snap := RoomSnapshot{Players: make(map[types.SessionIDType]PlayerRecord, len(s.players))}
	for sid, p := range s.players {
		snap.Players[sid] = *p
	}
	return snap
}

// Flush drains the pending mutations into patch ops and clears the change
// tracking. It returns nil when nothing changed since the last flush.
// Ordering across sessions is unspecified; movement is independent per
// player, so clients must not rely on it.
func (s *RoomState) Flush() []PatchOp {
	if len(s.added) == 0 && len(s.changed) == 0 && len(s.removed) == 0 {
		return nil
	}
	ops := make([]PatchOp, 0, len(s.added)+len(s.changed)+len(s.removed))
	for sid := range s.added {
		rec := *s.players[sid]
		ops = append(ops, PatchOp{Op: OpAdd, SessionID: sid, Player: &rec})
	}
	for sid, fields := range s.changed {
		ops = append(ops, PatchOp{Op: OpChange, SessionID: sid, Fields: fields})
	}
	for _, sid := range s.removed {
		ops = append(ops, PatchOp{Op: OpRemove, SessionID: sid})
	}
	s.added = make(map[types.SessionIDType]struct{})
	s.changed = make(map[types.SessionIDType]map[string]any)
	s.removed = nil
	return ops
}
