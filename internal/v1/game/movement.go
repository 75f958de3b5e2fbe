package game

// Step is the single source of truth for tile passability and bounds.
// It evaluates one movement input against the map and returns the resulting
// position and whether the player actually moved.
//
// The same semantics run on the client for prediction; any divergence here
// shows up as rubber-banding, so Step must stay pure and deterministic.
func Step(m *TileMap, x, y int, dir Direction) (nx, ny int, moved bool) {
	dx, dy := dir.Delta()
	tx, ty := x+dx, y+dy
	if !m.Passable(tx, ty) {
		return x, y, false
	}
	return tx, ty, true
}
