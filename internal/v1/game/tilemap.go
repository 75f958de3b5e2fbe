package game

import (
	"encoding/json"
	"fmt"
)

// Tile is a tile code from the closed set below.
type Tile uint8

const (
	TileGround Tile = iota
	TileWall
	TileWater
)

// Passable reports whether players may stand on the tile.
func (t Tile) Passable() bool {
	return t == TileGround
}

// TileMap is an immutable tile grid with a spawn point. It is built once
// from the world save's data blob and never mutated for the life of a room.
type TileMap struct {
	width  int
	height int
	spawnX int
	spawnY int
	tiles  [][]Tile // indexed [y][x]
}

// worldData is the portion of the opaque world_data blob the server
// interprets. Unknown fields round-trip untouched on save.
type worldData struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Spawn  struct {
		X int `json:"x"`
		Y int `json:"y"`
	} `json:"spawn"`
	Tiles [][]Tile `json:"tiles"`
}

// ParseWorldData decodes the tile grid out of a world save's data blob.
func ParseWorldData(raw []byte) (*TileMap, error) {
	var wd worldData
	if err := json.Unmarshal(raw, &wd); err != nil {
		return nil, fmt.Errorf("decode world data: %w", err)
	}
	return NewTileMap(wd.Width, wd.Height, wd.Spawn.X, wd.Spawn.Y, wd.Tiles)
}

// NewTileMap validates grid dimensions and the spawn point and returns an
// immutable map.
func NewTileMap(width, height, spawnX, spawnY int, tiles [][]Tile) (*TileMap, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid map dimensions %dx%d", width, height)
	}
	if len(tiles) != height {
		return nil, fmt.Errorf("tile grid has %d rows, want %d", len(tiles), height)
	}
	for y, row := range tiles {
		if len(row) != width {
			return nil, fmt.Errorf("tile row %d has %d columns, want %d", y, len(row), width)
		}
	}
	m := &TileMap{width: width, height: height, spawnX: spawnX, spawnY: spawnY, tiles: tiles}
	if !m.InBounds(spawnX, spawnY) || !m.Passable(spawnX, spawnY) {
		return nil, fmt.Errorf("spawn (%d,%d) is not a passable tile", spawnX, spawnY)
	}
	return m, nil
}

func (m *TileMap) Width() int  { return m.width }
func (m *TileMap) Height() int { return m.height }

// Spawn returns the coordinate new characters start at.
func (m *TileMap) Spawn() (x, y int) { return m.spawnX, m.spawnY }

// InBounds reports whether (x,y) is inside the grid.
func (m *TileMap) InBounds(x, y int) bool {
	return x >= 0 && x < m.width && y >= 0 && y < m.height
}

// Tile returns the tile code at (x,y). Callers must check bounds first.
func (m *TileMap) Tile(x, y int) Tile {
	return m.tiles[y][x]
}

// Passable reports whether (x,y) is in bounds and standable.
func (m *TileMap) Passable(x, y int) bool {
	return m.InBounds(x, y) && m.tiles[y][x].Passable()
}
