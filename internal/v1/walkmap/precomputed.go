package walkmap

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
)

// PrecomputedGrid is the sidecar document carrying a pre-rasterised grid so
// the server can skip the tile-map build on startup.
type PrecomputedGrid struct {
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	TileWidth   int       `json:"tileWidth"`
	TileHeight  int       `json:"tileHeight"`
	MapHash     string    `json:"mapHash"`
	GridHash    string    `json:"gridHash"`
	Version     int       `json:"version"`
	GeneratedAt string    `json:"generatedAt"`
	Grid        [][]uint8 `json:"grid"`
}

// LoadPrecomputedGrid reads and decodes a grid sidecar file.
func LoadPrecomputedGrid(path string) (*PrecomputedGrid, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read precomputed grid %s: %w", path, err)
	}
	var pg PrecomputedGrid
	if err := json.Unmarshal(raw, &pg); err != nil {
		return nil, fmt.Errorf("parse precomputed grid: %w", err)
	}
	return &pg, nil
}

// HashBytes returns the hex SHA-256 of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashGrid returns the hex SHA-256 of the JSON-stringified grid. The
// stringification matches the generator tooling so hashes are comparable.
func HashGrid(cells [][]uint8) string {
	data, _ := json.Marshal(cells)
	return HashBytes(data)
}

// Validate checks the sidecar against the tile map it claims to derive from.
// Any mismatch returns a descriptive error; the caller may fall back to
// building the grid from the tile map.
func (pg *PrecomputedGrid) Validate(tm *TileMap, mapBytes []byte) error {
	if pg.Width != tm.Width || pg.Height != tm.Height {
		return fmt.Errorf("precomputed grid dimensions %dx%d do not match map %dx%d",
			pg.Width, pg.Height, tm.Width, tm.Height)
	}
	if pg.TileWidth != tm.TileWidth || pg.TileHeight != tm.TileHeight {
		return fmt.Errorf("precomputed grid tile size %dx%d does not match map %dx%d",
			pg.TileWidth, pg.TileHeight, tm.TileWidth, tm.TileHeight)
	}
	if got := HashBytes(mapBytes); got != pg.MapHash {
		return fmt.Errorf("map hash mismatch: sidecar %s, actual %s", pg.MapHash, got)
	}
	if len(pg.Grid) != pg.Height {
		return fmt.Errorf("precomputed grid has %d rows, expected %d", len(pg.Grid), pg.Height)
	}
	for y, row := range pg.Grid {
		if len(row) != pg.Width {
			return fmt.Errorf("precomputed grid row %d has %d cells, expected %d", y, len(row), pg.Width)
		}
	}
	if got := HashGrid(pg.Grid); got != pg.GridHash {
		return fmt.Errorf("grid hash mismatch: sidecar %s, actual %s", pg.GridHash, got)
	}
	return nil
}

// ToGrid converts a validated sidecar into a Grid.
func (pg *PrecomputedGrid) ToGrid() *Grid {
	return &Grid{
		Cells:      pg.Grid,
		Width:      pg.Width,
		Height:     pg.Height,
		TileWidth:  pg.TileWidth,
		TileHeight: pg.TileHeight,
	}
}

// LoadGrid loads the walkability grid for an office map, preferring a valid
// sidecar and falling back to a fresh build from the tile map. The returned
// error describes why a sidecar was rejected; the grid is still usable.
func LoadGrid(mapPath, gridPath string) (*Grid, error) {
	tm, mapBytes, err := LoadTileMap(mapPath)
	if err != nil {
		return nil, err
	}

	if gridPath != "" {
		pg, perr := LoadPrecomputedGrid(gridPath)
		if perr == nil {
			perr = pg.Validate(tm, mapBytes)
			if perr == nil {
				return pg.ToGrid(), nil
			}
		}
		// Sidecar rejected: fall back to building from the map.
		return BuildGrid(tm), fmt.Errorf("precomputed grid rejected: %w", perr)
	}

	return BuildGrid(tm), nil
}
