// Package walkmap builds the walkable-tile grid for an office map and runs
// A* pathfinding over it.
package walkmap

import (
	"encoding/json"
	"fmt"
	"os"
)

// gidFlipMask strips the three Tiled flip bits from a global tile id.
const gidFlipMask = 0x1FFFFFFF

// Object layers whose contents block movement.
var blockingObjectLayers = map[string]struct{}{
	"Wall":                    {},
	"Objects":                 {},
	"ObjectsOnCollide":        {},
	"GenericObjects":          {},
	"GenericObjectsOnCollide": {},
	"Computer":                {},
	"Whiteboard":              {},
	"VendingMachine":          {},
	"Chair":                   {},
}

// TileMap is the subset of the Tiled JSON document the grid builder needs.
type TileMap struct {
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	TileWidth  int       `json:"tilewidth"`
	TileHeight int       `json:"tileheight"`
	Tilesets   []Tileset `json:"tilesets"`
	Layers     []Layer   `json:"layers"`
}

// Tileset carries per-tile properties used to find colliding tiles.
type Tileset struct {
	FirstGID int           `json:"firstgid"`
	Tiles    []TilesetTile `json:"tiles"`
}

// TilesetTile is one tile definition inside a tileset.
type TilesetTile struct {
	ID         int            `json:"id"`
	Properties []TileProperty `json:"properties"`
}

// TileProperty is a named property on a tileset tile.
type TileProperty struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Layer is either a tile layer (Data set) or an object layer (Objects set).
type Layer struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Width   int      `json:"width"`
	Height  int      `json:"height"`
	Data    []uint32 `json:"data"`
	Objects []Object `json:"objects"`
}

// Object is one placed object in an object layer.
type Object struct {
	ID       int        `json:"id"`
	X        float64    `json:"x"`
	Y        float64    `json:"y"`
	Width    float64    `json:"width"`
	Height   float64    `json:"height"`
	Rotation float64    `json:"rotation"`
	GID      uint32     `json:"gid,omitempty"`
	Ellipse  bool       `json:"ellipse,omitempty"`
	Polygon  []PolyVert `json:"polygon,omitempty"`
}

// PolyVert is a polygon vertex, relative to the object origin.
type PolyVert struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ParseTileMap decodes a Tiled JSON document.
func ParseTileMap(data []byte) (*TileMap, error) {
	var tm TileMap
	if err := json.Unmarshal(data, &tm); err != nil {
		return nil, fmt.Errorf("parse tile map: %w", err)
	}
	if tm.Width <= 0 || tm.Height <= 0 {
		return nil, fmt.Errorf("tile map has invalid dimensions %dx%d", tm.Width, tm.Height)
	}
	if tm.TileWidth <= 0 || tm.TileHeight <= 0 {
		return nil, fmt.Errorf("tile map has invalid tile size %dx%d", tm.TileWidth, tm.TileHeight)
	}
	return &tm, nil
}

// LoadTileMap reads and parses a tile-map file.
func LoadTileMap(path string) (*TileMap, []byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read tile map %s: %w", path, err)
	}
	tm, err := ParseTileMap(raw)
	if err != nil {
		return nil, nil, err
	}
	return tm, raw, nil
}

// blockingGIDs collects the absolute gids whose tileset properties include
// collides=true.
func blockingGIDs(tm *TileMap) map[uint32]struct{} {
	out := make(map[uint32]struct{})
	for _, ts := range tm.Tilesets {
		for _, tile := range ts.Tiles {
			for _, prop := range tile.Properties {
				if prop.Name != "collides" {
					continue
				}
				if v, ok := prop.Value.(bool); ok && v {
					out[uint32(ts.FirstGID+tile.ID)] = struct{}{}
				}
			}
		}
	}
	return out
}
