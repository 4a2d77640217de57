package walkmap

import (
	"fmt"
	"math"

	"github.com/skyoffice/presence/internal/v1/types"
)

type node struct {
	x, y  int
	g     int
	f     int
	order int // discovery order, used as the tie-break
}

var neighbours = [4][2]int{{0, -1}, {0, 1}, {-1, 0}, {1, 0}}

// FindPath runs A* from a start pixel to a target pixel and returns the
// center-pixel waypoints of the tile path, or nil when no path exists.
// Movement is 4-connected with uniform step cost and a Manhattan heuristic.
func (g *Grid) FindPath(start, target types.Position) []types.Position {
	sx, sy := g.toTile(start)
	tx, ty := g.toTile(target)

	if sx == tx && sy == ty {
		return []types.Position{g.tileCenter(tx, ty)}
	}
	// A blocked target can never be reached; a blocked start can still walk
	// out to an adjacent free tile.
	if g.Blocked(tx, ty) {
		return nil
	}

	open := map[string]*node{}
	closed := map[string]struct{}{}
	cameFrom := map[string]string{}

	startKey := key(sx, sy)
	open[startKey] = &node{x: sx, y: sy, g: 0, f: manhattan(sx, sy, tx, ty)}
	discovered := 1

	for len(open) > 0 {
		// Select the open entry with minimum f; ties go to the node
		// discovered first.
		var currentKey string
		var current *node
		for k, n := range open {
			if current == nil || n.f < current.f || (n.f == current.f && n.order < current.order) {
				current = n
				currentKey = k
			}
		}

		if current.x == tx && current.y == ty {
			return g.reconstruct(cameFrom, currentKey, startKey)
		}

		delete(open, currentKey)
		closed[currentKey] = struct{}{}

		for _, d := range neighbours {
			nx, ny := current.x+d[0], current.y+d[1]
			if g.Blocked(nx, ny) {
				continue
			}
			nk := key(nx, ny)
			if _, done := closed[nk]; done {
				continue
			}
			tentative := current.g + 1
			if existing, ok := open[nk]; ok {
				if tentative >= existing.g {
					continue
				}
				existing.g = tentative
				existing.f = tentative + manhattan(nx, ny, tx, ty)
				cameFrom[nk] = currentKey
				continue
			}
			open[nk] = &node{
				x:     nx,
				y:     ny,
				g:     tentative,
				f:     tentative + manhattan(nx, ny, tx, ty),
				order: discovered,
			}
			discovered++
			cameFrom[nk] = currentKey
		}
	}

	return nil
}

// toTile converts a pixel position to a tile coordinate clamped to the grid.
func (g *Grid) toTile(p types.Position) (int, int) {
	x := int(math.Floor(p.X / float64(g.TileWidth)))
	y := int(math.Floor(p.Y / float64(g.TileHeight)))
	x = clamp(x, 0, g.Width-1)
	y = clamp(y, 0, g.Height-1)
	return x, y
}

func (g *Grid) tileCenter(x, y int) types.Position {
	return types.Position{
		X: float64(x)*float64(g.TileWidth) + float64(g.TileWidth)/2,
		Y: float64(y)*float64(g.TileHeight) + float64(g.TileHeight)/2,
	}
}

func (g *Grid) reconstruct(cameFrom map[string]string, goalKey, startKey string) []types.Position {
	var keys []string
	for k := goalKey; ; {
		keys = append(keys, k)
		if k == startKey {
			break
		}
		k = cameFrom[k]
	}

	path := make([]types.Position, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		var x, y int
		fmt.Sscanf(keys[i], "%d,%d", &x, &y)
		path = append(path, g.tileCenter(x, y))
	}
	return path
}

func key(x, y int) string {
	return fmt.Sprintf("%d,%d", x, y)
}

func manhattan(x1, y1, x2, y2 int) int {
	return abs(x1-x2) + abs(y1-y2)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
