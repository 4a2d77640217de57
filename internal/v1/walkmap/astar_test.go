package walkmap

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyoffice/presence/internal/v1/types"
)

func openGrid(w, h int) *Grid {
	g := &Grid{Width: w, Height: h, TileWidth: 32, TileHeight: 32}
	g.Cells = make([][]uint8, h)
	for y := range g.Cells {
		g.Cells[y] = make([]uint8, w)
	}
	return g
}

func tileOf(g *Grid, p types.Position) (int, int) {
	return int(math.Floor(p.X / float64(g.TileWidth))), int(math.Floor(p.Y / float64(g.TileHeight)))
}

func TestFindPath_SameTile(t *testing.T) {
	g := openGrid(5, 5)

	path := g.FindPath(types.Position{X: 40, Y: 40}, types.Position{X: 50, Y: 50})

	require.Len(t, path, 1)
	assert.Equal(t, types.Position{X: 48, Y: 48}, path[0])
}

func TestFindPath_StraightLine(t *testing.T) {
	g := openGrid(5, 5)

	path := g.FindPath(types.Position{X: 16, Y: 16}, types.Position{X: 144, Y: 16})

	require.Len(t, path, 5)
	assert.Equal(t, types.Position{X: 16, Y: 16}, path[0])
	assert.Equal(t, types.Position{X: 144, Y: 16}, path[4])
}

func TestFindPath_AroundWall(t *testing.T) {
	g := openGrid(5, 5)
	// Vertical wall at x=2, with a gap at y=4
	for y := 0; y < 4; y++ {
		g.Cells[y][2] = 1
	}

	start := types.Position{X: 16, Y: 16}
	target := types.Position{X: 144, Y: 16}
	path := g.FindPath(start, target)

	require.NotNil(t, path)

	// Every waypoint is walkable and consecutive waypoints are 4-neighbours.
	for i, p := range path {
		x, y := tileOf(g, p)
		assert.False(t, g.Blocked(x, y), "waypoint %d is blocked", i)
		if i > 0 {
			px, py := tileOf(g, path[i-1])
			assert.Equal(t, 1, abs(x-px)+abs(y-py), "waypoints %d and %d are not adjacent", i-1, i)
		}
	}

	sx, sy := tileOf(g, start)
	gx, gy := tileOf(g, path[0])
	assert.Equal(t, [2]int{sx, sy}, [2]int{gx, gy})

	tx, ty := tileOf(g, target)
	lx, ly := tileOf(g, path[len(path)-1])
	assert.Equal(t, [2]int{tx, ty}, [2]int{lx, ly})

	// Path length is at least the Manhattan bound.
	assert.GreaterOrEqual(t, len(path)-1, manhattan(sx, sy, tx, ty))
}

func TestFindPath_NoPath(t *testing.T) {
	g := openGrid(5, 5)
	// Full wall at x=2
	for y := 0; y < 5; y++ {
		g.Cells[y][2] = 1
	}

	path := g.FindPath(types.Position{X: 16, Y: 16}, types.Position{X: 144, Y: 16})

	assert.Nil(t, path)
}

func TestFindPath_BlockedTarget(t *testing.T) {
	g := openGrid(5, 5)
	g.Cells[0][4] = 1

	path := g.FindPath(types.Position{X: 16, Y: 16}, types.Position{X: 144, Y: 16})

	assert.Nil(t, path)
}

func TestFindPath_ClampsOutOfBoundsPixels(t *testing.T) {
	g := openGrid(5, 5)

	path := g.FindPath(types.Position{X: -100, Y: -100}, types.Position{X: 9999, Y: 16})

	require.NotNil(t, path)
	lx, ly := tileOf(g, path[len(path)-1])
	assert.Equal(t, [2]int{4, 0}, [2]int{lx, ly})
}

func TestFindPath_OptimalLengthOnOpenGrid(t *testing.T) {
	g := openGrid(8, 8)

	path := g.FindPath(types.Position{X: 16, Y: 16}, types.Position{X: 16 + 5*32, Y: 16 + 3*32})

	require.NotNil(t, path)
	// Uniform-cost A* with an admissible heuristic returns an optimal path.
	assert.Len(t, path, 5+3+1)
}
