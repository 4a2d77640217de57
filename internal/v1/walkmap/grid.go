package walkmap

import (
	"math"
	"sort"
)

// rasterEpsilon excludes tiles touched only on an object's right/bottom edge.
const rasterEpsilon = 1e-4

// Grid is a H×W walkability grid: 0 walkable, 1 blocked.
type Grid struct {
	Cells      [][]uint8
	Width      int
	Height     int
	TileWidth  int
	TileHeight int
}

// Blocked reports whether the tile at (x, y) is blocked. Out-of-bounds tiles
// count as blocked.
func (g *Grid) Blocked(x, y int) bool {
	if x < 0 || x >= g.Width || y < 0 || y >= g.Height {
		return true
	}
	return g.Cells[y][x] == 1
}

func (g *Grid) block(x, y int) {
	if x < 0 || x >= g.Width || y < 0 || y >= g.Height {
		return
	}
	g.Cells[y][x] = 1
}

// BuildGrid rasterises a tile map into a walkability grid: tile layers
// contribute tiles whose gid has collides=true, and the fixed set of blocking
// object layers contribute their rasterised objects.
func BuildGrid(tm *TileMap) *Grid {
	g := &Grid{
		Width:      tm.Width,
		Height:     tm.Height,
		TileWidth:  tm.TileWidth,
		TileHeight: tm.TileHeight,
	}
	g.Cells = make([][]uint8, g.Height)
	for y := range g.Cells {
		g.Cells[y] = make([]uint8, g.Width)
	}

	blocking := blockingGIDs(tm)

	for _, layer := range tm.Layers {
		switch layer.Type {
		case "tilelayer":
			for i, raw := range layer.Data {
				gid := raw & gidFlipMask
				if gid == 0 {
					continue
				}
				if _, ok := blocking[gid]; !ok {
					continue
				}
				g.block(i%tm.Width, i/tm.Width)
			}
		case "objectgroup":
			if _, ok := blockingObjectLayers[layer.Name]; !ok {
				continue
			}
			for _, obj := range layer.Objects {
				rasterizeObject(g, obj)
			}
		}
	}

	return g
}

// rasterizeObject marks the tiles covered by one object.
func rasterizeObject(g *Grid, obj Object) {
	switch {
	case len(obj.Polygon) >= 3:
		verts := make([]point, len(obj.Polygon))
		for i, v := range obj.Polygon {
			verts[i] = rotateAbout(point{obj.X + v.X, obj.Y + v.Y}, point{obj.X, obj.Y}, obj.Rotation)
		}
		rasterizePolygon(g, verts)
	case obj.Ellipse:
		rasterizeEllipse(g, obj)
	case obj.Rotation != 0:
		left, top := objectAnchor(obj)
		corners := []point{
			{left, top},
			{left + obj.Width, top},
			{left + obj.Width, top + obj.Height},
			{left, top + obj.Height},
		}
		for i, c := range corners {
			corners[i] = rotateAbout(c, point{left, top}, obj.Rotation)
		}
		rasterizePolygon(g, corners)
	default:
		rasterizeRect(g, obj)
	}
}

// objectAnchor returns the top-left pixel of an object. Tile-based objects
// (gid set) anchor at their bottom-left in Tiled, so the top is rawY - height.
func objectAnchor(obj Object) (left, top float64) {
	left = obj.X
	top = obj.Y
	if obj.GID != 0 {
		top = obj.Y - obj.Height
	}
	return left, top
}

func rasterizeRect(g *Grid, obj Object) {
	left, top := objectAnchor(obj)
	if obj.Width <= 0 || obj.Height <= 0 {
		return
	}
	x0 := int(math.Floor(left / float64(g.TileWidth)))
	x1 := int(math.Floor((left + obj.Width - rasterEpsilon) / float64(g.TileWidth)))
	y0 := int(math.Floor(top / float64(g.TileHeight)))
	y1 := int(math.Floor((top + obj.Height - rasterEpsilon) / float64(g.TileHeight)))
	for y := y0; y <= y1; y++ {
		for x := x0; x <= x1; x++ {
			g.block(x, y)
		}
	}
}

func rasterizeEllipse(g *Grid, obj Object) {
	left, top := objectAnchor(obj)
	rx := obj.Width / 2
	ry := obj.Height / 2
	if rx <= 0 || ry <= 0 {
		return
	}
	cx := left + rx
	cy := top + ry

	x0 := int(math.Floor(left / float64(g.TileWidth)))
	x1 := int(math.Floor((left + obj.Width) / float64(g.TileWidth)))
	y0 := int(math.Floor(top / float64(g.TileHeight)))
	y1 := int(math.Floor((top + obj.Height) / float64(g.TileHeight)))

	for ty := y0; ty <= y1; ty++ {
		for tx := x0; tx <= x1; tx++ {
			centerX := float64(tx)*float64(g.TileWidth) + float64(g.TileWidth)/2
			centerY := float64(ty)*float64(g.TileHeight) + float64(g.TileHeight)/2
			dx := (centerX - cx) / rx
			dy := (centerY - cy) / ry
			if dx*dx+dy*dy <= 1 {
				g.block(tx, ty)
			}
		}
	}
}

type point struct {
	x, y float64
}

// rotateAbout rotates p around origin by deg degrees (clockwise, screen space).
func rotateAbout(p, origin point, deg float64) point {
	if deg == 0 {
		return p
	}
	rad := deg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	dx := p.x - origin.x
	dy := p.y - origin.y
	return point{
		x: origin.x + dx*cos - dy*sin,
		y: origin.y + dx*sin + dy*cos,
	}
}

// rasterizePolygon fills a polygon three ways: scanline spans at each row's
// vertical midpoint, tile centers inside the polygon, and tiles containing a
// vertex. The combination matches how thin or slanted shapes block tiles in
// the office maps.
func rasterizePolygon(g *Grid, verts []point) {
	if len(verts) < 3 {
		return
	}

	minX, minY := verts[0].x, verts[0].y
	maxX, maxY := minX, minY
	for _, v := range verts[1:] {
		minX = math.Min(minX, v.x)
		minY = math.Min(minY, v.y)
		maxX = math.Max(maxX, v.x)
		maxY = math.Max(maxY, v.y)
	}

	tw := float64(g.TileWidth)
	th := float64(g.TileHeight)
	y0 := int(math.Floor(minY / th))
	y1 := int(math.Floor(maxY / th))
	x0 := int(math.Floor(minX / tw))
	x1 := int(math.Floor(maxX / tw))

	// Scanline pass at each row's midpoint.
	for ty := y0; ty <= y1; ty++ {
		midY := float64(ty)*th + th/2
		var xs []float64
		for i := range verts {
			a := verts[i]
			b := verts[(i+1)%len(verts)]
			if (a.y <= midY && b.y > midY) || (b.y <= midY && a.y > midY) {
				t := (midY - a.y) / (b.y - a.y)
				xs = append(xs, a.x+t*(b.x-a.x))
			}
		}
		sort.Float64s(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			from := int(math.Floor(xs[i] / tw))
			to := int(math.Floor(xs[i+1] / tw))
			for tx := from; tx <= to; tx++ {
				g.block(tx, ty)
			}
		}
	}

	// Center containment pass.
	for ty := y0; ty <= y1; ty++ {
		for tx := x0; tx <= x1; tx++ {
			center := point{float64(tx)*tw + tw/2, float64(ty)*th + th/2}
			if pointInPolygon(center, verts) {
				g.block(tx, ty)
			}
		}
	}

	// Vertex pass.
	for _, v := range verts {
		g.block(int(math.Floor(v.x/tw)), int(math.Floor(v.y/th)))
	}
}

// pointInPolygon is the even-odd ray cast test.
func pointInPolygon(p point, verts []point) bool {
	inside := false
	j := len(verts) - 1
	for i := 0; i < len(verts); i++ {
		if (verts[i].y > p.y) != (verts[j].y > p.y) &&
			p.x < (verts[j].x-verts[i].x)*(p.y-verts[i].y)/(verts[j].y-verts[i].y)+verts[i].x {
			inside = !inside
		}
		j = i
	}
	return inside
}
