package slam

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/scanloc/internal/geom"
)

// logOdds converts an occupancy probability to log-odds.
func logOdds(p float64) float32 {
	return float32(math.Log(p / (1 - p)))
}

// occupiedCeiling stops occupied evidence from growing without bound.
const occupiedCeiling = 50

// GridMap is a single-resolution log-odds occupancy grid. Cell values are
// guarded by the map lock; the update index is atomic.
type GridMap struct {
	sizeX, sizeY int
	cellLength   float64
	// offset is the cell position of the world origin.
	offset geom.Point2

	freeUpdate, occupiedUpdate float32

	mu    sync.Mutex
	cells []float32
	marks []int
	pass  int

	updateIndex atomic.Int64
}

// NewGridMap creates a grid of sizeX by sizeY cells. start is the fraction of
// each dimension at which the world origin lies.
func NewGridMap(sizeX, sizeY int, cellLength float64, start geom.Point2, probFree, probOccupied float64) *GridMap {
	n := sizeX * sizeY
	return &GridMap{
		sizeX:          sizeX,
		sizeY:          sizeY,
		cellLength:     cellLength,
		offset:         geom.Point2{X: float64(sizeX) * start.X, Y: float64(sizeY) * start.Y},
		freeUpdate:     logOdds(probFree),
		occupiedUpdate: logOdds(probOccupied),
		cells:          make([]float32, n),
		marks:          make([]int, n),
	}
}

func (g *GridMap) SizeX() int          { return g.sizeX }
func (g *GridMap) SizeY() int          { return g.sizeY }
func (g *GridMap) CellLength() float64 { return g.cellLength }
func (g *GridMap) UpdateIndex() int    { return int(g.updateIndex.Load()) }

// WorldOrigin implements GridView.
func (g *GridMap) WorldOrigin() geom.Point2 {
	return g.WorldCoords(geom.Point2{})
}

// WorldCoords converts cell coordinates to metres.
func (g *GridMap) WorldCoords(m geom.Point2) geom.Point2 {
	return geom.Point2{X: (m.X - g.offset.X) * g.cellLength, Y: (m.Y - g.offset.Y) * g.cellLength}
}

// MapCoords converts metres to cell coordinates.
func (g *GridMap) MapCoords(w geom.Point2) geom.Point2 {
	return geom.Point2{X: w.X/g.cellLength + g.offset.X, Y: w.Y/g.cellLength + g.offset.Y}
}

// IsFree reports whether cell i has more free than occupied evidence.
func (g *GridMap) IsFree(i int) bool { return g.cells[i] < 0 }

// IsOccupied reports whether cell i has more occupied than free evidence.
func (g *GridMap) IsOccupied(i int) bool { return g.cells[i] > 0 }

// LockMap implements MapLocker.
func (g *GridMap) LockMap() func() {
	g.mu.Lock()
	return g.mu.Unlock
}

// Clear resets every cell to unknown.
func (g *GridMap) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.cells {
		g.cells[i] = 0
		g.marks[i] = 0
	}
	g.pass = 0
	g.updateIndex.Add(1)
}

// SetCells applies one free update to each cell in free and one occupied
// update to each cell in occupied.
func (g *GridMap) SetCells(free, occupied []int) error {
	n := len(g.cells)
	for _, idx := range [][]int{free, occupied} {
		for _, i := range idx {
			if i < 0 || i >= n {
				return fmt.Errorf("cell %d outside %dx%d grid", i, g.sizeX, g.sizeY)
			}
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, i := range free {
		g.cells[i] += g.freeUpdate
	}
	for _, i := range occupied {
		if g.cells[i] < occupiedCeiling {
			g.cells[i] += g.occupiedUpdate
		}
	}
	g.updateIndex.Add(1)
	return nil
}

// integrate ray-casts points from origin with the sensor at pose. Point
// coordinates are in this level's cell units relative to the robot; pose is
// in metres.
func (g *GridMap) integrate(points []geom.Point2, origin geom.Point2, scale float64, pose geom.Pose2D) {
	m := g.MapCoords(geom.Point2{X: pose.X, Y: pose.Y})
	c, s := math.Cos(pose.Yaw), math.Sin(pose.Yaw)
	toMap := func(p geom.Point2) (int, int) {
		p = p.Scale(scale)
		x := c*p.X - s*p.Y + m.X
		y := s*p.X + c*p.Y + m.Y
		return int(math.Floor(x + 0.5)), int(math.Floor(y + 0.5))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	markFree := 3*g.pass + 1
	markOccupied := 3*g.pass + 2
	g.pass++

	bx, by := toMap(origin)
	for _, p := range points {
		ex, ey := toMap(p)
		g.traceRay(bx, by, ex, ey, markFree, markOccupied)
	}
	g.updateIndex.Add(1)
}

func (g *GridMap) inBounds(x, y int) bool {
	return x >= 0 && y >= 0 && x < g.sizeX && y < g.sizeY
}

// traceRay marks cells between the endpoints free and the end cell occupied.
// Each cell takes at most one free and one occupied update per pass.
func (g *GridMap) traceRay(x0, y0, x1, y1, markFree, markOccupied int) {
	if !g.inBounds(x0, y0) || !g.inBounds(x1, y1) {
		return
	}

	dx, sx := x1-x0, 1
	if dx < 0 {
		dx, sx = -dx, -1
	}
	dy, sy := y1-y0, 1
	if dy < 0 {
		dy, sy = -dy, -1
	}
	dy = -dy
	e := dx + dy

	x, y := x0, y0
	for x != x1 || y != y1 {
		i := y*g.sizeX + x
		if g.marks[i] < markFree {
			g.cells[i] += g.freeUpdate
			g.marks[i] = markFree
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x += sx
		}
		if e2 <= dx {
			e += dx
			y += sy
		}
	}

	i := y1*g.sizeX + x1
	if g.marks[i] < markOccupied {
		if g.marks[i] == markFree {
			g.cells[i] -= g.freeUpdate
		}
		if g.cells[i] < occupiedCeiling {
			g.cells[i] += g.occupiedUpdate
		}
		g.marks[i] = markOccupied
	}
}
