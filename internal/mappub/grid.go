// Package mappub publishes snapshots of the live occupancy grid, rebuilding
// them only when the grid has changed since the previous snapshot.
package mappub

import (
	"time"

	"github.com/banshee-data/scanloc/internal/geom"
	"github.com/banshee-data/scanloc/internal/slam"
)

// Cell values in a published grid.
const (
	CellUnknown  int8 = -1
	CellFree     int8 = 0
	CellOccupied int8 = 100
)

// MapMetaData describes the geometry of an OccupancyGrid.
type MapMetaData struct {
	MapLoadTime time.Time `json:"map_load_time"`
	Resolution  float64   `json:"resolution"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	// Origin is the world pose of the outer corner of cell 0.
	Origin geom.Pose3 `json:"origin"`
}

// OccupancyGrid is a row-major snapshot of one map level.
type OccupancyGrid struct {
	Header geom.Header `json:"header"`
	Info   MapMetaData `json:"info"`
	Data   []int8      `json:"data"`
}

// OccupiedCount returns the number of occupied cells.
func (g *OccupancyGrid) OccupiedCount() int {
	n := 0
	for _, v := range g.Data {
		if v == CellOccupied {
			n++
		}
	}
	return n
}

// metadataFor derives snapshot geometry from a grid level.
func metadataFor(g slam.GridView, loaded time.Time) MapMetaData {
	half := g.CellLength() / 2
	o := g.WorldOrigin()
	return MapMetaData{
		MapLoadTime: loaded,
		Resolution:  g.CellLength(),
		Width:       g.SizeX(),
		Height:      g.SizeY(),
		Origin: geom.Pose3{
			Position:    geom.Vec3{X: o.X - half, Y: o.Y - half},
			Orientation: geom.Quaternion{W: 1},
		},
	}
}
