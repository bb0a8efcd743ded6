// Package slam defines the contract between the tracker and the grid-mapping
// engine it drives, and provides Mapper, an occupancy-grid engine that
// integrates scans at externally supplied poses.
package slam

import (
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/scanloc/internal/geom"
	"github.com/banshee-data/scanloc/internal/scanfilter"
)

// GridView is read access to one resolution level of an occupancy grid.
// Cell classification must be called with the level's map lock held.
type GridView interface {
	SizeX() int
	SizeY() int
	CellLength() float64
	// WorldOrigin is the world position of the centre of cell 0.
	WorldOrigin() geom.Point2
	// UpdateIndex changes whenever the grid content changes. It may be read
	// without the lock.
	UpdateIndex() int
	IsFree(i int) bool
	IsOccupied(i int) bool
}

// MapLocker guards one level's grid content.
type MapLocker interface {
	LockMap() (unlock func())
}

// Engine is the pose-estimation and mapping engine driven once per scan.
type Engine interface {
	// Update integrates points taken at guess. With hardOverride set the
	// engine adopts guess as-is and updates the map regardless of motion.
	Update(points *scanfilter.LocalPointSet, guess geom.Pose2D, hardOverride bool)
	LastScanMatchPose() geom.Pose2D
	// LastScanMatchCovariance is the 3x3 (x, y, yaw) covariance of the last
	// estimate.
	LastScanMatchCovariance() *mat.SymDense
	GridMap(level int) GridView
	MapLocker(level int) MapLocker
	Levels() int
	// ScaleToMap converts metres to level-0 cell units.
	ScaleToMap() float64
	Reset()
}

// MapSeeder is implemented by engines whose grid can be primed from a
// previously saved map. Indices are row-major cell indices.
type MapSeeder interface {
	SeedLevel(level int, free, occupied []int) error
}
