package scanfilter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanloc/internal/geom"
)

func threeBeamScan(ranges ...float64) *LaserScan {
	return &LaserScan{
		AngleMin:       -1.57,
		AngleMax:       1.57,
		AngleIncrement: 1.57,
		RangeMin:       0.1,
		RangeMax:       10.0,
		Ranges:         ranges,
	}
}

func TestFilterLaserScan_ThreeBeamScenario(t *testing.T) {
	t.Parallel()
	const scale = 40.0 // 0.025 m cells

	var out LocalPointSet
	FilterLaserScan(threeBeamScan(5.0, 0.05, 5.0), scale, &out)

	require.Equal(t, 2, out.Len())
	assert.Equal(t, geom.Point2{}, out.Origin)

	d := 5.0 * scale
	assert.InDelta(t, math.Cos(-1.57)*d, out.Points[0].X, 1e-9)
	assert.InDelta(t, math.Sin(-1.57)*d, out.Points[0].Y, 1e-9)
	// the second accepted sample is index 2, bearing -1.57 + 2*1.57
	assert.InDelta(t, math.Cos(1.57)*d, out.Points[1].X, 1e-9)
	assert.InDelta(t, math.Sin(1.57)*d, out.Points[1].Y, 1e-9)
}

func TestFilterLaserScan_BandIsExclusive(t *testing.T) {
	t.Parallel()
	scan := &LaserScan{
		AngleMin:       0,
		AngleMax:       0.4,
		AngleIncrement: 0.1,
		RangeMin:       0.1,
		RangeMax:       10.0,
		Ranges:         []float64{0.1, 10.0 - RangeMaxMargin, 0.1000001, 9.8999, math.NaN()},
	}

	var out LocalPointSet
	FilterLaserScan(scan, 1, &out)

	require.Equal(t, 2, out.Len())
	for _, p := range out.Points {
		r := math.Hypot(p.X, p.Y)
		assert.Greater(t, r, scan.RangeMin)
		assert.Less(t, r, scan.RangeMax-RangeMaxMargin)
	}
}

func TestFilterLaserScan_ReusesAndClearsOutput(t *testing.T) {
	t.Parallel()
	out := LocalPointSet{
		Points: []geom.Point2{{X: 1}, {X: 2}, {X: 3}},
		Origin: geom.Point2{X: 9, Y: 9},
	}
	FilterLaserScan(threeBeamScan(0.01, 0.01, 0.01), 1, &out)
	assert.Zero(t, out.Len())
	assert.Equal(t, geom.Point2{}, out.Origin)
}

func TestFilterPointCloud_Bands(t *testing.T) {
	t.Parallel()
	// sensor mounted 0.5 m forward and 0.3 m up, no rotation
	laserToBase := geom.FromPose3(geom.Pose3{
		Position:    geom.Vec3{X: 0.5, Z: 0.3},
		Orientation: geom.Quaternion{W: 1},
	})
	limits := LimitsFromRanges(0.4, 30, -1, 1)

	cloud := &PointCloud{Points: []geom.Vec3{
		{X: 2, Y: 0, Z: 0},    // accepted
		{X: 0.3, Y: 0, Z: 0},  // inside min distance
		{X: 40, Y: 0, Z: 0},   // beyond max distance
		{X: -0.6, Y: 0, Z: 0}, // behind and near: self return
		{X: -2, Y: 0, Z: 0},   // behind but far: accepted
		{X: 3, Y: 0, Z: 1.5},  // above the vertical band
		{X: 3, Y: 0, Z: -1.2}, // below the vertical band
		{X: 0, Y: 5, Z: 0.2},  // accepted
	}}

	var out LocalPointSet
	FilterPointCloud(cloud, laserToBase, 2, limits, &out)

	assert.Equal(t, geom.Point2{X: 1.0, Y: 0}, out.Origin)
	want := []geom.Point2{
		{X: 5, Y: 0},
		{X: -3, Y: 0},
		{X: 1, Y: 10},
	}
	require.Len(t, out.Points, len(want))
	for i := range want {
		assert.InDelta(t, want[i].X, out.Points[i].X, 1e-9)
		assert.InDelta(t, want[i].Y, out.Points[i].Y, 1e-9)
	}
}

func TestFilterPointCloud_RotatedMount(t *testing.T) {
	t.Parallel()
	laserToBase := geom.FromPose2D(geom.Pose2D{Yaw: math.Pi / 2})
	cloud := &PointCloud{Points: []geom.Vec3{{X: 2}}}

	var out LocalPointSet
	FilterPointCloud(cloud, laserToBase, 1, LimitsFromRanges(0.4, 30, -1, 1), &out)

	require.Equal(t, 1, out.Len())
	assert.InDelta(t, 0, out.Points[0].X, 1e-9)
	assert.InDelta(t, 2, out.Points[0].Y, 1e-9)
}

func TestProjectLaser_Cutoff(t *testing.T) {
	t.Parallel()
	scan := &LaserScan{
		AngleMin:       0,
		AngleMax:       0.3,
		AngleIncrement: 0.1,
		RangeMin:       0.2,
		RangeMax:       40,
		Ranges:         []float64{0.1, 5, 30, 29.9},
	}

	cloud := ProjectLaser(scan, DefaultRangeCutoff)
	require.Len(t, cloud.Points, 2)
	assert.InDelta(t, 5*math.Cos(0.1), cloud.Points[0].X, 1e-9)
	assert.InDelta(t, 29.9*math.Sin(0.3), cloud.Points[1].Y, 1e-9)

	all := ProjectLaser(scan, -1)
	assert.Len(t, all.Points, 3)
}

func TestLaserPoints_InclusiveBand(t *testing.T) {
	t.Parallel()
	scan := threeBeamScan(0.1, 10.0, 10.5)
	pts := LaserPoints(scan)
	require.Len(t, pts, 2)
	assert.InDelta(t, 0.1, math.Hypot(pts[0].X, pts[0].Y), 1e-9)
	assert.InDelta(t, 10.0, math.Hypot(pts[1].X, pts[1].Y), 1e-9)
}
