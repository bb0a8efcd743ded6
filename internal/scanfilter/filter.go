package scanfilter

import (
	"math"

	"github.com/banshee-data/scanloc/internal/geom"
)

const (
	// RangeMaxMargin is subtracted from a reading's maximum range; returns at
	// or beyond it are treated as max-range misses.
	RangeMaxMargin = 0.1

	// nearBehindSqDist is the squared radius inside which returns behind the
	// sensor are dropped as self-hits on the vehicle body.
	nearBehindSqDist = 0.5

	// DefaultRangeCutoff is the projection cutoff used on the transform-based
	// path.
	DefaultRangeCutoff = 30.0
)

// sampleCount is the number of usable samples in scan: the ranges array,
// bounded by the sweep geometry when that is consistent.
func sampleCount(scan *LaserScan) int {
	n := len(scan.Ranges)
	if scan.AngleIncrement != 0 {
		expected := int(math.Round((scan.AngleMax-scan.AngleMin)/scan.AngleIncrement)) + 1
		if expected > 0 && expected < n {
			n = expected
		}
	}
	return n
}

// FilterLaserScan converts a range/bearing reading into out, in the sensor
// frame. Only samples with RangeMin < r < RangeMax-RangeMaxMargin are kept.
// The output origin is the zero vector.
func FilterLaserScan(scan *LaserScan, scaleToMap float64, out *LocalPointSet) {
	out.Clear()
	if scan == nil {
		return
	}

	maxRange := scan.RangeMax - RangeMaxMargin
	n := sampleCount(scan)
	for i := 0; i < n; i++ {
		r := scan.Ranges[i]
		if !(r > scan.RangeMin && r < maxRange) {
			continue
		}
		angle := scan.AngleMin + float64(i)*scan.AngleIncrement
		d := r * scaleToMap
		out.Add(geom.Point2{X: math.Cos(angle) * d, Y: math.Sin(angle) * d})
	}
}

// FilterPointCloud moves a sensor-frame cloud into the base frame using
// laserToBase and keeps the returns inside limits. The output origin is the
// sensor position in the base frame, scaled like the points.
func FilterPointCloud(cloud *PointCloud, laserToBase geom.Transform, scaleToMap float64, limits CloudLimits, out *LocalPointSet) {
	out.Clear()
	laserPos := laserToBase.Translation()
	out.Origin = geom.Point2{X: laserPos.X, Y: laserPos.Y}.Scale(scaleToMap)
	if cloud == nil {
		return
	}

	for _, p := range cloud.Points {
		distSq := p.X*p.X + p.Y*p.Y
		if !(distSq > limits.MinSqDist && distSq < limits.MaxSqDist) {
			continue
		}
		if p.X < 0 && distSq < nearBehindSqDist {
			continue
		}

		bx, by, bz := laserToBase.Apply(p.X, p.Y, p.Z)
		relZ := bz - laserPos.Z
		if !(relZ > limits.ZMin && relZ < limits.ZMax) {
			continue
		}
		out.Add(geom.Point2{X: bx, Y: by}.Scale(scaleToMap))
	}
}

// ProjectLaser turns a reading into a sensor-frame point cloud. Samples below
// RangeMin or at/over the cutoff are dropped; a negative cutoff means
// RangeMax, and the cutoff never exceeds RangeMax.
func ProjectLaser(scan *LaserScan, rangeCutoff float64) PointCloud {
	cloud := PointCloud{}
	if scan == nil {
		return cloud
	}
	cloud.Header = scan.Header

	if rangeCutoff < 0 || rangeCutoff > scan.RangeMax {
		rangeCutoff = scan.RangeMax
	}

	n := sampleCount(scan)
	cloud.Points = make([]geom.Vec3, 0, n)
	for i := 0; i < n; i++ {
		r := scan.Ranges[i]
		if !(r < rangeCutoff && r >= scan.RangeMin) {
			continue
		}
		angle := scan.AngleMin + float64(i)*scan.AngleIncrement
		cloud.Points = append(cloud.Points, geom.Vec3{X: r * math.Cos(angle), Y: r * math.Sin(angle)})
	}
	return cloud
}

// LaserPoints returns the metric sensor-frame points of every sample with
// RangeMin <= r <= RangeMax. Relocalization registers these unscaled points
// against the saved map.
func LaserPoints(scan *LaserScan) []geom.Point2 {
	if scan == nil {
		return nil
	}
	n := sampleCount(scan)
	pts := make([]geom.Point2, 0, n)
	for i := 0; i < n; i++ {
		r := scan.Ranges[i]
		if !(r >= scan.RangeMin && r <= scan.RangeMax) {
			continue
		}
		angle := scan.AngleMin + float64(i)*scan.AngleIncrement
		pts = append(pts, geom.Point2{X: r * math.Cos(angle), Y: r * math.Sin(angle)})
	}
	return pts
}
