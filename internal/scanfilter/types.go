package scanfilter

import "github.com/banshee-data/scanloc/internal/geom"

// LaserScan is a single sweep of a planar range finder. Angles are in
// radians about +z with zero along +x; ranges are in metres.
type LaserScan struct {
	Header         geom.Header `json:"header"`
	AngleMin       float64     `json:"angle_min"`
	AngleMax       float64     `json:"angle_max"`
	AngleIncrement float64     `json:"angle_increment"`
	TimeIncrement  float64     `json:"time_increment,omitempty"`
	ScanTime       float64     `json:"scan_time,omitempty"`
	RangeMin       float64     `json:"range_min"`
	RangeMax       float64     `json:"range_max"`
	Ranges         []float64   `json:"ranges"`
	Intensities    []float64   `json:"intensities,omitempty"`
}

// PointCloud is a set of sensor-frame points.
type PointCloud struct {
	Header geom.Header `json:"header"`
	Points []geom.Vec3 `json:"points"`
}

// LocalPointSet is the filtered point set for one cycle, in map units,
// together with the sensor origin expressed in the same frame and units.
type LocalPointSet struct {
	Points []geom.Point2
	Origin geom.Point2
}

// Clear empties the set, keeping its backing storage.
func (s *LocalPointSet) Clear() {
	s.Points = s.Points[:0]
	s.Origin = geom.Point2{}
}

// Add appends a point.
func (s *LocalPointSet) Add(p geom.Point2) {
	s.Points = append(s.Points, p)
}

// Len returns the number of points.
func (s *LocalPointSet) Len() int {
	return len(s.Points)
}

// CloudLimits bounds which point-cloud returns are accepted. Distances are
// squared planar distances from the sensor; heights are relative to the
// sensor origin after moving into the base frame.
type CloudLimits struct {
	MinSqDist float64
	MaxSqDist float64
	ZMin      float64
	ZMax      float64
}

// LimitsFromRanges builds CloudLimits from plain distances.
func LimitsFromRanges(minDist, maxDist, zMin, zMax float64) CloudLimits {
	return CloudLimits{
		MinSqDist: minDist * minDist,
		MaxSqDist: maxDist * maxDist,
		ZMin:      zMin,
		ZMax:      zMax,
	}
}
