package slam

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/scanloc/internal/geom"
	"github.com/banshee-data/scanloc/internal/monitoring"
	"github.com/banshee-data/scanloc/internal/scanfilter"
)

var logf = monitoring.Tagged("Mapper")

// MapperConfig sizes the grid pyramid and sets the update model.
type MapperConfig struct {
	Resolution float64
	SizeX      int
	SizeY      int
	Start      geom.Point2
	Levels     int

	ProbFree     float64
	ProbOccupied float64

	// The map is only updated once the pose has moved this far since the
	// previous update, unless the caller forces it.
	UpdateDistanceThreshold float64
	UpdateAngleThreshold    float64

	// Covariance is the reported (x, y, yaw) variance of every estimate.
	Covariance [3]float64
}

// DefaultMapperConfig returns a 1024x1024 grid of 2.5 cm cells centred on the
// world origin.
func DefaultMapperConfig() MapperConfig {
	return MapperConfig{
		Resolution:              0.025,
		SizeX:                   1024,
		SizeY:                   1024,
		Start:                   geom.Point2{X: 0.5, Y: 0.5},
		Levels:                  3,
		ProbFree:                0.4,
		ProbOccupied:            0.9,
		UpdateDistanceThreshold: 0.4,
		UpdateAngleThreshold:    0.9,
		Covariance:              [3]float64{0.01, 0.01, 0.005},
	}
}

// Mapper is an Engine that trusts the pose it is given and builds a grid
// pyramid from it. Level i has cells 2^i times larger than level 0.
type Mapper struct {
	cfg    MapperConfig
	levels []*GridMap

	mu            sync.Mutex
	lastScanMatch geom.Pose2D
	lastMapUpdate geom.Pose2D
	mapped        bool
}

// NewMapper builds the grid pyramid described by cfg.
func NewMapper(cfg MapperConfig) (*Mapper, error) {
	if cfg.Resolution <= 0 {
		return nil, fmt.Errorf("resolution must be positive, got %v", cfg.Resolution)
	}
	if cfg.Levels < 1 {
		return nil, fmt.Errorf("need at least one map level, got %d", cfg.Levels)
	}
	m := &Mapper{cfg: cfg}
	for i := 0; i < cfg.Levels; i++ {
		sx, sy := cfg.SizeX>>i, cfg.SizeY>>i
		if sx < 1 || sy < 1 {
			return nil, fmt.Errorf("level %d of a %dx%d map has no cells", i, cfg.SizeX, cfg.SizeY)
		}
		m.levels = append(m.levels, NewGridMap(sx, sy, math.Ldexp(cfg.Resolution, i), cfg.Start, cfg.ProbFree, cfg.ProbOccupied))
	}
	return m, nil
}

// Update implements Engine.
func (m *Mapper) Update(points *scanfilter.LocalPointSet, guess geom.Pose2D, hardOverride bool) {
	m.mu.Lock()
	m.lastScanMatch = guess
	integrate := hardOverride || !m.mapped ||
		poseDifferenceLargerThan(guess, m.lastMapUpdate, m.cfg.UpdateDistanceThreshold, m.cfg.UpdateAngleThreshold)
	if integrate {
		m.lastMapUpdate = guess
		m.mapped = true
	}
	m.mu.Unlock()

	if !integrate {
		return
	}
	for i, g := range m.levels {
		g.integrate(points.Points, points.Origin, math.Ldexp(1, -i), guess)
	}
}

func poseDifferenceLargerThan(a, b geom.Pose2D, dist, angle float64) bool {
	if math.Hypot(a.X-b.X, a.Y-b.Y) > dist {
		return true
	}
	return math.Abs(geom.NormalizeAngle(a.Yaw-b.Yaw)) > angle
}

// LastScanMatchPose implements Engine.
func (m *Mapper) LastScanMatchPose() geom.Pose2D {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastScanMatch
}

// LastScanMatchCovariance implements Engine.
func (m *Mapper) LastScanMatchCovariance() *mat.SymDense {
	c := m.cfg.Covariance
	return mat.NewSymDense(3, []float64{
		c[0], 0, 0,
		0, c[1], 0,
		0, 0, c[2],
	})
}

// GridMap implements Engine. It returns nil for an unknown level.
func (m *Mapper) GridMap(level int) GridView {
	if level < 0 || level >= len(m.levels) {
		return nil
	}
	return m.levels[level]
}

// MapLocker implements Engine. It returns nil for an unknown level.
func (m *Mapper) MapLocker(level int) MapLocker {
	if level < 0 || level >= len(m.levels) {
		return nil
	}
	return m.levels[level]
}

// Levels implements Engine.
func (m *Mapper) Levels() int { return len(m.levels) }

// ScaleToMap implements Engine.
func (m *Mapper) ScaleToMap() float64 { return 1 / m.cfg.Resolution }

// Reset implements Engine.
func (m *Mapper) Reset() {
	m.mu.Lock()
	m.lastScanMatch = geom.Pose2D{}
	m.lastMapUpdate = geom.Pose2D{}
	m.mapped = false
	m.mu.Unlock()

	for _, g := range m.levels {
		g.Clear()
	}
	logf("map and pose reset")
}

// SeedLevel implements MapSeeder.
func (m *Mapper) SeedLevel(level int, free, occupied []int) error {
	if level < 0 || level >= len(m.levels) {
		return fmt.Errorf("no map level %d", level)
	}
	return m.levels[level].SetCells(free, occupied)
}
