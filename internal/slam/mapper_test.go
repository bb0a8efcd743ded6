package slam

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanloc/internal/geom"
	"github.com/banshee-data/scanloc/internal/monitoring"
	"github.com/banshee-data/scanloc/internal/scanfilter"
)

func init() {
	monitoring.SetLogger(nil)
}

func smallMapper(t *testing.T) *Mapper {
	t.Helper()
	cfg := DefaultMapperConfig()
	cfg.Resolution = 0.1
	cfg.SizeX, cfg.SizeY = 64, 64
	cfg.Levels = 2
	m, err := NewMapper(cfg)
	require.NoError(t, err)
	return m
}

// oneMetreAhead is a single return 1 m along +x with 0.1 m cells.
func oneMetreAhead() *scanfilter.LocalPointSet {
	return &scanfilter.LocalPointSet{Points: []geom.Point2{{X: 10, Y: 0}}}
}

func TestGridMap_Coordinates(t *testing.T) {
	t.Parallel()
	g := NewGridMap(1024, 1024, 0.025, geom.Point2{X: 0.5, Y: 0.5}, 0.4, 0.9)

	o := g.WorldOrigin()
	assert.InDelta(t, -12.8, o.X, 1e-9)
	assert.InDelta(t, -12.8, o.Y, 1e-9)

	m := g.MapCoords(geom.Point2{X: 1, Y: -0.5})
	assert.InDelta(t, 552, m.X, 1e-9)
	assert.InDelta(t, 492, m.Y, 1e-9)
	w := g.WorldCoords(m)
	assert.InDelta(t, 1, w.X, 1e-9)
	assert.InDelta(t, -0.5, w.Y, 1e-9)
}

func TestMapper_PyramidLevels(t *testing.T) {
	t.Parallel()
	m := smallMapper(t)

	require.Equal(t, 2, m.Levels())
	assert.Equal(t, 64, m.GridMap(0).SizeX())
	assert.Equal(t, 32, m.GridMap(1).SizeY())
	assert.InDelta(t, 0.2, m.GridMap(1).CellLength(), 1e-12)
	assert.InDelta(t, 10, m.ScaleToMap(), 1e-12)
	assert.Nil(t, m.GridMap(2))
	assert.Nil(t, m.MapLocker(-1))
}

func TestMapper_RayMarksFreeThenOccupied(t *testing.T) {
	t.Parallel()
	m := smallMapper(t)

	m.Update(oneMetreAhead(), geom.Pose2D{}, false)

	g := m.GridMap(0)
	unlock := m.MapLocker(0).LockMap()
	for x := 32; x < 42; x++ {
		assert.True(t, g.IsFree(32*64+x), "cell x=%d", x)
	}
	assert.True(t, g.IsOccupied(32*64+42))
	assert.False(t, g.IsFree(32*64+43))
	assert.False(t, g.IsOccupied(32*64+43))
	unlock()

	coarse := m.GridMap(1)
	unlock = m.MapLocker(1).LockMap()
	assert.True(t, coarse.IsOccupied(16*32+21))
	assert.True(t, coarse.IsFree(16*32+20))
	unlock()

	assert.Equal(t, geom.Pose2D{}, m.LastScanMatchPose())
}

func TestMapper_RotatedPose(t *testing.T) {
	t.Parallel()
	m := smallMapper(t)

	m.Update(oneMetreAhead(), geom.NewPose2D(0.5, 0, 1.5707963267948966), false)

	g := m.GridMap(0)
	unlock := m.MapLocker(0).LockMap()
	defer unlock()
	// robot at cell (37, 32) facing +y
	assert.True(t, g.IsOccupied(42*64+37))
	assert.True(t, g.IsFree(35*64+37))
}

func TestMapper_UpdateThresholds(t *testing.T) {
	t.Parallel()
	m := smallMapper(t)
	g := m.GridMap(0)

	m.Update(oneMetreAhead(), geom.Pose2D{}, false)
	first := g.UpdateIndex()

	m.Update(oneMetreAhead(), geom.NewPose2D(0.1, 0, 0.1), false)
	assert.Equal(t, first, g.UpdateIndex(), "small motion does not touch the map")
	assert.Equal(t, geom.NewPose2D(0.1, 0, 0.1), m.LastScanMatchPose())

	m.Update(oneMetreAhead(), geom.NewPose2D(0.1, 0, 0.1), true)
	assert.Equal(t, first+1, g.UpdateIndex(), "hard override always integrates")

	m.Update(oneMetreAhead(), geom.NewPose2D(0.1, 0, 1.2), false)
	assert.Equal(t, first+2, g.UpdateIndex(), "rotation past the threshold integrates")
}

func TestMapper_ResetClearsGrid(t *testing.T) {
	t.Parallel()
	m := smallMapper(t)
	m.Update(oneMetreAhead(), geom.NewPose2D(0.2, 0, 0), false)
	before := m.GridMap(0).UpdateIndex()

	m.Reset()

	g := m.GridMap(0)
	assert.Greater(t, g.UpdateIndex(), before)
	assert.Equal(t, geom.Pose2D{}, m.LastScanMatchPose())
	unlock := m.MapLocker(0).LockMap()
	defer unlock()
	for i := 0; i < 64*64; i++ {
		require.False(t, g.IsFree(i) || g.IsOccupied(i), "cell %d", i)
	}
}

func TestMapper_SeedLevel(t *testing.T) {
	t.Parallel()
	m := smallMapper(t)

	require.NoError(t, m.SeedLevel(0, []int{0, 1}, []int{2}))
	g := m.GridMap(0)
	unlock := m.MapLocker(0).LockMap()
	assert.True(t, g.IsFree(0))
	assert.True(t, g.IsFree(1))
	assert.True(t, g.IsOccupied(2))
	unlock()

	assert.Error(t, m.SeedLevel(0, []int{64 * 64}, nil))
	assert.Error(t, m.SeedLevel(5, nil, nil))
}

func TestMapper_Covariance(t *testing.T) {
	t.Parallel()
	m := smallMapper(t)
	cov := m.LastScanMatchCovariance()

	r, c := cov.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 3, c)
	assert.InDelta(t, 0.01, cov.At(0, 0), 1e-12)
	assert.InDelta(t, 0.005, cov.At(2, 2), 1e-12)
	assert.Zero(t, cov.At(0, 2))
}

func TestNewMapper_RejectsBadConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultMapperConfig()
	cfg.Levels = 0
	_, err := NewMapper(cfg)
	assert.Error(t, err)

	cfg = DefaultMapperConfig()
	cfg.SizeX = 2
	_, err = NewMapper(cfg)
	assert.Error(t, err)
}
