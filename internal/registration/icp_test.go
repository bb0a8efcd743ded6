package registration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scanloc/internal/geom"
)

// sparseGrid returns points at least 0.5 m apart, with one extra point to
// break the grid's symmetry.
func sparseGrid() []geom.Point2 {
	var pts []geom.Point2
	for i := -2; i <= 2; i++ {
		for j := -2; j <= 2; j++ {
			pts = append(pts, geom.Point2{X: float64(i) * 0.5, Y: float64(j) * 0.5})
		}
	}
	return append(pts, geom.Point2{X: 1.75, Y: 0.4})
}

func transformAll(t geom.Transform, pts []geom.Point2) []geom.Point2 {
	out := make([]geom.Point2, len(pts))
	for i, p := range pts {
		out[i] = t.ApplyPoint2(p)
	}
	return out
}

func TestICP_IdenticalSetsGiveIdentity(t *testing.T) {
	t.Parallel()
	pts := sparseGrid()

	res, err := NewICP().Register(pts, pts, 1.0, 50)
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.InDelta(t, 0, res.Fitness, 1e-12)
	for i, v := range geom.Identity() {
		assert.InDelta(t, v, res.Transform[i], 1e-9, "element %d", i)
	}
}

func TestICP_RecoversSmallRigidOffset(t *testing.T) {
	t.Parallel()
	fixed := sparseGrid()
	want := geom.FromPose2D(geom.NewPose2D(0.04, -0.03, 0.02))
	moving := transformAll(want.Inverse(), fixed)

	res, err := NewICP().Register(moving, fixed, 0.2, 50)
	require.NoError(t, err)

	assert.True(t, res.Converged)
	assert.GreaterOrEqual(t, res.Iterations, 1)
	assert.Equal(t, len(fixed), res.Correspondences)
	assert.InDelta(t, 0.04, res.Transform[3], 1e-6)
	assert.InDelta(t, -0.03, res.Transform[7], 1e-6)
	assert.InDelta(t, 0.02, res.Transform.Yaw(), 1e-6)
	assert.InDelta(t, 0, res.Fitness, 1e-9)
}

func TestICP_NoCorrespondencesReturnsIdentityUnconverged(t *testing.T) {
	t.Parallel()
	fixed := []geom.Point2{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 0, Y: 1}}
	moving := transformAll(geom.FromPose2D(geom.Pose2D{X: 10}), fixed)

	res, err := NewICP().Register(moving, fixed, 0.5, 20)
	require.NoError(t, err)

	assert.False(t, res.Converged)
	assert.Zero(t, res.Iterations)
	assert.Equal(t, geom.Identity(), res.Transform)
	assert.Greater(t, res.Fitness, 50.0)
}

func TestICP_EmptyInput(t *testing.T) {
	t.Parallel()
	pts := sparseGrid()

	_, err := NewICP().Register(nil, pts, 1, 10)
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = NewICP().Register(pts, nil, 1, 10)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestRigidFit_ExactPairs(t *testing.T) {
	t.Parallel()
	src := []geom.Point2{{X: 0, Y: 0}, {X: 2, Y: 0}, {X: 0, Y: 1}, {X: -1, Y: 3}}
	want := geom.FromPose2D(geom.NewPose2D(1.5, -0.5, 2.5))

	got, ok := rigidFit(src, transformAll(want, src))
	require.True(t, ok)
	for i := range want {
		assert.InDelta(t, want[i], got[i], 1e-9, "element %d", i)
	}
}
