// Package registration aligns a moving planar point set onto a fixed one
// with point-to-point ICP: nearest-neighbour correspondences from a k-d tree
// over the fixed set, and a closed-form rigid fit from the SVD of the
// cross-covariance.
package registration

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/banshee-data/scanloc/internal/geom"
)

// ErrEmptyInput is returned when either point set is empty.
var ErrEmptyInput = errors.New("registration: empty point set")

// minCorrespondences is the smallest correspondence count for a rigid fit.
const minCorrespondences = 3

// Result describes one registration call.
type Result struct {
	// Transform maps the moving set onto the fixed set.
	Transform geom.Transform
	// Converged reports whether a convergence criterion was met before the
	// iteration limit or correspondences ran out.
	Converged bool
	// Fitness is the mean squared distance from each aligned moving point to
	// its nearest fixed point.
	Fitness float64
	// Iterations is the number of rigid fits applied.
	Iterations int
	// Correspondences is the number of pairs used by the last fit.
	Correspondences int
}

// Registrar finds the rigid transform aligning moving onto fixed using
// correspondences no further apart than maxCorrespondenceDist.
type Registrar interface {
	Register(moving, fixed []geom.Point2, maxCorrespondenceDist float64, maxIterations int) (Result, error)
}

// ICP is a point-to-point iterative closest point Registrar.
type ICP struct {
	// TransformationEpsilon stops iterating once the squared size of an
	// incremental step (translation² + rotation²) drops below it.
	TransformationEpsilon float64
	// FitnessEpsilon stops iterating once the change in correspondence mean
	// squared error drops below it.
	FitnessEpsilon float64
}

// NewICP returns an ICP with the default stopping thresholds.
func NewICP() *ICP {
	return &ICP{
		TransformationEpsilon: 1e-8,
		FitnessEpsilon:        0.005,
	}
}

// Register implements Registrar. Too few correspondences is not an error: the
// transform found so far (identity if none) is returned unconverged.
func (icp *ICP) Register(moving, fixed []geom.Point2, maxCorrespondenceDist float64, maxIterations int) (Result, error) {
	if len(moving) == 0 || len(fixed) == 0 {
		return Result{}, ErrEmptyInput
	}

	tree := newTree(fixed)
	maxSq := maxCorrespondenceDist * maxCorrespondenceDist

	current := append([]geom.Point2(nil), moving...)
	res := Result{Transform: geom.Identity()}
	prevMSE := math.Inf(1)

	src := make([]geom.Point2, 0, len(current))
	dst := make([]geom.Point2, 0, len(current))
	for iter := 0; iter < maxIterations; iter++ {
		src, dst = src[:0], dst[:0]
		var sumSq float64
		for _, p := range current {
			q, dSq := tree.nearest(p)
			if dSq > maxSq {
				continue
			}
			src = append(src, p)
			dst = append(dst, q)
			sumSq += dSq
		}
		res.Correspondences = len(src)
		if len(src) < minCorrespondences {
			break
		}
		mse := sumSq / float64(len(src))

		step, ok := rigidFit(src, dst)
		if !ok {
			break
		}
		for i := range current {
			current[i] = step.ApplyPoint2(current[i])
		}
		res.Transform = step.Mul(res.Transform)
		res.Iterations++

		if stepSize(step) < icp.TransformationEpsilon || math.Abs(prevMSE-mse) < icp.FitnessEpsilon {
			res.Converged = true
			break
		}
		prevMSE = mse
	}

	res.Fitness = tree.meanSquaredDistance(current)
	return res, nil
}

// stepSize is translation² + rotation² of an incremental planar step.
func stepSize(t geom.Transform) float64 {
	yaw := t.Yaw()
	return t[3]*t[3] + t[7]*t[7] + yaw*yaw
}

// rigidFit returns the rotation+translation minimising the squared distance
// between corresponding pairs (Kabsch in two dimensions).
func rigidFit(src, dst []geom.Point2) (geom.Transform, bool) {
	n := float64(len(src))
	var cs, cd geom.Point2
	for i := range src {
		cs.X += src[i].X
		cs.Y += src[i].Y
		cd.X += dst[i].X
		cd.Y += dst[i].Y
	}
	cs = cs.Scale(1 / n)
	cd = cd.Scale(1 / n)

	var sxx, sxy, syx, syy float64
	for i := range src {
		ax, ay := src[i].X-cs.X, src[i].Y-cs.Y
		bx, by := dst[i].X-cd.X, dst[i].Y-cd.Y
		sxx += ax * bx
		sxy += ax * by
		syx += ay * bx
		syy += ay * by
	}

	h := mat.NewDense(2, 2, []float64{sxx, sxy, syx, syy})
	var svd mat.SVD
	if !svd.Factorize(h, mat.SVDFull) {
		return geom.Identity(), false
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		v.Set(0, 1, -v.At(0, 1))
		v.Set(1, 1, -v.At(1, 1))
		r.Mul(&v, u.T())
	}

	r00, r01 := r.At(0, 0), r.At(0, 1)
	r10, r11 := r.At(1, 0), r.At(1, 1)
	tx := cd.X - (r00*cs.X + r01*cs.Y)
	ty := cd.Y - (r10*cs.X + r11*cs.Y)

	return geom.Transform{
		r00, r01, 0, tx,
		r10, r11, 0, ty,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}, true
}

// pointTree is a nearest-neighbour index over a fixed point set.
type pointTree struct {
	tree *kdtree.Tree
}

func newTree(pts []geom.Point2) pointTree {
	kp := make(kdtree.Points, len(pts))
	for i, p := range pts {
		kp[i] = kdtree.Point{p.X, p.Y}
	}
	return pointTree{tree: kdtree.New(kp, false)}
}

// nearest returns the closest indexed point to p and its squared distance.
func (t pointTree) nearest(p geom.Point2) (geom.Point2, float64) {
	c, dSq := t.tree.Nearest(kdtree.Point{p.X, p.Y})
	q := c.(kdtree.Point)
	return geom.Point2{X: q[0], Y: q[1]}, dSq
}

func (t pointTree) meanSquaredDistance(pts []geom.Point2) float64 {
	if len(pts) == 0 {
		return 0
	}
	var sum float64
	for _, p := range pts {
		_, dSq := t.nearest(p)
		sum += dSq
	}
	return sum / float64(len(pts))
}
