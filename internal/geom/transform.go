package geom

import "math"

// rigidTolerance bounds the deviation of a rotation block from orthonormal.
const rigidTolerance = 1e-6

// Transform is a 4×4 row-major homogeneous rigid transform.
type Transform [16]float64

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Mul returns the matrix product t·o, i.e. o applied first, then t.
func (t Transform) Mul(o Transform) Transform {
	var r Transform
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += t[4*i+k] * o[4*k+j]
			}
			r[4*i+j] = sum
		}
	}
	return r
}

// Apply applies t to point (x,y,z).
func (t Transform) Apply(x, y, z float64) (wx, wy, wz float64) {
	wx = t[0]*x + t[1]*y + t[2]*z + t[3]
	wy = t[4]*x + t[5]*y + t[6]*z + t[7]
	wz = t[8]*x + t[9]*y + t[10]*z + t[11]
	return
}

// ApplyPoint2 applies t to a planar point lying at z=0 and drops the
// resulting height.
func (t Transform) ApplyPoint2(p Point2) Point2 {
	x, y, _ := t.Apply(p.X, p.Y, 0)
	return Point2{X: x, Y: y}
}

// Inverse returns the inverse of a rigid transform (Rᵀ, -Rᵀt).
func (t Transform) Inverse() Transform {
	r := Identity()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[4*i+j] = t[4*j+i]
		}
	}
	tx, ty, tz := t[3], t[7], t[11]
	for i := 0; i < 3; i++ {
		r[4*i+3] = -(r[4*i]*tx + r[4*i+1]*ty + r[4*i+2]*tz)
	}
	return r
}

// Translation returns the translation column.
func (t Transform) Translation() Vec3 {
	return Vec3{X: t[3], Y: t[7], Z: t[11]}
}

// Yaw returns the rotation about the z axis encoded in t.
func (t Transform) Yaw() float64 {
	return math.Atan2(t[4], t[0])
}

// Quaternion converts the rotation submatrix to a unit quaternion.
func (t Transform) Quaternion() Quaternion {
	r00, r01, r02 := t[0], t[1], t[2]
	r10, r11, r12 := t[4], t[5], t[6]
	r20, r21, r22 := t[8], t[9], t[10]

	var q Quaternion
	trace := r00 + r11 + r22
	switch {
	case trace > 0:
		s := math.Sqrt(trace+1) * 2
		q = Quaternion{W: s / 4, X: (r21 - r12) / s, Y: (r02 - r20) / s, Z: (r10 - r01) / s}
	case r00 > r11 && r00 > r22:
		s := math.Sqrt(1+r00-r11-r22) * 2
		q = Quaternion{W: (r21 - r12) / s, X: s / 4, Y: (r01 + r10) / s, Z: (r02 + r20) / s}
	case r11 > r22:
		s := math.Sqrt(1+r11-r00-r22) * 2
		q = Quaternion{W: (r02 - r20) / s, X: (r01 + r10) / s, Y: s / 4, Z: (r12 + r21) / s}
	default:
		s := math.Sqrt(1+r22-r00-r11) * 2
		q = Quaternion{W: (r10 - r01) / s, X: (r02 + r20) / s, Y: (r12 + r21) / s, Z: s / 4}
	}
	return q.Normalized()
}

// Pose3 decomposes t into position and orientation.
func (t Transform) Pose3() Pose3 {
	return Pose3{Position: t.Translation(), Orientation: t.Quaternion()}
}

// FromQuaternion builds a transform from an orientation and a position.
// The quaternion is normalised first; a zero quaternion yields no rotation.
func FromQuaternion(q Quaternion, p Vec3) Transform {
	q = q.Normalized()
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return Transform{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y), p.X,
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x), p.Y,
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y), p.Z,
		0, 0, 0, 1,
	}
}

// FromPose3 builds the transform that places a body at p.
func FromPose3(p Pose3) Transform {
	return FromQuaternion(p.Orientation, p.Position)
}

// FromPose2D builds the planar transform for p.
func FromPose2D(p Pose2D) Transform {
	c, s := math.Cos(p.Yaw), math.Sin(p.Yaw)
	return Transform{
		c, -s, 0, p.X,
		s, c, 0, p.Y,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// IsRigid reports whether t is a proper rigid transform: an orthonormal
// rotation block with determinant +1, finite entries and a bottom row of
// 0 0 0 1.
func (t Transform) IsRigid() bool {
	for _, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	if t[12] != 0 || t[13] != 0 || t[14] != 0 || t[15] != 1 {
		return false
	}
	// R·Rᵀ must be the identity.
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			dot := t[i*4]*t[j*4] + t[i*4+1]*t[j*4+1] + t[i*4+2]*t[j*4+2]
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(dot-want) > rigidTolerance {
				return false
			}
		}
	}
	det := t[0]*(t[5]*t[10]-t[6]*t[9]) - t[1]*(t[4]*t[10]-t[6]*t[8]) + t[2]*(t[4]*t[9]-t[5]*t[8])
	return det > 0
}
