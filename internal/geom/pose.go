package geom

import "math"

// Point2 is a planar point.
type Point2 struct {
	X, Y float64
}

// Scale returns p multiplied by s.
func (p Point2) Scale(s float64) Point2 {
	return Point2{X: p.X * s, Y: p.Y * s}
}

// Vec3 is a position in 3-space.
type Vec3 struct {
	X, Y, Z float64
}

// Quaternion is a rotation as (w, x, y, z).
type Quaternion struct {
	W, X, Y, Z float64
}

// QuaternionFromYaw returns the rotation of yaw radians about z.
func QuaternionFromYaw(yaw float64) Quaternion {
	return Quaternion{W: math.Cos(yaw / 2), Z: math.Sin(yaw / 2)}
}

// Normalized returns q scaled to unit length. The zero quaternion maps to
// the identity rotation.
func (q Quaternion) Normalized() Quaternion {
	n := math.Sqrt(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
	if n == 0 {
		return Quaternion{W: 1}
	}
	return Quaternion{W: q.W / n, X: q.X / n, Y: q.Y / n, Z: q.Z / n}
}

// Yaw extracts the heading about z.
func (q Quaternion) Yaw() float64 {
	q = q.Normalized()
	return math.Atan2(2*(q.W*q.Z+q.X*q.Y), 1-2*(q.Y*q.Y+q.Z*q.Z))
}

// Pose2D is a planar pose in the map frame. Yaw is kept in (-π, π].
type Pose2D struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Yaw float64 `json:"yaw"`
}

// NewPose2D builds a pose with a normalised yaw.
func NewPose2D(x, y, yaw float64) Pose2D {
	return Pose2D{X: x, Y: y, Yaw: NormalizeAngle(yaw)}
}

// Pose3 is a full position and orientation, as carried by initial pose
// requests.
type Pose3 struct {
	Position    Vec3       `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

// Pose2D projects p onto the plane.
func (p Pose3) Pose2D() Pose2D {
	return NewPose2D(p.Position.X, p.Position.Y, p.Orientation.Yaw())
}

// Pose3FromPose2D lifts a planar pose to 3-space at z=0.
func Pose3FromPose2D(p Pose2D) Pose3 {
	return Pose3{
		Position:    Vec3{X: p.X, Y: p.Y},
		Orientation: QuaternionFromYaw(p.Yaw),
	}
}

// NormalizeAngle wraps a into (-π, π].
func NormalizeAngle(a float64) float64 {
	a = math.Remainder(a, 2*math.Pi)
	if a <= -math.Pi {
		a += 2 * math.Pi
	}
	return a
}
