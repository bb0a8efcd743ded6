// Package geom holds the planar and rigid-body geometry shared by the filter,
// relocalization and tracking packages.
//
// Key types: Point2, Pose2D, Pose3, Quaternion and Transform, a 4×4 row-major
// homogeneous transform stored as [16]float64 (m00,m01,m02,m03, m10,...).
//
// A Transform named T_a_b maps points expressed in frame a into frame b.
package geom
