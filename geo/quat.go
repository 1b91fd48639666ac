package geo

import "math"

// Quat is a double-precision quaternion, used where the archive format
// requires doubles (the OBB orientation, per spec.md §6: "Quaternion in an
// OBB is stored as four doubles (x, y, z, w)").
type Quat struct {
	X, Y, Z, W float64
}

// IdentityQuat returns the identity rotation.
func IdentityQuat() Quat {
	return Quat{0, 0, 0, 1}
}

// Length returns the quaternion's norm.
func (q Quat) Length() float64 {
	return math.Sqrt(q.X*q.X + q.Y*q.Y + q.Z*q.Z + q.W*q.W)
}

// Normalize returns q scaled to unit length. The identity quaternion is
// returned if q is the zero quaternion.
func (q Quat) Normalize() Quat {
	l := q.Length()
	if l == 0 {
		return IdentityQuat()
	}
	inv := 1 / l
	return Quat{q.X * inv, q.Y * inv, q.Z * inv, q.W * inv}
}

// QuatFromAxes builds a unit quaternion from three orthonormal axes
// (the columns of a right-handed rotation matrix, so that q.Rotate maps
// the world X/Y/Z axes onto xAxis/yAxis/zAxis), using the standard
// "largest diagonal element" matrix-to-quaternion conversion, generalized
// to float64 rows for the OBB orientation's double precision.
func QuatFromAxes(xAxis, yAxis, zAxis Vec3) Quat {
	m := [3][3]float64{
		{xAxis.X, yAxis.X, zAxis.X},
		{xAxis.Y, yAxis.Y, zAxis.Y},
		{xAxis.Z, yAxis.Z, zAxis.Z},
	}
	trace := m[0][0] + m[1][1] + m[2][2]
	var q Quat
	if trace > 0 {
		s := 0.5 / math.Sqrt(trace+1.0)
		q.W = 0.25 / s
		q.X = (m[2][1] - m[1][2]) * s
		q.Y = (m[0][2] - m[2][0]) * s
		q.Z = (m[1][0] - m[0][1]) * s
	} else if m[0][0] > m[1][1] && m[0][0] > m[2][2] {
		s := 2.0 * math.Sqrt(1.0+m[0][0]-m[1][1]-m[2][2])
		q.W = (m[2][1] - m[1][2]) / s
		q.X = 0.25 * s
		q.Y = (m[0][1] + m[1][0]) / s
		q.Z = (m[0][2] + m[2][0]) / s
	} else if m[1][1] > m[2][2] {
		s := 2.0 * math.Sqrt(1.0+m[1][1]-m[0][0]-m[2][2])
		q.W = (m[0][2] - m[2][0]) / s
		q.X = (m[0][1] + m[1][0]) / s
		q.Y = 0.25 * s
		q.Z = (m[1][2] + m[2][1]) / s
	} else {
		s := 2.0 * math.Sqrt(1.0+m[2][2]-m[0][0]-m[1][1])
		q.W = (m[1][0] - m[0][1]) / s
		q.X = (m[0][2] + m[2][0]) / s
		q.Y = (m[1][2] + m[2][1]) / s
		q.Z = 0.25 * s
	}
	return q.Normalize()
}

// Rotate applies q to v.
func (q Quat) Rotate(v Vec3) Vec3 {
	// t = 2 * cross(q.xyz, v)
	qv := Vec3{q.X, q.Y, q.Z}
	t := qv.Cross(v).Scale(2)
	// v' = v + w*t + cross(q.xyz, t)
	return v.Add(t.Scale(q.W)).Add(qv.Cross(t))
}
