package scene

import (
	"github.com/spaghettifunk/prisma/engine/math"
)

// Transform describes the placement of an instance in the world. Rotation
// pivots around RotationOrigin, not around the mesh origin, so meshes whose
// pivot sits at a corner still spin about their visual center.
type Transform struct {
	Position       math.Vec3
	Rotation       math.Quaternion
	Scale          math.Vec3
	RotationOrigin math.Vec3
}

func NewTransform() Transform {
	return Transform{
		Position:       math.NewVec3Zero(),
		Rotation:       math.NewQuatIdentity(),
		Scale:          math.NewVec3One(),
		RotationOrigin: math.NewVec3Zero(),
	}
}

// Matrix composes scale, pivoted rotation and translation into a model matrix.
func (t Transform) Matrix() math.Mat4 {
	scale := math.NewMat4Scale(t.Scale)
	rotation := t.Rotation.ToRotationMatrix(t.RotationOrigin)
	translation := math.NewMat4Translation(t.Position)
	return translation.Mul(rotation.Mul(scale))
}
