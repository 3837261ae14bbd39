package scene

import (
	"github.com/spaghettifunk/prisma/engine/math"
)

// Camera is a simple look-at camera with a reverse-Z infinite projection.
// The viewer keeps exactly one of these, so there is no camera system here.
type Camera struct {
	Eye    math.Vec3
	Target math.Vec3
	Up     math.Vec3

	// Vertical field of view in degrees.
	FovY     float32
	Aspect   float32
	NearClip float32
}

func NewCamera(aspect float32) *Camera {
	return &Camera{
		Eye:      math.NewVec3(0.0, 2.0, 6.0),
		Target:   math.NewVec3Zero(),
		Up:       math.NewVec3Up(),
		FovY:     45.0,
		Aspect:   aspect,
		NearClip: 0.1,
	}
}

func (c *Camera) ViewMatrix() math.Mat4 {
	return math.NewMat4LookAt(c.Eye, c.Target, c.Up)
}

// ProjectionMatrix returns a reverse-Z projection with an infinite far plane.
// The depth attachment must be cleared to 0.0 and compared with GREATER for
// this to sort correctly.
func (c *Camera) ProjectionMatrix() math.Mat4 {
	return math.NewMat4PerspectiveReverseZ(math.DegToRad(c.FovY), c.Aspect, c.NearClip)
}

// SetAspect updates the projection aspect ratio, typically after a resize.
func (c *Camera) SetAspect(width, height uint32) {
	if height == 0 {
		return
	}
	c.Aspect = float32(width) / float32(height)
}
