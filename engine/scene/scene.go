package scene

import (
	"github.com/google/uuid"

	"github.com/spaghettifunk/prisma/engine/math"
)

// Mesh is geometry ready for upload. IDs let the backend key its GPU buffers
// without holding pointers into the scene.
type Mesh struct {
	ID       uuid.UUID
	Name     string
	Vertices []math.Vertex3D
	Indices  []uint32
}

// Material carries the few surface parameters the forward pass consumes.
type Material struct {
	ID           uuid.UUID
	Name         string
	DiffuseColor math.Vec4
	Shininess    float32
}

// Instance places one mesh with one material somewhere in the world.
type Instance struct {
	ID        uuid.UUID
	Mesh      *Mesh
	Material  *Material
	Transform Transform
}

// Scene is everything the viewer draws: a camera and a flat instance list.
type Scene struct {
	Camera    *Camera
	Instances []*Instance
}

// NewDemoScene builds the default content shown on startup: a ground plane
// and a few cubes staggered in depth so the depth-of-field effect has
// something to defocus.
func NewDemoScene(aspect float32) *Scene {
	ground := planeMesh("ground", 10.0)
	cube := cubeMesh("cube", 1.0)

	gray := &Material{
		ID:           uuid.New(),
		Name:         "matte-gray",
		DiffuseColor: math.NewVec4(0.55, 0.55, 0.58, 1.0),
		Shininess:    8.0,
	}
	red := &Material{
		ID:           uuid.New(),
		Name:         "matte-red",
		DiffuseColor: math.NewVec4(0.8, 0.2, 0.2, 1.0),
		Shininess:    16.0,
	}
	blue := &Material{
		ID:           uuid.New(),
		Name:         "matte-blue",
		DiffuseColor: math.NewVec4(0.2, 0.3, 0.8, 1.0),
		Shininess:    16.0,
	}

	s := &Scene{
		Camera: NewCamera(aspect),
	}

	groundTransform := NewTransform()
	groundTransform.Position = math.NewVec3(0.0, -0.5, 0.0)
	s.Instances = append(s.Instances, &Instance{
		ID:        uuid.New(),
		Mesh:      ground,
		Material:  gray,
		Transform: groundTransform,
	})

	// Cubes at increasing distance from the camera.
	positions := []math.Vec3{
		math.NewVec3(-1.5, 0.0, 2.0),
		math.NewVec3(0.0, 0.0, 0.0),
		math.NewVec3(1.5, 0.0, -2.5),
		math.NewVec3(3.0, 0.0, -5.5),
	}
	materials := []*Material{red, blue, red, blue}

	for i, p := range positions {
		t := NewTransform()
		t.Position = p
		t.Rotation = math.NewQuatFromAxisAngle(math.NewVec3Up(), float32(i)*0.6, true)
		s.Instances = append(s.Instances, &Instance{
			ID:        uuid.New(),
			Mesh:      cube,
			Material:  materials[i],
			Transform: t,
		})
	}

	return s
}

func planeMesh(name string, halfExtent float32) *Mesh {
	h := halfExtent
	m := &Mesh{
		ID:   uuid.New(),
		Name: name,
		Vertices: []math.Vertex3D{
			{Position: math.NewVec3(-h, 0, -h), Texcoord: math.Vec2{X: 0, Y: 0}},
			{Position: math.NewVec3(h, 0, -h), Texcoord: math.Vec2{X: 1, Y: 0}},
			{Position: math.NewVec3(h, 0, h), Texcoord: math.Vec2{X: 1, Y: 1}},
			{Position: math.NewVec3(-h, 0, h), Texcoord: math.Vec2{X: 0, Y: 1}},
		},
		Indices: []uint32{0, 2, 1, 0, 3, 2},
	}
	math.GeometryGenerateNormals(m.Vertices, m.Indices)
	return m
}

func cubeMesh(name string, size float32) *Mesh {
	h := size * 0.5
	// 24 vertices, four per face, so each face can carry its own normal.
	corners := [8]math.Vec3{
		math.NewVec3(-h, -h, -h),
		math.NewVec3(h, -h, -h),
		math.NewVec3(h, h, -h),
		math.NewVec3(-h, h, -h),
		math.NewVec3(-h, -h, h),
		math.NewVec3(h, -h, h),
		math.NewVec3(h, h, h),
		math.NewVec3(-h, h, h),
	}
	faces := [6][4]int{
		{4, 5, 6, 7}, // front
		{1, 0, 3, 2}, // back
		{0, 4, 7, 3}, // left
		{5, 1, 2, 6}, // right
		{7, 6, 2, 3}, // top
		{0, 1, 5, 4}, // bottom
	}

	m := &Mesh{
		ID:   uuid.New(),
		Name: name,
	}
	uv := [4]math.Vec2{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}}
	for _, f := range faces {
		base := uint32(len(m.Vertices))
		for j, ci := range f {
			m.Vertices = append(m.Vertices, math.Vertex3D{
				Position: corners[ci],
				Texcoord: uv[j],
			})
		}
		m.Indices = append(m.Indices, base, base+1, base+2, base, base+2, base+3)
	}
	math.GeometryGenerateNormals(m.Vertices, m.Indices)
	return m
}
