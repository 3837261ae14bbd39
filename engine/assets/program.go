package assets

import "fmt"

// ProgramRole names a shader program by what it does in the frame, not by its
// file name. The backend asks for programs by role so a renamed file on disk
// never leaks into rendering code.
type ProgramRole int

const (
	ProgramScene ProgramRole = iota
	ProgramSATUpsweep
	ProgramSATDownsweep
	ProgramSATTranspose
	ProgramDepthOfField
	ProgramOverlay

	programRoleCount
)

func (r ProgramRole) String() string {
	switch r {
	case ProgramScene:
		return "scene"
	case ProgramSATUpsweep:
		return "sat_upsweep"
	case ProgramSATDownsweep:
		return "sat_downsweep"
	case ProgramSATTranspose:
		return "sat_transpose"
	case ProgramDepthOfField:
		return "dof"
	case ProgramOverlay:
		return "overlay"
	default:
		return fmt.Sprintf("ProgramRole(%d)", int(r))
	}
}

// AllProgramRoles lists every role the viewer uses, in a stable order.
func AllProgramRoles() []ProgramRole {
	roles := make([]ProgramRole, 0, programRoleCount)
	for r := ProgramRole(0); r < programRoleCount; r++ {
		roles = append(roles, r)
	}
	return roles
}

// StageKind distinguishes the SPIR-V modules that make up a program.
type StageKind int

const (
	StageVertex StageKind = iota
	StageFragment
	StageCompute
)

// Program is the loaded SPIR-V for one role. Valid reports whether every
// required module loaded; a program that failed to (re)load stays invalid
// until a later reload succeeds, and consumers must check Valid before use
// instead of testing module slices against nil.
type Program struct {
	Role  ProgramRole
	Valid bool
	// Generation increments on every successful reload so the backend can
	// tell a fresh program from the one it already compiled pipelines for.
	Generation uint32
	Stages     map[StageKind][]byte
}

// stageFiles maps a role to the SPIR-V files that make it up, relative to the
// shader directory.
func stageFiles(role ProgramRole) map[StageKind]string {
	switch role {
	case ProgramScene:
		return map[StageKind]string{
			StageVertex:   "scene.vert.spv",
			StageFragment: "scene.frag.spv",
		}
	case ProgramSATUpsweep:
		return map[StageKind]string{
			StageCompute: "sat_upsweep.comp.spv",
		}
	case ProgramSATDownsweep:
		return map[StageKind]string{
			StageCompute: "sat_downsweep.comp.spv",
		}
	case ProgramSATTranspose:
		return map[StageKind]string{
			StageCompute: "sat_transpose.comp.spv",
		}
	case ProgramDepthOfField:
		return map[StageKind]string{
			StageVertex:   "fullscreen.vert.spv",
			StageFragment: "dof.frag.spv",
		}
	case ProgramOverlay:
		return map[StageKind]string{
			StageVertex:   "overlay.vert.spv",
			StageFragment: "overlay.frag.spv",
		}
	default:
		return nil
	}
}
