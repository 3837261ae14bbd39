//go:build mage

package main

import (
	"path/filepath"

	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// GLSL sources compiled to SPIR-V, relative to assets/shaders.
var shaderSources = []string{
	"scene.vert",
	"scene.frag",
	"sat_upsweep.comp",
	"sat_downsweep.comp",
	"sat_transpose.comp",
	"fullscreen.vert",
	"dof.frag",
	"overlay.vert",
	"overlay.frag",
}

// Compiles every shader source to a .spv next to it. The running viewer picks
// the new binaries up through its file watcher, so this also works as a
// hot-reload trigger.
func (Build) Shaders() error {
	for _, src := range shaderSources {
		in := filepath.Join("assets", "shaders", src)
		out := in + ".spv"
		if _, err := executeCmd("glslc", withArgs(in, "-o", out), withStream()); err != nil {
			return err
		}
	}
	return nil
}
