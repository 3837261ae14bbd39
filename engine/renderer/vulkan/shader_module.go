package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/engine/assets"
	"github.com/spaghettifunk/prisma/engine/core"
)

// VulkanProgram is the device-side half of an assets.Program: the shader
// modules plus the generation they were built from, so a hot reload is
// detectable by comparing generations.
type VulkanProgram struct {
	Role       assets.ProgramRole
	Generation uint32
	Modules    map[assets.StageKind]vk.ShaderModule
}

// Usable reports whether the program can be bound this frame.
func (vp *VulkanProgram) Usable() bool {
	return vp != nil && len(vp.Modules) > 0
}

func ProgramCreate(context *VulkanContext, program *assets.Program) (*VulkanProgram, error) {
	if !program.Valid {
		return nil, fmt.Errorf("program %s has no loaded SPIR-V", program.Role.String())
	}

	out := &VulkanProgram{
		Role:       program.Role,
		Generation: program.Generation,
		Modules:    make(map[assets.StageKind]vk.ShaderModule, len(program.Stages)),
	}

	for kind, code := range program.Stages {
		createInfo := vk.ShaderModuleCreateInfo{
			SType:    vk.StructureTypeShaderModuleCreateInfo,
			CodeSize: uint(len(code)),
			PCode:    sliceUint32(code),
		}
		var module vk.ShaderModule
		if res := vk.CreateShaderModule(context.Device.LogicalDevice, &createInfo, context.Allocator, &module); res != vk.Success {
			out.ProgramDestroy(context)
			err := fmt.Errorf("failed to create shader module for %s: %s", program.Role.String(), VulkanResultString(res))
			core.LogError(err.Error())
			return nil, err
		}
		out.Modules[kind] = module
	}

	return out, nil
}

func (vp *VulkanProgram) ProgramDestroy(context *VulkanContext) {
	for kind, module := range vp.Modules {
		vk.DestroyShaderModule(context.Device.LogicalDevice, module, context.Allocator)
		delete(vp.Modules, kind)
	}
}

// StageCreateInfo returns the pipeline stage description for one module.
func (vp *VulkanProgram) StageCreateInfo(kind assets.StageKind) vk.PipelineShaderStageCreateInfo {
	stageFlag := vk.ShaderStageVertexBit
	switch kind {
	case assets.StageFragment:
		stageFlag = vk.ShaderStageFragmentBit
	case assets.StageCompute:
		stageFlag = vk.ShaderStageComputeBit
	}

	info := vk.PipelineShaderStageCreateInfo{
		SType:  vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:  stageFlag,
		Module: vp.Modules[kind],
		PName:  VulkanSafeString("main"),
	}
	info.Deref()
	return info
}

// sliceUint32 reinterprets SPIR-V bytes as words. Loaders validate the length
// is a multiple of 4 before the program ever reaches the device.
func sliceUint32(data []byte) []uint32 {
	out := make([]uint32, len(data)/4)
	for i := range out {
		out[i] = uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
	}
	return out
}
