package vulkan

import (
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/engine/core"
)

type VulkanContext struct {
	// The window surface size in pixels. On high-DPI displays this can
	// differ from the render extent below; the final blit bridges the two.
	FramebufferWidth  uint32
	FramebufferHeight uint32

	// The extent the scene is rendered at. All offscreen targets and table
	// buffers are sized from this.
	RenderWidth  uint32
	RenderHeight uint32

	// Current generation of framebuffer size. If it does not match
	// FramebufferSizeLastGeneration, the swapchain and targets are rebuilt.
	FramebufferSizeGeneration     uint64
	FramebufferSizeLastGeneration uint64

	Instance  vk.Instance
	Allocator *vk.AllocationCallbacks
	Surface   vk.Surface

	debugMessenger vk.DebugReportCallback

	Device *VulkanDevice

	Swapchain *VulkanSwapchain

	GraphicsCommandBuffers []*VulkanCommandBuffer

	ImageAvailableSemaphores []vk.Semaphore
	QueueCompleteSemaphores  []vk.Semaphore

	InFlightFences []*VulkanFence
	// Holds pointers to fences which exist and are owned elsewhere.
	ImagesInFlight []*VulkanFence

	ImageIndex   uint32
	CurrentFrame uint32

	RecreatingSwapchain bool
}

// FindMemoryIndex returns the index of a memory type matching the filter and
// property flags, or -1.
func (vc *VulkanContext) FindMemoryIndex(typeFilter, propertyFlags uint32) int32 {
	var memoryProperties vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(vc.Device.PhysicalDevice, &memoryProperties)
	memoryProperties.Deref()

	for i := uint32(0); i < memoryProperties.MemoryTypeCount; i++ {
		memoryProperties.MemoryTypes[i].Deref()
		if (typeFilter&(1<<i)) != 0 && (uint32(memoryProperties.MemoryTypes[i].PropertyFlags)&propertyFlags) == propertyFlags {
			return int32(i)
		}
	}
	core.LogWarn("Unable to find suitable memory type!")
	return -1
}

// CurrentCommandBuffer returns the command buffer recording this frame.
func (vc *VulkanContext) CurrentCommandBuffer() *VulkanCommandBuffer {
	return vc.GraphicsCommandBuffers[vc.ImageIndex]
}
