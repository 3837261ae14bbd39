package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/engine/core"
)

type VulkanImage struct {
	Handle vk.Image
	Memory vk.DeviceMemory
	View   vk.ImageView
	Width  uint32
	Height uint32
	Format vk.Format
}

// ImageCreate allocates an image, binds device memory and optionally creates
// a view over the given aspect.
func ImageCreate(
	context *VulkanContext,
	width, height uint32,
	format vk.Format,
	tiling vk.ImageTiling,
	usage vk.ImageUsageFlags,
	memoryFlags vk.MemoryPropertyFlags,
	samples vk.SampleCountFlagBits,
	createView bool,
	viewAspect vk.ImageAspectFlags) (*VulkanImage, error) {

	image := &VulkanImage{
		Width:  width,
		Height: height,
		Format: format,
	}

	imageCreateInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Extent: vk.Extent3D{
			Width:  width,
			Height: height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        format,
		Tiling:        tiling,
		InitialLayout: vk.ImageLayoutUndefined,
		Usage:         usage,
		Samples:       samples,
		SharingMode:   vk.SharingModeExclusive,
	}

	var handle vk.Image
	if res := vk.CreateImage(context.Device.LogicalDevice, &imageCreateInfo, context.Allocator, &handle); res != vk.Success {
		err := fmt.Errorf("failed to create image: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}
	image.Handle = handle

	var memoryRequirements vk.MemoryRequirements
	vk.GetImageMemoryRequirements(context.Device.LogicalDevice, image.Handle, &memoryRequirements)
	memoryRequirements.Deref()

	memoryType := context.FindMemoryIndex(memoryRequirements.MemoryTypeBits, uint32(memoryFlags))
	if memoryType == -1 {
		return nil, fmt.Errorf("required memory type not found, image not valid")
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memoryRequirements.Size,
		MemoryTypeIndex: uint32(memoryType),
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(context.Device.LogicalDevice, &allocateInfo, context.Allocator, &memory); res != vk.Success {
		err := fmt.Errorf("failed to allocate image memory: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}
	image.Memory = memory

	if res := vk.BindImageMemory(context.Device.LogicalDevice, image.Handle, image.Memory, 0); res != vk.Success {
		err := fmt.Errorf("failed to bind image memory: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}

	if createView {
		view, err := imageViewCreate(context, image.Handle, format, viewAspect)
		if err != nil {
			return nil, err
		}
		image.View = view
	}

	return image, nil
}

func imageViewCreate(context *VulkanContext, image vk.Image, format vk.Format, aspect vk.ImageAspectFlags) (vk.ImageView, error) {
	viewCreateInfo := vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspect,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}

	var view vk.ImageView
	if res := vk.CreateImageView(context.Device.LogicalDevice, &viewCreateInfo, context.Allocator, &view); res != vk.Success {
		err := fmt.Errorf("failed to create image view: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}
	return view, nil
}

func (vi *VulkanImage) ImageDestroy(context *VulkanContext) {
	if vi.View != nil {
		vk.DestroyImageView(context.Device.LogicalDevice, vi.View, context.Allocator)
		vi.View = nil
	}
	if vi.Memory != nil {
		vk.FreeMemory(context.Device.LogicalDevice, vi.Memory, context.Allocator)
		vi.Memory = nil
	}
	if vi.Handle != nil {
		vk.DestroyImage(context.Device.LogicalDevice, vi.Handle, context.Allocator)
		vi.Handle = nil
	}
}

// ImageTransitionLayout records a layout transition with the matching access
// and stage masks for the handful of transitions the frame actually performs.
func (vi *VulkanImage) ImageTransitionLayout(
	commandBuffer *VulkanCommandBuffer,
	aspect vk.ImageAspectFlags,
	oldLayout, newLayout vk.ImageLayout) {

	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           oldLayout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               vi.Handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask:     aspect,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}

	var srcStage, dstStage vk.PipelineStageFlags

	switch {
	case oldLayout == vk.ImageLayoutUndefined && newLayout == vk.ImageLayoutTransferDstOptimal:
		barrier.SrcAccessMask = 0
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessTransferWriteBit)
		srcStage = vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit)
		dstStage = vk.PipelineStageFlags(vk.PipelineStageTransferBit)

	case oldLayout == vk.ImageLayoutColorAttachmentOptimal && newLayout == vk.ImageLayoutTransferSrcOptimal:
		barrier.SrcAccessMask = vk.AccessFlags(vk.AccessColorAttachmentWriteBit)
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessTransferReadBit)
		srcStage = vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)
		dstStage = vk.PipelineStageFlags(vk.PipelineStageTransferBit)

	case oldLayout == vk.ImageLayoutTransferDstOptimal && newLayout == vk.ImageLayoutShaderReadOnlyOptimal:
		barrier.SrcAccessMask = vk.AccessFlags(vk.AccessTransferWriteBit)
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessShaderReadBit)
		srcStage = vk.PipelineStageFlags(vk.PipelineStageTransferBit)
		dstStage = vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit) | vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit)

	case oldLayout == vk.ImageLayoutTransferDstOptimal && newLayout == vk.ImageLayoutPresentSrc:
		barrier.SrcAccessMask = vk.AccessFlags(vk.AccessTransferWriteBit)
		barrier.DstAccessMask = 0
		srcStage = vk.PipelineStageFlags(vk.PipelineStageTransferBit)
		dstStage = vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit)

	case oldLayout == vk.ImageLayoutTransferSrcOptimal && newLayout == vk.ImageLayoutShaderReadOnlyOptimal:
		barrier.SrcAccessMask = vk.AccessFlags(vk.AccessTransferReadBit)
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessShaderReadBit)
		srcStage = vk.PipelineStageFlags(vk.PipelineStageTransferBit)
		dstStage = vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit) | vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit)

	case oldLayout == vk.ImageLayoutShaderReadOnlyOptimal && newLayout == vk.ImageLayoutColorAttachmentOptimal:
		barrier.SrcAccessMask = vk.AccessFlags(vk.AccessShaderReadBit)
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessColorAttachmentWriteBit)
		srcStage = vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit)
		dstStage = vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)

	case oldLayout == vk.ImageLayoutShaderReadOnlyOptimal && newLayout == vk.ImageLayoutTransferSrcOptimal:
		barrier.SrcAccessMask = vk.AccessFlags(vk.AccessShaderReadBit)
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessTransferReadBit)
		srcStage = vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit) | vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit)
		dstStage = vk.PipelineStageFlags(vk.PipelineStageTransferBit)

	case oldLayout == vk.ImageLayoutColorAttachmentOptimal && newLayout == vk.ImageLayoutShaderReadOnlyOptimal:
		barrier.SrcAccessMask = vk.AccessFlags(vk.AccessColorAttachmentWriteBit)
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessShaderReadBit)
		srcStage = vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)
		dstStage = vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit) | vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit)

	default:
		core.LogWarn("unhandled image layout transition %d -> %d, using full barrier", oldLayout, newLayout)
		barrier.SrcAccessMask = vk.AccessFlags(vk.AccessMemoryWriteBit)
		barrier.DstAccessMask = vk.AccessFlags(vk.AccessMemoryReadBit) | vk.AccessFlags(vk.AccessMemoryWriteBit)
		srcStage = vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
		dstStage = vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	}

	vk.CmdPipelineBarrier(
		commandBuffer.Handle,
		srcStage, dstStage,
		0,
		0, nil,
		0, nil,
		1, []vk.ImageMemoryBarrier{barrier})
}
