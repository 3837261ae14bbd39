package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/engine/assets"
	"github.com/spaghettifunk/prisma/engine/math"
)

// OverlayProvider hands the backend the overlay's font atlas once and its
// geometry every frame. The ui package implements it.
type OverlayProvider interface {
	OverlayAtlas() (pixels []byte, width, height uint32)
	OverlayGeometry() (vertices []math.Vertex2D, indices []uint32)
}

// overlayPushConstants carry the screen extent so the vertex shader can map
// pixel coordinates to clip space.
type overlayPushConstants struct {
	ScreenWidth  float32
	ScreenHeight float32
	_            [2]float32
}

// overlayFrameBuffers are the per-in-flight-frame geometry buffers. Each
// frame slot owns its own pair so recording never races a submitted frame.
type overlayFrameBuffers struct {
	vertex       *VulkanBuffer
	index        *VulkanBuffer
	vertexBytes  vk.DeviceSize
	indexBytes   vk.DeviceSize
}

// VulkanOverlayPass draws the 2D panel on top of the finished frame. It loads
// the existing color contents and leaves the image ready for the final blit.
type VulkanOverlayPass struct {
	Renderpass *VulkanRenderpass
	Pipeline   *VulkanPipeline
	Generation uint32

	// One framebuffer per image the overlay can land on: the resolved target
	// when the blur is off, the blur target when it is on.
	framebuffers map[vk.ImageView]*VulkanFramebuffer

	setLayout      vk.DescriptorSetLayout
	descriptorPool vk.DescriptorPool
	set            vk.DescriptorSet
	atlasSampler   vk.Sampler
	atlas          *VulkanImage

	frames [maxFramesInFlight]overlayFrameBuffers
}

func OverlayPassCreate(context *VulkanContext, program *VulkanProgram, provider OverlayProvider) (*VulkanOverlayPass, error) {
	op := &VulkanOverlayPass{
		framebuffers: make(map[vk.ImageView]*VulkanFramebuffer),
	}

	renderpass, err := RenderpassCreate(context, VulkanRenderpassConfig{
		ColorFormat:        vk.FormatR8g8b8a8Unorm,
		DepthFormat:        vk.FormatUndefined,
		Samples:            vk.SampleCount1Bit,
		ClearColor:         false,
		InitialColorLayout: vk.ImageLayoutShaderReadOnlyOptimal,
		FinalColorLayout:   vk.ImageLayoutTransferSrcOptimal,
	})
	if err != nil {
		return nil, err
	}
	op.Renderpass = renderpass

	if err := op.createDescriptors(context, provider); err != nil {
		op.Destroy(context)
		return nil, err
	}
	if err := op.RebuildPipeline(context, program); err != nil {
		op.Destroy(context)
		return nil, err
	}
	return op, nil
}

func (op *VulkanOverlayPass) createDescriptors(context *VulkanContext, provider OverlayProvider) error {
	binding := vk.DescriptorSetLayoutBinding{
		Binding:         0,
		DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
		DescriptorCount: 1,
		StageFlags:      vk.ShaderStageFlags(vk.ShaderStageFragmentBit),
	}
	binding.Deref()
	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: 1,
		PBindings:    []vk.DescriptorSetLayoutBinding{binding},
	}
	var layout vk.DescriptorSetLayout
	if res := vk.CreateDescriptorSetLayout(context.Device.LogicalDevice, &layoutInfo, context.Allocator, &layout); res != vk.Success {
		return fmt.Errorf("failed to create overlay descriptor set layout: %s", VulkanResultString(res))
	}
	op.setLayout = layout

	poolSize := vk.DescriptorPoolSize{Type: vk.DescriptorTypeCombinedImageSampler, DescriptorCount: 1}
	poolSize.Deref()
	poolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		PoolSizeCount: 1,
		PPoolSizes:    []vk.DescriptorPoolSize{poolSize},
		MaxSets:       1,
	}
	var pool vk.DescriptorPool
	if res := vk.CreateDescriptorPool(context.Device.LogicalDevice, &poolInfo, context.Allocator, &pool); res != vk.Success {
		return fmt.Errorf("failed to create overlay descriptor pool: %s", VulkanResultString(res))
	}
	op.descriptorPool = pool

	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     op.descriptorPool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{op.setLayout},
	}
	sets := make([]vk.DescriptorSet, 1)
	if res := vk.AllocateDescriptorSets(context.Device.LogicalDevice, &allocInfo, &sets[0]); res != vk.Success {
		return fmt.Errorf("failed to allocate overlay descriptor set: %s", VulkanResultString(res))
	}
	op.set = sets[0]

	samplerInfo := vk.SamplerCreateInfo{
		SType:        vk.StructureTypeSamplerCreateInfo,
		MagFilter:    vk.FilterLinear,
		MinFilter:    vk.FilterLinear,
		AddressModeU: vk.SamplerAddressModeClampToEdge,
		AddressModeV: vk.SamplerAddressModeClampToEdge,
		AddressModeW: vk.SamplerAddressModeClampToEdge,
	}
	if res := vk.CreateSampler(context.Device.LogicalDevice, &samplerInfo, context.Allocator, &op.atlasSampler); res != vk.Success {
		return fmt.Errorf("failed to create overlay sampler: %s", VulkanResultString(res))
	}

	if err := op.uploadAtlas(context, provider); err != nil {
		return err
	}

	imageInfo := vk.DescriptorImageInfo{
		Sampler:     op.atlasSampler,
		ImageView:   op.atlas.View,
		ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
	}
	imageInfo.Deref()
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          op.set,
		DstBinding:      0,
		DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
		DescriptorCount: 1,
		PImageInfo:      []vk.DescriptorImageInfo{imageInfo},
	}
	write.Deref()
	vk.UpdateDescriptorSets(context.Device.LogicalDevice, 1, []vk.WriteDescriptorSet{write}, 0, nil)

	return nil
}

// uploadAtlas pushes the font atlas to a device-local image. It happens once;
// the atlas never changes after startup.
func (op *VulkanOverlayPass) uploadAtlas(context *VulkanContext, provider OverlayProvider) error {
	pixels, width, height := provider.OverlayAtlas()
	if len(pixels) == 0 {
		return fmt.Errorf("overlay provider returned an empty atlas")
	}

	image, err := ImageCreate(
		context,
		width, height,
		vk.FormatR8g8b8a8Unorm,
		vk.ImageTilingOptimal,
		vk.ImageUsageFlags(vk.ImageUsageTransferDstBit)|vk.ImageUsageFlags(vk.ImageUsageSampledBit),
		vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
		vk.SampleCount1Bit,
		true,
		vk.ImageAspectFlags(vk.ImageAspectColorBit))
	if err != nil {
		return err
	}
	op.atlas = image

	staging, err := BufferCreate(context, vk.DeviceSize(len(pixels)), vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit), true)
	if err != nil {
		return err
	}
	defer staging.BufferDestroy(context)
	if err := staging.BufferLoadData(context, 0, pixels); err != nil {
		return err
	}

	cb, err := AllocateAndBeginSingleUse(context, context.Device.GraphicsCommandPool)
	if err != nil {
		return err
	}
	op.atlas.ImageTransitionLayout(cb, vk.ImageAspectFlags(vk.ImageAspectColorBit), vk.ImageLayoutUndefined, vk.ImageLayoutTransferDstOptimal)
	region := vk.BufferImageCopy{
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LayerCount: 1,
		},
		ImageExtent: vk.Extent3D{Width: width, Height: height, Depth: 1},
	}
	region.Deref()
	vk.CmdCopyBufferToImage(cb.Handle, staging.Handle, op.atlas.Handle, vk.ImageLayoutTransferDstOptimal, 1, []vk.BufferImageCopy{region})
	op.atlas.ImageTransitionLayout(cb, vk.ImageAspectFlags(vk.ImageAspectColorBit), vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutShaderReadOnlyOptimal)
	return cb.EndSingleUse(context, context.Device.GraphicsCommandPool, context.Device.GraphicsQueue)
}

func (op *VulkanOverlayPass) RebuildPipeline(context *VulkanContext, program *VulkanProgram) error {
	if !program.Usable() {
		return fmt.Errorf("overlay program is not usable")
	}

	attributes := []vk.VertexInputAttributeDescription{
		{Location: 0, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: 0},
		{Location: 1, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: uint32(unsafe.Offsetof(math.Vertex2D{}.Texcoord))},
		{Location: 2, Binding: 0, Format: vk.FormatR32g32b32a32Sfloat, Offset: uint32(unsafe.Offsetof(math.Vertex2D{}.Colour))},
	}

	pipeline, err := NewGraphicsPipeline(context, &VulkanPipelineConfig{
		Renderpass:           op.Renderpass,
		Stride:               uint32(unsafe.Sizeof(math.Vertex2D{})),
		Attributes:           attributes,
		DescriptorSetLayouts: []vk.DescriptorSetLayout{op.setLayout},
		Stages: []vk.PipelineShaderStageCreateInfo{
			program.StageCreateInfo(assets.StageVertex),
			program.StageCreateInfo(assets.StageFragment),
		},
		Samples:           vk.SampleCount1Bit,
		CullMode:          vk.CullModeNone,
		EnableBlending:    true,
		PushConstantSize:  uint32(unsafe.Sizeof(overlayPushConstants{})),
		PushConstantStage: vk.ShaderStageFlags(vk.ShaderStageVertexBit),
	})
	if err != nil {
		return err
	}

	if op.Pipeline != nil {
		op.Pipeline.Destroy(context)
	}
	op.Pipeline = pipeline
	op.Generation = program.Generation
	return nil
}

// RebuildFramebuffers recreates one framebuffer per image the overlay can
// draw onto. Called after every resize.
func (op *VulkanOverlayPass) RebuildFramebuffers(context *VulkanContext, width, height uint32, targets ...*VulkanImage) error {
	for view, fb := range op.framebuffers {
		fb.Destroy(context)
		delete(op.framebuffers, view)
	}
	for _, target := range targets {
		fb, err := FramebufferCreate(context, op.Renderpass, width, height, []vk.ImageView{target.View})
		if err != nil {
			return err
		}
		op.framebuffers[target.View] = fb
	}
	return nil
}

func (op *VulkanOverlayPass) Destroy(context *VulkanContext) {
	for i := range op.frames {
		if op.frames[i].vertex != nil {
			op.frames[i].vertex.BufferDestroy(context)
			op.frames[i].vertex = nil
		}
		if op.frames[i].index != nil {
			op.frames[i].index.BufferDestroy(context)
			op.frames[i].index = nil
		}
	}
	if op.Pipeline != nil {
		op.Pipeline.Destroy(context)
		op.Pipeline = nil
	}
	if op.atlas != nil {
		op.atlas.ImageDestroy(context)
		op.atlas = nil
	}
	if op.atlasSampler != nil {
		vk.DestroySampler(context.Device.LogicalDevice, op.atlasSampler, context.Allocator)
		op.atlasSampler = nil
	}
	if op.descriptorPool != nil {
		vk.DestroyDescriptorPool(context.Device.LogicalDevice, op.descriptorPool, context.Allocator)
		op.descriptorPool = nil
	}
	if op.setLayout != nil {
		vk.DestroyDescriptorSetLayout(context.Device.LogicalDevice, op.setLayout, context.Allocator)
		op.setLayout = nil
	}
	for view, fb := range op.framebuffers {
		fb.Destroy(context)
		delete(op.framebuffers, view)
	}
	if op.Renderpass != nil {
		op.Renderpass.RenderpassDestroy(context)
		op.Renderpass = nil
	}
}

// Render uploads this frame's overlay geometry and draws it on top of the
// given target. Drawing nothing still runs the pass, because its layout
// transition readies the image for the final blit.
func (op *VulkanOverlayPass) Render(context *VulkanContext, commandBuffer *VulkanCommandBuffer, provider OverlayProvider, target *VulkanImage, width, height uint32) error {
	fb, ok := op.framebuffers[target.View]
	if !ok {
		return fmt.Errorf("overlay has no framebuffer for the present target")
	}

	vertices, indices := provider.OverlayGeometry()

	op.Renderpass.RenderpassBegin(commandBuffer, fb.Handle, width, height)
	defer op.Renderpass.RenderpassEnd(commandBuffer)

	if len(indices) == 0 {
		return nil
	}

	frame := &op.frames[context.CurrentFrame]
	vertexBytes := unsafe.Slice((*byte)(unsafe.Pointer(&vertices[0])), uintptr(len(vertices))*unsafe.Sizeof(math.Vertex2D{}))
	indexBytes := unsafe.Slice((*byte)(unsafe.Pointer(&indices[0])), len(indices)*4)
	if err := frame.ensure(context, vk.DeviceSize(len(vertexBytes)), vk.DeviceSize(len(indexBytes))); err != nil {
		return err
	}
	if err := frame.vertex.BufferLoadData(context, 0, vertexBytes); err != nil {
		return err
	}
	if err := frame.index.BufferLoadData(context, 0, indexBytes); err != nil {
		return err
	}

	viewport := vk.Viewport{
		X: 0, Y: 0,
		Width: float32(width), Height: float32(height),
		MinDepth: 0, MaxDepth: 1,
	}
	viewport.Deref()
	vk.CmdSetViewport(commandBuffer.Handle, 0, 1, []vk.Viewport{viewport})

	scissor := vk.Rect2D{
		Offset: vk.Offset2D{X: 0, Y: 0},
		Extent: vk.Extent2D{Width: width, Height: height},
	}
	scissor.Deref()
	vk.CmdSetScissor(commandBuffer.Handle, 0, 1, []vk.Rect2D{scissor})

	op.Pipeline.Bind(commandBuffer, vk.PipelineBindPointGraphics)
	vk.CmdBindDescriptorSets(
		commandBuffer.Handle,
		vk.PipelineBindPointGraphics,
		op.Pipeline.PipelineLayout,
		0, 1, []vk.DescriptorSet{op.set}, 0, nil)

	push := overlayPushConstants{
		ScreenWidth:  float32(width),
		ScreenHeight: float32(height),
	}
	vk.CmdPushConstants(
		commandBuffer.Handle,
		op.Pipeline.PipelineLayout,
		vk.ShaderStageFlags(vk.ShaderStageVertexBit),
		0,
		uint32(unsafe.Sizeof(push)),
		unsafe.Pointer(&push))

	vk.CmdBindVertexBuffers(commandBuffer.Handle, 0, 1, []vk.Buffer{frame.vertex.Handle}, []vk.DeviceSize{0})
	vk.CmdBindIndexBuffer(commandBuffer.Handle, frame.index.Handle, 0, vk.IndexTypeUint32)
	vk.CmdDrawIndexed(commandBuffer.Handle, uint32(len(indices)), 1, 0, 0, 0)

	return nil
}

// ensure grows the frame's geometry buffers when the overlay outgrows them.
// The frame slot is fence-guarded, so replacing buffers here is safe.
func (ofb *overlayFrameBuffers) ensure(context *VulkanContext, vertexBytes, indexBytes vk.DeviceSize) error {
	if ofb.vertex == nil || ofb.vertexBytes < vertexBytes {
		if ofb.vertex != nil {
			ofb.vertex.BufferDestroy(context)
		}
		buf, err := BufferCreate(context, vertexBytes*2, vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit), true)
		if err != nil {
			return err
		}
		ofb.vertex = buf
		ofb.vertexBytes = vertexBytes * 2
	}
	if ofb.index == nil || ofb.indexBytes < indexBytes {
		if ofb.index != nil {
			ofb.index.BufferDestroy(context)
		}
		buf, err := BufferCreate(context, indexBytes*2, vk.BufferUsageFlags(vk.BufferUsageIndexBufferBit), true)
		if err != nil {
			return err
		}
		ofb.index = buf
		ofb.indexBytes = indexBytes * 2
	}
	return nil
}
