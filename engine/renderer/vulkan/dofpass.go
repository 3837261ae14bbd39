package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/engine/assets"
	"github.com/spaghettifunk/prisma/engine/renderer/sat"
)

// dofPushConstants parameterize the blur: where the focal plane sits, the
// projection's near distance for reconstructing view depth, and the table
// geometry the fragment shader needs to box-filter from it.
type dofPushConstants struct {
	FocusDepth  float32
	NearClip    float32
	SrcWidth    uint32
	SrcHeight   uint32
	TableWidth  uint32
	TableHeight uint32
	Orientation uint32
	_           uint32
}

// VulkanDoFPass draws a fullscreen triangle that box-filters the resolved
// frame through the summed-area table, with the filter radius driven by each
// pixel's distance from the focal plane.
type VulkanDoFPass struct {
	Renderpass  *VulkanRenderpass
	Framebuffer *VulkanFramebuffer
	Pipeline    *VulkanPipeline
	Generation  uint32

	setLayout      vk.DescriptorSetLayout
	descriptorPool vk.DescriptorPool
	set            vk.DescriptorSet
	colorSampler   vk.Sampler
	depthSampler   vk.Sampler
}

func DoFPassCreate(context *VulkanContext, program *VulkanProgram) (*VulkanDoFPass, error) {
	dp := &VulkanDoFPass{}

	renderpass, err := RenderpassCreate(context, VulkanRenderpassConfig{
		ColorFormat: vk.FormatR8g8b8a8Unorm,
		DepthFormat: vk.FormatUndefined,
		Samples:     vk.SampleCount1Bit,
		ClearColor:  true,
		// Fullscreen pass covers everything; the clear color never survives.
		R: 0, G: 0, B: 0, A: 1,
		FinalColorLayout: vk.ImageLayoutShaderReadOnlyOptimal,
	})
	if err != nil {
		return nil, err
	}
	dp.Renderpass = renderpass

	if err := dp.createDescriptors(context); err != nil {
		dp.Destroy(context)
		return nil, err
	}
	if err := dp.RebuildPipeline(context, program); err != nil {
		dp.Destroy(context)
		return nil, err
	}
	return dp, nil
}

func (dp *VulkanDoFPass) createDescriptors(context *VulkanContext) error {
	bindings := []vk.DescriptorSetLayoutBinding{
		// Resolved scene color.
		{Binding: 0, DescriptorType: vk.DescriptorTypeCombinedImageSampler, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageFragmentBit)},
		// Multisampled scene depth, fetched one sample at a time.
		{Binding: 1, DescriptorType: vk.DescriptorTypeCombinedImageSampler, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageFragmentBit)},
		// Both table buffers; the orientation push constant picks the one
		// holding the finished table this frame.
		{Binding: 2, DescriptorType: vk.DescriptorTypeStorageBuffer, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageFragmentBit)},
		{Binding: 3, DescriptorType: vk.DescriptorTypeStorageBuffer, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageFragmentBit)},
	}
	for i := range bindings {
		bindings[i].Deref()
	}

	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}
	var layout vk.DescriptorSetLayout
	if res := vk.CreateDescriptorSetLayout(context.Device.LogicalDevice, &layoutInfo, context.Allocator, &layout); res != vk.Success {
		return fmt.Errorf("failed to create blur descriptor set layout: %s", VulkanResultString(res))
	}
	dp.setLayout = layout

	poolSizes := []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeCombinedImageSampler, DescriptorCount: 2},
		{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: 2},
	}
	for i := range poolSizes {
		poolSizes[i].Deref()
	}
	poolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		PoolSizeCount: uint32(len(poolSizes)),
		PPoolSizes:    poolSizes,
		MaxSets:       1,
	}
	var pool vk.DescriptorPool
	if res := vk.CreateDescriptorPool(context.Device.LogicalDevice, &poolInfo, context.Allocator, &pool); res != vk.Success {
		return fmt.Errorf("failed to create blur descriptor pool: %s", VulkanResultString(res))
	}
	dp.descriptorPool = pool

	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     dp.descriptorPool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{dp.setLayout},
	}
	sets := make([]vk.DescriptorSet, 1)
	if res := vk.AllocateDescriptorSets(context.Device.LogicalDevice, &allocInfo, &sets[0]); res != vk.Success {
		return fmt.Errorf("failed to allocate blur descriptor set: %s", VulkanResultString(res))
	}
	dp.set = sets[0]

	linear := vk.SamplerCreateInfo{
		SType:        vk.StructureTypeSamplerCreateInfo,
		MagFilter:    vk.FilterLinear,
		MinFilter:    vk.FilterLinear,
		AddressModeU: vk.SamplerAddressModeClampToEdge,
		AddressModeV: vk.SamplerAddressModeClampToEdge,
		AddressModeW: vk.SamplerAddressModeClampToEdge,
	}
	if res := vk.CreateSampler(context.Device.LogicalDevice, &linear, context.Allocator, &dp.colorSampler); res != vk.Success {
		return fmt.Errorf("failed to create blur color sampler: %s", VulkanResultString(res))
	}

	nearest := linear
	nearest.MagFilter = vk.FilterNearest
	nearest.MinFilter = vk.FilterNearest
	if res := vk.CreateSampler(context.Device.LogicalDevice, &nearest, context.Allocator, &dp.depthSampler); res != vk.Success {
		return fmt.Errorf("failed to create blur depth sampler: %s", VulkanResultString(res))
	}

	return nil
}

func (dp *VulkanDoFPass) RebuildPipeline(context *VulkanContext, program *VulkanProgram) error {
	if !program.Usable() {
		return fmt.Errorf("depth of field program is not usable")
	}

	pipeline, err := NewGraphicsPipeline(context, &VulkanPipelineConfig{
		Renderpass: dp.Renderpass,
		// Vertex positions come from gl_VertexIndex; no vertex input.
		Stride:               0,
		DescriptorSetLayouts: []vk.DescriptorSetLayout{dp.setLayout},
		Stages: []vk.PipelineShaderStageCreateInfo{
			program.StageCreateInfo(assets.StageVertex),
			program.StageCreateInfo(assets.StageFragment),
		},
		Samples:           vk.SampleCount1Bit,
		CullMode:          vk.CullModeNone,
		PushConstantSize:  uint32(unsafe.Sizeof(dofPushConstants{})),
		PushConstantStage: vk.ShaderStageFlags(vk.ShaderStageFragmentBit),
	})
	if err != nil {
		return err
	}

	if dp.Pipeline != nil {
		dp.Pipeline.Destroy(context)
	}
	dp.Pipeline = pipeline
	dp.Generation = program.Generation
	return nil
}

// RebuildFramebuffer retargets the pass at the blur output after a resize.
func (dp *VulkanDoFPass) RebuildFramebuffer(context *VulkanContext, target *TargetPair) error {
	if dp.Framebuffer != nil {
		dp.Framebuffer.Destroy(context)
		dp.Framebuffer = nil
	}
	fb, err := FramebufferCreate(context, dp.Renderpass, target.Width, target.Height, []vk.ImageView{target.Color.View})
	if err != nil {
		return err
	}
	dp.Framebuffer = fb
	return nil
}

// RewireInputs points the descriptors at the current frame inputs. Called
// after resize, never mid-frame.
func (dp *VulkanDoFPass) RewireInputs(context *VulkanContext, resolved *VulkanImage, sceneDepth *VulkanImage, tb *TableBuffers) error {
	if tb.Rows == nil || tb.Columns == nil {
		return fmt.Errorf("no table buffers to blur from")
	}

	colorInfo := vk.DescriptorImageInfo{
		Sampler:     dp.colorSampler,
		ImageView:   resolved.View,
		ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
	}
	colorInfo.Deref()
	depthInfo := vk.DescriptorImageInfo{
		Sampler:     dp.depthSampler,
		ImageView:   sceneDepth.View,
		ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
	}
	depthInfo.Deref()
	rowsInfo := vk.DescriptorBufferInfo{
		Buffer: tb.Rows.Handle,
		Offset: 0,
		Range:  tb.Rows.TotalSize,
	}
	rowsInfo.Deref()
	columnsInfo := vk.DescriptorBufferInfo{
		Buffer: tb.Columns.Handle,
		Offset: 0,
		Range:  tb.Columns.TotalSize,
	}
	columnsInfo.Deref()

	writes := []vk.WriteDescriptorSet{
		{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          dp.set,
			DstBinding:      0,
			DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
			DescriptorCount: 1,
			PImageInfo:      []vk.DescriptorImageInfo{colorInfo},
		},
		{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          dp.set,
			DstBinding:      1,
			DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
			DescriptorCount: 1,
			PImageInfo:      []vk.DescriptorImageInfo{depthInfo},
		},
		{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          dp.set,
			DstBinding:      2,
			DescriptorType:  vk.DescriptorTypeStorageBuffer,
			DescriptorCount: 1,
			PBufferInfo:     []vk.DescriptorBufferInfo{rowsInfo},
		},
		{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          dp.set,
			DstBinding:      3,
			DescriptorType:  vk.DescriptorTypeStorageBuffer,
			DescriptorCount: 1,
			PBufferInfo:     []vk.DescriptorBufferInfo{columnsInfo},
		},
	}
	for i := range writes {
		writes[i].Deref()
	}
	vk.UpdateDescriptorSets(context.Device.LogicalDevice, uint32(len(writes)), writes, 0, nil)
	return nil
}

func (dp *VulkanDoFPass) Destroy(context *VulkanContext) {
	if dp.Pipeline != nil {
		dp.Pipeline.Destroy(context)
		dp.Pipeline = nil
	}
	if dp.colorSampler != nil {
		vk.DestroySampler(context.Device.LogicalDevice, dp.colorSampler, context.Allocator)
		dp.colorSampler = nil
	}
	if dp.depthSampler != nil {
		vk.DestroySampler(context.Device.LogicalDevice, dp.depthSampler, context.Allocator)
		dp.depthSampler = nil
	}
	if dp.descriptorPool != nil {
		vk.DestroyDescriptorPool(context.Device.LogicalDevice, dp.descriptorPool, context.Allocator)
		dp.descriptorPool = nil
	}
	if dp.setLayout != nil {
		vk.DestroyDescriptorSetLayout(context.Device.LogicalDevice, dp.setLayout, context.Allocator)
		dp.setLayout = nil
	}
	if dp.Framebuffer != nil {
		dp.Framebuffer.Destroy(context)
		dp.Framebuffer = nil
	}
	if dp.Renderpass != nil {
		dp.Renderpass.RenderpassDestroy(context)
		dp.Renderpass = nil
	}
}

// RecordDepthReadable transitions the multisampled depth plane from its
// attachment layout to one the fragment shader can fetch from. The scene pass
// clears depth from undefined every frame, so no transition back is needed.
func RecordDepthReadable(commandBuffer *VulkanCommandBuffer, depth *VulkanImage) {
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           vk.ImageLayoutDepthStencilAttachmentOptimal,
		NewLayout:           vk.ImageLayoutShaderReadOnlyOptimal,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               depth.Handle,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectDepthBit),
			LevelCount: 1,
			LayerCount: 1,
		},
		SrcAccessMask: vk.AccessFlags(vk.AccessDepthStencilAttachmentWriteBit),
		DstAccessMask: vk.AccessFlags(vk.AccessShaderReadBit),
	}
	barrier.Deref()
	vk.CmdPipelineBarrier(
		commandBuffer.Handle,
		vk.PipelineStageFlags(vk.PipelineStageLateFragmentTestsBit),
		vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
		0, 0, nil, 0, nil,
		1, []vk.ImageMemoryBarrier{barrier})
}

// Render records the fullscreen blur into the blur target.
func (dp *VulkanDoFPass) Render(commandBuffer *VulkanCommandBuffer, tb *TableBuffers, focusDepth, nearClip float32, width, height uint32) {
	plan := tb.Plan

	orientation := uint32(0)
	if tb.Authoritative == sat.OrientationColumns {
		orientation = 1
	}
	push := dofPushConstants{
		FocusDepth:  focusDepth,
		NearClip:    nearClip,
		SrcWidth:    plan.SrcWidth,
		SrcHeight:   plan.SrcHeight,
		TableWidth:  plan.Width,
		TableHeight: plan.Height,
		Orientation: orientation,
	}

	dp.Renderpass.RenderpassBegin(commandBuffer, dp.Framebuffer.Handle, width, height)
	defer dp.Renderpass.RenderpassEnd(commandBuffer)

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

	dp.Pipeline.Bind(commandBuffer, vk.PipelineBindPointGraphics)
	vk.CmdBindDescriptorSets(
		commandBuffer.Handle,
		vk.PipelineBindPointGraphics,
		dp.Pipeline.PipelineLayout,
		0, 1, []vk.DescriptorSet{dp.set}, 0, nil)
	vk.CmdPushConstants(
		commandBuffer.Handle,
		dp.Pipeline.PipelineLayout,
		vk.ShaderStageFlags(vk.ShaderStageFragmentBit),
		0,
		uint32(unsafe.Sizeof(push)),
		unsafe.Pointer(&push))

	vk.CmdDraw(commandBuffer.Handle, 3, 1, 0, 0)
}
