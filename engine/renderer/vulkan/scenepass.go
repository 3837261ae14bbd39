package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/google/uuid"

	"github.com/spaghettifunk/prisma/engine/assets"
	"github.com/spaghettifunk/prisma/engine/core"
	"github.com/spaghettifunk/prisma/engine/math"
	"github.com/spaghettifunk/prisma/engine/scene"
)

// sceneGlobalUBO is the per-frame camera state, bound at set 0 binding 0.
type sceneGlobalUBO struct {
	View       math.Mat4
	Projection math.Mat4
}

// scenePushConstants travel with every draw: the model matrix and the
// material's diffuse color.
type scenePushConstants struct {
	Model   math.Mat4
	Diffuse math.Vec4
}

// meshBuffers are the device-side copy of one mesh, cached across frames and
// keyed by the mesh ID.
type meshBuffers struct {
	vertex     *VulkanBuffer
	index      *VulkanBuffer
	indexCount uint32
}

// VulkanScenePass draws the 3D content into the multisampled target and lets
// the render pass resolve it into the single-sampled one.
type VulkanScenePass struct {
	Renderpass  *VulkanRenderpass
	Framebuffer *VulkanFramebuffer
	Pipeline    *VulkanPipeline
	// Generation of the shader program the pipeline was built from.
	Generation uint32

	globalLayout   vk.DescriptorSetLayout
	descriptorPool vk.DescriptorPool
	globalSet      vk.DescriptorSet
	globalUBO      *VulkanBuffer

	meshCache map[uuid.UUID]*meshBuffers
}

func ScenePassCreate(context *VulkanContext, program *VulkanProgram, samples vk.SampleCountFlagBits) (*VulkanScenePass, error) {
	sp := &VulkanScenePass{
		meshCache: make(map[uuid.UUID]*meshBuffers),
	}

	renderpass, err := RenderpassCreate(context, VulkanRenderpassConfig{
		ColorFormat: vk.FormatR8g8b8a8Unorm,
		DepthFormat: context.Device.DepthFormat,
		Samples:     samples,
		ClearColor:  true,
		// Cornflower blue, the viewer's background since day one.
		R: 0.392, G: 0.584, B: 0.929, A: 1.0,
		ClearDepth: 0.0,
		// The resolve step reads the multisampled image right after the pass.
		FinalColorLayout: vk.ImageLayoutTransferSrcOptimal,
	})
	if err != nil {
		return nil, err
	}
	sp.Renderpass = renderpass

	if err := sp.createDescriptors(context); err != nil {
		sp.Destroy(context)
		return nil, err
	}

	if err := sp.RebuildPipeline(context, program); err != nil {
		sp.Destroy(context)
		return nil, err
	}

	return sp, nil
}

func (sp *VulkanScenePass) createDescriptors(context *VulkanContext) error {
	binding := vk.DescriptorSetLayoutBinding{
		Binding:         0,
		DescriptorType:  vk.DescriptorTypeUniformBuffer,
		DescriptorCount: 1,
		StageFlags:      vk.ShaderStageFlags(vk.ShaderStageVertexBit),
	}
	binding.Deref()

	layoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: 1,
		PBindings:    []vk.DescriptorSetLayoutBinding{binding},
	}
	var layout vk.DescriptorSetLayout
	if res := vk.CreateDescriptorSetLayout(context.Device.LogicalDevice, &layoutInfo, context.Allocator, &layout); res != vk.Success {
		return fmt.Errorf("failed to create scene descriptor set layout: %s", VulkanResultString(res))
	}
	sp.globalLayout = layout

	poolSize := vk.DescriptorPoolSize{
		Type:            vk.DescriptorTypeUniformBuffer,
		DescriptorCount: 1,
	}
	poolSize.Deref()
	poolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		PoolSizeCount: 1,
		PPoolSizes:    []vk.DescriptorPoolSize{poolSize},
		MaxSets:       1,
	}
	var pool vk.DescriptorPool
	if res := vk.CreateDescriptorPool(context.Device.LogicalDevice, &poolInfo, context.Allocator, &pool); res != vk.Success {
		return fmt.Errorf("failed to create scene descriptor pool: %s", VulkanResultString(res))
	}
	sp.descriptorPool = pool

	ubo, err := BufferCreate(
		context,
		vk.DeviceSize(unsafe.Sizeof(sceneGlobalUBO{})),
		vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit),
		true)
	if err != nil {
		return err
	}
	sp.globalUBO = ubo

	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     sp.descriptorPool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{sp.globalLayout},
	}
	sets := make([]vk.DescriptorSet, 1)
	if res := vk.AllocateDescriptorSets(context.Device.LogicalDevice, &allocInfo, &sets[0]); res != vk.Success {
		return fmt.Errorf("failed to allocate scene descriptor set: %s", VulkanResultString(res))
	}
	sp.globalSet = sets[0]

	bufferInfo := vk.DescriptorBufferInfo{
		Buffer: sp.globalUBO.Handle,
		Offset: 0,
		Range:  vk.DeviceSize(unsafe.Sizeof(sceneGlobalUBO{})),
	}
	bufferInfo.Deref()
	write := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          sp.globalSet,
		DstBinding:      0,
		DescriptorType:  vk.DescriptorTypeUniformBuffer,
		DescriptorCount: 1,
		PBufferInfo:     []vk.DescriptorBufferInfo{bufferInfo},
	}
	write.Deref()
	vk.UpdateDescriptorSets(context.Device.LogicalDevice, 1, []vk.WriteDescriptorSet{write}, 0, nil)

	return nil
}

// RebuildPipeline replaces the pipeline after a shader hot reload. The old
// pipeline must not be in flight; callers wait the device idle first.
func (sp *VulkanScenePass) RebuildPipeline(context *VulkanContext, program *VulkanProgram) error {
	if !program.Usable() {
		return fmt.Errorf("scene program is not usable")
	}

	attributes := []vk.VertexInputAttributeDescription{
		{Location: 0, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: 0},
		{Location: 1, Binding: 0, Format: vk.FormatR32g32b32Sfloat, Offset: uint32(unsafe.Offsetof(math.Vertex3D{}.Normal))},
		{Location: 2, Binding: 0, Format: vk.FormatR32g32Sfloat, Offset: uint32(unsafe.Offsetof(math.Vertex3D{}.Texcoord))},
	}

	pipeline, err := NewGraphicsPipeline(context, &VulkanPipelineConfig{
		Renderpass:           sp.Renderpass,
		Stride:               uint32(unsafe.Sizeof(math.Vertex3D{})),
		Attributes:           attributes,
		DescriptorSetLayouts: []vk.DescriptorSetLayout{sp.globalLayout},
		Stages: []vk.PipelineShaderStageCreateInfo{
			program.StageCreateInfo(assets.StageVertex),
			program.StageCreateInfo(assets.StageFragment),
		},
		Samples:           sp.Renderpass.Config.Samples,
		CullMode:          vk.CullModeBackBit,
		DepthTest:         true,
		DepthWrite:        true,
		PushConstantSize:  uint32(unsafe.Sizeof(scenePushConstants{})),
		PushConstantStage: vk.ShaderStageFlags(vk.ShaderStageVertexBit) | vk.ShaderStageFlags(vk.ShaderStageFragmentBit),
	})
	if err != nil {
		return err
	}

	if sp.Pipeline != nil {
		sp.Pipeline.Destroy(context)
	}
	sp.Pipeline = pipeline
	sp.Generation = program.Generation
	return nil
}

// RebuildFramebuffer points the pass at freshly allocated targets after a
// resize. Attachment order matches the render pass: color, then depth.
func (sp *VulkanScenePass) RebuildFramebuffer(context *VulkanContext, scenePair *TargetPair) error {
	if sp.Framebuffer != nil {
		sp.Framebuffer.Destroy(context)
		sp.Framebuffer = nil
	}

	fb, err := FramebufferCreate(context, sp.Renderpass, scenePair.Width, scenePair.Height, []vk.ImageView{
		scenePair.Color.View,
		scenePair.Depth.View,
	})
	if err != nil {
		return err
	}
	sp.Framebuffer = fb
	return nil
}

func (sp *VulkanScenePass) Destroy(context *VulkanContext) {
	for id, mb := range sp.meshCache {
		mb.vertex.BufferDestroy(context)
		mb.index.BufferDestroy(context)
		delete(sp.meshCache, id)
	}
	if sp.Pipeline != nil {
		sp.Pipeline.Destroy(context)
		sp.Pipeline = nil
	}
	if sp.globalUBO != nil {
		sp.globalUBO.BufferDestroy(context)
		sp.globalUBO = nil
	}
	if sp.descriptorPool != nil {
		vk.DestroyDescriptorPool(context.Device.LogicalDevice, sp.descriptorPool, context.Allocator)
		sp.descriptorPool = nil
	}
	if sp.globalLayout != nil {
		vk.DestroyDescriptorSetLayout(context.Device.LogicalDevice, sp.globalLayout, context.Allocator)
		sp.globalLayout = nil
	}
	if sp.Framebuffer != nil {
		sp.Framebuffer.Destroy(context)
		sp.Framebuffer = nil
	}
	if sp.Renderpass != nil {
		sp.Renderpass.RenderpassDestroy(context)
		sp.Renderpass = nil
	}
}

// Render records the full scene pass: update the camera UBO, begin the pass,
// draw every instance with its model matrix and material color pushed.
func (sp *VulkanScenePass) Render(context *VulkanContext, commandBuffer *VulkanCommandBuffer, s *scene.Scene, width, height uint32) error {
	ubo := sceneGlobalUBO{
		View:       s.Camera.ViewMatrix(),
		Projection: s.Camera.ProjectionMatrix(),
	}
	uboBytes := unsafe.Slice((*byte)(unsafe.Pointer(&ubo)), unsafe.Sizeof(ubo))
	if err := sp.globalUBO.BufferLoadData(context, 0, uboBytes); err != nil {
		return err
	}

	sp.Renderpass.RenderpassBegin(commandBuffer, sp.Framebuffer.Handle, width, height)
	defer sp.Renderpass.RenderpassEnd(commandBuffer)

	viewport := vk.Viewport{
		X: 0, Y: float32(height),
		Width: float32(width), Height: -float32(height),
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

	sp.Pipeline.Bind(commandBuffer, vk.PipelineBindPointGraphics)
	vk.CmdBindDescriptorSets(
		commandBuffer.Handle,
		vk.PipelineBindPointGraphics,
		sp.Pipeline.PipelineLayout,
		0, 1, []vk.DescriptorSet{sp.globalSet}, 0, nil)

	for _, instance := range s.Instances {
		mb, err := sp.meshFor(context, instance.Mesh)
		if err != nil {
			return err
		}

		push := scenePushConstants{
			Model:   instance.Transform.Matrix(),
			Diffuse: instance.Material.DiffuseColor,
		}
		vk.CmdPushConstants(
			commandBuffer.Handle,
			sp.Pipeline.PipelineLayout,
			vk.ShaderStageFlags(vk.ShaderStageVertexBit)|vk.ShaderStageFlags(vk.ShaderStageFragmentBit),
			0,
			uint32(unsafe.Sizeof(push)),
			unsafe.Pointer(&push))

		vk.CmdBindVertexBuffers(commandBuffer.Handle, 0, 1, []vk.Buffer{mb.vertex.Handle}, []vk.DeviceSize{0})
		vk.CmdBindIndexBuffer(commandBuffer.Handle, mb.index.Handle, 0, vk.IndexTypeUint32)
		vk.CmdDrawIndexed(commandBuffer.Handle, mb.indexCount, 1, 0, 0, 0)
	}

	return nil
}

// meshFor returns the cached device buffers for a mesh, uploading on first
// use. Meshes are immutable once created, so the cache never invalidates.
func (sp *VulkanScenePass) meshFor(context *VulkanContext, mesh *scene.Mesh) (*meshBuffers, error) {
	if mb, ok := sp.meshCache[mesh.ID]; ok {
		return mb, nil
	}

	vertexBytes := unsafe.Slice((*byte)(unsafe.Pointer(&mesh.Vertices[0])), uintptr(len(mesh.Vertices))*unsafe.Sizeof(math.Vertex3D{}))
	indexBytes := unsafe.Slice((*byte)(unsafe.Pointer(&mesh.Indices[0])), len(mesh.Indices)*4)

	vertex, err := sp.uploadDeviceLocal(context, vertexBytes, vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit))
	if err != nil {
		return nil, err
	}
	index, err := sp.uploadDeviceLocal(context, indexBytes, vk.BufferUsageFlags(vk.BufferUsageIndexBufferBit))
	if err != nil {
		vertex.BufferDestroy(context)
		return nil, err
	}

	mb := &meshBuffers{
		vertex:     vertex,
		index:      index,
		indexCount: uint32(len(mesh.Indices)),
	}
	sp.meshCache[mesh.ID] = mb
	core.LogDebug("uploaded mesh %s (%d vertices, %d indices)", mesh.Name, len(mesh.Vertices), len(mesh.Indices))
	return mb, nil
}

func (sp *VulkanScenePass) uploadDeviceLocal(context *VulkanContext, data []byte, usage vk.BufferUsageFlags) (*VulkanBuffer, error) {
	staging, err := BufferCreate(context, vk.DeviceSize(len(data)), vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit), true)
	if err != nil {
		return nil, err
	}
	defer staging.BufferDestroy(context)

	if err := staging.BufferLoadData(context, 0, data); err != nil {
		return nil, err
	}

	dst, err := BufferCreate(context, vk.DeviceSize(len(data)), usage|vk.BufferUsageFlags(vk.BufferUsageTransferDstBit), false)
	if err != nil {
		return nil, err
	}

	cb, err := AllocateAndBeginSingleUse(context, context.Device.GraphicsCommandPool)
	if err != nil {
		dst.BufferDestroy(context)
		return nil, err
	}
	staging.BufferCopyTo(cb, dst, 0, 0, vk.DeviceSize(len(data)))
	if err := cb.EndSingleUse(context, context.Device.GraphicsCommandPool, context.Device.GraphicsQueue); err != nil {
		dst.BufferDestroy(context)
		return nil, err
	}

	return dst, nil
}
