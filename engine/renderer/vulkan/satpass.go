package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/engine/assets"
	"github.com/spaghettifunk/prisma/engine/renderer/sat"
)

// Flags in satPushConstants. They mirror the host scan's mode switches: the
// first up-sweep of a frame decodes raw pixels from the resolved image, every
// later pass reads accumulated values from a buffer.
const (
	satFlagReadImage    = 1 << 0
	satFlagEmitPartials = 1 << 1
	satFlagAddCarry     = 1 << 2
)

// satPushConstants is shared by all three scan kernels; the transpose ignores
// the source extent and flags.
type satPushConstants struct {
	Width     uint32
	Height    uint32
	SrcWidth  uint32
	SrcHeight uint32
	Flags     uint32
	_         uint32
}

// Descriptor set slots, one per src/dst buffer combination the chain binds.
const (
	satSetImageUpsweep = iota // src: resolved image, dst: rows
	satSetPartialsSelf        // partials scanned in place
	satSetRowsCarry           // rows with carry from partials
	satSetTranspose           // rows into columns
	satSetColumnsSelf         // columns scanned in place
	satSetCount
)

// VulkanSATPass owns the compute side of the table build: three pipelines and
// the descriptor sets wiring them to the table buffers. Recording never waits
// on the device; the chain is fenced only by pipeline barriers.
type VulkanSATPass struct {
	Upsweep   *VulkanPipeline
	Downsweep *VulkanPipeline
	Transpose *VulkanPipeline
	// Highest shader generation the pipelines were built from.
	Generation uint32

	setLayout      vk.DescriptorSetLayout
	descriptorPool vk.DescriptorPool
	sets           [satSetCount]vk.DescriptorSet
	sampler        vk.Sampler
}

func SATPassCreate(context *VulkanContext, upsweep, downsweep, transpose *VulkanProgram) (*VulkanSATPass, error) {
	sp := &VulkanSATPass{}

	if err := sp.createDescriptors(context); err != nil {
		sp.Destroy(context)
		return nil, err
	}
	if err := sp.RebuildPipelines(context, upsweep, downsweep, transpose); err != nil {
		sp.Destroy(context)
		return nil, err
	}
	return sp, nil
}

func (sp *VulkanSATPass) createDescriptors(context *VulkanContext) error {
	bindings := []vk.DescriptorSetLayoutBinding{
		{Binding: 0, DescriptorType: vk.DescriptorTypeStorageBuffer, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit)},
		{Binding: 1, DescriptorType: vk.DescriptorTypeStorageBuffer, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit)},
		{Binding: 2, DescriptorType: vk.DescriptorTypeStorageBuffer, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit)},
		{Binding: 3, DescriptorType: vk.DescriptorTypeCombinedImageSampler, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit)},
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
		return fmt.Errorf("failed to create scan descriptor set layout: %s", VulkanResultString(res))
	}
	sp.setLayout = layout

	poolSizes := []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeStorageBuffer, DescriptorCount: satSetCount * 3},
		{Type: vk.DescriptorTypeCombinedImageSampler, DescriptorCount: satSetCount},
	}
	for i := range poolSizes {
		poolSizes[i].Deref()
	}
	poolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		PoolSizeCount: uint32(len(poolSizes)),
		PPoolSizes:    poolSizes,
		MaxSets:       satSetCount,
	}
	var pool vk.DescriptorPool
	if res := vk.CreateDescriptorPool(context.Device.LogicalDevice, &poolInfo, context.Allocator, &pool); res != vk.Success {
		return fmt.Errorf("failed to create scan descriptor pool: %s", VulkanResultString(res))
	}
	sp.descriptorPool = pool

	layouts := make([]vk.DescriptorSetLayout, satSetCount)
	for i := range layouts {
		layouts[i] = sp.setLayout
	}
	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     sp.descriptorPool,
		DescriptorSetCount: satSetCount,
		PSetLayouts:        layouts,
	}
	if res := vk.AllocateDescriptorSets(context.Device.LogicalDevice, &allocInfo, &sp.sets[0]); res != vk.Success {
		return fmt.Errorf("failed to allocate scan descriptor sets: %s", VulkanResultString(res))
	}

	samplerInfo := vk.SamplerCreateInfo{
		SType:        vk.StructureTypeSamplerCreateInfo,
		MagFilter:    vk.FilterNearest,
		MinFilter:    vk.FilterNearest,
		AddressModeU: vk.SamplerAddressModeClampToEdge,
		AddressModeV: vk.SamplerAddressModeClampToEdge,
		AddressModeW: vk.SamplerAddressModeClampToEdge,
	}
	var sampler vk.Sampler
	if res := vk.CreateSampler(context.Device.LogicalDevice, &samplerInfo, context.Allocator, &sampler); res != vk.Success {
		return fmt.Errorf("failed to create scan sampler: %s", VulkanResultString(res))
	}
	sp.sampler = sampler

	return nil
}

func (sp *VulkanSATPass) RebuildPipelines(context *VulkanContext, upsweep, downsweep, transpose *VulkanProgram) error {
	for _, p := range []*VulkanProgram{upsweep, downsweep, transpose} {
		if !p.Usable() {
			return fmt.Errorf("scan program %s is not usable", p.Role.String())
		}
	}

	layouts := []vk.DescriptorSetLayout{sp.setLayout}
	pushSize := uint32(unsafe.Sizeof(satPushConstants{}))

	up, err := NewComputePipeline(context, upsweep.StageCreateInfo(assets.StageCompute), layouts, pushSize)
	if err != nil {
		return err
	}
	down, err := NewComputePipeline(context, downsweep.StageCreateInfo(assets.StageCompute), layouts, pushSize)
	if err != nil {
		up.Destroy(context)
		return err
	}
	trans, err := NewComputePipeline(context, transpose.StageCreateInfo(assets.StageCompute), layouts, pushSize)
	if err != nil {
		up.Destroy(context)
		down.Destroy(context)
		return err
	}

	for _, p := range []*VulkanPipeline{sp.Upsweep, sp.Downsweep, sp.Transpose} {
		if p != nil {
			p.Destroy(context)
		}
	}
	sp.Upsweep, sp.Downsweep, sp.Transpose = up, down, trans

	sp.Generation = upsweep.Generation
	if downsweep.Generation > sp.Generation {
		sp.Generation = downsweep.Generation
	}
	if transpose.Generation > sp.Generation {
		sp.Generation = transpose.Generation
	}
	return nil
}

// RewireBuffers points the descriptor sets at freshly allocated table buffers
// and the resolved color image. Called after every resize, never mid-frame.
func (sp *VulkanSATPass) RewireBuffers(context *VulkanContext, tb *TableBuffers, resolved *VulkanImage) {
	if tb.Rows == nil {
		return
	}

	bind := func(set vk.DescriptorSet, src, dst, partials *VulkanBuffer) []vk.WriteDescriptorSet {
		writes := make([]vk.WriteDescriptorSet, 0, 4)
		for binding, buf := range map[uint32]*VulkanBuffer{0: src, 1: dst, 2: partials} {
			info := vk.DescriptorBufferInfo{Buffer: buf.Handle, Offset: 0, Range: buf.TotalSize}
			info.Deref()
			w := vk.WriteDescriptorSet{
				SType:           vk.StructureTypeWriteDescriptorSet,
				DstSet:          set,
				DstBinding:      binding,
				DescriptorType:  vk.DescriptorTypeStorageBuffer,
				DescriptorCount: 1,
				PBufferInfo:     []vk.DescriptorBufferInfo{info},
			}
			w.Deref()
			writes = append(writes, w)
		}
		imageInfo := vk.DescriptorImageInfo{
			Sampler:     sp.sampler,
			ImageView:   resolved.View,
			ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
		}
		imageInfo.Deref()
		iw := vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set,
			DstBinding:      3,
			DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
			DescriptorCount: 1,
			PImageInfo:      []vk.DescriptorImageInfo{imageInfo},
		}
		iw.Deref()
		return append(writes, iw)
	}

	var writes []vk.WriteDescriptorSet
	writes = append(writes, bind(sp.sets[satSetImageUpsweep], tb.Rows, tb.Rows, tb.Partials)...)
	writes = append(writes, bind(sp.sets[satSetPartialsSelf], tb.Partials, tb.Partials, tb.Partials)...)
	writes = append(writes, bind(sp.sets[satSetRowsCarry], tb.Rows, tb.Rows, tb.Partials)...)
	writes = append(writes, bind(sp.sets[satSetTranspose], tb.Rows, tb.Columns, tb.Partials)...)
	writes = append(writes, bind(sp.sets[satSetColumnsSelf], tb.Columns, tb.Columns, tb.Partials)...)

	vk.UpdateDescriptorSets(context.Device.LogicalDevice, uint32(len(writes)), writes, 0, nil)
}

func (sp *VulkanSATPass) Destroy(context *VulkanContext) {
	for _, p := range []*VulkanPipeline{sp.Upsweep, sp.Downsweep, sp.Transpose} {
		if p != nil {
			p.Destroy(context)
		}
	}
	sp.Upsweep, sp.Downsweep, sp.Transpose = nil, nil, nil

	if sp.sampler != nil {
		vk.DestroySampler(context.Device.LogicalDevice, sp.sampler, context.Allocator)
		sp.sampler = nil
	}
	if sp.descriptorPool != nil {
		vk.DestroyDescriptorPool(context.Device.LogicalDevice, sp.descriptorPool, context.Allocator)
		sp.descriptorPool = nil
	}
	if sp.setLayout != nil {
		vk.DestroyDescriptorSetLayout(context.Device.LogicalDevice, sp.setLayout, context.Allocator)
		sp.setLayout = nil
	}
}

// Record writes the full table build into the command buffer: scan the rows
// of the resolved image, transpose, scan again, leaving the finished table in
// the column-oriented buffer. No host synchronization happens here.
func (sp *VulkanSATPass) Record(commandBuffer *VulkanCommandBuffer, tb *TableBuffers) {
	if tb.Rows == nil {
		return
	}
	plan := tb.Plan

	// First axis: rows of the image. Row length is the padded width.
	sp.recordAxis(commandBuffer, tb, axisParams{
		set:       sp.sets[satSetImageUpsweep],
		carrySet:  sp.sets[satSetRowsCarry],
		rowLen:    plan.Width,
		rowCount:  plan.Height,
		srcWidth:  plan.SrcWidth,
		srcHeight: plan.SrcHeight,
		readImage: true,
		data:      tb.Rows,
	})

	// Transpose rows into the column-oriented buffer.
	sp.Transpose.Bind(commandBuffer, vk.PipelineBindPointCompute)
	sp.bindSet(commandBuffer, sp.Transpose, sp.sets[satSetTranspose])
	sp.push(commandBuffer, sp.Transpose, satPushConstants{Width: plan.Width, Height: plan.Height})
	vk.CmdDispatch(commandBuffer.Handle, groups(plan.Width, plan.Tile), groups(plan.Height, plan.Tile), 1)
	bufferBarrier(commandBuffer, tb.Columns)

	// Second axis: rows of the transposed buffer are the image's columns.
	sp.recordAxis(commandBuffer, tb, axisParams{
		set:      sp.sets[satSetColumnsSelf],
		carrySet: sp.sets[satSetColumnsSelf],
		rowLen:   plan.Height,
		rowCount: plan.Width,
		data:     tb.Columns,
	})

	tb.Authoritative = sat.OrientationColumns
}

type axisParams struct {
	set       vk.DescriptorSet
	carrySet  vk.DescriptorSet
	rowLen    uint32
	rowCount  uint32
	srcWidth  uint32
	srcHeight uint32
	readImage bool
	data      *VulkanBuffer
}

// recordAxis emits the four dispatches of one scan axis with barriers between
// each producing and consuming step.
func (sp *VulkanSATPass) recordAxis(commandBuffer *VulkanCommandBuffer, tb *TableBuffers, p axisParams) {
	tile := tb.Plan.Tile
	tilesPerRow := p.rowLen / tile

	// 1. Tile-local inclusive scan, tile totals spill into partials.
	flags := uint32(satFlagEmitPartials)
	if p.readImage {
		flags |= satFlagReadImage
	}
	sp.Upsweep.Bind(commandBuffer, vk.PipelineBindPointCompute)
	sp.bindSet(commandBuffer, sp.Upsweep, p.set)
	sp.push(commandBuffer, sp.Upsweep, satPushConstants{
		Width: p.rowLen, Height: p.rowCount,
		SrcWidth: p.srcWidth, SrcHeight: p.srcHeight,
		Flags: flags,
	})
	vk.CmdDispatch(commandBuffer.Handle, tilesPerRow, p.rowCount, 1)
	bufferBarrier(commandBuffer, p.data)
	bufferBarrier(commandBuffer, tb.Partials)

	// 2. Scan the partials row. The padded dimension never exceeds
	// tile*tile, so one workgroup covers it.
	sp.bindSet(commandBuffer, sp.Upsweep, sp.sets[satSetPartialsSelf])
	sp.push(commandBuffer, sp.Upsweep, satPushConstants{Width: tilesPerRow, Height: p.rowCount})
	vk.CmdDispatch(commandBuffer.Handle, 1, p.rowCount, 1)
	bufferBarrier(commandBuffer, tb.Partials)

	// 3. Shift the partials row from inclusive to exclusive in place.
	sp.Downsweep.Bind(commandBuffer, vk.PipelineBindPointCompute)
	sp.bindSet(commandBuffer, sp.Downsweep, sp.sets[satSetPartialsSelf])
	sp.push(commandBuffer, sp.Downsweep, satPushConstants{Width: tilesPerRow, Height: p.rowCount})
	vk.CmdDispatch(commandBuffer.Handle, 1, p.rowCount, 1)
	bufferBarrier(commandBuffer, tb.Partials)

	// 4. Broadcast each tile's carry-in across the row.
	sp.bindSet(commandBuffer, sp.Downsweep, p.carrySet)
	sp.push(commandBuffer, sp.Downsweep, satPushConstants{
		Width: p.rowLen, Height: p.rowCount,
		Flags: satFlagAddCarry,
	})
	vk.CmdDispatch(commandBuffer.Handle, tilesPerRow, p.rowCount, 1)
	bufferBarrier(commandBuffer, p.data)
}

func (sp *VulkanSATPass) bindSet(commandBuffer *VulkanCommandBuffer, pipeline *VulkanPipeline, set vk.DescriptorSet) {
	vk.CmdBindDescriptorSets(
		commandBuffer.Handle,
		vk.PipelineBindPointCompute,
		pipeline.PipelineLayout,
		0, 1, []vk.DescriptorSet{set}, 0, nil)
}

func (sp *VulkanSATPass) push(commandBuffer *VulkanCommandBuffer, pipeline *VulkanPipeline, pc satPushConstants) {
	vk.CmdPushConstants(
		commandBuffer.Handle,
		pipeline.PipelineLayout,
		vk.ShaderStageFlags(vk.ShaderStageComputeBit),
		0,
		uint32(unsafe.Sizeof(pc)),
		unsafe.Pointer(&pc))
}

// RecordTableReady makes the finished table visible to the fragment shader
// that samples it during the depth-of-field pass.
func (sp *VulkanSATPass) RecordTableReady(commandBuffer *VulkanCommandBuffer, tb *TableBuffers) {
	finished, err := tb.FinishedBuffer()
	if err != nil || finished == nil {
		return
	}
	barrier := vk.BufferMemoryBarrier{
		SType:               vk.StructureTypeBufferMemoryBarrier,
		SrcAccessMask:       vk.AccessFlags(vk.AccessShaderWriteBit) | vk.AccessFlags(vk.AccessTransferWriteBit),
		DstAccessMask:       vk.AccessFlags(vk.AccessShaderReadBit),
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Buffer:              finished.Handle,
		Size:                vk.DeviceSize(vk.WholeSize),
	}
	barrier.Deref()
	vk.CmdPipelineBarrier(
		commandBuffer.Handle,
		vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit)|vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
		0, 0, nil,
		1, []vk.BufferMemoryBarrier{barrier},
		0, nil)
}

// bufferBarrier orders one compute dispatch's writes before the next
// dispatch's reads.
func bufferBarrier(commandBuffer *VulkanCommandBuffer, buffer *VulkanBuffer) {
	barrier := vk.BufferMemoryBarrier{
		SType:               vk.StructureTypeBufferMemoryBarrier,
		SrcAccessMask:       vk.AccessFlags(vk.AccessShaderWriteBit),
		DstAccessMask:       vk.AccessFlags(vk.AccessShaderReadBit) | vk.AccessFlags(vk.AccessShaderWriteBit),
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Buffer:              buffer.Handle,
		Size:                vk.DeviceSize(vk.WholeSize),
	}
	barrier.Deref()
	vk.CmdPipelineBarrier(
		commandBuffer.Handle,
		vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
		vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit),
		0, 0, nil,
		1, []vk.BufferMemoryBarrier{barrier},
		0, nil)
}

func groups(extent, tile uint32) uint32 {
	return (extent + tile - 1) / tile
}
