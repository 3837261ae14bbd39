package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/engine/core"
	"github.com/spaghettifunk/prisma/engine/renderer/sat"
)

// texelBytes is the size of one table entry: four 32-bit accumulators.
const texelBytes = 16

// TargetPair is one render surface: a color plane and a depth plane that
// always share pixel dimensions and sample count.
type TargetPair struct {
	Color   *VulkanImage
	Depth   *VulkanImage
	Samples vk.SampleCountFlagBits
	Width   uint32
	Height  uint32
}

func TargetPairCreate(context *VulkanContext, width, height uint32, samples vk.SampleCountFlagBits, colorFormat vk.Format, colorUsage vk.ImageUsageFlags) (*TargetPair, error) {
	pair := &TargetPair{
		Samples: samples,
		Width:   width,
		Height:  height,
	}

	color, err := ImageCreate(
		context,
		width, height,
		colorFormat,
		vk.ImageTilingOptimal,
		colorUsage,
		vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
		samples,
		true,
		vk.ImageAspectFlags(vk.ImageAspectColorBit))
	if err != nil {
		return nil, err
	}
	pair.Color = color

	depth, err := ImageCreate(
		context,
		width, height,
		context.Device.DepthFormat,
		vk.ImageTilingOptimal,
		vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit)|vk.ImageUsageFlags(vk.ImageUsageSampledBit),
		vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
		samples,
		true,
		vk.ImageAspectFlags(vk.ImageAspectDepthBit))
	if err != nil {
		pair.Color.ImageDestroy(context)
		return nil, err
	}
	pair.Depth = depth

	return pair, nil
}

func (tp *TargetPair) Destroy(context *VulkanContext) {
	if tp.Depth != nil {
		tp.Depth.ImageDestroy(context)
		tp.Depth = nil
	}
	if tp.Color != nil {
		tp.Color.ImageDestroy(context)
		tp.Color = nil
	}
}

// TableBuffers holds the device-side summed-area table state: the two scan
// buffers the axes ping-pong between, the per-tile partial sums, and a
// host-visible staging buffer shared by readback and upload.
//
// Authoritative tags which buffer holds the finished table for the frame;
// consumers resolve it through FinishedBuffer instead of chasing a pointer.
type TableBuffers struct {
	Plan sat.TablePlan

	// Rows holds row-oriented data, Columns the transposed layout. After the
	// full device scan the finished table sits in Columns; after a host
	// upload it sits wherever the host table's orientation says.
	Rows     *VulkanBuffer
	Columns  *VulkanBuffer
	Partials *VulkanBuffer
	Staging  *VulkanBuffer

	Authoritative sat.TableOrientation
}

func TableBuffersCreate(context *VulkanContext, width, height uint32) (*TableBuffers, error) {
	plan, err := sat.PlanDimensions(width, height, sat.DeviceTile)
	if err != nil {
		return nil, err
	}

	tb := &TableBuffers{
		Plan:          plan,
		Authoritative: sat.OrientationRows,
	}

	tableBytes := vk.DeviceSize(plan.Width) * vk.DeviceSize(plan.Height) * texelBytes
	if tableBytes == 0 {
		// Zero-sized surface: keep the plan, allocate nothing.
		return tb, nil
	}

	storageUsage := vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit) |
		vk.BufferUsageFlags(vk.BufferUsageTransferDstBit)

	if tb.Rows, err = BufferCreate(context, tableBytes, storageUsage, false); err != nil {
		return nil, err
	}
	if tb.Columns, err = BufferCreate(context, tableBytes, storageUsage, false); err != nil {
		tb.Destroy(context)
		return nil, err
	}

	// One partials row per scanned row, for whichever axis is wider.
	partialsPerRow := plan.Width / plan.Tile
	if plan.Height/plan.Tile > partialsPerRow {
		partialsPerRow = plan.Height / plan.Tile
	}
	longerAxis := plan.Width
	if plan.Height > longerAxis {
		longerAxis = plan.Height
	}
	partialsBytes := vk.DeviceSize(partialsPerRow) * vk.DeviceSize(longerAxis) * texelBytes
	if tb.Partials, err = BufferCreate(context, partialsBytes, vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit), false); err != nil {
		tb.Destroy(context)
		return nil, err
	}

	// Staging covers both the pixel readback (4 bytes per pixel) and the
	// table upload (16 bytes per texel); the table is strictly larger.
	stagingUsage := vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit) | vk.BufferUsageFlags(vk.BufferUsageTransferDstBit)
	if tb.Staging, err = BufferCreate(context, tableBytes, stagingUsage, true); err != nil {
		tb.Destroy(context)
		return nil, err
	}

	core.LogDebug("table buffers allocated for %dx%d (padded %dx%d)", width, height, plan.Width, plan.Height)
	return tb, nil
}

func (tb *TableBuffers) Destroy(context *VulkanContext) {
	for _, b := range []*VulkanBuffer{tb.Rows, tb.Columns, tb.Partials, tb.Staging} {
		if b != nil {
			b.BufferDestroy(context)
		}
	}
	tb.Rows, tb.Columns, tb.Partials, tb.Staging = nil, nil, nil, nil
}

// FinishedBuffer resolves the orientation tag to the buffer holding the
// authoritative table.
func (tb *TableBuffers) FinishedBuffer() (*VulkanBuffer, error) {
	switch tb.Authoritative {
	case sat.OrientationRows:
		return tb.Rows, nil
	case sat.OrientationColumns:
		return tb.Columns, nil
	default:
		return nil, fmt.Errorf("no buffer for orientation %s", tb.Authoritative.String())
	}
}
