package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/engine/core"
	"github.com/spaghettifunk/prisma/engine/renderer"
)

// timestampSlots maps each measurable stage to a fixed pair of queries in the
// pool: slot*2 is the start, slot*2+1 the end.
var timestampSlots = map[renderer.StageID]uint32{
	renderer.StageScene:        0,
	renderer.StageResolve:      1,
	renderer.StageComputeSAT:   2,
	renderer.StageUpload:       3,
	renderer.StageDepthOfField: 4,
	renderer.StageUI:           5,
	renderer.StagePresent:      6,
}

const timestampQueryCount = 16

// VulkanTimestampPool measures device time per stage. Only stages written
// this frame are reported back, so a stage that was skipped never surfaces a
// stale value from an earlier frame.
type VulkanTimestampPool struct {
	Handle vk.QueryPool
	// written tracks the stages with both timestamps recorded this frame.
	written map[renderer.StageID]bool
}

func NewTimestampPool(context *VulkanContext) (*VulkanTimestampPool, error) {
	createInfo := vk.QueryPoolCreateInfo{
		SType:      vk.StructureTypeQueryPoolCreateInfo,
		QueryType:  vk.QueryTypeTimestamp,
		QueryCount: timestampQueryCount,
	}

	var handle vk.QueryPool
	if res := vk.CreateQueryPool(context.Device.LogicalDevice, &createInfo, context.Allocator, &handle); res != vk.Success {
		err := fmt.Errorf("failed to create timestamp query pool: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}

	return &VulkanTimestampPool{
		Handle:  handle,
		written: make(map[renderer.StageID]bool),
	}, nil
}

func (tp *VulkanTimestampPool) Destroy(context *VulkanContext) {
	if tp.Handle != nil {
		vk.DestroyQueryPool(context.Device.LogicalDevice, tp.Handle, context.Allocator)
		tp.Handle = nil
	}
}

// Reset must be recorded at the top of every frame, before any Begin.
func (tp *VulkanTimestampPool) Reset(commandBuffer *VulkanCommandBuffer) {
	vk.CmdResetQueryPool(commandBuffer.Handle, tp.Handle, 0, timestampQueryCount)
	clear(tp.written)
}

func (tp *VulkanTimestampPool) Begin(commandBuffer *VulkanCommandBuffer, stage renderer.StageID) {
	slot, ok := timestampSlots[stage]
	if !ok {
		return
	}
	vk.CmdWriteTimestamp(commandBuffer.Handle, vk.PipelineStageTopOfPipeBit, tp.Handle, slot*2)
}

func (tp *VulkanTimestampPool) End(commandBuffer *VulkanCommandBuffer, stage renderer.StageID) {
	slot, ok := timestampSlots[stage]
	if !ok {
		return
	}
	vk.CmdWriteTimestamp(commandBuffer.Handle, vk.PipelineStageBottomOfPipeBit, tp.Handle, slot*2+1)
	tp.written[stage] = true
}

// Collect reads back the timestamps of the stages written this frame and
// converts them to milliseconds using the device's timestamp period. Callers
// invoke it only after the frame's fence has signaled.
func (tp *VulkanTimestampPool) Collect(context *VulkanContext) map[renderer.StageID]renderer.Span {
	if len(tp.written) == 0 {
		return nil
	}

	var raw [timestampQueryCount]uint64
	res := vk.GetQueryPoolResults(
		context.Device.LogicalDevice,
		tp.Handle,
		0,
		timestampQueryCount,
		uint(unsafe.Sizeof(raw)),
		unsafe.Pointer(&raw[0]),
		vk.DeviceSize(unsafe.Sizeof(raw[0])),
		vk.QueryResultFlags(vk.QueryResult64Bit))
	if res != vk.Success {
		core.LogWarn("timestamp readback failed: %s", VulkanResultString(res))
		return nil
	}

	msPerTick := float64(context.Device.TimestampPeriod) / 1e6

	out := make(map[renderer.StageID]renderer.Span, len(tp.written))
	for stage := range tp.written {
		slot := timestampSlots[stage]
		out[stage] = renderer.Span{
			Start: float64(raw[slot*2]) * msPerTick,
			End:   float64(raw[slot*2+1]) * msPerTick,
		}
	}
	return out
}
