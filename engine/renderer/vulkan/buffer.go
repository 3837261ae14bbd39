package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/engine/core"
)

type VulkanBuffer struct {
	Handle    vk.Buffer
	Memory    vk.DeviceMemory
	TotalSize vk.DeviceSize
	Usage     vk.BufferUsageFlags
	// True for host-visible, host-coherent memory.
	HostVisible bool
}

func BufferCreate(context *VulkanContext, size vk.DeviceSize, usage vk.BufferUsageFlags, hostVisible bool) (*VulkanBuffer, error) {
	buffer := &VulkanBuffer{
		TotalSize:   size,
		Usage:       usage,
		HostVisible: hostVisible,
	}

	bufferCreateInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        size,
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
	}

	var handle vk.Buffer
	if res := vk.CreateBuffer(context.Device.LogicalDevice, &bufferCreateInfo, context.Allocator, &handle); res != vk.Success {
		err := fmt.Errorf("failed to create buffer: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}
	buffer.Handle = handle

	var memoryRequirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(context.Device.LogicalDevice, buffer.Handle, &memoryRequirements)
	memoryRequirements.Deref()

	memoryFlags := vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)
	if hostVisible {
		memoryFlags = vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit) | vk.MemoryPropertyFlags(vk.MemoryPropertyHostCoherentBit)
	}

	memoryType := context.FindMemoryIndex(memoryRequirements.MemoryTypeBits, uint32(memoryFlags))
	if memoryType == -1 {
		return nil, fmt.Errorf("required memory type not found, buffer not valid")
	}

	allocateInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memoryRequirements.Size,
		MemoryTypeIndex: uint32(memoryType),
	}
	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(context.Device.LogicalDevice, &allocateInfo, context.Allocator, &memory); res != vk.Success {
		err := fmt.Errorf("failed to allocate buffer memory: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}
	buffer.Memory = memory

	if res := vk.BindBufferMemory(context.Device.LogicalDevice, buffer.Handle, buffer.Memory, 0); res != vk.Success {
		err := fmt.Errorf("failed to bind buffer memory: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}

	return buffer, nil
}

func (vb *VulkanBuffer) BufferDestroy(context *VulkanContext) {
	if vb.Memory != nil {
		vk.FreeMemory(context.Device.LogicalDevice, vb.Memory, context.Allocator)
		vb.Memory = nil
	}
	if vb.Handle != nil {
		vk.DestroyBuffer(context.Device.LogicalDevice, vb.Handle, context.Allocator)
		vb.Handle = nil
	}
	vb.TotalSize = 0
}

// BufferLoadData maps the host-visible buffer and copies data into it at the
// given offset.
func (vb *VulkanBuffer) BufferLoadData(context *VulkanContext, offset vk.DeviceSize, data []byte) error {
	if !vb.HostVisible {
		return fmt.Errorf("cannot map a device-local buffer")
	}
	var pData unsafe.Pointer
	if res := vk.MapMemory(context.Device.LogicalDevice, vb.Memory, offset, vk.DeviceSize(len(data)), 0, &pData); res != vk.Success {
		err := fmt.Errorf("failed to map buffer memory: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return err
	}
	vk.Memcopy(pData, data)
	vk.UnmapMemory(context.Device.LogicalDevice, vb.Memory)
	return nil
}

// BufferReadData maps the host-visible buffer and copies size bytes out.
func (vb *VulkanBuffer) BufferReadData(context *VulkanContext, offset vk.DeviceSize, size vk.DeviceSize) ([]byte, error) {
	if !vb.HostVisible {
		return nil, fmt.Errorf("cannot map a device-local buffer")
	}
	var pData unsafe.Pointer
	if res := vk.MapMemory(context.Device.LogicalDevice, vb.Memory, offset, size, 0, &pData); res != vk.Success {
		err := fmt.Errorf("failed to map buffer memory: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}
	out := make([]byte, size)
	copy(out, unsafe.Slice((*byte)(pData), size))
	vk.UnmapMemory(context.Device.LogicalDevice, vb.Memory)
	return out, nil
}

// BufferCopyTo records a buffer-to-buffer copy into the command buffer.
func (vb *VulkanBuffer) BufferCopyTo(commandBuffer *VulkanCommandBuffer, dst *VulkanBuffer, srcOffset, dstOffset, size vk.DeviceSize) {
	region := vk.BufferCopy{
		SrcOffset: srcOffset,
		DstOffset: dstOffset,
		Size:      size,
	}
	vk.CmdCopyBuffer(commandBuffer.Handle, vb.Handle, dst.Handle, 1, []vk.BufferCopy{region})
}
