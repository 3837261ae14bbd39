package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/engine/core"
)

type VulkanRenderpassConfig struct {
	ColorFormat vk.Format
	// FormatUndefined means no depth attachment.
	DepthFormat vk.Format
	Samples     vk.SampleCountFlagBits
	// HasResolve adds a single-sampled resolve attachment for the color.
	HasResolve    bool
	ResolveFormat vk.Format

	// ClearColor false keeps the existing attachment contents (LOAD_OP_LOAD),
	// which the overlay pass uses to draw on top of the finished frame.
	ClearColor bool
	R, G, B, A float32
	// With reverse-Z projection the depth attachment clears to 0.
	ClearDepth float32
	Stencil    uint32

	InitialColorLayout vk.ImageLayout
	FinalColorLayout   vk.ImageLayout
}

type VulkanRenderpass struct {
	Handle vk.RenderPass
	Config VulkanRenderpassConfig
}

func RenderpassCreate(context *VulkanContext, config VulkanRenderpassConfig) (*VulkanRenderpass, error) {
	outRenderpass := &VulkanRenderpass{
		Config: config,
	}

	hasDepth := config.DepthFormat != vk.FormatUndefined

	attachments := make([]vk.AttachmentDescription, 0, 3)

	colorLoadOp := vk.AttachmentLoadOpLoad
	if config.ClearColor {
		colorLoadOp = vk.AttachmentLoadOpClear
	}

	colorAttachment := vk.AttachmentDescription{
		Format:         config.ColorFormat,
		Samples:        config.Samples,
		LoadOp:         colorLoadOp,
		StoreOp:        vk.AttachmentStoreOpStore,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  config.InitialColorLayout,
		FinalLayout:    config.FinalColorLayout,
	}
	if config.HasResolve {
		// The multisampled image is transient; its contents live on only
		// through the resolve attachment.
		colorAttachment.StoreOp = vk.AttachmentStoreOpDontCare
		colorAttachment.FinalLayout = vk.ImageLayoutColorAttachmentOptimal
	}
	colorAttachment.Deref()
	attachments = append(attachments, colorAttachment)

	colorAttachmentReference := []vk.AttachmentReference{
		{
			Attachment: 0,
			Layout:     vk.ImageLayoutColorAttachmentOptimal,
		},
	}

	subpass := vk.SubpassDescription{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: 1,
		PColorAttachments:    colorAttachmentReference,
	}

	if hasDepth {
		depthAttachment := vk.AttachmentDescription{
			Format:         config.DepthFormat,
			Samples:        config.Samples,
			LoadOp:         vk.AttachmentLoadOpClear,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
		depthAttachment.Deref()
		attachments = append(attachments, depthAttachment)

		depthAttachmentReference := vk.AttachmentReference{
			Attachment: 1,
			Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
		}
		depthAttachmentReference.Deref()
		subpass.PDepthStencilAttachment = &depthAttachmentReference
	}

	if config.HasResolve {
		resolveAttachment := vk.AttachmentDescription{
			Format:         config.ResolveFormat,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpDontCare,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    config.FinalColorLayout,
		}
		resolveAttachment.Deref()
		attachments = append(attachments, resolveAttachment)

		resolveReference := []vk.AttachmentReference{
			{
				Attachment: uint32(len(attachments) - 1),
				Layout:     vk.ImageLayoutColorAttachmentOptimal,
			},
		}
		subpass.PResolveAttachments = resolveReference
	}
	subpass.Deref()

	dependency := vk.SubpassDependency{
		SrcSubpass:    vk.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		SrcAccessMask: 0,
		DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit),
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentReadBit) | vk.AccessFlags(vk.AccessColorAttachmentWriteBit),
	}
	dependency.Deref()

	renderpassCreateInfo := vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      []vk.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vk.SubpassDependency{dependency},
	}
	renderpassCreateInfo.Deref()

	var pRenderPass vk.RenderPass
	if res := vk.CreateRenderPass(context.Device.LogicalDevice, &renderpassCreateInfo, context.Allocator, &pRenderPass); res != vk.Success {
		err := fmt.Errorf("failed to create render pass: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return nil, err
	}
	outRenderpass.Handle = pRenderPass
	return outRenderpass, nil
}

func (vr *VulkanRenderpass) RenderpassDestroy(context *VulkanContext) {
	if vr.Handle != nil {
		vk.DestroyRenderPass(context.Device.LogicalDevice, vr.Handle, context.Allocator)
		vr.Handle = nil
	}
}

func (vr *VulkanRenderpass) RenderpassBegin(commandBuffer *VulkanCommandBuffer, frameBuffer vk.Framebuffer, width, height uint32) {
	beginInfo := vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  vr.Handle,
		Framebuffer: frameBuffer,
		RenderArea: vk.Rect2D{
			Offset: vk.Offset2D{X: 0, Y: 0},
			Extent: vk.Extent2D{Width: width, Height: height},
		},
	}

	clearValues := make([]vk.ClearValue, 0, 3)

	var colorClear vk.ClearValue
	colorClear.SetColor([]float32{vr.Config.R, vr.Config.G, vr.Config.B, vr.Config.A})
	clearValues = append(clearValues, colorClear)

	if vr.Config.DepthFormat != vk.FormatUndefined {
		var depthClear vk.ClearValue
		depthClear.SetDepthStencil(vr.Config.ClearDepth, vr.Config.Stencil)
		clearValues = append(clearValues, depthClear)
	}
	if vr.Config.HasResolve {
		var resolveClear vk.ClearValue
		resolveClear.SetColor([]float32{0, 0, 0, 0})
		clearValues = append(clearValues, resolveClear)
	}

	beginInfo.ClearValueCount = uint32(len(clearValues))
	beginInfo.PClearValues = clearValues
	beginInfo.Deref()

	vk.CmdBeginRenderPass(commandBuffer.Handle, &beginInfo, vk.SubpassContentsInline)
	commandBuffer.State = COMMAND_BUFFER_STATE_IN_RENDER_PASS
}

func (vr *VulkanRenderpass) RenderpassEnd(commandBuffer *VulkanCommandBuffer) {
	vk.CmdEndRenderPass(commandBuffer.Handle)
	commandBuffer.State = COMMAND_BUFFER_STATE_RECORDING
}
