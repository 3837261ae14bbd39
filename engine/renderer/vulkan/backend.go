package vulkan

import (
	"fmt"
	gomath "math"
	"runtime"
	"unsafe"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/prisma/engine/assets"
	"github.com/spaghettifunk/prisma/engine/core"
	"github.com/spaghettifunk/prisma/engine/platform"
	"github.com/spaghettifunk/prisma/engine/renderer"
	"github.com/spaghettifunk/prisma/engine/renderer/sat"
	"github.com/spaghettifunk/prisma/engine/scene"
)

// VulkanBackend implements renderer.Backend on top of a Vulkan device. One
// graphics queue records the whole frame; the compute scan runs on the same
// timeline, ordered purely by pipeline barriers.
type VulkanBackend struct {
	platform *platform.Platform
	shaders  *assets.ShaderSet
	overlay  OverlayProvider

	context *VulkanContext
	debug   bool

	cachedFramebufferWidth  uint32
	cachedFramebufferHeight uint32

	sampleCount vk.SampleCountFlagBits

	timestamps  *VulkanTimestampPool
	lastTimings map[renderer.StageID]renderer.Span

	scenePair   *TargetPair
	resolvePair *TargetPair
	blurPair    *TargetPair
	tables      *TableBuffers

	scenePass   *VulkanScenePass
	satPass     *VulkanSATPass
	dofPass     *VulkanDoFPass
	overlayPass *VulkanOverlayPass

	programs map[assets.ProgramRole]*VulkanProgram

	// The target pair holding the image BlitToWindow presents: the blur
	// output when the depth-of-field pass ran, the resolved scene otherwise.
	presentSource *TargetPair
	// Set once the overlay pass has moved the present source into the
	// transfer-src layout.
	presentReady bool

	nearClip float32
}

func New(p *platform.Platform, shaders *assets.ShaderSet, overlay OverlayProvider, sampleCount uint32) *VulkanBackend {
	samples := vk.SampleCountFlagBits(sampleCount)
	if sampleCount < 2 {
		// The blur reads scene depth through a multisampled view.
		core.LogWarn("sample count %d not supported by the blur path, using 2", sampleCount)
		samples = vk.SampleCount2Bit
	}
	return &VulkanBackend{
		platform:    p,
		shaders:     shaders,
		overlay:     overlay,
		sampleCount: samples,
		context: &VulkanContext{
			Allocator: nil,
		},
		programs: make(map[assets.ProgramRole]*VulkanProgram),
		debug:    true,
	}
}

func (vb *VulkanBackend) Initialize(appName string, width, height uint32) error {
	procAddr := glfw.GetVulkanGetInstanceProcAddress()
	if procAddr == nil {
		err := fmt.Errorf("GetInstanceProcAddress is nil")
		core.LogFatal(err.Error())
		return err
	}
	vk.SetGetInstanceProcAddr(procAddr)

	if err := vk.Init(); err != nil {
		core.LogFatal("failed to initialize vk: %s", err)
		return err
	}

	vb.context.FramebufferWidth = width
	vb.context.FramebufferHeight = height
	vb.context.RenderWidth = width
	vb.context.RenderHeight = height

	appInfo := &vk.ApplicationInfo{
		SType:              vk.StructureTypeApplicationInfo,
		ApiVersion:         uint32(vk.MakeVersion(1, 0, 0)),
		ApplicationVersion: uint32(vk.MakeVersion(1, 0, 0)),
		PApplicationName:   VulkanSafeString(appName),
		PEngineName:        VulkanSafeString("Prisma"),
	}

	createInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}

	requiredExtensions := []string{"VK_KHR_surface"}
	requiredExtensions = append(requiredExtensions, vb.platform.GetRequiredExtensionNames()...)
	if runtime.GOOS == "darwin" {
		requiredExtensions = append(requiredExtensions,
			"VK_KHR_portability_enumeration",
			"VK_KHR_get_physical_device_properties2",
		)
	}
	if vb.debug {
		requiredExtensions = append(requiredExtensions, vk.ExtDebugReportExtensionName)
	}
	createInfo.EnabledExtensionCount = uint32(len(requiredExtensions))
	createInfo.PpEnabledExtensionNames = VulkanSafeStrings(requiredExtensions)

	validationLayers := []string{}
	if vb.debug {
		validationLayers = []string{"VK_LAYER_KHRONOS_validation"}
		if runtime.GOOS == "darwin" {
			createInfo.Flags |= 1
		}
		if !instanceLayersAvailable(validationLayers) {
			core.LogWarn("validation layers requested but unavailable, continuing without")
			validationLayers = nil
		}
	}
	createInfo.EnabledLayerCount = uint32(len(validationLayers))
	createInfo.PpEnabledLayerNames = VulkanSafeStrings(validationLayers)

	if res := vk.CreateInstance(&createInfo, vb.context.Allocator, &vb.context.Instance); res != vk.Success {
		err := fmt.Errorf("failed to create the Vulkan instance: %s", VulkanResultString(res))
		core.LogError(err.Error())
		return err
	}
	if err := vk.InitInstance(vb.context.Instance); err != nil {
		core.LogError(err.Error())
		return err
	}
	core.LogInfo("Vulkan instance created.")

	if vb.debug {
		debugCreateInfo := vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit),
			PfnCallback: dbgCallbackFunc,
		}
		var dbg vk.DebugReportCallback
		if err := vk.Error(vk.CreateDebugReportCallback(vb.context.Instance, &debugCreateInfo, nil, &dbg)); err != nil {
			core.LogWarn("vk.CreateDebugReportCallback failed with %s", err)
		} else {
			vb.context.debugMessenger = dbg
		}
	}

	surface, err := vb.platform.Window.CreateWindowSurface(vb.context.Instance, nil)
	if err != nil {
		core.LogError("Vulkan surface creation failed: %s", err)
		return err
	}
	vb.context.Surface = vk.SurfaceFromPointer(surface)

	if err := DeviceCreate(vb.context); err != nil {
		core.LogError("failed to create device")
		return err
	}

	sc, err := SwapchainCreate(vb.context, vb.context.FramebufferWidth, vb.context.FramebufferHeight)
	if err != nil {
		return err
	}
	vb.context.Swapchain = sc

	if err := vb.createCommandBuffers(); err != nil {
		return err
	}
	if err := vb.createSyncObjects(); err != nil {
		return err
	}

	tp, err := NewTimestampPool(vb.context)
	if err != nil {
		return err
	}
	vb.timestamps = tp

	if err := vb.createPrograms(); err != nil {
		return err
	}
	if err := vb.createPasses(); err != nil {
		return err
	}
	if err := vb.createTargets(vb.context.RenderWidth, vb.context.RenderHeight); err != nil {
		return err
	}
	if err := vb.rewirePasses(); err != nil {
		return err
	}

	core.LogInfo("Vulkan renderer initialized successfully.")
	return nil
}

func instanceLayersAvailable(required []string) bool {
	var count uint32
	if res := vk.EnumerateInstanceLayerProperties(&count, nil); res != vk.Success {
		return false
	}
	available := make([]vk.LayerProperties, count)
	if res := vk.EnumerateInstanceLayerProperties(&count, available); res != vk.Success {
		return false
	}
	for _, name := range required {
		found := false
		for j := range available {
			available[j].Deref()
			end := FindFirstZeroInByteArray(available[j].LayerName[:])
			if name == vk.ToString(available[j].LayerName[:end+1]) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (vb *VulkanBackend) createCommandBuffers() error {
	if len(vb.context.GraphicsCommandBuffers) == 0 {
		vb.context.GraphicsCommandBuffers = make([]*VulkanCommandBuffer, vb.context.Swapchain.ImageCount)
	}
	for i := 0; i < int(vb.context.Swapchain.ImageCount); i++ {
		if vb.context.GraphicsCommandBuffers[i] != nil && vb.context.GraphicsCommandBuffers[i].Handle != nil {
			vb.context.GraphicsCommandBuffers[i].Free(vb.context, vb.context.Device.GraphicsCommandPool)
		}
		cb, err := NewVulkanCommandBuffer(vb.context, vb.context.Device.GraphicsCommandPool, true)
		if err != nil {
			return err
		}
		vb.context.GraphicsCommandBuffers[i] = cb
	}
	core.LogDebug("Vulkan command buffers created.")
	return nil
}

func (vb *VulkanBackend) createSyncObjects() error {
	frames := int(vb.context.Swapchain.MaxFramesInFlight)
	vb.context.ImageAvailableSemaphores = make([]vk.Semaphore, frames)
	vb.context.QueueCompleteSemaphores = make([]vk.Semaphore, frames)
	vb.context.InFlightFences = make([]*VulkanFence, frames)

	semaphoreCreateInfo := vk.SemaphoreCreateInfo{
		SType: vk.StructureTypeSemaphoreCreateInfo,
	}
	for i := 0; i < frames; i++ {
		if res := vk.CreateSemaphore(vb.context.Device.LogicalDevice, &semaphoreCreateInfo, vb.context.Allocator, &vb.context.ImageAvailableSemaphores[i]); res != vk.Success {
			return fmt.Errorf("failed to create image-available semaphore: %s", VulkanResultString(res))
		}
		if res := vk.CreateSemaphore(vb.context.Device.LogicalDevice, &semaphoreCreateInfo, vb.context.Allocator, &vb.context.QueueCompleteSemaphores[i]); res != vk.Success {
			return fmt.Errorf("failed to create queue-complete semaphore: %s", VulkanResultString(res))
		}
		// Signaled, so the very first frame does not wait forever.
		f, err := NewFence(vb.context, true)
		if err != nil {
			return err
		}
		vb.context.InFlightFences[i] = f
	}

	vb.context.ImagesInFlight = make([]*VulkanFence, vb.context.Swapchain.ImageCount)
	return nil
}

func (vb *VulkanBackend) createPrograms() error {
	for _, role := range assets.AllProgramRoles() {
		program := vb.shaders.Program(role)
		if program == nil || !program.Valid {
			core.LogWarn("program %s not available at startup", role.String())
			continue
		}
		vp, err := ProgramCreate(vb.context, program)
		if err != nil {
			return err
		}
		vb.programs[role] = vp
	}
	return nil
}

func (vb *VulkanBackend) createPasses() error {
	if vp := vb.programs[assets.ProgramScene]; vp.Usable() {
		sp, err := ScenePassCreate(vb.context, vp, vb.sampleCount)
		if err != nil {
			return err
		}
		vb.scenePass = sp
	}
	up, down, trans := vb.programs[assets.ProgramSATUpsweep], vb.programs[assets.ProgramSATDownsweep], vb.programs[assets.ProgramSATTranspose]
	if up.Usable() && down.Usable() && trans.Usable() {
		sp, err := SATPassCreate(vb.context, up, down, trans)
		if err != nil {
			return err
		}
		vb.satPass = sp
	}
	if vp := vb.programs[assets.ProgramDepthOfField]; vp.Usable() {
		dp, err := DoFPassCreate(vb.context, vp)
		if err != nil {
			return err
		}
		vb.dofPass = dp
	}
	if vp := vb.programs[assets.ProgramOverlay]; vp.Usable() && vb.overlay != nil {
		op, err := OverlayPassCreate(vb.context, vp, vb.overlay)
		if err != nil {
			return err
		}
		vb.overlayPass = op
	}
	return nil
}

func (vb *VulkanBackend) createTargets(width, height uint32) error {
	scenePair, err := TargetPairCreate(
		vb.context, width, height, vb.sampleCount,
		vk.FormatR8g8b8a8Unorm,
		vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit)|vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit))
	if err != nil {
		return err
	}
	vb.scenePair = scenePair

	resolvePair, err := TargetPairCreate(
		vb.context, width, height, vk.SampleCount1Bit,
		vk.FormatR8g8b8a8Unorm,
		vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit)|
			vk.ImageUsageFlags(vk.ImageUsageTransferDstBit)|
			vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit)|
			vk.ImageUsageFlags(vk.ImageUsageSampledBit))
	if err != nil {
		return err
	}
	vb.resolvePair = resolvePair

	blurPair, err := TargetPairCreate(
		vb.context, width, height, vk.SampleCount1Bit,
		vk.FormatR8g8b8a8Unorm,
		vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit)|
			vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit)|
			vk.ImageUsageFlags(vk.ImageUsageSampledBit))
	if err != nil {
		return err
	}
	vb.blurPair = blurPair

	tables, err := TableBuffersCreate(vb.context, width, height)
	if err != nil {
		return err
	}
	vb.tables = tables

	return nil
}

func (vb *VulkanBackend) destroyTargets() {
	if vb.tables != nil {
		vb.tables.Destroy(vb.context)
		vb.tables = nil
	}
	for _, pair := range []**TargetPair{&vb.blurPair, &vb.resolvePair, &vb.scenePair} {
		if *pair != nil {
			(*pair).Destroy(vb.context)
			*pair = nil
		}
	}
}

// rewirePasses reconnects every pass to the current targets and table
// buffers. Runs at startup and after each resize, never mid-frame.
func (vb *VulkanBackend) rewirePasses() error {
	if vb.scenePass != nil {
		if err := vb.scenePass.RebuildFramebuffer(vb.context, vb.scenePair); err != nil {
			return err
		}
	}
	if vb.satPass != nil {
		vb.satPass.RewireBuffers(vb.context, vb.tables, vb.resolvePair.Color)
	}
	if vb.dofPass != nil {
		if err := vb.dofPass.RebuildFramebuffer(vb.context, vb.blurPair); err != nil {
			return err
		}
		if err := vb.dofPass.RewireInputs(vb.context, vb.resolvePair.Color, vb.scenePair.Depth, vb.tables); err != nil {
			return err
		}
	}
	if vb.overlayPass != nil {
		if err := vb.overlayPass.RebuildFramebuffers(vb.context, vb.context.RenderWidth, vb.context.RenderHeight, vb.resolvePair.Color, vb.blurPair.Color); err != nil {
			return err
		}
	}
	return nil
}

func (vb *VulkanBackend) Shutdown() error {
	vk.DeviceWaitIdle(vb.context.Device.LogicalDevice)

	// Destroy in the opposite order of creation.
	if vb.overlayPass != nil {
		vb.overlayPass.Destroy(vb.context)
		vb.overlayPass = nil
	}
	if vb.dofPass != nil {
		vb.dofPass.Destroy(vb.context)
		vb.dofPass = nil
	}
	if vb.satPass != nil {
		vb.satPass.Destroy(vb.context)
		vb.satPass = nil
	}
	if vb.scenePass != nil {
		vb.scenePass.Destroy(vb.context)
		vb.scenePass = nil
	}

	vb.destroyTargets()

	for role, vp := range vb.programs {
		vp.ProgramDestroy(vb.context)
		delete(vb.programs, role)
	}

	if vb.timestamps != nil {
		vb.timestamps.Destroy(vb.context)
		vb.timestamps = nil
	}

	for i := 0; i < int(vb.context.Swapchain.MaxFramesInFlight); i++ {
		if vb.context.ImageAvailableSemaphores[i] != vk.NullSemaphore {
			vk.DestroySemaphore(vb.context.Device.LogicalDevice, vb.context.ImageAvailableSemaphores[i], vb.context.Allocator)
		}
		if vb.context.QueueCompleteSemaphores[i] != vk.NullSemaphore {
			vk.DestroySemaphore(vb.context.Device.LogicalDevice, vb.context.QueueCompleteSemaphores[i], vb.context.Allocator)
		}
		vb.context.InFlightFences[i].FenceDestroy(vb.context)
	}
	vb.context.ImageAvailableSemaphores = nil
	vb.context.QueueCompleteSemaphores = nil
	vb.context.InFlightFences = nil
	vb.context.ImagesInFlight = nil

	for i := 0; i < int(vb.context.Swapchain.ImageCount); i++ {
		if vb.context.GraphicsCommandBuffers[i].Handle != nil {
			vb.context.GraphicsCommandBuffers[i].Free(vb.context, vb.context.Device.GraphicsCommandPool)
		}
	}
	vb.context.GraphicsCommandBuffers = nil

	vb.context.Swapchain.SwapchainDestroy(vb.context)

	core.LogDebug("Destroying Vulkan device...")
	DeviceDestroy(vb.context)

	core.LogDebug("Destroying Vulkan surface...")
	if vb.context.Surface != vk.NullSurface {
		vk.DestroySurface(vb.context.Instance, vb.context.Surface, vb.context.Allocator)
		vb.context.Surface = vk.NullSurface
	}

	if vb.debug && vb.context.debugMessenger != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(vb.context.Instance, vb.context.debugMessenger, vb.context.Allocator)
	}

	core.LogDebug("Destroying Vulkan instance...")
	vk.DestroyInstance(vb.context.Instance, vb.context.Allocator)
	return nil
}

// Resize tears down and rebuilds every size-dependent resource. Growing from
// one extent to another and back lands on identical buffer dimensions, since
// everything is derived from the new extent alone.
func (vb *VulkanBackend) Resize(width, height uint32) error {
	vb.cachedFramebufferWidth = width
	vb.cachedFramebufferHeight = height
	vb.context.FramebufferSizeGeneration++

	core.LogInfo("renderer resized: w/h/gen %d/%d/%d", width, height, vb.context.FramebufferSizeGeneration)

	if width == 0 || height == 0 {
		// Minimized; BeginFrame skips until a real extent shows up.
		return nil
	}
	return vb.recreateSizedResources()
}

func (vb *VulkanBackend) recreateSizedResources() error {
	if vb.context.RecreatingSwapchain {
		return nil
	}
	if vb.cachedFramebufferWidth == 0 || vb.cachedFramebufferHeight == 0 {
		return nil
	}
	vb.context.RecreatingSwapchain = true

	vk.DeviceWaitIdle(vb.context.Device.LogicalDevice)

	for i := range vb.context.ImagesInFlight {
		vb.context.ImagesInFlight[i] = nil
	}

	DeviceQuerySwapchainSupport(vb.context.Device.PhysicalDevice, vb.context.Surface, &vb.context.Device.SwapchainSupport)
	DeviceDetectDepthFormat(vb.context.Device)

	sc, err := vb.context.Swapchain.SwapchainRecreate(vb.context, vb.cachedFramebufferWidth, vb.cachedFramebufferHeight)
	if err != nil {
		vb.context.RecreatingSwapchain = false
		return err
	}
	vb.context.Swapchain = sc

	vb.context.FramebufferWidth = vb.cachedFramebufferWidth
	vb.context.FramebufferHeight = vb.cachedFramebufferHeight
	vb.context.RenderWidth = vb.cachedFramebufferWidth
	vb.context.RenderHeight = vb.cachedFramebufferHeight
	vb.cachedFramebufferWidth = 0
	vb.cachedFramebufferHeight = 0
	vb.context.FramebufferSizeLastGeneration = vb.context.FramebufferSizeGeneration

	vb.destroyTargets()
	if err := vb.createTargets(vb.context.RenderWidth, vb.context.RenderHeight); err != nil {
		vb.context.RecreatingSwapchain = false
		return err
	}
	if err := vb.rewirePasses(); err != nil {
		vb.context.RecreatingSwapchain = false
		return err
	}

	if err := vb.createCommandBuffers(); err != nil {
		vb.context.RecreatingSwapchain = false
		return err
	}

	vb.context.RecreatingSwapchain = false
	return nil
}

func (vb *VulkanBackend) BeginFrame(deltaTime float64) error {
	device := vb.context.Device

	if vb.context.RecreatingSwapchain {
		if result := vk.DeviceWaitIdle(device.LogicalDevice); !VulkanResultIsSuccess(result) {
			return fmt.Errorf("BeginFrame vkDeviceWaitIdle failed: %s", VulkanResultString(result))
		}
		return core.ErrSwapchainBooting
	}

	if vb.context.FramebufferSizeGeneration != vb.context.FramebufferSizeLastGeneration {
		if err := vb.recreateSizedResources(); err != nil {
			core.LogError("failed to recreate swapchain: %s", err.Error())
			return err
		}
		if vb.context.FramebufferSizeGeneration != vb.context.FramebufferSizeLastGeneration {
			// Still minimized.
			return core.ErrSwapchainBooting
		}
		core.LogInfo("resized, booting frame")
		return core.ErrSwapchainBooting
	}

	if !vb.context.InFlightFences[vb.context.CurrentFrame].FenceWait(vb.context, frameFenceTimeoutNS) {
		return fmt.Errorf("in-flight fence wait failure")
	}

	// The previous frame using this slot is done; its timestamps are final.
	if collected := vb.timestamps.Collect(vb.context); collected != nil {
		vb.lastTimings = collected
	}

	imageIndex, ok := vb.context.Swapchain.SwapchainAcquireNextImageIndex(
		vb.context, gomath.MaxUint64,
		vb.context.ImageAvailableSemaphores[vb.context.CurrentFrame], vk.NullFence)
	if !ok {
		vb.cachedFramebufferWidth, vb.cachedFramebufferHeight = vb.platform.FramebufferSize()
		vb.context.FramebufferSizeGeneration++
		return core.ErrSwapchainBooting
	}
	vb.context.ImageIndex = imageIndex

	commandBuffer := vb.context.CurrentCommandBuffer()
	commandBuffer.Reset()
	if err := commandBuffer.Begin(false, false, false); err != nil {
		return err
	}
	vb.timestamps.Reset(commandBuffer)

	vb.presentSource = vb.resolvePair
	vb.presentReady = false
	return nil
}

func (vb *VulkanBackend) RenderScene(s *scene.Scene) error {
	if vb.scenePass == nil {
		return core.ErrProgramNotReady
	}
	vb.nearClip = s.Camera.NearClip

	commandBuffer := vb.context.CurrentCommandBuffer()
	vb.timestamps.Begin(commandBuffer, renderer.StageScene)
	err := vb.scenePass.Render(vb.context, commandBuffer, s, vb.context.RenderWidth, vb.context.RenderHeight)
	vb.timestamps.End(commandBuffer, renderer.StageScene)
	return err
}

// ResolveMultisample collapses the multisampled color plane into the
// single-sampled one.
func (vb *VulkanBackend) ResolveMultisample() error {
	commandBuffer := vb.context.CurrentCommandBuffer()
	vb.timestamps.Begin(commandBuffer, renderer.StageResolve)

	vb.resolvePair.Color.ImageTransitionLayout(
		commandBuffer,
		vk.ImageAspectFlags(vk.ImageAspectColorBit),
		vk.ImageLayoutUndefined, vk.ImageLayoutTransferDstOptimal)

	region := vk.ImageResolve{
		SrcSubresource: vk.ImageSubresourceLayers{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LayerCount: 1,
		},
		DstSubresource: vk.ImageSubresourceLayers{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LayerCount: 1,
		},
		Extent: vk.Extent3D{
			Width:  vb.context.RenderWidth,
			Height: vb.context.RenderHeight,
			Depth:  1,
		},
	}
	region.Deref()
	vk.CmdResolveImage(
		commandBuffer.Handle,
		vb.scenePair.Color.Handle, vk.ImageLayoutTransferSrcOptimal,
		vb.resolvePair.Color.Handle, vk.ImageLayoutTransferDstOptimal,
		1, []vk.ImageResolve{region})

	vb.resolvePair.Color.ImageTransitionLayout(
		commandBuffer,
		vk.ImageAspectFlags(vk.ImageAspectColorBit),
		vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutShaderReadOnlyOptimal)

	vb.timestamps.End(commandBuffer, renderer.StageResolve)
	return nil
}

// flushCommands submits everything recorded so far, waits for it, and reopens
// the command buffer. Only the blocking readback path pays this cost.
func (vb *VulkanBackend) flushCommands() error {
	commandBuffer := vb.context.CurrentCommandBuffer()
	if err := commandBuffer.End(); err != nil {
		return err
	}

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{commandBuffer.Handle},
	}
	if res := vk.QueueSubmit(vb.context.Device.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, nil); res != vk.Success {
		return fmt.Errorf("mid-frame submit failed: %s", VulkanResultString(res))
	}
	if res := vk.QueueWaitIdle(vb.context.Device.GraphicsQueue); res != vk.Success {
		return fmt.Errorf("mid-frame queue wait failed: %s", VulkanResultString(res))
	}

	commandBuffer.Reset()
	return commandBuffer.Begin(false, false, false)
}

func (vb *VulkanBackend) ReadbackColor() ([]byte, uint32, uint32, error) {
	if vb.tables == nil || vb.tables.Staging == nil {
		return nil, 0, 0, fmt.Errorf("no staging buffer for readback")
	}

	// The resolved image only exists once the recorded commands execute.
	if err := vb.flushCommands(); err != nil {
		return nil, 0, 0, err
	}

	width, height := vb.context.RenderWidth, vb.context.RenderHeight

	cb, err := AllocateAndBeginSingleUse(vb.context, vb.context.Device.GraphicsCommandPool)
	if err != nil {
		return nil, 0, 0, err
	}
	vb.resolvePair.Color.ImageTransitionLayout(
		cb,
		vk.ImageAspectFlags(vk.ImageAspectColorBit),
		vk.ImageLayoutShaderReadOnlyOptimal, vk.ImageLayoutTransferSrcOptimal)

	region := vk.BufferImageCopy{
		ImageSubresource: vk.ImageSubresourceLayers{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LayerCount: 1,
		},
		ImageExtent: vk.Extent3D{Width: width, Height: height, Depth: 1},
	}
	region.Deref()
	vk.CmdCopyImageToBuffer(
		cb.Handle,
		vb.resolvePair.Color.Handle, vk.ImageLayoutTransferSrcOptimal,
		vb.tables.Staging.Handle,
		1, []vk.BufferImageCopy{region})

	vb.resolvePair.Color.ImageTransitionLayout(
		cb,
		vk.ImageAspectFlags(vk.ImageAspectColorBit),
		vk.ImageLayoutTransferSrcOptimal, vk.ImageLayoutShaderReadOnlyOptimal)

	if err := cb.EndSingleUse(vb.context, vb.context.Device.GraphicsCommandPool, vb.context.Device.GraphicsQueue); err != nil {
		return nil, 0, 0, err
	}

	pixels, err := vb.tables.Staging.BufferReadData(vb.context, 0, vk.DeviceSize(width)*vk.DeviceSize(height)*4)
	if err != nil {
		return nil, 0, 0, err
	}
	return pixels, width, height, nil
}

func (vb *VulkanBackend) ComputeTableGPU() error {
	if vb.satPass == nil {
		return core.ErrProgramNotReady
	}
	commandBuffer := vb.context.CurrentCommandBuffer()
	vb.timestamps.Begin(commandBuffer, renderer.StageComputeSAT)
	vb.satPass.Record(commandBuffer, vb.tables)
	vb.timestamps.End(commandBuffer, renderer.StageComputeSAT)
	return nil
}

func (vb *VulkanBackend) UploadTable(t *sat.Table) error {
	if vb.tables == nil || vb.tables.Staging == nil {
		return fmt.Errorf("no table buffers to upload into")
	}
	if t.Plan.Width != vb.tables.Plan.Width || t.Plan.Height != vb.tables.Plan.Height {
		return fmt.Errorf("host table is %dx%d, device expects %dx%d",
			t.Plan.Width, t.Plan.Height, vb.tables.Plan.Width, vb.tables.Plan.Height)
	}

	var dst *VulkanBuffer
	switch t.Orientation {
	case sat.OrientationRows:
		dst = vb.tables.Rows
	case sat.OrientationColumns:
		dst = vb.tables.Columns
	default:
		return fmt.Errorf("unknown table orientation %s", t.Orientation.String())
	}

	data := unsafe.Slice((*byte)(unsafe.Pointer(&t.Texels[0])), len(t.Texels)*texelBytes)
	if err := vb.tables.Staging.BufferLoadData(vb.context, 0, data); err != nil {
		return err
	}

	commandBuffer := vb.context.CurrentCommandBuffer()
	vb.timestamps.Begin(commandBuffer, renderer.StageUpload)
	vb.tables.Staging.BufferCopyTo(commandBuffer, dst, 0, 0, vk.DeviceSize(len(data)))

	barrier := vk.BufferMemoryBarrier{
		SType:               vk.StructureTypeBufferMemoryBarrier,
		SrcAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit),
		DstAccessMask:       vk.AccessFlags(vk.AccessShaderReadBit),
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Buffer:              dst.Handle,
		Size:                vk.DeviceSize(vk.WholeSize),
	}
	barrier.Deref()
	vk.CmdPipelineBarrier(
		commandBuffer.Handle,
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		vk.PipelineStageFlags(vk.PipelineStageFragmentShaderBit),
		0, 0, nil,
		1, []vk.BufferMemoryBarrier{barrier},
		0, nil)
	vb.timestamps.End(commandBuffer, renderer.StageUpload)

	vb.tables.Authoritative = t.Orientation
	return nil
}

func (vb *VulkanBackend) BlurDepthOfField(focusDepth float32) error {
	if vb.dofPass == nil {
		return core.ErrProgramNotReady
	}
	commandBuffer := vb.context.CurrentCommandBuffer()

	RecordDepthReadable(commandBuffer, vb.scenePair.Depth)
	if vb.satPass != nil {
		vb.satPass.RecordTableReady(commandBuffer, vb.tables)
	}

	vb.timestamps.Begin(commandBuffer, renderer.StageDepthOfField)
	vb.dofPass.Render(commandBuffer, vb.tables, focusDepth, vb.nearClip, vb.context.RenderWidth, vb.context.RenderHeight)
	vb.timestamps.End(commandBuffer, renderer.StageDepthOfField)

	vb.presentSource = vb.blurPair
	return nil
}

func (vb *VulkanBackend) RenderOverlay() error {
	if vb.overlayPass == nil || vb.overlay == nil {
		return core.ErrProgramNotReady
	}
	commandBuffer := vb.context.CurrentCommandBuffer()

	vb.timestamps.Begin(commandBuffer, renderer.StageUI)
	err := vb.overlayPass.Render(vb.context, commandBuffer, vb.overlay, vb.presentSource.Color, vb.context.RenderWidth, vb.context.RenderHeight)
	vb.timestamps.End(commandBuffer, renderer.StageUI)
	if err != nil {
		return err
	}

	// The overlay render pass ends with the image in transfer-src layout.
	vb.presentReady = true
	return nil
}

func (vb *VulkanBackend) BlitToWindow() error {
	commandBuffer := vb.context.CurrentCommandBuffer()
	vb.timestamps.Begin(commandBuffer, renderer.StagePresent)

	if !vb.presentReady {
		vb.presentSource.Color.ImageTransitionLayout(
			commandBuffer,
			vk.ImageAspectFlags(vk.ImageAspectColorBit),
			vk.ImageLayoutShaderReadOnlyOptimal, vk.ImageLayoutTransferSrcOptimal)
		vb.presentReady = true
	}

	backbuffer := vb.context.Swapchain.Images[vb.context.ImageIndex]
	swapchainImageBarrier(commandBuffer, backbuffer,
		vk.ImageLayoutUndefined, vk.ImageLayoutTransferDstOptimal,
		0, vk.AccessFlags(vk.AccessTransferWriteBit),
		vk.PipelineStageFlags(vk.PipelineStageTopOfPipeBit), vk.PipelineStageFlags(vk.PipelineStageTransferBit))

	srcW, srcH := int32(vb.context.RenderWidth), int32(vb.context.RenderHeight)
	dstW, dstH := int32(vb.context.Swapchain.Extent.Width), int32(vb.context.Swapchain.Extent.Height)

	blit := vk.ImageBlit{
		SrcSubresource: vk.ImageSubresourceLayers{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LayerCount: 1,
		},
		DstSubresource: vk.ImageSubresourceLayers{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LayerCount: 1,
		},
	}
	blit.SrcOffsets[1] = vk.Offset3D{X: srcW, Y: srcH, Z: 1}
	blit.DstOffsets[1] = vk.Offset3D{X: dstW, Y: dstH, Z: 1}
	blit.Deref()

	// Identity blits keep every pixel exact; only a real scale filters.
	filter := vk.FilterNearest
	if srcW != dstW || srcH != dstH {
		filter = vk.FilterLinear
	}
	vk.CmdBlitImage(
		commandBuffer.Handle,
		vb.presentSource.Color.Handle, vk.ImageLayoutTransferSrcOptimal,
		backbuffer, vk.ImageLayoutTransferDstOptimal,
		1, []vk.ImageBlit{blit},
		filter)

	swapchainImageBarrier(commandBuffer, backbuffer,
		vk.ImageLayoutTransferDstOptimal, vk.ImageLayoutPresentSrc,
		vk.AccessFlags(vk.AccessTransferWriteBit), 0,
		vk.PipelineStageFlags(vk.PipelineStageTransferBit), vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit))

	vb.timestamps.End(commandBuffer, renderer.StagePresent)
	return nil
}

func swapchainImageBarrier(commandBuffer *VulkanCommandBuffer, image vk.Image, oldLayout, newLayout vk.ImageLayout, srcAccess, dstAccess vk.AccessFlags, srcStage, dstStage vk.PipelineStageFlags) {
	barrier := vk.ImageMemoryBarrier{
		SType:               vk.StructureTypeImageMemoryBarrier,
		OldLayout:           oldLayout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
		DstQueueFamilyIndex: vk.QueueFamilyIgnored,
		Image:               image,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: 1,
			LayerCount: 1,
		},
		SrcAccessMask: srcAccess,
		DstAccessMask: dstAccess,
	}
	barrier.Deref()
	vk.CmdPipelineBarrier(
		commandBuffer.Handle,
		srcStage, dstStage,
		0, 0, nil, 0, nil,
		1, []vk.ImageMemoryBarrier{barrier})
}

func (vb *VulkanBackend) EndFrame(deltaTime float64) error {
	commandBuffer := vb.context.CurrentCommandBuffer()
	if err := commandBuffer.End(); err != nil {
		return err
	}

	// Make sure the previous frame is not still using this image.
	if vb.context.ImagesInFlight[vb.context.ImageIndex] != nil {
		vb.context.ImagesInFlight[vb.context.ImageIndex].FenceWait(vb.context, gomath.MaxUint64)
	}
	vb.context.ImagesInFlight[vb.context.ImageIndex] = vb.context.InFlightFences[vb.context.CurrentFrame]
	vb.context.InFlightFences[vb.context.CurrentFrame].FenceReset(vb.context)

	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{commandBuffer.Handle},
		SignalSemaphoreCount: 1,
		PSignalSemaphores:    []vk.Semaphore{vb.context.QueueCompleteSemaphores[vb.context.CurrentFrame]},
		WaitSemaphoreCount:   1,
		PWaitSemaphores:      []vk.Semaphore{vb.context.ImageAvailableSemaphores[vb.context.CurrentFrame]},
		// The backbuffer is only touched by the final blit.
		PWaitDstStageMask: []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageTransferBit)},
	}
	if result := vk.QueueSubmit(vb.context.Device.GraphicsQueue, 1, []vk.SubmitInfo{submitInfo}, vb.context.InFlightFences[vb.context.CurrentFrame].Handle); result != vk.Success {
		err := fmt.Errorf("vkQueueSubmit failed with result: %s", VulkanResultString(result))
		core.LogError(err.Error())
		return err
	}
	commandBuffer.UpdateSubmitted()

	if !vb.context.Swapchain.SwapchainPresent(
		vb.context,
		vb.context.Device.PresentQueue,
		vb.context.QueueCompleteSemaphores[vb.context.CurrentFrame],
		vb.context.ImageIndex) {
		vb.cachedFramebufferWidth, vb.cachedFramebufferHeight = vb.platform.FramebufferSize()
		vb.context.FramebufferSizeGeneration++
	}
	return nil
}

func (vb *VulkanBackend) ProgramReady(role assets.ProgramRole) bool {
	if !vb.programs[role].Usable() {
		return false
	}
	switch role {
	case assets.ProgramScene:
		return vb.scenePass != nil
	case assets.ProgramSATUpsweep, assets.ProgramSATDownsweep, assets.ProgramSATTranspose:
		return vb.satPass != nil
	case assets.ProgramDepthOfField:
		return vb.dofPass != nil
	case assets.ProgramOverlay:
		return vb.overlayPass != nil
	default:
		return false
	}
}

// ReloadPrograms rebuilds the device programs and pipelines for roles whose
// SPIR-V changed on disk. Pipelines in flight are drained first.
func (vb *VulkanBackend) ReloadPrograms(roles []assets.ProgramRole) error {
	if len(roles) == 0 {
		return nil
	}
	vk.DeviceWaitIdle(vb.context.Device.LogicalDevice)

	changed := make(map[assets.ProgramRole]bool, len(roles))
	for _, role := range roles {
		program := vb.shaders.Program(role)
		if program == nil || !program.Valid {
			continue
		}
		vp, err := ProgramCreate(vb.context, program)
		if err != nil {
			core.LogError("reload of %s failed: %s", role.String(), err.Error())
			continue
		}
		if old := vb.programs[role]; old != nil {
			old.ProgramDestroy(vb.context)
		}
		vb.programs[role] = vp
		changed[role] = true
		core.LogInfo("reloaded program %s (generation %d)", role.String(), vp.Generation)
	}

	if changed[assets.ProgramScene] {
		if err := vb.reloadScenePass(); err != nil {
			return err
		}
	}
	if changed[assets.ProgramSATUpsweep] || changed[assets.ProgramSATDownsweep] || changed[assets.ProgramSATTranspose] {
		if err := vb.reloadSATPass(); err != nil {
			return err
		}
	}
	if changed[assets.ProgramDepthOfField] {
		if err := vb.reloadDoFPass(); err != nil {
			return err
		}
	}
	if changed[assets.ProgramOverlay] {
		if err := vb.reloadOverlayPass(); err != nil {
			return err
		}
	}
	return nil
}

func (vb *VulkanBackend) reloadScenePass() error {
	vp := vb.programs[assets.ProgramScene]
	if vb.scenePass != nil {
		return vb.scenePass.RebuildPipeline(vb.context, vp)
	}
	sp, err := ScenePassCreate(vb.context, vp, vb.sampleCount)
	if err != nil {
		return err
	}
	vb.scenePass = sp
	return vb.scenePass.RebuildFramebuffer(vb.context, vb.scenePair)
}

func (vb *VulkanBackend) reloadSATPass() error {
	up, down, trans := vb.programs[assets.ProgramSATUpsweep], vb.programs[assets.ProgramSATDownsweep], vb.programs[assets.ProgramSATTranspose]
	if !up.Usable() || !down.Usable() || !trans.Usable() {
		return nil
	}
	if vb.satPass != nil {
		return vb.satPass.RebuildPipelines(vb.context, up, down, trans)
	}
	sp, err := SATPassCreate(vb.context, up, down, trans)
	if err != nil {
		return err
	}
	vb.satPass = sp
	vb.satPass.RewireBuffers(vb.context, vb.tables, vb.resolvePair.Color)
	return nil
}

func (vb *VulkanBackend) reloadDoFPass() error {
	vp := vb.programs[assets.ProgramDepthOfField]
	if vb.dofPass != nil {
		return vb.dofPass.RebuildPipeline(vb.context, vp)
	}
	dp, err := DoFPassCreate(vb.context, vp)
	if err != nil {
		return err
	}
	vb.dofPass = dp
	if err := vb.dofPass.RebuildFramebuffer(vb.context, vb.blurPair); err != nil {
		return err
	}
	return vb.dofPass.RewireInputs(vb.context, vb.resolvePair.Color, vb.scenePair.Depth, vb.tables)
}

func (vb *VulkanBackend) reloadOverlayPass() error {
	vp := vb.programs[assets.ProgramOverlay]
	if vb.overlayPass != nil {
		return vb.overlayPass.RebuildPipeline(vb.context, vp)
	}
	if vb.overlay == nil {
		return nil
	}
	op, err := OverlayPassCreate(vb.context, vp, vb.overlay)
	if err != nil {
		return err
	}
	vb.overlayPass = op
	return vb.overlayPass.RebuildFramebuffers(vb.context, vb.context.RenderWidth, vb.context.RenderHeight, vb.resolvePair.Color, vb.blurPair.Color)
}

func (vb *VulkanBackend) DeviceTimings() map[renderer.StageID]renderer.Span {
	return vb.lastTimings
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType, object uint64, location uint64, messageCode int32, pLayerPrefix string, pMessage string, pUserData unsafe.Pointer) vk.Bool32 {
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		core.LogError("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		core.LogWarn("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	default:
		core.LogInfo("[%s] Code %d : %s", pLayerPrefix, messageCode, pMessage)
	}
	return vk.Bool32(vk.False)
}
