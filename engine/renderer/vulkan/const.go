package vulkan

const (
	// Frames the CPU may record ahead of the device.
	maxFramesInFlight = 2

	// How long BeginFrame waits on the previous frame's fence before giving
	// up on the frame entirely.
	frameFenceTimeoutNS = 1_000_000_000
)
