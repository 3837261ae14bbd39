package core

import (
	"errors"
)

var (
	ErrSwapchainBooting = errors.New("swapchain resized or recreated, booting")
	// ErrProgramNotReady signals that a GPU program has not finished compiling.
	// Stages absorb it locally by skipping their work for the frame.
	ErrProgramNotReady = errors.New("shader program not ready")
	ErrUnknown         = errors.New("unknown")
)
