package core

import "sync"

// System internal event codes. Application should use codes beyond 255.
type SystemEventCode int

const (
	// Shuts the application down on the next frame.
	EVENT_CODE_APPLICATION_QUIT SystemEventCode = 0x01

	// Keyboard key pressed. Data is *KeyEvent.
	EVENT_CODE_KEY_PRESSED SystemEventCode = 0x02

	// Keyboard key released. Data is *KeyEvent.
	EVENT_CODE_KEY_RELEASED SystemEventCode = 0x03

	// Mouse button pressed. Data is *MouseEvent.
	EVENT_CODE_BUTTON_PRESSED SystemEventCode = 0x04

	// Mouse button released. Data is *MouseEvent.
	EVENT_CODE_BUTTON_RELEASED SystemEventCode = 0x05

	// Mouse moved. Data is *MouseEvent.
	EVENT_CODE_MOUSE_MOVED SystemEventCode = 0x06

	// Mouse wheel scrolled. Data is *MouseEvent.
	EVENT_CODE_MOUSE_WHEEL SystemEventCode = 0x07

	// Resized/resolution changed from the OS. Data is *SystemEvent.
	EVENT_CODE_RESIZED SystemEventCode = 0x08

	MAX_EVENT_CODE SystemEventCode = 0xFF
)

type EventContext struct {
	Type SystemEventCode
	Data interface{}
}

type KeyEvent struct {
	KeyCode KeyCode
}

type MouseEvent struct {
	Button     Button
	PosX, PosY float64
	WheelDelta float64
}

type SystemEvent struct {
	WindowWidth  uint32
	WindowHeight uint32
}

// Handler callbacks registered for an event code.
type FnOnEvent func(context EventContext)

type eventSystemState struct {
	registered map[SystemEventCode][]FnOnEvent
	queue      chan EventContext
	done       chan struct{}
}

var onceEvent sync.Once
var eventState *eventSystemState

func EventSystemInitialize() bool {
	onceEvent.Do(func() {
		eventState = &eventSystemState{
			registered: make(map[SystemEventCode][]FnOnEvent),
			queue:      make(chan EventContext, 256),
			done:       make(chan struct{}),
		}
	})
	return eventState != nil
}

func EventSystemShutdown() error {
	if eventState != nil {
		close(eventState.done)
	}
	return nil
}

// Register to listen for when events are sent with the provided code.
func EventRegister(code SystemEventCode, onEvent FnOnEvent) {
	if eventState == nil {
		return
	}
	eventState.registered[code] = append(eventState.registered[code], onEvent)
}

// Fires an event to listeners of the given code. Non-blocking; events fired
// while the queue is full are dropped with a warning.
func EventFire(context EventContext) {
	if eventState == nil {
		return
	}
	select {
	case eventState.queue <- context:
	default:
		LogWarn("event queue full, dropping event code %d", context.Type)
	}
}

// ProcessEvents dispatches queued events to their listeners. Intended to run
// in its own goroutine for the lifetime of the engine.
func ProcessEvents() {
	for {
		select {
		case <-eventState.done:
			return
		case ctx := <-eventState.queue:
			for _, cb := range eventState.registered[ctx.Type] {
				cb(ctx)
			}
		}
	}
}
