package core

import "sync"

type Button uint16

const (
	BUTTON_LEFT Button = iota
	BUTTON_RIGHT
	BUTTON_MIDDLE
	BUTTON_MAX_BUTTONS
)

// Key code definitions
type KeyCode uint16

const (
	KEY_ENTER  KeyCode = 0x0D
	KEY_TAB    KeyCode = 0x09
	KEY_ESCAPE KeyCode = 0x1B
	KEY_SPACE  KeyCode = 0x20
	KEY_LEFT   KeyCode = 0x25
	KEY_UP     KeyCode = 0x26
	KEY_RIGHT  KeyCode = 0x27
	KEY_DOWN   KeyCode = 0x28
	KEY_A      KeyCode = 0x41
	KEY_B      KeyCode = 0x42
	KEY_C      KeyCode = 0x43
	KEY_D      KeyCode = 0x44
	KEY_F      KeyCode = 0x46
	KEY_G      KeyCode = 0x47
	KEY_S      KeyCode = 0x53
	KEY_W      KeyCode = 0x57
	KEYS_MAX_KEYS KeyCode = 0x100
)

type keyboardState struct {
	keys [KEYS_MAX_KEYS]bool
}

type mouseState struct {
	posX, posY float64
	buttons    [BUTTON_MAX_BUTTONS]bool
}

type inputState struct {
	keyboardCurrent  keyboardState
	keyboardPrevious keyboardState
	mouseCurrent     mouseState
	mousePrevious    mouseState
}

var onceInput sync.Once
var input *inputState

func InputInitialize() error {
	onceInput.Do(func() {
		input = &inputState{}
	})
	return nil
}

func InputShutdown() error {
	input = nil
	return nil
}

// InputUpdate copies current states to previous states. Should be called at
// the very end of a frame, after all input for the frame has been recorded.
func InputUpdate(deltaTime float64) {
	if input == nil {
		return
	}
	input.keyboardPrevious = input.keyboardCurrent
	input.mousePrevious = input.mouseCurrent
}

func InputProcessKey(keyCode KeyCode, pressed bool) {
	if input == nil || input.keyboardCurrent.keys[keyCode] == pressed {
		return
	}
	input.keyboardCurrent.keys[keyCode] = pressed

	ctx := EventContext{
		Type: EVENT_CODE_KEY_PRESSED,
		Data: &KeyEvent{KeyCode: keyCode},
	}
	if !pressed {
		ctx.Type = EVENT_CODE_KEY_RELEASED
	}
	EventFire(ctx)
}

func InputProcessButton(button Button, pressed bool) {
	if input == nil || input.mouseCurrent.buttons[button] == pressed {
		return
	}
	input.mouseCurrent.buttons[button] = pressed

	ctx := EventContext{
		Type: EVENT_CODE_BUTTON_PRESSED,
		Data: &MouseEvent{Button: button, PosX: input.mouseCurrent.posX, PosY: input.mouseCurrent.posY},
	}
	if !pressed {
		ctx.Type = EVENT_CODE_BUTTON_RELEASED
	}
	EventFire(ctx)
}

func InputProcessMouseMove(x, y float64) {
	if input == nil {
		return
	}
	if input.mouseCurrent.posX != x || input.mouseCurrent.posY != y {
		input.mouseCurrent.posX = x
		input.mouseCurrent.posY = y
		EventFire(EventContext{
			Type: EVENT_CODE_MOUSE_MOVED,
			Data: &MouseEvent{PosX: x, PosY: y},
		})
	}
}

func InputProcessMouseWheel(delta float64) {
	if input == nil || delta == 0 {
		return
	}
	EventFire(EventContext{
		Type: EVENT_CODE_MOUSE_WHEEL,
		Data: &MouseEvent{PosX: input.mouseCurrent.posX, PosY: input.mouseCurrent.posY, WheelDelta: delta},
	})
}

func InputIsKeyDown(keyCode KeyCode) bool {
	return input != nil && input.keyboardCurrent.keys[keyCode]
}

func InputWasKeyDown(keyCode KeyCode) bool {
	return input != nil && input.keyboardPrevious.keys[keyCode]
}

func InputIsButtonDown(button Button) bool {
	return input != nil && input.mouseCurrent.buttons[button]
}

func InputWasButtonDown(button Button) bool {
	return input != nil && input.mousePrevious.buttons[button]
}

// InputMousePosition returns the current mouse position in window coordinates.
func InputMousePosition() (float64, float64) {
	if input == nil {
		return 0, 0
	}
	return input.mouseCurrent.posX, input.mouseCurrent.posY
}
