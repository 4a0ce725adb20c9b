// Package uiautomator2 is the automation driver backend: an HTTP client for
// the on-device uiautomator2 server plus adb for app lifecycle.
package uiautomator2

// response is the standard uiautomator2 server response envelope.
type response struct {
	SessionID string      `json:"sessionId"`
	Value     interface{} `json:"value"`
}

// capabilities for session creation.
type capabilities struct {
	PlatformName string `json:"platformName,omitempty"`
	DeviceName   string `json:"deviceName,omitempty"`
}

type sessionRequest struct {
	Capabilities capabilities `json:"capabilities"`
}

// pointModel represents screen coordinates.
type pointModel struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// rectModel is the left/top/width/height rectangle the gesture APIs expect.
type rectModel struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// clickRequest for tap gestures.
type clickRequest struct {
	Offset *pointModel `json:"offset,omitempty"`
}

// longClickRequest for long press gestures.
type longClickRequest struct {
	Offset   *pointModel `json:"offset,omitempty"`
	Duration int         `json:"duration,omitempty"` // milliseconds
}

// swipeRequest for directional swipe gestures.
type swipeRequest struct {
	Area      *rectModel `json:"area,omitempty"`
	Direction string     `json:"direction"` // up, down, left, right
	Percent   float64    `json:"percent"`   // 0.0 - 1.0
	Speed     int        `json:"speed,omitempty"`
}

// keysRequest for typing into the focused element.
type keysRequest struct {
	Text string `json:"text"`
}
