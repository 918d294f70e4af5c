package model

import "time"

// CaptureSlot is one of the four semantic capture points of a session.
type CaptureSlot string

const (
	SlotLPRTimestamp CaptureSlot = "LPR_TIMESTAMP"
	SlotCaneFull     CaptureSlot = "CANE_FULL"
	SlotCaneMid      CaptureSlot = "CANE_MID"
	SlotCaneLow      CaptureSlot = "CANE_LOW"
)

// SlotOrder is the fixed report order of the capture slots.
var SlotOrder = []CaptureSlot{SlotLPRTimestamp, SlotCaneFull, SlotCaneMid, SlotCaneLow}

// View returns the camera a slot is captured from.
func (s CaptureSlot) View() CameraView {
	if s == SlotLPRTimestamp {
		return ViewFront
	}
	return ViewTop
}

// Index returns the slot position in SlotOrder, or -1.
func (s CaptureSlot) Index() int {
	for i, slot := range SlotOrder {
		if slot == s {
			return i
		}
	}
	return -1
}

// CaptureRecord is an immutable still-image capture bound to a session slot.
type CaptureRecord struct {
	ID             string      `json:"capture_id"`
	SessionID      string      `json:"session_id"`
	Slot           CaptureSlot `json:"slot"`
	CameraView     CameraView  `json:"camera_view"`
	FrameReference string      `json:"frame_reference"`
	CapturedAt     time.Time   `json:"captured_at"`
}
