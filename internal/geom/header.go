package geom

import "time"

// Header carries the acquisition time and coordinate frame of a message.
type Header struct {
	Stamp   time.Time `json:"stamp"`
	FrameID string    `json:"frame_id"`
}
