package types

import "image"

// FrameTask represents a single decoded frame sent to a worker for correction
type FrameTask struct {
	Index int
	Frame *image.RGBA
}

// FrameResult is a corrected frame on its way back to the ordered sink
type FrameResult struct {
	Index int
	Frame *image.RGBA
}
