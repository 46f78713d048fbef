// marshal.go implements the Result Marshaller: native frame buffers are
// copied into caller-owned frames and released exactly once on every path.
package sdruntime

import (
	"fmt"
)

// DefaultMaxFrameBytes caps the pixel bytes of one result frame.
const DefaultMaxFrameBytes = 256 << 20

// Allocator returns a buffer of n bytes for one result frame.
type Allocator func(n int) ([]byte, error)

// LimitAllocator returns an Allocator that refuses frames larger than maxBytes.
func LimitAllocator(maxBytes int) Allocator {
	return func(n int) ([]byte, error) {
		if n < 0 || n > maxBytes {
			return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, maxBytes)
		}
		return make([]byte, n), nil
	}
}

// marshalFrames copies every native frame into a caller-owned slice.
//
// Frame i's native buffer is freed right after it is copied. If frame i
// cannot be copied, buffers i..n-1 are freed in one sweep and frames 0..i-1
// are not touched again. The frame array is freed once on every path.
func marshalFrames(op string, frames NativeFrames, alloc Allocator) (out []Frame, err error) {
	defer frames.Free()

	n := frames.Len()
	out = make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		img := frames.Frame(i)
		if img.Data == nil {
			sweep(frames, i, n)
			return nil, opError(op, ErrGenerationFailed, "frame %d of %d has no pixel data", i, n)
		}
		size := ImageDataSize(img.Width, img.Height, img.Channels)
		if img.Width <= 0 || img.Height <= 0 || img.Channels <= 0 || len(img.Data) < size {
			sweep(frames, i, n)
			return nil, opError(op, ErrGenerationFailed, "frame %d is malformed (%dx%dx%d, %d bytes)",
				i, img.Width, img.Height, img.Channels, len(img.Data))
		}

		buf, aerr := alloc(size)
		if aerr != nil || len(buf) < size {
			sweep(frames, i, n)
			return nil, &Error{Op: op, Message: fmt.Sprintf("frame %d of %d: %v", i, n, aerr), Err: ErrAllocationFailed}
		}
		copy(buf, img.Data[:size])
		frames.FreeData(i)

		out = append(out, Frame{
			Width:    img.Width,
			Height:   img.Height,
			Channels: img.Channels,
			Pixels:   buf[:size],
		})
	}
	return out, nil
}

// sweep frees the native buffers of frames from..to-1.
func sweep(frames NativeFrames, from, to int) {
	for j := from; j < to; j++ {
		frames.FreeData(j)
	}
}
