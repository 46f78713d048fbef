package sdruntime

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// newTestFrames returns n 4x4 RGB frames owned by eng's counters.
func newTestFrames(eng *StubEngine, n int) *stubFrames {
	f := &stubFrames{e: eng, frames: make([]NativeImage, n), freed: make([]bool, n)}
	for i := range f.frames {
		data := make([]byte, 4*4*3)
		for j := range data {
			data[j] = byte(i + j)
		}
		f.frames[i] = NativeImage{Width: 4, Height: 4, Channels: 3, Data: data}
	}
	return f
}

// failingAt returns an allocator that fails on its (i+1)th call.
func failingAt(i int) Allocator {
	calls := 0
	return func(n int) ([]byte, error) {
		defer func() { calls++ }()
		if calls == i {
			return nil, fmt.Errorf("simulated allocation failure")
		}
		return make([]byte, n), nil
	}
}

func TestMarshalFrames_Success(t *testing.T) {
	eng := NewStubEngine()
	frames := newTestFrames(eng, 3)

	out, err := marshalFrames("test", frames, LimitAllocator(DefaultMaxFrameBytes))
	if err != nil {
		t.Fatalf("marshalFrames() error: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("got %d frames, want 3", len(out))
	}
	for i, f := range out {
		if f.Pixels[0] != byte(i) {
			t.Errorf("frame %d first byte = %d, want %d", i, f.Pixels[0], i)
		}
	}
	st := eng.Stats()
	if st.FrameFrees != 3 || st.ArrayFrees != 1 || st.DoubleFrees != 0 {
		t.Errorf("stats = %+v, want 3 frame frees, 1 array free", st)
	}
}

func TestMarshalFrames_AllocationFailure(t *testing.T) {
	const n = 5
	for i := 0; i < n; i++ {
		t.Run(fmt.Sprintf("fail at frame %d", i), func(t *testing.T) {
			eng := NewStubEngine()
			out, err := marshalFrames("test", newTestFrames(eng, n), failingAt(i))
			if out != nil {
				t.Errorf("marshalFrames() returned %d frames on failure", len(out))
			}
			if !errors.Is(err, ErrAllocationFailed) {
				t.Errorf("error = %v, want ErrAllocationFailed", err)
			}
			st := eng.Stats()
			if st.FrameFrees != n || st.ArrayFrees != 1 || st.DoubleFrees != 0 {
				t.Errorf("frees = %d frame, %d array, %d double; want %d, 1, 0",
					st.FrameFrees, st.ArrayFrees, st.DoubleFrees, n)
			}
		})
	}
}

func TestMarshalFrames_BadFrameData(t *testing.T) {
	tests := []struct {
		name   string
		mangle func(f *stubFrames)
	}{
		{"missing data", func(f *stubFrames) { f.frames[2].Data = nil }},
		{"short data", func(f *stubFrames) { f.frames[1].Data = f.frames[1].Data[:10] }},
		{"zero width", func(f *stubFrames) { f.frames[0].Width = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := NewStubEngine()
			frames := newTestFrames(eng, 4)
			tt.mangle(frames)
			_, err := marshalFrames("test", frames, LimitAllocator(DefaultMaxFrameBytes))
			if !errors.Is(err, ErrGenerationFailed) {
				t.Errorf("error = %v, want ErrGenerationFailed", err)
			}
			st := eng.Stats()
			if st.FrameFrees != 4 || st.ArrayFrees != 1 || st.DoubleFrees != 0 {
				t.Errorf("stats = %+v, want 4 frame frees, 1 array free", st)
			}
		})
	}
}

func TestLimitAllocator(t *testing.T) {
	alloc := LimitAllocator(100)
	tests := []struct {
		n       int
		wantErr bool
	}{
		{0, false}, {100, false}, {101, true}, {-1, true},
	}
	for _, tt := range tests {
		buf, err := alloc(tt.n)
		if (err != nil) != tt.wantErr {
			t.Errorf("alloc(%d) error = %v, wantErr %v", tt.n, err, tt.wantErr)
		}
		if err == nil && len(buf) != tt.n {
			t.Errorf("alloc(%d) len = %d", tt.n, len(buf))
		}
	}
}

func TestGenerate_MarshallingFailures(t *testing.T) {
	t.Run("allocation limit", func(t *testing.T) {
		eng := NewStubEngine()
		ld := NewLoader(eng, WithAllocator(LimitAllocator(64*64*3-1)))
		h := openFull(t, ld)
		_, err := h.GenerateVideo(context.Background(), videoRequest("x", 3, 64, 2, 1), nil)
		if !errors.Is(err, ErrAllocationFailed) {
			t.Errorf("error = %v, want ErrAllocationFailed", err)
		}
		st := eng.Stats()
		if st.FrameFrees != 3 || st.ArrayFrees != 1 || st.DoubleFrees != 0 {
			t.Errorf("stats = %+v, want 3 frame frees, 1 array free", st)
		}
	})

	t.Run("missing frame data", func(t *testing.T) {
		eng := NewStubEngine()
		eng.MissingFrameData = 1
		h := openFull(t, NewLoader(eng))
		_, err := h.GenerateVideo(context.Background(), videoRequest("x", 3, 64, 2, 1), nil)
		if !errors.Is(err, ErrGenerationFailed) {
			t.Errorf("error = %v, want ErrGenerationFailed", err)
		}
		st := eng.Stats()
		if st.FrameFrees != 3 || st.ArrayFrees != 1 || st.DoubleFrees != 0 {
			t.Errorf("stats = %+v, want 3 frame frees, 1 array free", st)
		}
	})
}
