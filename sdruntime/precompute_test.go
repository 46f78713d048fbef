package sdruntime

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func openEncoder(t *testing.T, ld *Loader) *Handle {
	t.Helper()
	h, err := ld.CreateEncoderOnly(modelFile(t, "umt5-xxl.gguf"))
	if err != nil {
		t.Fatalf("CreateEncoderOnly() error: %v", err)
	}
	t.Cleanup(h.Destroy)
	return h
}

func TestPrecomputeCondition_EncoderOnly(t *testing.T) {
	ld, eng := newStubLoader(t)
	h := openEncoder(t, ld)

	p, err := h.PrecomputeCondition("a red cube", 512, 512, -1)
	if err != nil {
		t.Fatalf("PrecomputeCondition() error: %v", err)
	}
	if p.CrossAttn == nil || !cmp.Equal(p.CrossAttn.Shape, []int{16, 8}) {
		t.Errorf("CrossAttn = %+v, want shape [16 8]", p.CrossAttn)
	}
	if p.Vector == nil || len(p.Vector.Data) != 32 {
		t.Errorf("Vector = %+v, want 32 elements", p.Vector)
	}
	if p.Concat != nil {
		t.Errorf("Concat = %+v, want absent", p.Concat)
	}

	st := eng.Stats()
	if st.ArenaFrees != 1 || st.EncodeCalls != 1 {
		t.Errorf("ArenaFrees=%d EncodeCalls=%d, want 1 and 1", st.ArenaFrees, st.EncodeCalls)
	}
}

func TestPrecomputeCondition_StagesAgree(t *testing.T) {
	ld, eng := newStubLoader(t)
	enc := openEncoder(t, ld)
	full := openFull(t, ld)

	a, err := enc.PrecomputeCondition("a red cube", 256, 256, 2)
	if err != nil {
		t.Fatalf("encoder-only PrecomputeCondition() error: %v", err)
	}
	b, err := full.PrecomputeCondition("a red cube", 256, 256, 2)
	if err != nil {
		t.Fatalf("full PrecomputeCondition() error: %v", err)
	}
	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("stages disagree (-encoder +full):\n%s", diff)
	}
	if st := eng.Stats(); st.ConditionFrees != 1 {
		t.Errorf("ConditionFrees = %d, want 1", st.ConditionFrees)
	}

	c, err := enc.PrecomputeCondition("a blue sphere", 256, 256, 2)
	if err != nil {
		t.Fatal(err)
	}
	if cmp.Equal(a, c) {
		t.Error("different prompts produced identical payloads")
	}
}

func TestPrecompute_NegativePrompt(t *testing.T) {
	empty := ""
	tests := []struct {
		name        string
		negative    *string
		wantUncond  bool
		wantEncodes int64
	}{
		{"no negative", nil, false, 1},
		{"empty negative", &empty, true, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ld, eng := newStubLoader(t)
			h := openEncoder(t, ld)
			c, err := h.Precompute(ConditionRequest{
				Prompt: "a red cube", NegativePrompt: tt.negative,
				Width: 64, Height: 64, ClipSkip: -1,
			})
			if err != nil {
				t.Fatalf("Precompute() error: %v", err)
			}
			if (c.Uncond != nil) != tt.wantUncond {
				t.Errorf("Uncond present = %v, want %v", c.Uncond != nil, tt.wantUncond)
			}
			if got := eng.Stats().EncodeCalls; got != tt.wantEncodes {
				t.Errorf("EncodeCalls = %d, want %d", got, tt.wantEncodes)
			}
		})
	}
}

func TestPrecomputeCondition_Errors(t *testing.T) {
	t.Run("invalid dims", func(t *testing.T) {
		ld, _ := newStubLoader(t)
		h := openEncoder(t, ld)
		if _, err := h.PrecomputeCondition("x", 0, 64, -1); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("error = %v, want ErrInvalidArgument", err)
		}
	})

	t.Run("arena failure", func(t *testing.T) {
		ld, eng := newStubLoader(t)
		h := openEncoder(t, ld)
		eng.FailArena = true
		if _, err := h.PrecomputeCondition("x", 64, 64, -1); !errors.Is(err, ErrEncoderAllocFailed) {
			t.Errorf("error = %v, want ErrEncoderAllocFailed", err)
		}
		if st := eng.Stats(); st.EncodeCalls != 0 {
			t.Errorf("EncodeCalls = %d, want 0", st.EncodeCalls)
		}
	})

	t.Run("destroyed handle", func(t *testing.T) {
		ld, _ := newStubLoader(t)
		h := openEncoder(t, ld)
		h.Destroy()
		if _, err := h.PrecomputeCondition("x", 64, 64, -1); !errors.Is(err, ErrInvalidState) {
			t.Errorf("error = %v, want ErrInvalidState", err)
		}
	})
}
