package sdruntime

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/d4l3k/go-bfloat16"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/x448/float16"
)

func samplePayload() *Payload {
	return &Payload{
		CrossAttn: &Tensor{Shape: []int{3, 2}, Data: []float32{0.5, -1, 2.25, 0, 1e-3, -7}},
		Concat:    &Tensor{Shape: []int{0, 4}, Data: []float32{}},
	}
}

func TestPayloadBinaryRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   *Payload
	}{
		{"cross-attn and empty concat", samplePayload()},
		{"all absent", &Payload{}},
		{"all present", &Payload{
			CrossAttn: &Tensor{Shape: []int{2, 2, 2, 1}, Data: []float32{1, 2, 3, 4, 5, 6, 7, 8}},
			Vector:    &Tensor{Shape: []int{3}, Data: []float32{float32(math.Inf(1)), -0, 42}},
			Concat:    &Tensor{Shape: []int{1}, Data: []float32{9}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.in.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary() error: %v", err)
			}
			var out Payload
			if err := out.UnmarshalBinary(b); err != nil {
				t.Fatalf("UnmarshalBinary() error: %v", err)
			}
			if diff := cmp.Diff(tt.in, &out, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPayloadAbsentDiffersFromEmpty(t *testing.T) {
	b, err := samplePayload().MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var out Payload
	if err := out.UnmarshalBinary(b); err != nil {
		t.Fatal(err)
	}
	if out.Vector != nil {
		t.Errorf("Vector = %+v, want absent", out.Vector)
	}
	if out.Concat == nil || len(out.Concat.Data) != 0 {
		t.Errorf("Concat = %+v, want present with zero elements", out.Concat)
	}
	if out.Empty() {
		t.Error("Empty() = true for payload with tensors")
	}
}

func TestTensorBinaryLayout(t *testing.T) {
	tensor := &Tensor{Shape: []int{2}, Data: []float32{1, -2}}
	b, err := tensor.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	var want []byte
	want = binary.LittleEndian.AppendUint32(want, 1)
	want = binary.LittleEndian.AppendUint32(want, 2)
	want = binary.LittleEndian.AppendUint32(want, math.Float32bits(1))
	want = binary.LittleEndian.AppendUint32(want, math.Float32bits(-2))
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("MarshalBinary() layout (-want +got):\n%s", diff)
	}
	if tensor.EncodedSize() != len(b) {
		t.Errorf("EncodedSize() = %d, want %d", tensor.EncodedSize(), len(b))
	}

	p, err := (&Payload{Vector: tensor}).MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if got := int32(binary.LittleEndian.Uint32(p)); got != absentSlot {
		t.Errorf("cross-attn slot length = %d, want %d", got, absentSlot)
	}
	if diff := cmp.Diff([]byte{0xff, 0xff, 0xff, 0xff}, p[:4]); diff != "" {
		t.Errorf("absent slot bytes (-want +got):\n%s", diff)
	}
	if got := int(binary.LittleEndian.Uint32(p[4:])); got != len(b) {
		t.Errorf("vector slot length = %d, want %d", got, len(b))
	}
}

func u32s(vals ...int32) []byte {
	var b []byte
	for _, v := range vals {
		b = binary.LittleEndian.AppendUint32(b, uint32(v))
	}
	return b
}

func TestTensorUnmarshal_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"zero dims", u32s(0)},
		{"five dims", u32s(5, 1, 1, 1, 1, 1)},
		{"shape truncated", u32s(2, 3)},
		{"negative extent", u32s(1, -4)},
		{"overflow", u32s(3, 1<<16, 1<<16, 1<<16)},
		{"short data", u32s(1, 3, 0, 0)},
		{"trailing data", u32s(1, 1, 0, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var tensor Tensor
			err := tensor.UnmarshalBinary(tt.data)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("UnmarshalBinary() error = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestPayloadUnmarshal_Rejects(t *testing.T) {
	valid, err := samplePayload().MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"missing slots", u32s(-1, -1)},
		{"slot longer than data", u32s(100, 1, 1)},
		{"negative length", u32s(-2, -1, -1)},
		{"trailing bytes", append(append([]byte(nil), valid...), 0)},
		{"truncated", valid[:len(valid)-1]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Payload
			if err := p.UnmarshalBinary(tt.data); !errors.Is(err, ErrInvalidPayload) {
				t.Errorf("UnmarshalBinary() error = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestTensorValidate(t *testing.T) {
	bad := &Tensor{Shape: []int{2, 2}, Data: []float32{1, 2, 3}}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Validate() error = %v, want ErrInvalidPayload", err)
	}
	if _, err := (&Payload{Vector: bad}).MarshalBinary(); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("MarshalBinary() error = %v, want ErrInvalidPayload", err)
	}
}

func TestTensorFromNative_Precisions(t *testing.T) {
	want := []float32{0.5, -2, 1, 0.25}

	f16 := make([]byte, 2*len(want))
	for i, v := range want {
		binary.LittleEndian.PutUint16(f16[i*2:], float16.Fromfloat32(v).Bits())
	}
	f32 := make([]byte, 4*len(want))
	for i, v := range want {
		binary.LittleEndian.PutUint32(f32[i*4:], math.Float32bits(v))
	}

	tests := []struct {
		name string
		nt   NativeTensor
	}{
		{"f32", &stubTensor{shape: []int{4}, dtype: DTypeF32, data: f32}},
		{"f16", &stubTensor{shape: []int{4}, dtype: DTypeF16, data: f16}},
		{"bf16", &stubTensor{shape: []int{2, 2}, dtype: DTypeBF16, data: bfloat16.EncodeFloat32(want)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tensorFromNative(tt.nt)
			if err != nil {
				t.Fatalf("tensorFromNative() error: %v", err)
			}
			if diff := cmp.Diff(want, got.Data); diff != "" {
				t.Errorf("tensorFromNative() data (-want +got):\n%s", diff)
			}
		})
	}

	short := &stubTensor{shape: []int{4}, dtype: DTypeF16, data: f16[:6]}
	if _, err := tensorFromNative(short); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("tensorFromNative(short) error = %v, want ErrInvalidPayload", err)
	}
}

func TestPayloadNativeRoundTrip(t *testing.T) {
	in := samplePayload()
	nc, err := in.toNative()
	if err != nil {
		t.Fatalf("toNative() error: %v", err)
	}
	if nc.Vector != nil {
		t.Errorf("absent vector rebuilt as %v", nc.Vector)
	}
	out, err := payloadFromNative(nc)
	if err != nil {
		t.Fatalf("payloadFromNative() error: %v", err)
	}
	if diff := cmp.Diff(in, out, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("native round trip (-want +got):\n%s", diff)
	}

	var nilPayload *Payload
	if nc, err := nilPayload.toNative(); nc != nil || err != nil {
		t.Errorf("nil payload toNative() = %v, %v; want nil, nil", nc, err)
	}
}
