package sdruntime

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// MaxTensorDims is the largest dimension count the exchange format carries.
const MaxTensorDims = 4

// absentSlot marks a missing tensor in an encoded payload.
const absentSlot = -1

// Tensor is one conditioning tensor in exchange form. Data is always float32
// regardless of the precision the engine computed it in.
type Tensor struct {
	Shape []int
	Data  []float32
}

// Dims returns the dimension count.
func (t *Tensor) Dims() int {
	return len(t.Shape)
}

// Payload is the Tensor Raw exchange unit: up to three optional tensors.
// A nil field is absent, which differs from a present tensor with zero elements.
type Payload struct {
	CrossAttn *Tensor
	Vector    *Tensor
	Concat    *Tensor
}

func (p *Payload) slots() [3]**Tensor {
	return [3]**Tensor{&p.CrossAttn, &p.Vector, &p.Concat}
}

// Empty reports whether no tensor is present.
func (p *Payload) Empty() bool {
	return p == nil || (p.CrossAttn == nil && p.Vector == nil && p.Concat == nil)
}

// elementCount returns product(shape), rejecting bad dims and overflow.
func elementCount(shape []int) (int, error) {
	if len(shape) < 1 || len(shape) > MaxTensorDims {
		return 0, fmt.Errorf("%w: %d dims, want 1-%d", ErrInvalidPayload, len(shape), MaxTensorDims)
	}
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative extent %d", ErrInvalidPayload, d)
		}
		if d != 0 && n > math.MaxInt32/d {
			return 0, fmt.Errorf("%w: shape %v overflows", ErrInvalidPayload, shape)
		}
		n *= d
	}
	return n, nil
}

// Validate checks that Data matches Shape.
func (t *Tensor) Validate() error {
	n, err := elementCount(t.Shape)
	if err != nil {
		return err
	}
	if len(t.Data) != n {
		return fmt.Errorf("%w: shape %v needs %d elements, have %d", ErrInvalidPayload, t.Shape, n, len(t.Data))
	}
	return nil
}

// Validate checks every present tensor.
func (p *Payload) Validate() error {
	for i, s := range p.slots() {
		if *s == nil {
			continue
		}
		if err := (*s).Validate(); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
	}
	return nil
}

// tensorFromNative copies a native tensor element by element into float32.
// The result shares no memory with nt.
func tensorFromNative(nt NativeTensor) (*Tensor, error) {
	if nt == nil {
		return nil, nil
	}
	shape := append([]int(nil), nt.Shape()...)
	n, err := elementCount(shape)
	if err != nil {
		return nil, err
	}
	raw := nt.Bytes()
	if want := n * nt.DType().Size(); len(raw) != want {
		return nil, fmt.Errorf("%w: %s tensor %v has %d bytes, want %d", ErrInvalidPayload, nt.DType(), shape, len(raw), want)
	}

	data := make([]float32, n)
	switch nt.DType() {
	case DTypeF32:
		for i := range data {
			data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case DTypeF16:
		for i := range data {
			data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case DTypeBF16:
		copy(data, bfloat16.DecodeFloat32(raw))
	default:
		return nil, fmt.Errorf("%w: unsupported tensor type %s", ErrInvalidPayload, nt.DType())
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// payloadFromNative copies all three slots of a native condition.
func payloadFromNative(nc *NativeCondition) (*Payload, error) {
	if nc == nil {
		return nil, nil
	}
	var p Payload
	var err error
	if p.CrossAttn, err = tensorFromNative(nc.CrossAttn); err != nil {
		return nil, fmt.Errorf("cross-attention: %w", err)
	}
	if p.Vector, err = tensorFromNative(nc.Vector); err != nil {
		return nil, fmt.Errorf("vector: %w", err)
	}
	if p.Concat, err = tensorFromNative(nc.Concat); err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}
	return &p, nil
}

// hostTensor is a float32 tensor rebuilt from a payload for the engine.
type hostTensor struct {
	shape []int
	data  []byte
}

func (h *hostTensor) Shape() []int  { return h.shape }
func (h *hostTensor) DType() DType  { return DTypeF32 }
func (h *hostTensor) Bytes() []byte { return h.data }

// toNative reallocates a fresh buffer and copies shape and data into it.
func (t *Tensor) toNative() (NativeTensor, error) {
	if t == nil {
		return nil, nil
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return &hostTensor{shape: append([]int(nil), t.Shape...), data: buf}, nil
}

// toNative rebuilds an engine condition. A nil payload yields nil.
func (p *Payload) toNative() (*NativeCondition, error) {
	if p == nil {
		return nil, nil
	}
	var nc NativeCondition
	var err error
	if nc.CrossAttn, err = p.CrossAttn.toNative(); err != nil {
		return nil, fmt.Errorf("cross-attention: %w", err)
	}
	if nc.Vector, err = p.Vector.toNative(); err != nil {
		return nil, fmt.Errorf("vector: %w", err)
	}
	if nc.Concat, err = p.Concat.toNative(); err != nil {
		return nil, fmt.Errorf("concat: %w", err)
	}
	return &nc, nil
}

// EncodedSize returns the byte length of the tensor's wire form.
func (t *Tensor) EncodedSize() int {
	return 4 + 4*len(t.Shape) + 4*len(t.Data)
}

// MarshalBinary encodes the tensor as dims, shape[dims], data[product(shape)].
func (t *Tensor) MarshalBinary() ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t.appendBinary(make([]byte, 0, t.EncodedSize())), nil
}

func (t *Tensor) appendBinary(b []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(t.Shape)))
	for _, d := range t.Shape {
		b = binary.LittleEndian.AppendUint32(b, uint32(d))
	}
	for _, v := range t.Data {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(v))
	}
	return b
}

// UnmarshalBinary decodes a tensor produced by MarshalBinary. The whole of
// data must be consumed.
func (t *Tensor) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: tensor header truncated", ErrInvalidPayload)
	}
	dims := int(int32(binary.LittleEndian.Uint32(data)))
	if dims < 1 || dims > MaxTensorDims {
		return fmt.Errorf("%w: %d dims, want 1-%d", ErrInvalidPayload, dims, MaxTensorDims)
	}
	data = data[4:]
	if len(data) < 4*dims {
		return fmt.Errorf("%w: shape truncated", ErrInvalidPayload)
	}
	shape := make([]int, dims)
	for i := range shape {
		shape[i] = int(int32(binary.LittleEndian.Uint32(data[i*4:])))
	}
	data = data[4*dims:]
	n, err := elementCount(shape)
	if err != nil {
		return err
	}
	if len(data) != 4*n {
		return fmt.Errorf("%w: shape %v needs %d data bytes, have %d", ErrInvalidPayload, shape, 4*n, len(data))
	}
	values := make([]float32, n)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	t.Shape = shape
	t.Data = values
	return nil
}

// MarshalBinary encodes the three slots in order: cross-attention, vector,
// concat. Each slot is an int32 byte length (-1 when absent) followed by the
// tensor bytes.
func (p *Payload) MarshalBinary() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	size := 0
	for _, s := range p.slots() {
		size += 4
		if *s != nil {
			size += (*s).EncodedSize()
		}
	}
	b := make([]byte, 0, size)
	for _, s := range p.slots() {
		if *s == nil {
			b = binary.LittleEndian.AppendUint32(b, math.MaxUint32) // int32 -1
			continue
		}
		b = binary.LittleEndian.AppendUint32(b, uint32((*s).EncodedSize()))
		b = (*s).appendBinary(b)
	}
	return b, nil
}

// UnmarshalBinary decodes a payload produced by MarshalBinary.
func (p *Payload) UnmarshalBinary(data []byte) error {
	var out Payload
	for i, s := range out.slots() {
		if len(data) < 4 {
			return fmt.Errorf("%w: slot %d header truncated", ErrInvalidPayload, i)
		}
		n := int(int32(binary.LittleEndian.Uint32(data)))
		data = data[4:]
		if n == absentSlot {
			continue
		}
		if n < 0 || n > len(data) {
			return fmt.Errorf("%w: slot %d length %d exceeds remaining %d bytes", ErrInvalidPayload, i, n, len(data))
		}
		t := new(Tensor)
		if err := t.UnmarshalBinary(data[:n]); err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
		*s = t
		data = data[n:]
	}
	if len(data) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidPayload, len(data))
	}
	*p = out
	return nil
}
