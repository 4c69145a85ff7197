package fragments

import (
	"context"
	"errors"
	"reflect"
)

// An EncoderFunc writes one value of a particular type to the encoder.
type EncoderFunc func(ctx context.Context, e *Encoder, val reflect.Value) error

// An Encoder accumulates a wire format message in a byte slice.
//
// All methods insert alignment padding as required by the wire
// format, except [Encoder.Write] which appends bytes verbatim.
type Encoder struct {
	// Order is the byte order for multi-byte values.
	Order ByteOrder
	// Mapper returns the EncoderFunc to use for values handed to
	// [Encoder.Value]. If nil, Value returns an error and all other
	// methods function normally.
	Mapper func(reflect.Type) (EncoderFunc, error)
	// Out is the accumulated output.
	Out []byte
}

var padding [8]byte

// Pad appends padding bytes as needed to make the output a multiple
// of align bytes long.
func (e *Encoder) Pad(align int) {
	if extra := len(e.Out) % align; extra != 0 {
		e.Out = append(e.Out, padding[:align-extra]...)
	}
}

// Write appends bs verbatim, with no framing or padding.
func (e *Encoder) Write(bs []byte) {
	e.Out = append(e.Out, bs...)
}

// Uint8 appends a uint8.
func (e *Encoder) Uint8(v uint8) {
	e.Out = append(e.Out, v)
}

// Uint16 appends a uint16.
func (e *Encoder) Uint16(v uint16) {
	e.Pad(2)
	e.Out = e.Order.AppendUint16(e.Out, v)
}

// Uint32 appends a uint32.
func (e *Encoder) Uint32(v uint32) {
	e.Pad(4)
	e.Out = e.Order.AppendUint32(e.Out, v)
}

// Uint64 appends a uint64.
func (e *Encoder) Uint64(v uint64) {
	e.Pad(8)
	e.Out = e.Order.AppendUint64(e.Out, v)
}

// Bytes appends bs as a wire byte array: a uint32 length followed by
// the bytes.
func (e *Encoder) Bytes(bs []byte) {
	e.Uint32(uint32(len(bs)))
	e.Out = append(e.Out, bs...)
}

// String appends s as a wire string: a uint32 length, the string
// bytes, and a terminating zero byte.
func (e *Encoder) String(s string) {
	e.Uint32(uint32(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// SignatureString appends s framed as a wire type signature: a uint8
// length, the signature bytes, and a terminating zero byte.
func (e *Encoder) SignatureString(s string) {
	e.Uint8(uint8(len(s)))
	e.Out = append(e.Out, s...)
	e.Out = append(e.Out, 0)
}

// ByteOrderFlag appends the byte order flag byte ('l' or 'B')
// matching [Encoder.Order].
func (e *Encoder) ByteOrderFlag() {
	e.Out = append(e.Out, e.Order.flagByte())
}

// Value appends v, using the EncoderFunc provided by
// [Encoder.Mapper].
func (e *Encoder) Value(ctx context.Context, v any) error {
	if e.Mapper == nil {
		return errors.New("no Mapper provided to Encoder")
	}
	rv := reflect.ValueOf(v)
	fn, err := e.Mapper(rv.Type())
	if err != nil {
		return err
	}
	return fn(ctx, e, rv)
}

// Array appends an array. The elements function must append the
// array's elements, padded to the element type's alignment.
//
// structElems indicates that the elements are struct-shaped, in which
// case the wire format pads the array header to 8 bytes even when the
// array is empty.
func (e *Encoder) Array(structElems bool, elements func() error) error {
	e.Pad(4)
	lenOff := len(e.Out)
	e.Uint32(0)
	if structElems {
		e.Pad(8)
	}
	start := len(e.Out)
	if err := elements(); err != nil {
		return err
	}
	e.Order.PutUint32(e.Out[lenOff:], uint32(len(e.Out)-start))
	return nil
}

// Struct appends a struct. The fields function must append the
// struct's fields in order.
func (e *Encoder) Struct(fields func() error) error {
	e.Pad(8)
	return fields()
}
