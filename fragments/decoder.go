package fragments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
)

// A DecoderFunc reads one value of a particular type from the decoder
// into val, which is settable.
type DecoderFunc func(ctx context.Context, d *Decoder, val reflect.Value) error

// A Decoder reads a wire format message from a stream.
//
// All methods consume alignment padding as required by the wire
// format, except [Decoder.Read] which consumes bytes verbatim.
type Decoder struct {
	// Order is the byte order for multi-byte values.
	Order ByteOrder
	// Mapper returns the DecoderFunc to use for values handed to
	// [Decoder.Value]. If nil, Value returns an error and all other
	// methods function normally.
	Mapper func(reflect.Type) (DecoderFunc, error)
	// In is the input stream.
	In io.Reader

	// offset is the number of bytes consumed so far. Alignment is
	// relative to the start of the message, not to any enclosing
	// container, so the cursor has to be tracked globally.
	offset int
}

// Pad consumes padding so that the next read is aligned to a multiple
// of align bytes.
func (d *Decoder) Pad(align int) error {
	extra := d.offset % align
	if extra == 0 {
		return nil
	}
	skip := align - extra
	if _, err := io.CopyN(io.Discard, d.In, int64(skip)); err != nil {
		return err
	}
	d.offset += skip
	return nil
}

// Read consumes and returns n bytes, with no framing or padding.
func (d *Decoder) Read(n int) ([]byte, error) {
	bs := make([]byte, n)
	if _, err := io.ReadFull(d.In, bs); err != nil {
		return nil, err
	}
	d.offset += n
	return bs, nil
}

// Uint8 reads a uint8.
func (d *Decoder) Uint8() (uint8, error) {
	bs, err := d.Read(1)
	if err != nil {
		return 0, err
	}
	return bs[0], nil
}

// Uint16 reads a uint16.
func (d *Decoder) Uint16() (uint16, error) {
	if err := d.Pad(2); err != nil {
		return 0, err
	}
	bs, err := d.Read(2)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint16(bs), nil
}

// Uint32 reads a uint32.
func (d *Decoder) Uint32() (uint32, error) {
	if err := d.Pad(4); err != nil {
		return 0, err
	}
	bs, err := d.Read(4)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint32(bs), nil
}

// Uint64 reads a uint64.
func (d *Decoder) Uint64() (uint64, error) {
	if err := d.Pad(8); err != nil {
		return 0, err
	}
	bs, err := d.Read(8)
	if err != nil {
		return 0, err
	}
	return d.Order.Uint64(bs), nil
}

// Bytes reads a wire byte array.
func (d *Decoder) Bytes() ([]byte, error) {
	n, err := d.Uint32()
	if err != nil {
		return nil, err
	}
	return d.Read(int(n))
}

// String reads a wire string.
func (d *Decoder) String() (string, error) {
	n, err := d.Uint32()
	if err != nil {
		return "", err
	}
	bs, err := d.Read(int(n) + 1)
	if err != nil {
		return "", err
	}
	if bs[n] != 0 {
		return "", errors.New("string not zero terminated")
	}
	return string(bs[:n]), nil
}

// SignatureString reads a wire type signature string.
func (d *Decoder) SignatureString() (string, error) {
	n, err := d.Uint8()
	if err != nil {
		return "", err
	}
	bs, err := d.Read(int(n) + 1)
	if err != nil {
		return "", err
	}
	if bs[n] != 0 {
		return "", errors.New("signature not zero terminated")
	}
	return string(bs[:n]), nil
}

// ByteOrderFlag reads a byte order flag byte and sets
// [Decoder.Order] accordingly.
func (d *Decoder) ByteOrderFlag() error {
	b, err := d.Uint8()
	if err != nil {
		return err
	}
	switch b {
	case 'l':
		d.Order = LittleEndian
	case 'B':
		d.Order = BigEndian
	default:
		return fmt.Errorf("unknown byte order flag 0x%02x", b)
	}
	return nil
}

// Value reads a value into v, using the DecoderFunc provided by
// [Decoder.Mapper]. v must be a non-nil pointer.
func (d *Decoder) Value(ctx context.Context, v any) error {
	if d.Mapper == nil {
		return errors.New("no Mapper provided to Decoder")
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer {
		return fmt.Errorf("target of Decoder.Value must be a pointer, got %s", rv.Type())
	}
	if rv.IsNil() {
		return errors.New("target of Decoder.Value must not be a nil pointer")
	}
	fn, err := d.Mapper(rv.Type().Elem())
	if err != nil {
		return err
	}
	return fn(ctx, d, rv.Elem())
}

// Array reads an array. readElement is invoked once per element,
// with the element's index, and must consume exactly one element's
// worth of input each time.
//
// structElems indicates that the elements are struct-shaped, so the
// array header padding is consumed even for an empty array. Callers
// must still consume each element's own leading padding, normally via
// [Decoder.Struct].
//
// Array returns the number of elements read.
func (d *Decoder) Array(structElems bool, readElement func(int) error) (int, error) {
	n, err := d.Uint32()
	if err != nil {
		return 0, err
	}
	if structElems {
		if err := d.Pad(8); err != nil {
			return 0, err
		}
	}
	if n == 0 {
		return 0, nil
	}
	// Elements must consume exactly the advertised byte count, no
	// more. Child reads go through a limited reader to catch decoder
	// bugs as errors rather than silent misalignment.
	outer := d.In
	lim := &io.LimitedReader{R: outer, N: int64(n)}
	d.In = lim
	defer func() { d.In = outer }()

	i := 0
	for lim.N > 0 {
		if err := readElement(i); err != nil {
			return i, err
		}
		i++
	}
	return i, nil
}

// Struct reads a struct. The fields function must read all the
// struct's fields in order.
func (d *Decoder) Struct(fields func() error) error {
	if err := d.Pad(8); err != nil {
		return err
	}
	return fields()
}
