package dbus

import (
	"context"
	"errors"
	"math"
	"reflect"

	"github.com/busproto/dbus/fragments"
)

// Unmarshaler is the interface implemented by types that decode
// themselves from the wire format.
//
// SignatureDBus and IsDBusStruct are invoked on zero values and must
// return constants. UnmarshalDBus must consume input matching the
// declared signature. Since UnmarshalDBus mutates its receiver, it
// must be implemented on a pointer receiver.
type Unmarshaler interface {
	SignatureDBus() Signature
	IsDBusStruct() bool
	UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error
}

var unmarshalerType = reflect.TypeFor[Unmarshaler]()

var decoders cache[reflect.Type, fragments.DecoderFunc]

// decoderFor returns the decoder func for t, or a [TypeError] if t
// is not representable in the wire format.
//
// Decoders always receive an addressable, settable value.
func decoderFor(t reflect.Type) (ret fragments.DecoderFunc, err error) {
	if ret, err := decoders.Get(t); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return nil, err
	}

	if _, err := signatureFor(t, nil); err != nil {
		decoders.SetErr(t, err)
		return nil, err
	}

	defer func(t reflect.Type) {
		if err != nil {
			decoders.SetErr(t, err)
		} else {
			decoders.Set(t, ret)
		}
	}(t)

	if t.Implements(unmarshalerType) && t.Kind() != reflect.Pointer {
		// Value receiver Unmarshalers cannot mutate themselves, so
		// this is almost certainly a bug in the type.
		return nil, typeErr(t, "refusing to use dbus.Unmarshaler implemented on value receiver, implement it on a pointer receiver")
	} else if reflect.PointerTo(t).Implements(unmarshalerType) {
		return unmarshalDecoder, nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		return newPtrDecoder(t)
	case reflect.Bool:
		return boolDecoder, nil
	case reflect.Int, reflect.Uint:
		return nil, typeErr(t, "int and uint are not portable, use fixed width integers")
	case reflect.Int8:
		return nil, typeErr(t, "int8 has no wire type, use uint8")
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return newIntDecoder(t), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return newUintDecoder(t), nil
	case reflect.Float32:
		return nil, typeErr(t, "float32 has no wire type, use float64")
	case reflect.Float64:
		return floatDecoder, nil
	case reflect.String:
		return stringDecoder, nil
	case reflect.Slice:
		return newSliceDecoder(t)
	case reflect.Struct:
		return newStructDecoder(t)
	case reflect.Map:
		return newMapDecoder(t)
	case reflect.Interface:
		if t == reflect.TypeFor[any]() {
			return anyDecoder, nil
		}
	}
	return nil, typeErr(t, "no wire mapping for type")
}

func unmarshalDecoder(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
	return v.Addr().Interface().(Unmarshaler).UnmarshalDBus(ctx, d)
}

func newPtrDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	elemDec, err := decoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		if v.IsNil() {
			v.Set(reflect.New(t.Elem()))
		}
		return elemDec(ctx, d, v.Elem())
	}, nil
}

func boolDecoder(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
	u, err := d.Uint32()
	if err != nil {
		return err
	}
	v.SetBool(u != 0)
	return nil
}

func newIntDecoder(t reflect.Type) fragments.DecoderFunc {
	switch t.Size() {
	case 2:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint16()
			if err != nil {
				return err
			}
			v.SetInt(int64(int16(u)))
			return nil
		}
	case 4:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint32()
			if err != nil {
				return err
			}
			v.SetInt(int64(int32(u)))
			return nil
		}
	default:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint64()
			if err != nil {
				return err
			}
			v.SetInt(int64(u))
			return nil
		}
	}
}

func newUintDecoder(t reflect.Type) fragments.DecoderFunc {
	switch t.Size() {
	case 1:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint8()
			if err != nil {
				return err
			}
			v.SetUint(uint64(u))
			return nil
		}
	case 2:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint16()
			if err != nil {
				return err
			}
			v.SetUint(uint64(u))
			return nil
		}
	case 4:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint32()
			if err != nil {
				return err
			}
			v.SetUint(uint64(u))
			return nil
		}
	default:
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			u, err := d.Uint64()
			if err != nil {
				return err
			}
			v.SetUint(u)
			return nil
		}
	}
}

func floatDecoder(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
	u, err := d.Uint64()
	if err != nil {
		return err
	}
	v.SetFloat(math.Float64frombits(u))
	return nil
}

func stringDecoder(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
	s, err := d.String()
	if err != nil {
		return err
	}
	v.SetString(s)
	return nil
}

// anyDecoder decodes a variant and unboxes its value into the
// interface.
func anyDecoder(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
	var box Variant
	if err := box.UnmarshalDBus(ctx, d); err != nil {
		return err
	}
	v.Set(reflect.ValueOf(box.Value()))
	return nil
}

func newSliceDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	if t.Elem().Kind() == reflect.Uint8 {
		// Fast path for []byte.
		return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
			bs, err := d.Bytes()
			if err != nil {
				return err
			}
			v.SetBytes(bs)
			return nil
		}, nil
	}
	elemDec, err := decoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	structElems := alignAsStruct(t.Elem())
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		v.SetLen(0)
		_, err := d.Array(structElems, func(i int) error {
			if i < v.Cap() {
				v.SetLen(i + 1)
			} else {
				v.Set(reflect.Append(v, reflect.Zero(t.Elem())))
			}
			return elemDec(ctx, d, v.Index(i))
		})
		return err
	}, nil
}

func newStructDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	fs, err := getStructInfo(t)
	if err != nil {
		return nil, typeErr(t, "getting struct info: %v", err)
	}
	type fieldDec struct {
		f   *structField
		dec fragments.DecoderFunc
	}
	var fdecs []fieldDec
	for _, f := range fs.fields {
		dec, err := decoderFor(f.Type)
		if err != nil {
			return nil, err
		}
		fdecs = append(fdecs, fieldDec{f, dec})
	}
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		return d.Struct(func() error {
			for _, fd := range fdecs {
				if err := fd.dec(ctx, d, fd.f.alloc(v)); err != nil {
					return err
				}
			}
			return nil
		})
	}, nil
}

func newMapDecoder(t reflect.Type) (fragments.DecoderFunc, error) {
	kDec, err := decoderFor(t.Key())
	if err != nil {
		return nil, err
	}
	vDec, err := decoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, d *fragments.Decoder, v reflect.Value) error {
		if v.IsNil() {
			v.Set(reflect.MakeMap(t))
		} else {
			v.Clear()
		}
		k := reflect.New(t.Key()).Elem()
		e := reflect.New(t.Elem()).Elem()
		_, err := d.Array(true, func(i int) error {
			// On duplicate keys, the last entry wins.
			return d.Struct(func() error {
				k.SetZero()
				e.SetZero()
				if err := kDec(ctx, d, k); err != nil {
					return err
				}
				if err := vDec(ctx, d, e); err != nil {
					return err
				}
				v.SetMapIndex(k, e)
				return nil
			})
		})
		return err
	}, nil
}
