package dbus

import (
	"cmp"
	"context"
	"errors"
	"math"
	"reflect"
	"slices"

	"github.com/busproto/dbus/fragments"
)

// Marshaler is the interface implemented by types that encode
// themselves to the wire format.
//
// SignatureDBus and IsDBusStruct are invoked on zero values and must
// return constants. MarshalDBus must produce output matching the
// declared signature; the encoder takes care of alignment for the
// primitives it provides.
type Marshaler interface {
	SignatureDBus() Signature
	IsDBusStruct() bool
	MarshalDBus(ctx context.Context, e *fragments.Encoder) error
}

var marshalerType = reflect.TypeFor[Marshaler]()

var encoders cache[reflect.Type, fragments.EncoderFunc]

// encoderFor returns the encoder func for t, or a [TypeError] if t
// is not representable in the wire format.
func encoderFor(t reflect.Type) (ret fragments.EncoderFunc, err error) {
	if ret, err := encoders.Get(t); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return nil, err
	}

	// Signature computation rejects recursive and unrepresentable
	// types up front, so the closure builders below cannot recurse
	// forever.
	if _, err := signatureFor(t, nil); err != nil {
		encoders.SetErr(t, err)
		return nil, err
	}

	// Note, defer captures the type before any adjustment below.
	defer func(t reflect.Type) {
		if err != nil {
			encoders.SetErr(t, err)
		} else {
			encoders.Set(t, ret)
		}
	}(t)

	// A type whose pointer implements Marshaler can be encoded
	// without a copy when the value is addressable.
	if t.Kind() != reflect.Pointer && reflect.PointerTo(t).Implements(marshalerType) {
		return newCondAddrMarshalEncoder(t), nil
	} else if t.Implements(marshalerType) {
		return marshalEncoder, nil
	}

	switch t.Kind() {
	case reflect.Pointer:
		return newPtrEncoder(t)
	case reflect.Bool:
		return boolEncoder, nil
	case reflect.Int, reflect.Uint:
		return nil, typeErr(t, "int and uint are not portable, use fixed width integers")
	case reflect.Int8:
		return nil, typeErr(t, "int8 has no wire type, use uint8")
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return newIntEncoder(t), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return newUintEncoder(t), nil
	case reflect.Float32:
		return nil, typeErr(t, "float32 has no wire type, use float64")
	case reflect.Float64:
		return floatEncoder, nil
	case reflect.String:
		return stringEncoder, nil
	case reflect.Slice, reflect.Array:
		return newArrayEncoder(t)
	case reflect.Struct:
		return newStructEncoder(t)
	case reflect.Map:
		return newMapEncoder(t)
	case reflect.Interface:
		if t == reflect.TypeFor[any]() {
			return anyEncoder, nil
		}
	}
	return nil, typeErr(t, "no wire mapping for type")
}

func newCondAddrMarshalEncoder(t reflect.Type) fragments.EncoderFunc {
	if t.Implements(marshalerType) {
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			if v.CanAddr() {
				return marshalEncoder(ctx, e, v.Addr())
			}
			return marshalEncoder(ctx, e, v)
		}
	}
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		if !v.CanAddr() {
			return typeErr(v.Type(), "Marshaler implemented on pointer receiver only, and value is not addressable")
		}
		return marshalEncoder(ctx, e, v.Addr())
	}
}

func marshalEncoder(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
	return v.Interface().(Marshaler).MarshalDBus(ctx, e)
}

func newPtrEncoder(t reflect.Type) (fragments.EncoderFunc, error) {
	elemEnc, err := encoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		if v.IsNil() {
			// Nil pointers encode as the zero value of the pointee.
			return elemEnc(ctx, e, reflect.Zero(t.Elem()))
		}
		return elemEnc(ctx, e, v.Elem())
	}, nil
}

func boolEncoder(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
	var u uint32
	if v.Bool() {
		u = 1
	}
	e.Uint32(u)
	return nil
}

func newIntEncoder(t reflect.Type) fragments.EncoderFunc {
	switch t.Size() {
	case 2:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Uint16(uint16(v.Int()))
			return nil
		}
	case 4:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Uint32(uint32(v.Int()))
			return nil
		}
	default:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Uint64(uint64(v.Int()))
			return nil
		}
	}
}

func newUintEncoder(t reflect.Type) fragments.EncoderFunc {
	switch t.Size() {
	case 1:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Uint8(uint8(v.Uint()))
			return nil
		}
	case 2:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Uint16(uint16(v.Uint()))
			return nil
		}
	case 4:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Uint32(uint32(v.Uint()))
			return nil
		}
	default:
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Uint64(v.Uint())
			return nil
		}
	}
}

func floatEncoder(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
	e.Uint64(math.Float64bits(v.Float()))
	return nil
}

func stringEncoder(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
	e.String(v.String())
	return nil
}

// anyEncoder encodes an interface value as a variant boxing its
// dynamic value.
func anyEncoder(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
	if v.IsNil() {
		return typeErr(v.Type(), "cannot encode nil interface value")
	}
	box, err := NewVariant(v.Elem().Interface())
	if err != nil {
		return err
	}
	return box.MarshalDBus(ctx, e)
}

func newArrayEncoder(t reflect.Type) (fragments.EncoderFunc, error) {
	if t.Elem().Kind() == reflect.Uint8 && t.Kind() == reflect.Slice {
		// Fast path for []byte.
		return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
			e.Bytes(v.Bytes())
			return nil
		}, nil
	}
	elemEnc, err := encoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	structElems := alignAsStruct(t.Elem())
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		return e.Array(structElems, func() error {
			for i := 0; i < v.Len(); i++ {
				if err := elemEnc(ctx, e, v.Index(i)); err != nil {
					return err
				}
			}
			return nil
		})
	}, nil
}

func newStructEncoder(t reflect.Type) (fragments.EncoderFunc, error) {
	fs, err := getStructInfo(t)
	if err != nil {
		return nil, typeErr(t, "getting struct info: %v", err)
	}
	type fieldEnc struct {
		f   *structField
		enc fragments.EncoderFunc
	}
	var fencs []fieldEnc
	for _, f := range fs.fields {
		enc, err := encoderFor(f.Type)
		if err != nil {
			return nil, err
		}
		fencs = append(fencs, fieldEnc{f, enc})
	}
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		return e.Struct(func() error {
			for _, fe := range fencs {
				if err := fe.enc(ctx, e, fe.f.get(v)); err != nil {
					return err
				}
			}
			return nil
		})
	}, nil
}

func newMapEncoder(t reflect.Type) (fragments.EncoderFunc, error) {
	kEnc, err := encoderFor(t.Key())
	if err != nil {
		return nil, err
	}
	vEnc, err := encoderFor(t.Elem())
	if err != nil {
		return nil, err
	}
	kCmp := mapKeyCmp(t.Key())
	return func(ctx context.Context, e *fragments.Encoder, v reflect.Value) error {
		// Sorted keys keep the encoding deterministic for a given
		// value, which the signature contract promises.
		ks := v.MapKeys()
		slices.SortFunc(ks, kCmp)
		return e.Array(true, func() error {
			for _, mk := range ks {
				err := e.Struct(func() error {
					if err := kEnc(ctx, e, mk); err != nil {
						return err
					}
					return vEnc(ctx, e, v.MapIndex(mk))
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}, nil
}

// mapKeyCmp returns an ordering function for map keys of type t,
// which must be a basic kind.
func mapKeyCmp(t reflect.Type) func(a, b reflect.Value) int {
	switch t.Kind() {
	case reflect.Bool:
		return func(a, b reflect.Value) int {
			x, y := 0, 0
			if a.Bool() {
				x = 1
			}
			if b.Bool() {
				y = 1
			}
			return cmp.Compare(x, y)
		}
	case reflect.Int16, reflect.Int32, reflect.Int64:
		return func(a, b reflect.Value) int { return cmp.Compare(a.Int(), b.Int()) }
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return func(a, b reflect.Value) int { return cmp.Compare(a.Uint(), b.Uint()) }
	case reflect.Float64:
		return func(a, b reflect.Value) int { return cmp.Compare(a.Float(), b.Float()) }
	case reflect.String:
		return func(a, b reflect.Value) int { return cmp.Compare(a.String(), b.String()) }
	default:
		panic("map key type with no ordering")
	}
}
