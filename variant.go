package dbus

import (
	"context"
	"fmt"
	"reflect"

	"github.com/busproto/dbus/fragments"
)

// A Variant is a self-describing box holding a signature and a single
// value of that signature. It is the wire's escape hatch wherever a
// fixed type is insufficient.
//
// A Variant decoded from a message may alias memory owned by that
// message; it must not be used after the message is released.
type Variant struct {
	sig Signature
	v   any
}

var variantType = reflect.TypeFor[Variant]()

// NewVariant boxes v. It fails with a [TypeError] if v's type is not
// representable on the wire.
func NewVariant(v any) (Variant, error) {
	sig, err := SignatureOf(v)
	if err != nil {
		return Variant{}, err
	}
	return Variant{sig, v}, nil
}

// MustVariant is like [NewVariant] but panics on error. Intended for
// values whose types are statically known to be representable.
func MustVariant(v any) Variant {
	ret, err := NewVariant(v)
	if err != nil {
		panic(err)
	}
	return ret
}

// Signature returns the signature of the boxed value.
func (v Variant) Signature() Signature { return v.sig }

// Value returns the boxed value.
func (v Variant) Value() any { return v.v }

// Store writes the boxed value into dst, which must be a non-nil
// pointer to a type whose signature matches the boxed signature
// exactly; otherwise Store fails with a [TypeMismatchError]. A *any
// dst accepts any boxed value.
func (v Variant) Store(dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("Variant.Store target must be a non-nil pointer, got %T", dst)
	}
	if p, ok := dst.(*any); ok {
		*p = v.v
		return nil
	}
	want, err := signatureFor(rv.Type().Elem(), nil)
	if err != nil {
		return err
	}
	if want.String() != v.sig.String() {
		return TypeMismatchError{Want: want.String(), Got: v.sig.String()}
	}
	rv.Elem().Set(reflect.ValueOf(v.v))
	return nil
}

func (v Variant) String() string {
	return fmt.Sprintf("variant(%s: %v)", v.sig, v.v)
}

var variantSignature = mkSignature(variantType, "v")

func (v Variant) SignatureDBus() Signature { return variantSignature }
func (v Variant) IsDBusStruct() bool       { return false }

func (v Variant) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	if v.sig.IsZero() {
		return typeErr(nil, "cannot marshal zero Variant")
	}
	e.SignatureString(v.sig.String())
	return e.Value(ctx, v.v)
}

func (v *Variant) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	var sig Signature
	if err := d.Value(ctx, &sig); err != nil {
		return fmt.Errorf("reading variant signature: %w", err)
	}
	if sig.IsZero() {
		return fmt.Errorf("variant with empty signature")
	}
	inner := reflect.New(sig.Type())
	if err := d.Value(ctx, inner.Interface()); err != nil {
		return fmt.Errorf("reading variant value (signature %q): %w", sig, err)
	}
	v.sig = sig
	v.v = inner.Elem().Interface()
	return nil
}
