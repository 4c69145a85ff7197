package dbus

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/busproto/dbus/fragments"
)

func TestNewVariant(t *testing.T) {
	tests := []struct {
		in      any
		wantSig string
	}{
		{uint8(5), "y"},
		{"foo", "s"},
		{[]string{"a"}, "as"},
		{Simple{1, true}, "(nb)"},
		{map[string]uint32{}, "a{su}"},
		{ObjectPath("/"), "o"},
		{MustVariant(uint8(5)), "v"},

		{int(5), ""},
		{Tree{}, ""},
	}

	for _, tc := range tests {
		got, err := NewVariant(tc.in)
		if tc.wantSig == "" {
			if err == nil {
				t.Errorf("NewVariant(%T) succeeded, want error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("NewVariant(%T) failed: %v", tc.in, err)
			continue
		}
		if sig := got.Signature().String(); sig != tc.wantSig {
			t.Errorf("NewVariant(%T).Signature() = %q, want %q", tc.in, sig, tc.wantSig)
		}
	}
}

func TestVariantStore(t *testing.T) {
	v := MustVariant(uint32(42))

	var u uint32
	if err := v.Store(&u); err != nil {
		t.Fatalf("Store into matching type failed: %v", err)
	}
	if u != 42 {
		t.Fatalf("Store wrote %d, want 42", u)
	}

	var got any
	if err := v.Store(&got); err != nil {
		t.Fatalf("Store into *any failed: %v", err)
	}
	if got != any(uint32(42)) {
		t.Fatalf("Store into *any wrote %v, want uint32(42)", got)
	}

	var s string
	err := v.Store(&s)
	var mismatch TypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Store into mismatched type: got err %v, want TypeMismatchError", err)
	}
	if mismatch.Want != "s" || mismatch.Got != "u" {
		t.Fatalf("TypeMismatchError = %+v, want Want=s Got=u", mismatch)
	}

	if err := v.Store(u); err == nil {
		t.Fatal("Store into non-pointer succeeded, want error")
	}
	if err := v.Store((*uint32)(nil)); err == nil {
		t.Fatal("Store into nil pointer succeeded, want error")
	}
}

func TestVariantMarshalRoundTrip(t *testing.T) {
	tests := []any{
		uint8(5),
		"foo",
		uint64(1 << 40),
		[]string{"a", "bc"},
		ObjectPath("/x/y"),
		MustVariant("nested"),
	}

	for _, val := range tests {
		in := MustVariant(val)
		enc := fragments.Encoder{
			Order:  fragments.BigEndian,
			Mapper: encoderFor,
		}
		if err := enc.Value(context.Background(), in); err != nil {
			t.Errorf("encoding variant(%T) failed: %v", val, err)
			continue
		}

		dec := fragments.Decoder{
			Order:  fragments.BigEndian,
			Mapper: decoderFor,
			In:     bytes.NewReader(enc.Out),
		}
		var out Variant
		if err := dec.Value(context.Background(), &out); err != nil {
			t.Errorf("decoding variant(%T) failed: %v", val, err)
			continue
		}
		if got, want := out.Signature().String(), in.Signature().String(); got != want {
			t.Errorf("variant(%T) signature did not round trip, got %q want %q", val, got, want)
		}
	}
}

func TestVariantMarshalZero(t *testing.T) {
	enc := fragments.Encoder{
		Order:  fragments.BigEndian,
		Mapper: encoderFor,
	}
	var zero Variant
	if err := enc.Value(context.Background(), zero); err == nil {
		t.Fatal("encoding zero Variant succeeded, want error")
	}
}
