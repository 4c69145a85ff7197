package dbus

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/busproto/dbus/fragments"
)

// maxNestDepth is the wire protocol's limit on container nesting:
// at most 32 nested arrays and 32 nested structs.
const maxNestDepth = 32

// A Signature describes the wire type of a value.
//
// A Signature is immutable once computed. The zero Signature
// describes a void value.
type Signature struct {
	typ reflect.Type
	str string
}

func mkSignature(typ reflect.Type, str string) Signature {
	return Signature{typ, str}
}

// String returns the signature's canonical string encoding.
func (s Signature) String() string { return s.str }

// IsZero reports whether the signature is the zero value.
func (s Signature) IsZero() bool { return s.typ == nil }

// Type returns the Go type the Signature decodes into, or nil for
// the zero Signature.
func (s Signature) Type() reflect.Type { return s.typ }

// asMsgBody returns the signature as it appears in a message header:
// a struct signature loses its outer parens, since a message body is
// a bare sequence of values.
func (s Signature) asMsgBody() Signature {
	if s.IsZero() || s.typ.Kind() != reflect.Struct {
		return s
	}
	return Signature{s.typ, s.str[1 : len(s.str)-1]}
}

// asStruct returns the signature wrapped into a struct shape, for
// materializing a whole message body as a single value.
func (s Signature) asStruct() Signature {
	if s.IsZero() || s.typ.Kind() == reflect.Struct {
		return s
	}
	st := reflect.StructOf([]reflect.StructField{{
		Name: "Field0",
		Type: s.typ,
	}})
	return Signature{st, "(" + s.str + ")"}
}

func (s Signature) SignatureDBus() Signature { return sigSignature }
func (s Signature) IsDBusStruct() bool       { return false }

func (s Signature) MarshalDBus(ctx context.Context, e *fragments.Encoder) error {
	e.SignatureString(s.str)
	return nil
}

func (s *Signature) UnmarshalDBus(ctx context.Context, d *fragments.Decoder) error {
	str, err := d.SignatureString()
	if err != nil {
		return err
	}
	sig, err := ParseSignature(str)
	if err != nil {
		return err
	}
	*s = sig
	return nil
}

var sigSignature = Signature{reflect.TypeFor[Signature](), "g"}

var (
	typeToSignature cache[reflect.Type, Signature]
	strToSignature  cache[string, Signature]
)

// ParseSignature parses the canonical string encoding of a type
// signature.
func ParseSignature(sig string) (Signature, error) {
	if ret, err := strToSignature.Get(sig); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return Signature{}, err
	}

	var (
		rest  = sig
		parts []reflect.Type
		part  reflect.Type
		err   error
	)
	for rest != "" {
		part, rest, err = parseOne(rest, false, 0, 0)
		if err != nil {
			err = fmt.Errorf("invalid type signature %q: %w", sig, err)
			strToSignature.SetErr(sig, err)
			return Signature{}, err
		}
		parts = append(parts, part)
	}

	var ret Signature
	switch len(parts) {
	case 0:
		ret = Signature{}
	case 1:
		ret = mkSignature(parts[0], sig)
	default:
		fs := make([]reflect.StructField, len(parts))
		for i, p := range parts {
			fs[i] = reflect.StructField{
				Name: fmt.Sprintf("Field%d", i),
				Type: p,
			}
		}
		ret = mkSignature(reflect.StructOf(fs), "("+sig+")")
		strToSignature.Set(ret.str, ret)
	}

	if ret.typ != nil {
		typeToSignature.Set(ret.typ, ret)
	}
	strToSignature.Set(sig, ret)
	return ret, nil
}

func mustParseSignature(sig string) Signature {
	ret, err := ParseSignature(sig)
	if err != nil {
		panic(err)
	}
	return ret
}

// parseOne consumes one complete type from the front of sig and
// returns the Go type it decodes into, plus the remainder.
func parseOne(sig string, inArray bool, arrayDepth, structDepth int) (t reflect.Type, rest string, err error) {
	if sig == "" {
		return nil, "", errors.New("truncated signature")
	}
	if ret, ok := strToType[sig[0]]; ok {
		return ret, sig[1:], nil
	}

	switch sig[0] {
	case 'a':
		if arrayDepth+1 > maxNestDepth {
			return nil, "", fmt.Errorf("array nesting exceeds %d levels", maxNestDepth)
		}
		isDict := len(sig) > 1 && sig[1] == '{'
		elem, rest, err := parseOne(sig[1:], true, arrayDepth+1, structDepth)
		if err != nil {
			return nil, "", err
		}
		if isDict {
			// The dict-entry sub-parser already produced a map type.
			return elem, rest, nil
		}
		return reflect.SliceOf(elem), rest, nil
	case '(':
		if structDepth+1 > maxNestDepth {
			return nil, "", fmt.Errorf("struct nesting exceeds %d levels", maxNestDepth)
		}
		var (
			fields []reflect.Type
			field  reflect.Type
			rest   = sig[1:]
			err    error
		)
		for rest != "" && rest[0] != ')' {
			field, rest, err = parseOne(rest, false, arrayDepth, structDepth+1)
			if err != nil {
				return nil, "", err
			}
			fields = append(fields, field)
		}
		if rest == "" {
			return nil, "", errors.New("missing closing ) in struct signature")
		}
		if len(fields) == 0 {
			return nil, "", errors.New("empty struct signature")
		}
		fs := make([]reflect.StructField, len(fields))
		for i, f := range fields {
			fs[i] = reflect.StructField{
				Name: fmt.Sprintf("Field%d", i),
				Type: f,
			}
		}
		return reflect.StructOf(fs), rest[1:], nil
	case '{':
		if !inArray {
			return nil, "", errors.New("dict entry outside array")
		}
		key, rest, err := parseOne(sig[1:], false, arrayDepth, structDepth)
		if err != nil {
			return nil, "", err
		}
		if !mapKeyKinds.Has(key.Kind()) || key == reflect.TypeFor[Variant]() {
			return nil, "", fmt.Errorf("invalid dict key type %s, must be a basic type", key)
		}
		val, rest, err := parseOne(rest, false, arrayDepth, structDepth)
		if err != nil {
			return nil, "", err
		}
		if rest == "" || rest[0] != '}' {
			return nil, "", errors.New("missing closing } in dict entry signature")
		}
		return reflect.MapOf(key, val), rest[1:], nil
	default:
		return nil, "", fmt.Errorf("unknown type token %q", sig[0])
	}
}

// A signer provides its own wire signature.
type signer interface {
	SignatureDBus() Signature
}

var signerType = reflect.TypeFor[signer]()

// SignatureFor returns the Signature for the type T.
//
// Signature computation is purely structural: the same type always
// yields the same signature.
func SignatureFor[T any]() (Signature, error) {
	return signatureFor(reflect.TypeFor[T](), nil)
}

// SignatureOf returns the Signature of v's dynamic type.
func SignatureOf(v any) (Signature, error) {
	return signatureFor(reflect.TypeOf(v), nil)
}

func signatureFor(t reflect.Type, stack []reflect.Type) (sig Signature, err error) {
	if ret, err := typeToSignature.Get(t); err == nil {
		return ret, nil
	} else if !errors.Is(err, errNotFound) {
		return Signature{}, err
	}

	if t == nil {
		return Signature{}, typeErr(t, "nil interface value")
	}
	if slices.Contains(stack, t) {
		return Signature{}, typeErr(t, "recursive type")
	}
	stack = append(stack, t)

	// Note, defer captures the type before derefType below.
	defer func(t reflect.Type) {
		if err != nil {
			typeToSignature.SetErr(t, err)
		} else {
			typeToSignature.Set(t, sig)
		}
	}(t)

	t = derefType(t)

	if pt := reflect.PointerTo(t); pt.Implements(marshalerType) || pt.Implements(unmarshalerType) {
		if t.Implements(signerType) {
			return reflect.Zero(t).Interface().(signer).SignatureDBus(), nil
		}
		return reflect.Zero(pt).Interface().(signer).SignatureDBus(), nil
	}

	if t == reflect.TypeFor[any]() {
		return mkSignature(t, "v"), nil
	}

	if str, ok := kindToStr[t.Kind()]; ok {
		return mkSignature(kindToType[t.Kind()], string(str)), nil
	}

	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		es, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		ret := mkSignature(reflect.SliceOf(es.typ), "a"+es.str)
		if err := checkDepth(ret.str); err != nil {
			return Signature{}, typeErr(t, "%v", err)
		}
		return ret, nil
	case reflect.Map:
		k := t.Key()
		if !mapKeyKinds.Has(k.Kind()) || k == reflect.TypeFor[any]() {
			return Signature{}, typeErr(t, "map key type %s is not a basic type", k)
		}
		ks, err := signatureFor(k, stack)
		if err != nil {
			return Signature{}, err
		}
		vs, err := signatureFor(t.Elem(), stack)
		if err != nil {
			return Signature{}, err
		}
		ret := mkSignature(reflect.MapOf(ks.typ, vs.typ), "a{"+ks.str+vs.str+"}")
		if err := checkDepth(ret.str); err != nil {
			return Signature{}, typeErr(t, "%v", err)
		}
		return ret, nil
	case reflect.Struct:
		fs, err := getStructInfo(t)
		if err != nil {
			return Signature{}, typeErr(t, "getting struct info: %v", err)
		}
		var parts []string
		for _, f := range fs.fields {
			fsig, err := signatureFor(f.Type, stack)
			if err != nil {
				return Signature{}, err
			}
			parts = append(parts, fsig.str)
		}
		ret := mkSignature(t, "("+strings.Join(parts, "")+")")
		if err := checkDepth(ret.str); err != nil {
			return Signature{}, typeErr(t, "%v", err)
		}
		return ret, nil
	}

	return Signature{}, typeErr(t, "no wire mapping for type")
}

// checkDepth verifies the protocol's container nesting limits on a
// composed signature string.
func checkDepth(sig string) error {
	rest := sig
	var err error
	for rest != "" {
		rest, err = checkDepthOne(rest, 0, 0)
		if err != nil {
			return err
		}
	}
	return nil
}

// checkDepthOne consumes one complete type from the front of sig,
// tracking the array and struct nesting in effect around it.
func checkDepthOne(sig string, arrays, structs int) (rest string, err error) {
	if sig == "" {
		return "", errors.New("truncated signature")
	}
	switch sig[0] {
	case 'a':
		if arrays+1 > maxNestDepth {
			return "", fmt.Errorf("array nesting exceeds %d levels", maxNestDepth)
		}
		return checkDepthOne(sig[1:], arrays+1, structs)
	case '(':
		if structs+1 > maxNestDepth {
			return "", fmt.Errorf("struct nesting exceeds %d levels", maxNestDepth)
		}
		rest = sig[1:]
		for rest != "" && rest[0] != ')' {
			if rest, err = checkDepthOne(rest, arrays, structs+1); err != nil {
				return "", err
			}
		}
		if rest == "" {
			return "", errors.New("missing closing ) in struct signature")
		}
		return rest[1:], nil
	case '{':
		if structs+1 > maxNestDepth {
			return "", fmt.Errorf("struct nesting exceeds %d levels", maxNestDepth)
		}
		rest = sig[1:]
		for rest != "" && rest[0] != '}' {
			if rest, err = checkDepthOne(rest, arrays, structs+1); err != nil {
				return "", err
			}
		}
		if rest == "" {
			return "", errors.New("missing closing } in dict entry signature")
		}
		return rest[1:], nil
	default:
		return sig[1:], nil
	}
}
