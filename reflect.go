package dbus

import (
	"fmt"
	"iter"
	"reflect"
)

func derefType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

// structured is the part of Marshaler/Unmarshaler that reports
// whether a type lays itself out like a wire struct (8-byte aligned).
type structured interface {
	IsDBusStruct() bool
}

// alignAsStruct reports whether values of type t get struct alignment
// in arrays and other containers.
func alignAsStruct(t reflect.Type) bool {
	t = derefType(t)
	if pt := reflect.PointerTo(t); pt.Implements(marshalerType) || pt.Implements(unmarshalerType) {
		return reflect.Zero(pt).Interface().(structured).IsDBusStruct()
	}
	switch t.Kind() {
	case reflect.Map:
		// Dict entries are struct-shaped on the wire.
		return true
	case reflect.Struct:
		return true
	}
	return false
}

// structInfo describes the encodable fields of a struct type, with
// embedded structs flattened.
type structInfo struct {
	fields []*structField
}

type structField struct {
	Name  string
	Index []int
	Type  reflect.Type
}

// get returns the field value within structVal, or an invalid value
// if the traversal crosses a nil embedded struct pointer.
func (f *structField) get(structVal reflect.Value) reflect.Value {
	v, err := structVal.FieldByIndexErr(f.Index)
	if err != nil {
		return reflect.Zero(f.Type)
	}
	return v
}

// alloc returns the settable field value within structVal,
// allocating any nil embedded struct pointers along the way.
func (f *structField) alloc(structVal reflect.Value) reflect.Value {
	v := structVal
	for _, i := range f.Index {
		if v.Kind() == reflect.Pointer {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(i)
	}
	return v
}

var structInfos cache[reflect.Type, *structInfo]

func getStructInfo(t reflect.Type) (*structInfo, error) {
	if ret, err := structInfos.Get(t); err == nil {
		return ret, nil
	} else if err != errNotFound {
		return nil, err
	}

	ret := &structInfo{}
	for f := range visibleFields(t, nil) {
		if f.Tag.Get("dbus") == "-" {
			continue
		}
		ret.fields = append(ret.fields, &structField{
			Name:  f.Name,
			Index: f.Index,
			Type:  f.Type,
		})
	}
	if len(ret.fields) == 0 {
		err := fmt.Errorf("struct %s has no encodable fields", t)
		structInfos.SetErr(t, err)
		return nil, err
	}
	structInfos.Set(t, ret)
	return ret, nil
}

// visibleFields yields the exported non-embedded fields of t, with
// embedded structs (by value or pointer) flattened in declaration
// order.
func visibleFields(t reflect.Type, idx []int) iter.Seq[reflect.StructField] {
	return func(yield func(reflect.StructField) bool) {
		for i := range t.NumField() {
			f := t.Field(i)
			idx = append(idx, i)
			if f.Anonymous {
				at := derefType(f.Type)
				if at.Kind() == reflect.Struct {
					for af := range visibleFields(at, idx) {
						if !yield(af) {
							return
						}
					}
					idx = idx[:len(idx)-1]
					continue
				}
			}
			if f.IsExported() {
				f.Index = append([]int(nil), idx...)
				if !yield(f) {
					return
				}
			}
			idx = idx[:len(idx)-1]
		}
	}
}
