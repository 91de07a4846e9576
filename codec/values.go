package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
)

var ErrUnsupportedType = errors.New("codec: unsupported type")

const maxDepth = 64

// Validate reports whether v belongs to the encodable set: nil, bool,
// integers, floats, string, []byte, slices and arrays, maps with string keys,
// structs with exported fields, and pointers or interfaces holding those.
func Validate(v any) error {
	return validate(reflect.ValueOf(v), 0)
}

func validate(rv reflect.Value, depth int) error {
	if !rv.IsValid() {
		return nil
	}
	if depth > maxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrUnsupportedType, maxDepth)
	}
	switch rv.Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return nil
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return nil
		}
		fallthrough
	case reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if err := validate(rv.Index(i), depth+1); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: map key %s", ErrUnsupportedType, rv.Type().Key())
		}
		iter := rv.MapRange()
		for iter.Next() {
			if err := validate(iter.Value(), depth+1); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := validate(rv.Field(i), depth+1); err != nil {
				return err
			}
		}
		return nil
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return validate(rv.Elem(), depth+1)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedType, rv.Type())
	}
}

// Normalize canonicalizes a decoded dynamic value in place where possible:
// integers become int64 (uint64 only above MaxInt64), floats float64, and
// maps map[string]any. Different codecs therefore yield identical values.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return normalizeUint(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return normalizeUint(x)
	case float32:
		return float64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case []any:
		for i := range x {
			x[i] = Normalize(x[i])
		}
		return x
	case map[string]any:
		for k, e := range x {
			x[k] = Normalize(e)
		}
		return x
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, e := range x {
			m[fmt.Sprint(k)] = Normalize(e)
		}
		return m
	default:
		return v
	}
}

func normalizeUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

// normalizeTarget walks a decode target and normalizes every dynamically
// typed slot (any fields, []any elements, map[string]any values).
func normalizeTarget(v any) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return
	}
	normalizeValue(rv.Elem(), 0)
}

func normalizeValue(rv reflect.Value, depth int) {
	if depth > maxDepth {
		return
	}
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() || !rv.CanSet() || rv.Type().NumMethod() != 0 {
			return
		}
		setDynamic(rv, Normalize(rv.Interface()))
	case reflect.Pointer:
		if !rv.IsNil() {
			normalizeValue(rv.Elem(), depth+1)
		}
	case reflect.Struct:
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() {
				normalizeValue(rv.Field(i), depth+1)
			}
		}
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return
		}
		for i := 0; i < rv.Len(); i++ {
			normalizeValue(rv.Index(i), depth+1)
		}
	case reflect.Map:
		elem := rv.Type().Elem()
		if elem.Kind() != reflect.Interface || elem.NumMethod() != 0 {
			return
		}
		iter := rv.MapRange()
		for iter.Next() {
			n := Normalize(iter.Value().Interface())
			if n == nil {
				rv.SetMapIndex(iter.Key(), reflect.Zero(elem))
				continue
			}
			rv.SetMapIndex(iter.Key(), reflect.ValueOf(n))
		}
	}
}

func setDynamic(rv reflect.Value, n any) {
	if n == nil {
		rv.Set(reflect.Zero(rv.Type()))
		return
	}
	rv.Set(reflect.ValueOf(n))
}
