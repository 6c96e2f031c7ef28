// Package sanitize is the value-integrity boundary in front of the local
// store. Payloads arrive from untyped edges (spool tickets, remote JSON
// decoded into interface values, caller-supplied maps) and must be reduced
// to plain structured data before they are persisted: scalars, strings,
// byte slices, timestamps, plain slices, and string-keyed maps. Anything
// live (functions, channels), unserializable (complex numbers, unsafe
// pointers), or cyclic is dropped with a diagnostic rather than allowed to
// poison a store transaction.
package sanitize

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Dropped records a value that was removed during sanitization, addressed
// by its path inside the input structure.
type Dropped struct {
	Path   string
	Reason string
}

// Clean projects v onto plain structured data. The returned value contains
// only nil, bool, int64, uint64, float64, string, []byte, time.Time,
// []any, and map[string]any. It never panics; for any input the output
// passes a json.Marshal probe. Applying Clean to its own output is the
// identity.
func Clean(v any) (any, []Dropped) {
	w := &walker{seen: make(map[uintptr]bool)}
	out := w.walk(reflect.ValueOf(v), "$")

	// Marshal probe over the whole result. The walk already rejects every
	// kind json cannot encode, so a failure here means a leaf slipped
	// through (e.g. a NaN float); re-walk once with the probe applied per
	// leaf, dropping the offenders.
	if _, err := json.Marshal(out); err != nil {
		w.probe = true
		w.dropped = nil
		out = w.walk(reflect.ValueOf(v), "$")
	}

	return out, w.dropped
}

// CleanBytes sanitizes v and returns its JSON encoding.
func CleanBytes(v any) ([]byte, []Dropped, error) {
	out, dropped := Clean(v)

	data, err := json.Marshal(out)
	if err != nil {
		return nil, dropped, fmt.Errorf("encoding sanitized value: %w", err)
	}

	return data, dropped, nil
}

type walker struct {
	seen    map[uintptr]bool
	dropped []Dropped
	probe   bool
}

func (w *walker) drop(path, reason string) any {
	w.dropped = append(w.dropped, Dropped{Path: path, Reason: reason})

	return nil
}

var timeType = reflect.TypeOf(time.Time{})

func (w *walker) walk(rv reflect.Value, path string) any {
	if !rv.IsValid() {
		return nil
	}

	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		if rv.Kind() == reflect.Pointer {
			addr := rv.Pointer()
			if w.seen[addr] {
				return w.drop(path, "circular reference")
			}
			w.seen[addr] = true
			defer delete(w.seen, addr)
		}

		return w.walk(rv.Elem(), path)

	case reflect.Bool:
		return rv.Bool()

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()

	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if w.probe {
			if _, err := json.Marshal(f); err != nil {
				return w.drop(path, "unencodable float")
			}
		}

		return f

	case reflect.String:
		return rv.String()

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil
		}
		// Byte slices and arrays stay opaque binary blobs.
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			if rv.Kind() == reflect.Slice {
				return append([]byte(nil), rv.Bytes()...)
			}

			out := make([]byte, rv.Len())
			for i := range out {
				out[i] = byte(rv.Index(i).Uint())
			}

			return out
		}
		if rv.Kind() == reflect.Slice {
			addr := rv.Pointer()
			if w.seen[addr] {
				return w.drop(path, "circular reference")
			}
			w.seen[addr] = true
			defer delete(w.seen, addr)
		}

		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out = append(out, w.walk(rv.Index(i), fmt.Sprintf("%s[%d]", path, i)))
		}

		return out

	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		addr := rv.Pointer()
		if w.seen[addr] {
			return w.drop(path, "circular reference")
		}
		w.seen[addr] = true
		defer delete(w.seen, addr)

		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := mapKey(iter.Key())
			out[key] = w.walk(iter.Value(), path+"."+key)
		}

		return out

	case reflect.Struct:
		if rv.Type() == timeType {
			return rv.Interface().(time.Time)
		}

		out := make(map[string]any)
		t := rv.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}

			name, omit := fieldName(f)
			if omit {
				continue
			}

			out[name] = w.walk(rv.Field(i), path+"."+name)
		}

		return out

	case reflect.Func:
		return w.drop(path, "callable value")

	case reflect.Chan:
		return w.drop(path, "pending asynchronous handle")

	case reflect.Complex64, reflect.Complex128:
		return w.drop(path, "complex number")

	case reflect.UnsafePointer:
		return w.drop(path, "unsafe pointer")

	default:
		return w.drop(path, fmt.Sprintf("unsupported kind %s", rv.Kind()))
	}
}

// mapKey stringifies a map key. String keys pass through; everything else
// is formatted, matching how encoding/json flattens non-string keys.
func mapKey(rv reflect.Value) string {
	if rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	if rv.IsValid() && rv.Kind() == reflect.String {
		return rv.String()
	}

	return fmt.Sprint(rv.Interface())
}

// fieldName resolves a struct field's JSON name, honoring the json tag.
func fieldName(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name, false
	}
	if tag == "-" {
		return "", true
	}

	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name, false
	}

	return name, false
}
