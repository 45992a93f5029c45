// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package models

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// maxValueDepth bounds nesting so self-referencing maps fail instead of
// recursing forever.
const maxValueDepth = 32

var (
	// ErrUnsupportedValue is returned for Go values with no JSON representation.
	ErrUnsupportedValue = errors.New("unsupported property value")

	// ErrNonFiniteNumber is returned for NaN and infinities.
	ErrNonFiniteNumber = errors.New("number must be finite")

	// ErrValueTooDeep is returned when nesting exceeds the supported depth.
	ErrValueTooDeep = errors.New("property value nested too deeply")
)

// Value is a JSON-compatible property value. The zero Value is null.
type Value struct {
	kind Kind
	str  string // string payload, or canonical number text
	b    bool
	arr  []Value
	obj  Properties
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer number value.
func Int(n int64) Value { return Value{kind: KindNumber, str: strconv.FormatInt(n, 10)} }

// Uint returns an unsigned integer number value.
func Uint(n uint64) Value { return Value{kind: KindNumber, str: strconv.FormatUint(n, 10)} }

// Float returns a number value. NaN and infinities are rejected.
func Float(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, ErrNonFiniteNumber
	}
	return Value{kind: KindNumber, str: strconv.FormatFloat(f, 'g', -1, 64)}, nil
}

// Number returns a number value from JSON number text.
func Number(text string) (Value, error) {
	if !json.Valid([]byte(text)) {
		return Value{}, fmt.Errorf("%w: invalid number %q", ErrUnsupportedValue, text)
	}
	if _, err := strconv.ParseFloat(text, 64); err != nil {
		return Value{}, fmt.Errorf("%w: %q", ErrNonFiniteNumber, text)
	}
	return Value{kind: KindNumber, str: text}, nil
}

// Array returns an array value.
func Array(items ...Value) Value {
	return Value{kind: KindArray, arr: append([]Value(nil), items...)}
}

// Object returns an object value.
func Object(p Properties) Value {
	return Value{kind: KindObject, obj: p.Clone()}
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Text returns the string payload.
func (v Value) Text() (string, bool) { return v.str, v.kind == KindString }

// Float64 returns the numeric payload.
func (v Value) Float64() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.str, 64)
	return f, err == nil
}

// Boolean returns the boolean payload.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Items returns the elements of an array value.
func (v Value) Items() []Value { return v.arr }

// Fields returns the members of an object value.
func (v Value) Fields() Properties { return v.obj }

// Interface converts v to plain Go values: nil, string, float64, bool,
// []any or map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		f, _ := v.Float64()
		return f
	case KindBool:
		return v.b
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Interface()
		}
		return out
	case KindObject:
		return v.obj.Map()
	default:
		return nil
	}
}

// Truncate returns v with every string, and every object key, cut to at
// most maxLen runes.
func (v Value) Truncate(maxLen int) Value {
	switch v.kind {
	case KindString:
		return String(TruncateString(v.str, maxLen))
	case KindArray:
		items := make([]Value, len(v.arr))
		for i, item := range v.arr {
			items[i] = item.Truncate(maxLen)
		}
		return Value{kind: KindArray, arr: items}
	case KindObject:
		return Value{kind: KindObject, obj: v.obj.Truncate(maxLen)}
	default:
		return v
	}
}

// Equal reports deep equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString, KindNumber:
		return v.str == o.str
	case KindBool:
		return v.b == o.b
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		return v.obj.Equal(o.obj)
	default:
		return true
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindString:
		b, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(b)
	case KindNumber:
		buf.WriteString(v.str)
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindArray:
		buf.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		return v.obj.writeJSON(buf)
	default:
		return fmt.Errorf("%w: kind %d", ErrUnsupportedValue, v.kind)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Object members are ordered by
// key because JSON decoding does not preserve the source order.
func (v *Value) UnmarshalJSON(data []byte) error {
	raw, err := decodeLoose(data)
	if err != nil {
		return err
	}
	val, err := ValueOf(raw)
	if err != nil {
		return err
	}
	*v = val
	return nil
}

func decodeLoose(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ValueOf converts a Go value into a Value. Supported inputs are nil,
// strings, booleans, integers, finite floats, json.Number, time.Time
// (RFC 3339 text), Value, Properties, and slices, arrays, maps with string
// keys and pointers of those. Map members are ordered by key.
func ValueOf(x any) (Value, error) {
	return valueOf(x, 0)
}

//nolint:gocyclo // one case per supported Go type
func valueOf(x any, depth int) (Value, error) {
	if depth > maxValueDepth {
		return Value{}, ErrValueTooDeep
	}

	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case Properties:
		return Object(t), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return Uint(uint64(t)), nil
	case uint8:
		return Uint(uint64(t)), nil
	case uint16:
		return Uint(uint64(t)), nil
	case uint32:
		return Uint(uint64(t)), nil
	case uint64:
		return Uint(t), nil
	case float32:
		return Float(float64(t))
	case float64:
		return Float(t)
	case json.Number:
		return Number(string(t))
	case time.Time:
		return String(t.UTC().Format(time.RFC3339Nano)), nil
	case []any:
		items := make([]Value, 0, len(t))
		for i, item := range t {
			v, err := valueOf(item, depth+1)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items = append(items, v)
		}
		return Value{kind: KindArray, arr: items}, nil
	case map[string]any:
		p, err := propertiesFromMap(t, depth+1)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindObject, obj: p}, nil
	}

	return reflectValueOf(reflect.ValueOf(x), depth)
}

func reflectValueOf(rv reflect.Value, depth int) (Value, error) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return Null(), nil
		}
		return valueOf(rv.Elem().Interface(), depth+1)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return Value{kind: KindArray}, nil
		}
		items := make([]Value, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := valueOf(rv.Index(i).Interface(), depth+1)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items = append(items, v)
		}
		return Value{kind: KindArray, arr: items}, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("%w: map key type %s", ErrUnsupportedValue, rv.Type().Key())
		}
		m := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			m[iter.Key().String()] = iter.Value().Interface()
		}
		p, err := propertiesFromMap(m, depth+1)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindObject, obj: p}, nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Uint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float())
	default:
		return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedValue, rv.Type())
	}
}

// TruncateString cuts s to at most maxLen runes. A non-positive maxLen
// disables truncation.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	n := 0
	for i := range s {
		if n == maxLen {
			return s[:i]
		}
		n++
	}
	return s
}

// Property is one member of Properties.
type Property struct {
	Key   string
	Value Value
}

// Properties is an insertion-ordered map of property names to values.
// The zero value is an empty map ready to use.
type Properties []Property

// PropertiesFromMap converts a Go map, validating every value. Keys are
// inserted in sorted order so the result is deterministic.
func PropertiesFromMap(m map[string]any) (Properties, error) {
	return propertiesFromMap(m, 0)
}

func propertiesFromMap(m map[string]any, depth int) (Properties, error) {
	if depth > maxValueDepth {
		return nil, ErrValueTooDeep
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := make(Properties, 0, len(keys))
	for _, k := range keys {
		v, err := valueOf(m[k], depth+1)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		p = append(p, Property{Key: k, Value: v})
	}
	return p, nil
}

// Get returns the value stored under key.
func (p Properties) Get(key string) (Value, bool) {
	for _, prop := range p {
		if prop.Key == key {
			return prop.Value, true
		}
	}
	return Value{}, false
}

// Set stores v under key, keeping the original position of an existing key.
func (p *Properties) Set(key string, v Value) {
	for i := range *p {
		if (*p)[i].Key == key {
			(*p)[i].Value = v
			return
		}
	}
	*p = append(*p, Property{Key: key, Value: v})
}

// Delete removes key if present.
func (p *Properties) Delete(key string) {
	for i := range *p {
		if (*p)[i].Key == key {
			*p = append((*p)[:i], (*p)[i+1:]...)
			return
		}
	}
}

// Keys returns the keys in insertion order.
func (p Properties) Keys() []string {
	keys := make([]string, len(p))
	for i, prop := range p {
		keys[i] = prop.Key
	}
	return keys
}

// Clone returns a copy that shares no backing array with p.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	return append(Properties(nil), p...)
}

// Map converts p to a plain Go map.
func (p Properties) Map() map[string]any {
	m := make(map[string]any, len(p))
	for _, prop := range p {
		m[prop.Key] = prop.Value.Interface()
	}
	return m
}

// Truncate returns a copy with keys and string values cut to maxLen runes.
// Keys that collide after truncation keep the later value.
func (p Properties) Truncate(maxLen int) Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, 0, len(p))
	for _, prop := range p {
		out.Set(TruncateString(prop.Key, maxLen), prop.Value.Truncate(maxLen))
	}
	return out
}

// Equal reports whether p and o hold the same members in the same order.
func (p Properties) Equal(o Properties) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i].Key != o[i].Key || !p[i].Value.Equal(o[i].Value) {
			return false
		}
	}
	return true
}

// MarshalJSON writes p as a JSON object in insertion order.
func (p Properties) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := p.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p Properties) writeJSON(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, prop := range p {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(prop.Key)
		if err != nil {
			return err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if err := prop.Value.writeJSON(buf); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// UnmarshalJSON decodes a JSON object. Members are ordered by key.
func (p *Properties) UnmarshalJSON(data []byte) error {
	raw, err := decodeLoose(data)
	if err != nil {
		return err
	}
	if raw == nil {
		*p = nil
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: properties must be a JSON object", ErrUnsupportedValue)
	}
	props, err := PropertiesFromMap(m)
	if err != nil {
		return err
	}
	*p = props
	return nil
}
