// Package normalize projects allow-listed logical fields out of
// schema-free documents whose keys vary in case between records.
package normalize

import (
	"encoding/json"
	"maps"
	"slices"
	"strings"
	"time"
)

// Kind tags the shape carried by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindTime
	KindMap
	KindList
)

// Value is a tagged union over the shapes a stored document can hold.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	t    time.Time
	m    *Document
	list []Value
}

func Null() Value                 { return Value{kind: KindNull} }
func String(s string) Value       { return Value{kind: KindString, str: s} }
func Number(n float64) Value      { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value           { return Value{kind: KindBool, b: b} }
func Time(t time.Time) Value      { return Value{kind: KindTime, t: t} }
func Map(d *Document) Value       { return Value{kind: KindMap, m: d} }
func List(items ...Value) Value   { return Value{kind: KindList, list: items} }
func (v Value) Kind() Kind        { return v.kind }
func (v Value) Str() string       { return v.str }
func (v Value) Num() float64      { return v.num }
func (v Value) Bool() bool        { return v.b }
func (v Value) Time() time.Time   { return v.t }
func (v Value) Doc() *Document    { return v.m }
func (v Value) Items() []Value    { return v.list }
func (v Value) IsComposite() bool { return v.kind == KindMap || v.kind == KindList }

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindTime:
		return json.Marshal(v.t.UTC().Format(time.RFC3339Nano))
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return v.m.MarshalJSON()
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	default:
		return []byte("null"), nil
	}
}

// Document is one stored record: a case-preserving mapping that remembers
// key insertion order so lookups are deterministic.
type Document struct {
	ID string
	// Created is a creation instant known from outside the fields, such as
	// the time embedded in a store-generated identifier.
	Created *time.Time
	keys    []string
	values  map[string]Value
}

func NewDocument(id string) *Document {
	return &Document{ID: id, values: make(map[string]Value)}
}

// Set stores v under key, keeping the original position when key exists.
func (d *Document) Set(key string, v Value) *Document {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = v
	return d
}

// Get returns the value stored under exactly key.
func (d *Document) Get(key string) (Value, bool) {
	v, ok := d.values[key]
	return v, ok
}

// Lookup returns the value of the first key, in insertion order, that
// equals name under case folding.
func (d *Document) Lookup(name string) (string, Value, bool) {
	for _, k := range d.keys {
		if strings.EqualFold(k, name) {
			return k, d.values[k], true
		}
	}
	return "", Value{}, false
}

// Keys returns the document keys in insertion order.
func (d *Document) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

func (d *Document) Len() int { return len(d.keys) }

func (d *Document) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range d.keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		sb.Write(kb)
		sb.WriteByte(':')
		vb, err := d.values[k].MarshalJSON()
		if err != nil {
			return nil, err
		}
		sb.Write(vb)
	}
	sb.WriteByte('}')
	return []byte(sb.String()), nil
}

// FromAny converts decoded JSON (map[string]any, []any, float64, ...) into
// a Value. Map keys from Go maps carry no order, so they are sorted.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Number(float64(t))
	case int32:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case time.Time:
		return Time(t)
	case []any:
		items := make([]Value, 0, len(t))
		for _, it := range t {
			items = append(items, FromAny(it))
		}
		return List(items...)
	case map[string]any:
		doc := NewDocument("")
		for _, k := range slices.Sorted(maps.Keys(t)) {
			doc.Set(k, FromAny(t[k]))
		}
		return Map(doc)
	case *Document:
		return Map(t)
	case Value:
		return t
	default:
		return Null()
	}
}
