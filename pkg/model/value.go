package model

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Kind identifies which member of the Value union is set.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTime
	KindObjectID
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	case KindObjectID:
		return "objectId"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a tagged union over the scalar and container types a document field can hold.
// The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	t    time.Time
	oid  primitive.ObjectID
	m    *Document
	l    []Value
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func String(s string) Value { return Value{kind: KindString, s: s} }
func Time(t time.Time) Value { return Value{kind: KindTime, t: t.UTC()} }
func ObjectID(oid primitive.ObjectID) Value { return Value{kind: KindObjectID, oid: oid} }

// Map wraps a nested document. A nil document becomes an empty one.
func Map(d *Document) Value {
	if d == nil {
		d = NewDocument()
	}
	return Value{kind: KindMap, m: d}
}

func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, l: items}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }
func (v Value) Float() (float64, bool) { return v.f, v.kind == KindFloat }
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }
func (v Value) Time() (time.Time, bool) { return v.t, v.kind == KindTime }
func (v Value) ObjectID() (primitive.ObjectID, bool) {
	return v.oid, v.kind == KindObjectID
}

// Map returns the nested document, or nil when v is not a map.
func (v Value) Map() *Document {
	if v.kind != KindMap {
		return nil
	}
	return v.m
}

// List returns the list items, or nil when v is not a list.
func (v Value) List() []Value {
	if v.kind != KindList {
		return nil
	}
	return v.l
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	switch v.kind {
	case KindMap:
		return Map(v.m.Clone())
	case KindList:
		items := make([]Value, len(v.l))
		for i, item := range v.l {
			items[i] = item.Clone()
		}
		return List(items...)
	default:
		return v
	}
}

// Equal reports deep equality. Map key order is significant.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindTime:
		return v.t.Equal(o.t)
	case KindObjectID:
		return v.oid == o.oid
	case KindMap:
		return v.m.Equal(o.m)
	case KindList:
		if len(v.l) != len(o.l) {
			return false
		}
		for i := range v.l {
			if !v.l[i].Equal(o.l[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Interface converts v into the Go value the BSON encoder expects.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindTime:
		return primitive.NewDateTimeFromTime(v.t)
	case KindObjectID:
		return v.oid
	case KindMap:
		return v.m.ToBSON()
	case KindList:
		arr := make(bson.A, len(v.l))
		for i, item := range v.l {
			arr[i] = item.Interface()
		}
		return arr
	default:
		return nil
	}
}

// String renders scalars for logs and message keys. Containers use extended JSON.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindObjectID:
		return v.oid.Hex()
	case KindMap:
		return v.m.String()
	default:
		data, err := bson.MarshalExtJSON(bson.D{{Key: "v", Value: v.Interface()}}, false, false)
		if err != nil {
			return fmt.Sprintf("<%s>", v.kind)
		}
		return string(data)
	}
}

// ValueOf converts plain Go and BSON driver values into a Value.
// Types without a lossless mapping return ErrUnsupportedType.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case *Document:
		return Map(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float32:
		return floatValue(float64(t))
	case float64:
		return floatValue(t)
	case string:
		return String(t), nil
	case time.Time:
		return Time(t), nil
	case primitive.DateTime:
		return Time(t.Time()), nil
	case primitive.ObjectID:
		return ObjectID(t), nil
	case primitive.Null, primitive.Undefined:
		return Null(), nil
	case bson.D:
		d, err := DocumentFromBSON(t)
		if err != nil {
			return Value{}, err
		}
		return Map(d), nil
	case bson.M:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := NewDocument()
		for _, k := range keys {
			v, err := ValueOf(t[k])
			if err != nil {
				return Value{}, fmt.Errorf("field %q: %w", k, err)
			}
			d.Set(k, v)
		}
		return Map(d), nil
	case map[string]any:
		return ValueOf(bson.M(t))
	case bson.A:
		return listOf([]any(t))
	case []any:
		return listOf(t)
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return List(items...), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedType, x)
	}
}

// MustValue is ValueOf for literals known to be convertible.
func MustValue(x any) Value {
	v, err := ValueOf(x)
	if err != nil {
		panic(err)
	}
	return v
}

func floatValue(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: non-finite float %v", ErrUnsupportedType, f)
	}
	return Float(f), nil
}

func listOf(items []any) (Value, error) {
	out := make([]Value, len(items))
	for i, item := range items {
		v, err := ValueOf(item)
		if err != nil {
			return Value{}, fmt.Errorf("index %d: %w", i, err)
		}
		out[i] = v
	}
	return List(out...), nil
}
