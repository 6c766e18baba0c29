package model

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// IDField is the primary key of every document.
const IDField = "_id"

// Document is an insertion-ordered map of field names to values.
// The zero value is not usable; call NewDocument.
type Document struct {
	keys   []string
	values map[string]Value
}

func NewDocument() *Document {
	return &Document{values: make(map[string]Value)}
}

// D builds a document from alternating key/value pairs. Values go through MustValue.
func D(pairs ...any) *Document {
	if len(pairs)%2 != 0 {
		panic("model.D: odd number of arguments")
	}
	d := NewDocument()
	for i := 0; i < len(pairs); i += 2 {
		d.Set(pairs[i].(string), MustValue(pairs[i+1]))
	}
	return d
}

// DocumentFromBSON converts a driver document. Unsupported value types fail the conversion.
func DocumentFromBSON(raw bson.D) (*Document, error) {
	d := NewDocument()
	for _, e := range raw {
		v, err := ValueOf(e.Value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", e.Key, err)
		}
		d.Set(e.Key, v)
	}
	return d, nil
}

func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// Keys returns field names in insertion order.
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

func (d *Document) Get(key string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	v, ok := d.values[key]
	return v, ok
}

func (d *Document) Has(key string) bool {
	_, ok := d.Get(key)
	return ok
}

// Set replaces an existing field in place or appends a new one.
func (d *Document) Set(key string, v Value) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = v
}

// Delete removes key and reports whether it was present.
func (d *Document) Delete(key string) bool {
	if _, ok := d.values[key]; !ok {
		return false
	}
	delete(d.values, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
	return true
}

// ID returns the _id value.
func (d *Document) ID() (Value, bool) {
	return d.Get(IDField)
}

// Range calls fn for each field in order until fn returns false.
func (d *Document) Range(fn func(key string, v Value) bool) {
	if d == nil {
		return
	}
	for _, k := range d.keys {
		if !fn(k, d.values[k]) {
			return
		}
	}
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{
		keys:   make([]string, len(d.keys)),
		values: make(map[string]Value, len(d.values)),
	}
	copy(out.keys, d.keys)
	for k, v := range d.values {
		out.values[k] = v.Clone()
	}
	return out
}

// Equal reports deep equality including field order.
func (d *Document) Equal(o *Document) bool {
	if d.Len() != o.Len() {
		return false
	}
	if d.Len() == 0 {
		return true
	}
	for i, k := range d.keys {
		if o.keys[i] != k {
			return false
		}
		if !d.values[k].Equal(o.values[k]) {
			return false
		}
	}
	return true
}

func (d *Document) ToBSON() bson.D {
	out := make(bson.D, 0, d.Len())
	d.Range(func(k string, v Value) bool {
		out = append(out, bson.E{Key: k, Value: v.Interface()})
		return true
	})
	return out
}

// MarshalBSON lets a *Document be passed straight to the mongo driver.
func (d *Document) MarshalBSON() ([]byte, error) {
	return bson.Marshal(d.ToBSON())
}

// UnmarshalBSON decodes a BSON document, keeping field order.
func (d *Document) UnmarshalBSON(data []byte) error {
	var raw bson.D
	if err := bson.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := DocumentFromBSON(raw)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

func (d *Document) String() string {
	data, err := bson.MarshalExtJSON(d.ToBSON(), false, false)
	if err != nil {
		return fmt.Sprintf("<document: %v>", err)
	}
	return string(data)
}
