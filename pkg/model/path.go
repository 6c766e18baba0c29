package model

import (
	"fmt"
	"strconv"
	"strings"
)

// GetPath resolves a dotted path such as "a.b.0.c". Numeric segments index into lists.
func (d *Document) GetPath(path string) (Value, bool) {
	segs := strings.Split(path, ".")
	cur := Map(d)
	for _, seg := range segs {
		switch cur.Kind() {
		case KindMap:
			v, ok := cur.Map().Get(seg)
			if !ok {
				return Value{}, false
			}
			cur = v
		case KindList:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(cur.List()) {
				return Value{}, false
			}
			cur = cur.List()[idx]
		default:
			return Value{}, false
		}
	}
	return cur, true
}

// SetPath assigns v at a dotted path, creating intermediate maps as needed.
// Setting a list index past the end pads the list with nulls.
// Traversing through a scalar fails with ErrInvalidPath.
func (d *Document) SetPath(path string, v Value) error {
	segs := strings.Split(path, ".")
	for _, seg := range segs {
		if seg == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}
	}
	_, err := setIn(Map(d), segs, v, path)
	return err
}

// UnsetPath removes the field at a dotted path. A list element is replaced by null,
// matching $unset semantics. Missing paths are ignored.
func (d *Document) UnsetPath(path string) {
	segs := strings.Split(path, ".")
	parent := Map(d)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := child(parent, seg)
		if !ok {
			return
		}
		parent = next
	}
	last := segs[len(segs)-1]
	switch parent.Kind() {
	case KindMap:
		parent.Map().Delete(last)
	case KindList:
		idx, err := strconv.Atoi(last)
		if err == nil && idx >= 0 && idx < len(parent.l) {
			parent.l[idx] = Null()
		}
	}
}

func child(v Value, seg string) (Value, bool) {
	switch v.Kind() {
	case KindMap:
		return v.Map().Get(seg)
	case KindList:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(v.l) {
			return Value{}, false
		}
		return v.l[idx], true
	}
	return Value{}, false
}

// setIn returns the container after assignment; lists may be reallocated when they grow.
func setIn(container Value, segs []string, v Value, path string) (Value, error) {
	seg := segs[0]
	rest := segs[1:]

	switch container.Kind() {
	case KindMap:
		m := container.Map()
		if len(rest) == 0 {
			m.Set(seg, v)
			return container, nil
		}
		next, ok := m.Get(seg)
		if !ok || next.IsNull() {
			next = Map(NewDocument())
		}
		updated, err := setIn(next, rest, v, path)
		if err != nil {
			return container, err
		}
		m.Set(seg, updated)
		return container, nil

	case KindList:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 {
			return container, fmt.Errorf("%w: %q is not a list index in %q", ErrInvalidPath, seg, path)
		}
		items := container.l
		for len(items) <= idx {
			items = append(items, Null())
		}
		if len(rest) == 0 {
			items[idx] = v
			return List(items...), nil
		}
		next := items[idx]
		if next.IsNull() {
			next = Map(NewDocument())
		}
		updated, err := setIn(next, rest, v, path)
		if err != nil {
			return container, err
		}
		items[idx] = updated
		return List(items...), nil

	default:
		return container, fmt.Errorf("%w: cannot create field %q in %s element of %q",
			ErrInvalidPath, seg, container.Kind(), path)
	}
}
