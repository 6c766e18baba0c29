package formatter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/syntrixbase/oplogpipe/pkg/model"
)

const (
	opSet     = "$set"
	opUnset   = "$unset"
	opVersion = "$v"
	opDiff    = "diff"
)

var (
	// ErrUnsupportedUpdate marks update specs that cannot be merged in memory.
	// Callers fall back to re-fetching the full document.
	ErrUnsupportedUpdate = errors.New("unsupported update spec")
	ErrInvalidUpdate     = errors.New("invalid update spec")
)

// IsOperatorSpec reports whether spec is an operator update rather than a replacement.
func IsOperatorSpec(spec *model.Document) bool {
	if spec == nil {
		return false
	}
	if spec.Has(opDiff) && spec.Has(opVersion) {
		return true
	}
	for _, k := range spec.Keys() {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}

// FilterUpdate returns spec without excluded fields, or nil when nothing is left to apply.
// Excluded paths are removed from inside $set and $unset (the keys naming them and the
// nested values under them); emptied operators are dropped. Replacement documents are
// stripped like inserts. spec is not modified.
func (f *Formatter) FilterUpdate(collection string, spec *model.Document) (*model.Document, error) {
	if spec == nil || spec.Len() == 0 {
		return nil, nil
	}
	if !IsOperatorSpec(spec) {
		out := spec.Clone()
		f.StripExcluded(collection, out)
		return out, nil
	}

	normalized, err := NormalizeUpdate(spec)
	if err != nil {
		return nil, err
	}
	excluded := f.Excluded(collection)

	out := model.NewDocument()
	for _, op := range []string{opSet, opUnset} {
		v, ok := normalized.Get(op)
		if !ok {
			continue
		}
		fields := v.Map()
		if fields == nil {
			return nil, fmt.Errorf("%w: %s is %s", ErrInvalidUpdate, op, v.Kind())
		}
		kept := stripOperatorFields(fields, excluded, op == opSet)
		if kept.Len() > 0 {
			out.Set(op, model.Map(kept))
		}
	}
	if out.Len() == 0 {
		return nil, nil
	}
	return out, nil
}

func stripOperatorFields(fields *model.Document, excluded []string, stripValues bool) *model.Document {
	kept := model.NewDocument()
	fields.Range(func(key string, v model.Value) bool {
		for _, ex := range excluded {
			if key == ex || strings.HasPrefix(key, ex+".") {
				return true
			}
		}
		v = v.Clone()
		if stripValues && v.Kind() == model.KindMap {
			for _, ex := range excluded {
				if rest, ok := strings.CutPrefix(ex, key+"."); ok {
					v.Map().UnsetPath(rest)
				}
			}
		}
		kept.Set(key, v)
		return true
	})
	return kept
}

// NormalizeUpdate rewrites an update spec into plain $set/$unset form. Version 2 oplog
// diffs ({$v: 2, diff: {...}}) are flattened into dotted paths; $v is dropped.
// Operators other than $set and $unset return ErrUnsupportedUpdate.
func NormalizeUpdate(spec *model.Document) (*model.Document, error) {
	set := model.NewDocument()
	unset := model.NewDocument()

	var err error
	spec.Range(func(key string, v model.Value) bool {
		switch key {
		case opVersion:
		case opSet, opUnset:
			fields := v.Map()
			if fields == nil {
				err = fmt.Errorf("%w: %s is %s", ErrInvalidUpdate, key, v.Kind())
				return false
			}
			target := set
			if key == opUnset {
				target = unset
			}
			fields.Range(func(k string, fv model.Value) bool {
				target.Set(k, fv)
				return true
			})
		case opDiff:
			diff := v.Map()
			if diff == nil {
				err = fmt.Errorf("%w: diff is %s", ErrInvalidUpdate, v.Kind())
				return false
			}
			err = flattenDiff(diff, "", set, unset)
		default:
			err = fmt.Errorf("%w: operator %s", ErrUnsupportedUpdate, key)
		}
		return err == nil
	})
	if err != nil {
		return nil, err
	}

	out := model.NewDocument()
	if set.Len() > 0 {
		out.Set(opSet, model.Map(set))
	}
	if unset.Len() > 0 {
		out.Set(opUnset, model.Map(unset))
	}
	return out, nil
}

// flattenDiff walks an oplog v2 diff: "u" and "i" set fields, "d" deletes them,
// "s<field>" descends into a nested diff. Array diffs ("a": true) support element
// updates ("u<idx>") and nested diffs ("s<idx>") but not truncation ("l").
func flattenDiff(diff *model.Document, prefix string, set, unset *model.Document) error {
	isArray := false
	if v, ok := diff.Get("a"); ok {
		isArray, _ = v.Bool()
	}

	var err error
	diff.Range(func(key string, v model.Value) bool {
		switch {
		case isArray && key == "a":
		case isArray && key == "l":
			err = fmt.Errorf("%w: array truncation at %q", ErrUnsupportedUpdate, strings.TrimSuffix(prefix, "."))
		case isArray && strings.HasPrefix(key, "u"):
			idx, convErr := strconv.Atoi(key[1:])
			if convErr != nil {
				err = fmt.Errorf("%w: array key %q", ErrInvalidUpdate, key)
				break
			}
			set.Set(prefix+strconv.Itoa(idx), v)
		case key == "u" || key == "i":
			fields := v.Map()
			if fields == nil {
				err = fmt.Errorf("%w: diff %s is %s", ErrInvalidUpdate, key, v.Kind())
				break
			}
			fields.Range(func(k string, fv model.Value) bool {
				set.Set(prefix+k, fv)
				return true
			})
		case key == "d":
			fields := v.Map()
			if fields == nil {
				err = fmt.Errorf("%w: diff d is %s", ErrInvalidUpdate, v.Kind())
				break
			}
			for _, k := range fields.Keys() {
				unset.Set(prefix+k, model.Int(1))
			}
		case strings.HasPrefix(key, "s") && len(key) > 1:
			sub := v.Map()
			if sub == nil {
				err = fmt.Errorf("%w: sub-diff %s is %s", ErrInvalidUpdate, key, v.Kind())
				break
			}
			err = flattenDiff(sub, prefix+key[1:]+".", set, unset)
		default:
			err = fmt.Errorf("%w: diff key %q", ErrUnsupportedUpdate, key)
		}
		return err == nil
	})
	return err
}

// ApplyUpdate merges spec into a copy of base. An operator spec applies $set then $unset
// with dotted paths; anything else replaces the document, keeping base's _id when the
// replacement has none.
func ApplyUpdate(base, spec *model.Document) (*model.Document, error) {
	if spec == nil {
		return base.Clone(), nil
	}
	if !IsOperatorSpec(spec) {
		out := model.NewDocument()
		if !spec.Has(model.IDField) {
			if id, ok := base.ID(); ok {
				out.Set(model.IDField, id)
			}
		}
		spec.Clone().Range(func(k string, v model.Value) bool {
			out.Set(k, v)
			return true
		})
		return out, nil
	}

	normalized, err := NormalizeUpdate(spec)
	if err != nil {
		return nil, err
	}
	out := base.Clone()
	if out == nil {
		out = model.NewDocument()
	}
	if set, ok := normalized.Get(opSet); ok {
		set.Map().Range(func(path string, v model.Value) bool {
			err = out.SetPath(path, v.Clone())
			return err == nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
	}
	if unset, ok := normalized.Get(opUnset); ok {
		for _, path := range unset.Map().Keys() {
			out.UnsetPath(path)
		}
	}
	return out, nil
}
