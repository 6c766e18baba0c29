// Package formatter turns raw log payloads into sink documents: it normalizes BSON
// values into the model union, strips excluded fields and merges update specs.
package formatter

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/syntrixbase/oplogpipe/pkg/model"
)

// AllCollections keys exclusions that apply to every collection.
const AllCollections = "*"

var errNonFinite = errors.New("non-finite number")

// Formatter is safe for concurrent use; its exclusion table is read-only after New.
type Formatter struct {
	exclude map[string][]string
	logger  *slog.Logger
}

// New builds a Formatter. exclude maps a collection name (or AllCollections) to dotted
// field paths that must never reach the sink.
func New(exclude map[string][]string, logger *slog.Logger) *Formatter {
	if logger == nil {
		logger = slog.Default()
	}
	table := make(map[string][]string, len(exclude))
	for coll, paths := range exclude {
		table[coll] = append([]string(nil), paths...)
	}
	return &Formatter{
		exclude: table,
		logger:  logger.With("component", "formatter"),
	}
}

// Excluded returns the excluded paths of collection, including the wildcard ones.
func (f *Formatter) Excluded(collection string) []string {
	out := append([]string(nil), f.exclude[AllCollections]...)
	return append(out, f.exclude[collection]...)
}

// Format normalizes a raw document. Fields whose value cannot be represented
// (NaN or infinite numbers) are dropped with a warning.
func (f *Formatter) Format(raw bson.D) *model.Document {
	return f.formatDoc(raw, "")
}

// FormatRaw decodes and normalizes an encoded document.
func (f *Formatter) FormatRaw(raw bson.Raw) (*model.Document, error) {
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return f.Format(doc), nil
}

func (f *Formatter) formatDoc(raw bson.D, prefix string) *model.Document {
	out := model.NewDocument()
	for _, el := range raw {
		v, err := f.normalize(el.Value, prefix+el.Key)
		if err != nil {
			f.logger.Warn("dropping invalid value", "field", prefix+el.Key, "error", err)
			continue
		}
		out.Set(el.Key, v)
	}
	return out
}

// normalize maps a driver value onto the model union. Lists propagate errors to the
// enclosing field; nested documents drop only the offending key.
func (f *Formatter) normalize(x any, path string) (model.Value, error) {
	switch t := x.(type) {
	case nil, primitive.Null, primitive.Undefined:
		return model.Null(), nil
	case bson.D:
		return model.Map(f.formatDoc(t, path+".")), nil
	case bson.M:
		d, err := model.ValueOf(t)
		if err != nil {
			return model.Value{}, err
		}
		return d, nil
	case bson.A:
		items := make([]model.Value, len(t))
		for i, item := range t {
			v, err := f.normalize(item, fmt.Sprintf("%s.%d", path, i))
			if err != nil {
				return model.Value{}, err
			}
			items[i] = v
		}
		return model.List(items...), nil
	case bool:
		return model.Bool(t), nil
	case int32:
		return model.Int(int64(t)), nil
	case int64:
		return model.Int(t), nil
	case int:
		return model.Int(int64(t)), nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return model.Value{}, fmt.Errorf("%w: %v", errNonFinite, t)
		}
		return model.Float(t), nil
	case string:
		return model.String(t), nil
	case primitive.DateTime:
		return model.Time(t.Time()), nil
	case primitive.ObjectID:
		return model.ObjectID(t), nil
	case primitive.Regex:
		return model.String(formatRegex(t)), nil
	case primitive.Binary:
		return model.String(formatBinary(t)), nil
	case []byte:
		return model.String(base64.StdEncoding.EncodeToString(t)), nil
	case primitive.Decimal128:
		return model.String(t.String()), nil
	case primitive.JavaScript:
		return model.String(string(t)), nil
	case primitive.CodeWithScope:
		return model.String(string(t.Code)), nil
	case primitive.Symbol:
		return model.String(string(t)), nil
	case primitive.Timestamp:
		return model.String(fmt.Sprintf("Timestamp(%d, %d)", t.T, t.I)), nil
	default:
		if v, err := model.ValueOf(x); err == nil {
			return v, nil
		}
		return model.String(fmt.Sprint(x)), nil
	}
}

// formatRegex renders a regex in JavaScript literal notation with its flags sorted.
func formatRegex(r primitive.Regex) string {
	known := "ilmsux"
	var flags strings.Builder
	for _, c := range known {
		if strings.ContainsRune(r.Options, c) {
			flags.WriteRune(c)
		}
	}
	return "/" + r.Pattern + "/" + flags.String()
}

// UUID subtypes render as hex, everything else as base64 of the body.
func formatBinary(b primitive.Binary) string {
	if (b.Subtype == bson.TypeBinaryUUID || b.Subtype == bson.TypeBinaryUUIDOld) && len(b.Data) == 16 {
		return hex.EncodeToString(b.Data)
	}
	return base64.StdEncoding.EncodeToString(b.Data)
}

// StripExcluded removes the excluded paths of collection from doc in place.
func (f *Formatter) StripExcluded(collection string, doc *model.Document) {
	if doc == nil {
		return
	}
	for _, path := range f.Excluded(collection) {
		doc.UnsetPath(path)
	}
}
