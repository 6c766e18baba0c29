// Package events defines the records that flow through the oplog pipeline:
// positions, log entries in their native and capped forms, and the
// DocumentAction shipped to ingestors.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// OperationType is the oplog op code.
type OperationType string

const (
	OperationInsert OperationType = "i"
	OperationUpdate OperationType = "u"
	OperationDelete OperationType = "d"
)

var (
	ErrUnknownOperation = errors.New("unknown operation type")
	ErrInvalidNamespace = errors.New("invalid namespace")
	ErrMissingDocID     = errors.New("entry has no document id")
)

// IsValid reports whether o is one of the data operations the pipeline handles.
// Commands ("c") and no-ops ("n") are not.
func (o OperationType) IsValid() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	default:
		return false
	}
}

// Position is the ordering token of a stream. Capped-log streams use the entry
// ObjectID; native oplog streams use the replication timestamp.
type Position struct {
	ID primitive.ObjectID  `bson:"id,omitempty" json:"id,omitempty"`
	TS primitive.Timestamp `bson:"ts,omitempty" json:"ts,omitempty"`
}

// PositionFromID returns a capped-log position.
func PositionFromID(id primitive.ObjectID) Position { return Position{ID: id} }

// PositionFromTimestamp returns a native oplog position.
func PositionFromTimestamp(ts primitive.Timestamp) Position { return Position{TS: ts} }

// PositionFromTime returns the smallest capped-log position generated at t.
func PositionFromTime(t time.Time) Position {
	return Position{ID: primitive.NewObjectIDFromTimestamp(t)}
}

func (p Position) IsZero() bool {
	return p.ID.IsZero() && p.TS.IsZero()
}

// Compare returns -1 if p < other, 0 if equal, 1 if p > other.
// ObjectIDs compare byte-wise, which orders by generation time then counter.
func (p Position) Compare(other Position) int {
	if c := bytes.Compare(p.ID[:], other.ID[:]); c != 0 {
		return c
	}
	return p.TS.Compare(other.TS)
}

func (p Position) Before(other Position) bool { return p.Compare(other) < 0 }

// Time returns the approximate wall-clock time the position was generated.
func (p Position) Time() time.Time {
	if !p.ID.IsZero() {
		return p.ID.Timestamp()
	}
	if !p.TS.IsZero() {
		return time.Unix(int64(p.TS.T), 0).UTC()
	}
	return time.Time{}
}

func (p Position) String() string {
	switch {
	case !p.ID.IsZero():
		return p.ID.Hex()
	case !p.TS.IsZero():
		return fmt.Sprintf("%d:%d", p.TS.T, p.TS.I)
	default:
		return "<zero>"
	}
}

// Namespace is a "db.collection" pair. Collection names may contain dots.
type Namespace struct {
	DB         string
	Collection string
}

func ParseNamespace(ns string) (Namespace, error) {
	db, coll, ok := strings.Cut(ns, ".")
	if !ok || db == "" || coll == "" {
		return Namespace{}, fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	return Namespace{DB: db, Collection: coll}, nil
}

func (n Namespace) String() string { return n.DB + "." + n.Collection }

// Entry is one normalized operation read from a log.
type Entry struct {
	Position  Position
	Namespace Namespace
	Op        OperationType
	// Document is the full document for inserts, the update spec or replacement for
	// updates, and the {_id} selector for deletes.
	Document bson.D
	// Selector is the {_id} of the updated document; nil for other operations.
	Selector bson.D
	TS       primitive.Timestamp
	ShardID  string
}

// DocID returns the target document id: Selector._id for updates, Document._id otherwise.
func (e *Entry) DocID() (any, error) {
	src := e.Document
	if e.Op == OperationUpdate && e.Selector != nil {
		src = e.Selector
	}
	for _, el := range src {
		if el.Key == "_id" {
			return el.Value, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrMissingDocID, e.Op, e.Namespace)
}

// NativeEntry is a document of the replication oplog (local.oplog.rs).
type NativeEntry struct {
	TS          primitive.Timestamp `bson:"ts"`
	Op          OperationType       `bson:"op"`
	NS          string              `bson:"ns"`
	O           bson.Raw            `bson:"o"`
	O2          bson.Raw            `bson:"o2,omitempty"`
	FromMigrate bool                `bson:"fromMigrate,omitempty"`
}

// CappedEntry is one record of a per-database capped log written by the Mongo ingestor.
// O and O2 hold relaxed extended JSON.
type CappedEntry struct {
	ID         primitive.ObjectID  `bson:"_id,omitempty"`
	ShardID    string              `bson:"shard_id"`
	Collection string              `bson:"collection"`
	TS         primitive.Timestamp `bson:"ts"`
	Op         OperationType       `bson:"op"`
	O          string              `bson:"o"`
	O2         string              `bson:"o2,omitempty"`
}

// Entry decodes the JSON payloads of a capped record that belongs to database db.
func (c *CappedEntry) Entry(db string) (*Entry, error) {
	if !c.Op.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, c.Op)
	}
	e := &Entry{
		Position:  PositionFromID(c.ID),
		Namespace: Namespace{DB: db, Collection: c.Collection},
		Op:        c.Op,
		TS:        c.TS,
		ShardID:   c.ShardID,
	}
	if err := bson.UnmarshalExtJSON([]byte(c.O), false, &e.Document); err != nil {
		return nil, fmt.Errorf("decode o of %s: %w", c.ID.Hex(), err)
	}
	if c.O2 != "" && c.O2 != "null" {
		if err := bson.UnmarshalExtJSON([]byte(c.O2), false, &e.Selector); err != nil {
			return nil, fmt.Errorf("decode o2 of %s: %w", c.ID.Hex(), err)
		}
	}
	return e, nil
}

// DocumentAction is the unit shipped to an ingestor.
type DocumentAction struct {
	ShardID    string              `json:"shard_id"`
	DBName     string              `json:"db_name"`
	Collection string              `json:"collection"`
	DocID      string              `json:"doc_id"`
	Op         OperationType       `json:"op"`
	O          json.RawMessage     `json:"o"`
	O2         json.RawMessage     `json:"o2,omitempty"`
	TS         primitive.Timestamp `json:"ts"`
}

// NewDocumentAction converts a native entry read from shardID.
func NewDocumentAction(shardID string, e *NativeEntry) (*DocumentAction, error) {
	ns, err := ParseNamespace(e.NS)
	if err != nil {
		return nil, err
	}
	if !e.Op.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, e.Op)
	}

	idSource := e.O
	if e.Op == OperationUpdate && len(e.O2) > 0 {
		idSource = e.O2
	}
	idVal, err := idSource.LookupErr("_id")
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s", ErrMissingDocID, e.Op, e.NS)
	}

	o, err := ExtJSON(e.O)
	if err != nil {
		return nil, fmt.Errorf("encode o: %w", err)
	}
	action := &DocumentAction{
		ShardID:    shardID,
		DBName:     ns.DB,
		Collection: ns.Collection,
		DocID:      FormatID(idVal),
		Op:         e.Op,
		O:          o,
		TS:         e.TS,
	}
	if len(e.O2) > 0 {
		if action.O2, err = ExtJSON(e.O2); err != nil {
			return nil, fmt.Errorf("encode o2: %w", err)
		}
	}
	return action, nil
}

// CappedEntry converts the action to its capped-log record. The _id is assigned on insert.
func (a *DocumentAction) CappedEntry() CappedEntry {
	return CappedEntry{
		ShardID:    a.ShardID,
		Collection: a.Collection,
		TS:         a.TS,
		Op:         a.Op,
		O:          string(a.O),
		O2:         string(a.O2),
	}
}

// ExtJSON renders a BSON document as relaxed extended JSON.
func ExtJSON(raw bson.Raw) (json.RawMessage, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	data, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// FormatID renders a document id for use as a message key.
func FormatID(v bson.RawValue) string {
	switch v.Type {
	case bson.TypeObjectID:
		return v.ObjectID().Hex()
	case bson.TypeString:
		return v.StringValue()
	case bson.TypeInt32:
		return fmt.Sprintf("%d", v.Int32())
	case bson.TypeInt64:
		return fmt.Sprintf("%d", v.Int64())
	default:
		return v.String()
	}
}
