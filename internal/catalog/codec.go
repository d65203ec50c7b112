package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// The canonical snapshot form. Field order in these structs is the key order
// on the wire and must not change. Required fields are pointers so that a
// missing key is distinguishable from a zero value.

type wireCatalog struct {
	Databases  *[]idPair[DatabaseID, wireDatabase] `json:"databases"`
	InstanceID *string                             `json:"instance_id"`
	NodeID     *string                             `json:"node_id"`
	Sequence   *uint64                             `json:"sequence"`
}

type wireDatabase struct {
	ID       *DatabaseID                   `json:"id"`
	Name     *string                       `json:"name"`
	Tables   *[]idPair[TableID, wireTable] `json:"tables"`
	Triggers *[]wireTrigger                `json:"processing_engine_triggers"`
	Deleted  *bool                         `json:"deleted"`
}

type wireTable struct {
	TableID   *TableID                        `json:"table_id"`
	TableName *string                         `json:"table_name"`
	Key       *[]ColumnID                     `json:"key"`
	Cols      *[]idPair[ColumnID, wireColumn] `json:"cols"`
	Deleted   *bool                           `json:"deleted"`
}

type wireColumn struct {
	Name       *string    `json:"name"`
	ID         *ColumnID  `json:"id"`
	Type       *ValueType `json:"type"`
	InfluxType *Role      `json:"influx_type"`
	Nullable   *bool      `json:"nullable"`
	Deleted    bool       `json:"deleted,omitempty"`
}

type wireTrigger struct {
	Name           *string           `json:"trigger_name"`
	PluginFilename *string           `json:"plugin_filename"`
	Specification  *string           `json:"trigger_specification"`
	Arguments      map[string]string `json:"trigger_arguments,omitempty"`
	Disabled       *bool             `json:"disabled"`
}

// idPair is one [id, object] entry of an ordered map.
type idPair[K ~uint32, V any] struct {
	ID    K
	Value V
}

func (p idPair[K, V]) MarshalJSON() ([]byte, error) {
	return marshalJSON([2]interface{}{p.ID, p.Value}, "")
}

func (p *idPair[K, V]) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return decodeErrorf("map entry: %v", err)
	}
	if len(raw) != 2 {
		return decodeErrorf("map entry must be an [id, object] pair, got %d elements", len(raw))
	}
	if err := strictUnmarshal(raw[0], &p.ID); err != nil {
		return decodeErrorf("map entry id: %v", err)
	}
	if bytes.Equal(bytes.TrimSpace(raw[1]), []byte("null")) {
		return decodeErrorf("map entry %d has a null object", p.ID)
	}
	return strictUnmarshal(raw[1], &p.Value)
}

func strictUnmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after value")
	}
	return nil
}

// Encode returns the canonical JSON encoding of c.
func Encode(c *Catalog) ([]byte, error) {
	return encodeJSON(c, "")
}

// EncodeIndent is Encode with two-space indentation, for humans.
func EncodeIndent(c *Catalog) ([]byte, error) {
	return encodeJSON(c, "  ")
}

func encodeJSON(c *Catalog, indent string) ([]byte, error) {
	data, err := marshalJSON(toWire(c), indent)
	if err != nil {
		return nil, fmt.Errorf("encode catalog: %w", err)
	}
	return data, nil
}

// marshalJSON is json.Marshal without HTML escaping, so that names containing
// <, > or & are written verbatim.
func marshalJSON(v interface{}, indent string) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode parses a canonical JSON snapshot. Every structural invariant is
// checked; any violation is reported as ErrDecode.
func Decode(data []byte) (*Catalog, error) {
	if err := checkObjectKeys(data); err != nil {
		return nil, err
	}
	var w wireCatalog
	if err := strictUnmarshal(data, &w); err != nil {
		return nil, asDecodeError(err)
	}
	return fromWire(&w)
}

func asDecodeError(err error) error {
	if errors.Is(err, ErrDecode) {
		return err
	}
	return decodeErrorf("%v", err)
}

func toWire(c *Catalog) *wireCatalog {
	dbs := make([]idPair[DatabaseID, wireDatabase], 0, len(c.databases))
	for _, db := range c.databases {
		dbs = append(dbs, idPair[DatabaseID, wireDatabase]{ID: db.id, Value: databaseToWire(db)})
	}
	seq := c.sequence
	return &wireCatalog{
		Databases:  &dbs,
		InstanceID: &c.instanceID,
		NodeID:     &c.nodeID,
		Sequence:   &seq,
	}
}

func databaseToWire(db *Database) wireDatabase {
	tables := make([]idPair[TableID, wireTable], 0, len(db.tables))
	for _, t := range db.tables {
		tables = append(tables, idPair[TableID, wireTable]{ID: t.id, Value: tableToWire(t)})
	}
	triggers := make([]wireTrigger, 0, len(db.triggers))
	for _, tr := range db.triggers {
		tr := tr.clone()
		triggers = append(triggers, wireTrigger{
			Name:           &tr.Name,
			PluginFilename: &tr.PluginFilename,
			Specification:  &tr.Specification,
			Arguments:      tr.Arguments,
			Disabled:       &tr.Disabled,
		})
	}
	id, name, deleted := db.id, db.name, db.deleted
	return wireDatabase{
		ID:       &id,
		Name:     &name,
		Tables:   &tables,
		Triggers: &triggers,
		Deleted:  &deleted,
	}
}

func tableToWire(t *Table) wireTable {
	key := make([]ColumnID, 0, len(t.key))
	key = append(key, t.key...)
	cols := make([]idPair[ColumnID, wireColumn], 0, len(t.columns))
	for _, c := range t.columns {
		id, name, typ, role, nullable := c.id, c.name, c.typ, c.role, c.nullable
		cols = append(cols, idPair[ColumnID, wireColumn]{ID: c.id, Value: wireColumn{
			Name:       &name,
			ID:         &id,
			Type:       &typ,
			InfluxType: &role,
			Nullable:   &nullable,
			Deleted:    c.deleted,
		}})
	}
	id, name, deleted := t.id, t.name, t.deleted
	return wireTable{
		TableID:   &id,
		TableName: &name,
		Key:       &key,
		Cols:      &cols,
		Deleted:   &deleted,
	}
}
