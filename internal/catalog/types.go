package catalog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// TypeKind is the wire tag of a value type.
type TypeKind string

const (
	KindBool TypeKind = "bool"
	KindI64  TypeKind = "i64"
	KindU64  TypeKind = "u64"
	KindF64  TypeKind = "f64"
	KindStr  TypeKind = "str"
	KindDict TypeKind = "dict"
	KindTime TypeKind = "time"

	// KindI32 only appears as the index type of a dictionary.
	KindI32 TypeKind = "i32"
)

// TimeUnit is the resolution of a timestamp column.
type TimeUnit string

const (
	UnitSecond      TimeUnit = "s"
	UnitMillisecond TimeUnit = "ms"
	UnitMicrosecond TimeUnit = "us"
	UnitNanosecond  TimeUnit = "ns"
)

func (u TimeUnit) valid() bool {
	switch u {
	case UnitSecond, UnitMillisecond, UnitMicrosecond, UnitNanosecond:
		return true
	}
	return false
}

// Role is the semantic role of a column. The wire name is influx_type.
type Role string

const (
	RoleTag   Role = "tag"
	RoleField Role = "field"
	RoleTime  Role = "time"
)

func (r Role) valid() bool {
	return r == RoleTag || r == RoleField || r == RoleTime
}

// ValueType is the closed set of column value types. The zero value is invalid;
// build one with Bool, I64, U64, F64, Str, Dict or Timestamp.
type ValueType struct {
	kind      TypeKind
	dictIndex TypeKind
	dictValue TypeKind
	unit      TimeUnit
	tz        string
}

func Bool() ValueType { return ValueType{kind: KindBool} }
func I64() ValueType  { return ValueType{kind: KindI64} }
func U64() ValueType  { return ValueType{kind: KindU64} }
func F64() ValueType  { return ValueType{kind: KindF64} }
func Str() ValueType  { return ValueType{kind: KindStr} }

// Dict returns a dictionary-encoded type. Only Dict(KindI32, KindStr) is valid.
func Dict(index, value TypeKind) ValueType {
	return ValueType{kind: KindDict, dictIndex: index, dictValue: value}
}

// Timestamp returns a time type with the given unit and optional IANA timezone.
func Timestamp(unit TimeUnit, tz string) ValueType {
	return ValueType{kind: KindTime, unit: unit, tz: tz}
}

// TagType is the only type a tag column may have.
func TagType() ValueType { return Dict(KindI32, KindStr) }

// TimeType is the type given to the time column of new tables.
func TimeType() ValueType { return Timestamp(UnitNanosecond, "") }

func (t ValueType) Kind() TypeKind { return t.kind }
func (t ValueType) TimeUnit() TimeUnit { return t.unit }
func (t ValueType) TimeZone() string { return t.tz }
func (t ValueType) DictIndex() TypeKind { return t.dictIndex }
func (t ValueType) DictValue() TypeKind { return t.dictValue }
func (t ValueType) IsZero() bool { return t == ValueType{} }

func (t ValueType) isFieldType() bool {
	switch t.kind {
	case KindBool, KindI64, KindU64, KindF64, KindStr:
		return true
	}
	return false
}

// String renders the type the way it appears in error messages.
func (t ValueType) String() string {
	switch t.kind {
	case KindDict:
		return fmt.Sprintf("dict(%s,%s)", t.dictIndex, t.dictValue)
	case KindTime:
		if t.tz == "" {
			return fmt.Sprintf("time(%s)", t.unit)
		}
		return fmt.Sprintf("time(%s,%s)", t.unit, t.tz)
	case "":
		return "invalid"
	}
	return string(t.kind)
}

// validate reports whether t is a member of the closed type set.
func (t ValueType) validate() error {
	switch t.kind {
	case KindBool, KindI64, KindU64, KindF64, KindStr:
		if t != (ValueType{kind: t.kind}) {
			return fmt.Errorf("%w: malformed %s type", ErrSchemaValidation, t.kind)
		}
		return nil
	case KindDict:
		if t.dictIndex != KindI32 || t.dictValue != KindStr || t.unit != "" || t.tz != "" {
			return fmt.Errorf("%w: unsupported dictionary type %s", ErrSchemaValidation, t)
		}
		return nil
	case KindTime:
		if !t.unit.valid() {
			return fmt.Errorf("%w: unsupported time unit %q", ErrSchemaValidation, t.unit)
		}
		if t.dictIndex != "" || t.dictValue != "" {
			return fmt.Errorf("%w: malformed time type", ErrSchemaValidation)
		}
		if t.tz != "" {
			if _, err := time.LoadLocation(t.tz); err != nil {
				return fmt.Errorf("%w: unknown timezone %q", ErrSchemaValidation, t.tz)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: unknown value type %q", ErrSchemaValidation, t.kind)
}

// validateColumnType enforces the role/type/nullability pairing.
func validateColumnType(name string, role Role, t ValueType, nullable bool) error {
	if err := t.validate(); err != nil {
		return fmt.Errorf("column %q: %w", name, err)
	}
	switch role {
	case RoleTime:
		if t.kind != KindTime || nullable {
			return fmt.Errorf("%w: time column %q must be a non-nullable timestamp, got %s", ErrSchemaValidation, name, t)
		}
	case RoleTag:
		if t != TagType() || nullable {
			return fmt.Errorf("%w: tag column %q must be a non-nullable dict(i32,str), got %s", ErrSchemaValidation, name, t)
		}
	case RoleField:
		if !t.isFieldType() || !nullable {
			return fmt.Errorf("%w: field column %q must be a nullable bool, i64, u64, f64 or str, got %s", ErrSchemaValidation, name, t)
		}
	default:
		return fmt.Errorf("%w: column %q has unknown role %q", ErrSchemaValidation, name, role)
	}
	return nil
}

// wireValue is the self-describing shape shared by the JSON and MessagePack encodings.
func (t ValueType) wireValue() interface{} {
	switch t.kind {
	case KindDict:
		return map[string][]interface{}{string(KindDict): {string(t.dictIndex), string(t.dictValue)}}
	case KindTime:
		var tz interface{}
		if t.tz != "" {
			tz = t.tz
		}
		return map[string][]interface{}{string(KindTime): {string(t.unit), tz}}
	}
	return string(t.kind)
}

// valueTypeFromWire parses the generic form produced by decoding wireValue.
func valueTypeFromWire(v interface{}) (ValueType, error) {
	switch w := v.(type) {
	case string:
		t := ValueType{kind: TypeKind(w)}
		if !t.isFieldType() {
			return ValueType{}, decodeErrorf("unrecognized value type %q", w)
		}
		return t, nil
	case map[string]interface{}:
		if len(w) != 1 {
			return ValueType{}, decodeErrorf("value type object must have exactly one key, got %d", len(w))
		}
		for k, payload := range w {
			args, ok := payload.([]interface{})
			if !ok || len(args) != 2 {
				return ValueType{}, decodeErrorf("%s type payload must be a two-element array", k)
			}
			switch TypeKind(k) {
			case KindDict:
				idx, ok1 := args[0].(string)
				val, ok2 := args[1].(string)
				if !ok1 || !ok2 {
					return ValueType{}, decodeErrorf("dict type arguments must be strings")
				}
				t := Dict(TypeKind(idx), TypeKind(val))
				if err := t.validate(); err != nil {
					return ValueType{}, decodeErrorf("%v", err)
				}
				return t, nil
			case KindTime:
				unit, ok := args[0].(string)
				if !ok {
					return ValueType{}, decodeErrorf("time unit must be a string")
				}
				var tz string
				if args[1] != nil {
					if tz, ok = args[1].(string); !ok {
						return ValueType{}, decodeErrorf("timezone must be a string or null")
					}
					if tz == "" {
						return ValueType{}, decodeErrorf("timezone must be null rather than empty")
					}
				}
				t := Timestamp(TimeUnit(unit), tz)
				if err := t.validate(); err != nil {
					return ValueType{}, decodeErrorf("%v", err)
				}
				return t, nil
			default:
				return ValueType{}, decodeErrorf("unrecognized value type %q", k)
			}
		}
	}
	return ValueType{}, decodeErrorf("value type has unexpected shape %T", v)
}

// MarshalJSON implements json.Marshaler.
func (t ValueType) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return nil, fmt.Errorf("%w: cannot encode invalid value type", ErrSchemaValidation)
	}
	return json.Marshal(t.wireValue())
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *ValueType) UnmarshalJSON(data []byte) error {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return decodeErrorf("value type: %v", err)
	}
	parsed, err := valueTypeFromWire(v)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

var (
	_ msgpack.CustomEncoder = ValueType{}
	_ msgpack.CustomDecoder = (*ValueType)(nil)
)

// EncodeMsgpack implements msgpack.CustomEncoder.
func (t ValueType) EncodeMsgpack(enc *msgpack.Encoder) error {
	if t.IsZero() {
		return fmt.Errorf("%w: cannot encode invalid value type", ErrSchemaValidation)
	}
	return enc.Encode(t.wireValue())
}

// DecodeMsgpack implements msgpack.CustomDecoder.
func (t *ValueType) DecodeMsgpack(dec *msgpack.Decoder) error {
	v, err := dec.DecodeInterface()
	if err != nil {
		return decodeErrorf("value type: %v", err)
	}
	parsed, err := valueTypeFromWire(v)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
