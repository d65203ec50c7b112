package catalog

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeMsgpack returns the MessagePack encoding of c. It has the same shape as
// the canonical JSON: maps are [id, object] arrays and struct keys use the
// JSON names.
func EncodeMsgpack(c *Catalog) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(toWire(c)); err != nil {
		return nil, fmt.Errorf("encode catalog: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMsgpack parses a MessagePack snapshot with the same checks as Decode.
func DecodeMsgpack(data []byte) (*Catalog, error) {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag("json")
	dec.DisallowUnknownFields(true)

	var w wireCatalog
	if err := dec.Decode(&w); err != nil {
		return nil, asDecodeError(err)
	}
	if r.Len() != 0 {
		return nil, decodeErrorf("%d unexpected bytes after catalog", r.Len())
	}
	return fromWire(&w)
}

func (p idPair[K, V]) EncodeMsgpack(enc *msgpack.Encoder) error {
	if err := enc.EncodeArrayLen(2); err != nil {
		return err
	}
	if err := enc.EncodeUint32(uint32(p.ID)); err != nil {
		return err
	}
	return enc.Encode(p.Value)
}

func (p *idPair[K, V]) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return decodeErrorf("map entry: %v", err)
	}
	if n != 2 {
		return decodeErrorf("map entry must be an [id, object] pair, got %d elements", n)
	}
	id, err := dec.DecodeUint32()
	if err != nil {
		return decodeErrorf("map entry id: %v", err)
	}
	p.ID = K(id)
	return dec.Decode(&p.Value)
}

// EncodeMutation returns the MessagePack form of m used by the journal and
// replication commands.
func EncodeMutation(m Mutation) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(&m); err != nil {
		return nil, fmt.Errorf("encode mutation: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMutation parses the output of EncodeMutation. Unknown keys and
// trailing bytes are rejected.
func DecodeMutation(data []byte) (Mutation, error) {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag("json")
	dec.DisallowUnknownFields(true)

	var m Mutation
	if err := dec.Decode(&m); err != nil {
		return Mutation{}, asDecodeError(err)
	}
	if r.Len() != 0 {
		return Mutation{}, decodeErrorf("%d unexpected bytes after mutation", r.Len())
	}
	return m, nil
}
