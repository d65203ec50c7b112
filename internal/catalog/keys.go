package catalog

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
)

// encoding/json matches object keys case-insensitively and keeps the last of
// repeated keys. Canonical snapshots use each key once with its exact
// spelling, so the document is checked token by token before decoding.

// freeFormKey holds user-chosen keys that are not part of the format.
const freeFormKey = "trigger_arguments"

var wireKeys = collectWireKeys(
	map[string]bool{"dict": true, "time": true},
	wireCatalog{}, wireDatabase{}, wireTable{}, wireColumn{}, wireTrigger{},
)

func collectWireKeys(keys map[string]bool, structs ...interface{}) map[string]bool {
	for _, s := range structs {
		t := reflect.TypeOf(s)
		for i := 0; i < t.NumField(); i++ {
			name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
			if name != "" && name != "-" {
				keys[name] = true
			}
		}
	}
	return keys
}

// checkObjectKeys rejects repeated keys in any object and keys that are not
// spelled exactly as the canonical form spells them.
func checkObjectKeys(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return checkValue(dec, false)
}

func checkValue(dec *json.Decoder, freeForm bool) error {
	tok, err := dec.Token()
	if err != nil {
		return decodeErrorf("%v", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}

	switch delim {
	case '{':
		seen := make(map[string]bool)
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return decodeErrorf("%v", err)
			}
			key, _ := kt.(string)
			if seen[key] {
				return decodeErrorf("key %q repeated", key)
			}
			seen[key] = true
			if !freeForm && !wireKeys[key] {
				return decodeErrorf("unknown key %q", key)
			}
			if err := checkValue(dec, key == freeFormKey); err != nil {
				return err
			}
		}
	case '[':
		for dec.More() {
			if err := checkValue(dec, false); err != nil {
				return err
			}
		}
	}
	// closing delimiter
	if _, err := dec.Token(); err != nil {
		return decodeErrorf("%v", err)
	}
	return nil
}
