package codec

import (
	"bytes"
	"encoding/json"
)

// JSON is the text codec backed by encoding/json.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal rejects unknown fields so a renamed state field surfaces as a
// decode failure instead of a silently zeroed value.
func (JSON) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return decodeErr("json", err)
	}
	collapseEmpty(v)
	return nil
}
