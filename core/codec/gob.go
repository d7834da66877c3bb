package codec

import (
	"bytes"
	"encoding/gob"
)

// Gob is the Go-native binary codec. State types with interface fields
// must be registered with gob.Register by the caller.
type Gob struct{}

func (Gob) Name() string { return "gob" }

func (Gob) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Gob) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return decodeErr("gob", err)
	}
	collapseEmpty(v)
	return nil
}
