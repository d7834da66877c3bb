package codec

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// YAML is the human-readable text codec.
type YAML struct{}

func (YAML) Name() string { return "yaml" }

func (YAML) Marshal(v any) ([]byte, error) { return yaml.Marshal(v) }

func (YAML) Unmarshal(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return decodeErr("yaml", err)
	}
	collapseEmpty(v)
	return nil
}
