// Package codec converts dialogue state values to bytes and back.
package codec

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrDecode marks bytes that could not be decoded into the target type.
var ErrDecode = errors.New("codec: decode failed")

// Codec is a pair of functions from a state value to bytes and back.
// Implementations must round-trip every value of the state types they are
// used with, where an empty slice or map equals nil: Unmarshal always
// yields nil for both.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

var registry = map[string]Codec{
	"json": JSON{},
	"yaml": YAML{},
	"cbor": NewCBOR(),
	"gob":  Gob{},
}

// ByName returns the codec registered under name.
func ByName(name string) (Codec, error) {
	c, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("codec: unknown codec %q; allowed: %s", name, strings.Join(Names(), ", "))
	}
	return c, nil
}

// Names lists registered codec names in sorted order.
func Names() []string {
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func decodeErr(name string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDecode, name, err)
}
