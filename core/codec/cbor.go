package codec

import (
	"github.com/fxamacker/cbor/v2"
)

// CBOR is the compact binary codec using core deterministic encoding.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR builds the codec; option sets are static so errors cannot occur.
func NewCBOR() CBOR {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{ExtraReturnErrors: cbor.ExtraDecErrorUnknownField}.DecMode()
	if err != nil {
		panic(err)
	}
	return CBOR{enc: enc, dec: dec}
}

func (CBOR) Name() string { return "cbor" }

func (c CBOR) Marshal(v any) ([]byte, error) { return c.enc.Marshal(v) }

func (c CBOR) Unmarshal(data []byte, v any) error {
	if err := c.dec.Unmarshal(data, v); err != nil {
		return decodeErr("cbor", err)
	}
	collapseEmpty(v)
	return nil
}
