// Package codec defines the serializer boundary the object store depends on,
// plus the default CBOR implementation.
//
// The store's promotion decision (in-process vs shared memory) keys off the
// serialized size, so an implementation must be deterministic in size
// reporting: encoding the same value twice yields byte-identical output.
package codec

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/c360/taskmesh/errors"
)

// Codec turns values into bytes and back. Implementations must be safe for
// concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// CBOR is the default Codec. It uses canonical encoding so size reporting is
// stable, and decodes integers as int64 so values round-trip predictably
// through `any`.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR constructs the default codec.
func NewCBOR() (*CBOR, error) {
	encOpts := cbor.CanonicalEncOptions()
	enc, err := encOpts.EncMode()
	if err != nil {
		return nil, errors.WrapFatal(err, "CBOR", "NewCBOR", "encoder setup")
	}

	decOpts := cbor.DecOptions{
		IntDec:           cbor.IntDecConvertSignedOrFail,
		DefaultMapType:   nil,
		MaxNestedLevels:  32,
		MaxArrayElements: 1 << 20,
	}
	dec, err := decOpts.DecMode()
	if err != nil {
		return nil, errors.WrapFatal(err, "CBOR", "NewCBOR", "decoder setup")
	}

	return &CBOR{enc: enc, dec: dec}, nil
}

// MustCBOR is NewCBOR for wiring paths where setup cannot fail at runtime.
func MustCBOR() *CBOR {
	c, err := NewCBOR()
	if err != nil {
		panic(err)
	}
	return c
}

// Marshal serializes v.
func (c *CBOR) Marshal(v any) ([]byte, error) {
	data, err := c.enc.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "CBOR", "Marshal", "encode value")
	}
	return data, nil
}

// Unmarshal deserializes data into v, which must be a pointer.
func (c *CBOR) Unmarshal(data []byte, v any) error {
	if err := c.dec.Unmarshal(data, v); err != nil {
		return errors.WrapInvalid(err, "CBOR", "Unmarshal", "decode value")
	}
	return nil
}
