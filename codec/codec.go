// Package codec converts application payloads to and from the string form
// carried by saga events.
package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrEncode is wrapped by every encoding failure.
	ErrEncode = errors.New("encode failed")
	// ErrDecode is wrapped by every decoding failure.
	ErrDecode = errors.New("decode failed")
)

// Codec encodes values into a transport string and decodes them back.
//
// Decode must fail when data cannot be represented as target. The dispatcher
// relies on this to decide whether a typed handler matches a payload, so
// implementations should be strict (unknown fields are an error).
type Codec interface {
	Encode(value any) (string, error)
	Decode(data string, target any) error
	Name() string
}

func encodeError(value any, err error) error {
	return fmt.Errorf("%w: %T: %w", ErrEncode, value, err)
}

func decodeError(target any, err error) error {
	return fmt.Errorf("%w: into %T: %w", ErrDecode, target, err)
}
