package codec

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// JSON is the default codec.
type JSON struct{}

// NewJSON returns the JSON codec.
func NewJSON() *JSON {
	return &JSON{}
}

// Name implements Codec.
func (*JSON) Name() string {
	return "json"
}

// Encode implements Codec.
func (*JSON) Encode(value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", encodeError(value, err)
	}
	return string(data), nil
}

// Decode implements Codec. Unknown object fields and trailing data are
// rejected.
func (*JSON) Decode(data string, target any) error {
	if strings.TrimSpace(data) == "" {
		return decodeError(target, io.ErrUnexpectedEOF)
	}

	dec := json.NewDecoder(strings.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return decodeError(target, err)
	}

	var trailing json.RawMessage
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return decodeError(target, errors.New("unexpected data after value"))
	}
	return nil
}
