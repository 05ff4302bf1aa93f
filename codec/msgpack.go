package codec

import (
	"bytes"
	"encoding/base64"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack encodes values as MessagePack and carries them as standard base64
// so they fit in string-valued stream fields.
type MsgPack struct{}

// NewMsgPack returns the MessagePack codec.
func NewMsgPack() *MsgPack {
	return &MsgPack{}
}

// Name implements Codec.
func (*MsgPack) Name() string {
	return "msgpack"
}

// Encode implements Codec.
func (*MsgPack) Encode(value any) (string, error) {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return "", encodeError(value, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode implements Codec.
func (*MsgPack) Decode(data string, target any) error {
	if data == "" {
		return decodeError(target, io.ErrUnexpectedEOF)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return decodeError(target, err)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields(true)
	if err := dec.Decode(target); err != nil {
		return decodeError(target, err)
	}
	return nil
}
