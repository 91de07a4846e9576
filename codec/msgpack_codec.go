package codec

import (
	"reflect"

	"github.com/hashicorp/go-msgpack/codec"
)

// msgpackHandle is shared by every MsgpackCodec. Strings decode as string,
// byte slices are written as bin so they decode back as []byte, and dynamic
// maps decode as map[string]any.
var msgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{RawToString: true, WriteExt: true}
	h.MapType = reflect.TypeOf(map[string]any(nil))
	return h
}

// MsgpackCodec is the default codec: tagged, self-describing MessagePack.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	if err := Validate(v); err != nil {
		return nil, err
	}
	var out []byte
	if err := codec.NewEncoderBytes(&out, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(v); err != nil {
		return err
	}
	normalizeTarget(v)
	return nil
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
