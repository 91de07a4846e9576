// Package codec serializes structured values into frame payloads.
//
// Only a closed set of types is encodable (see Validate): primitives, byte
// slices, lists, string-keyed maps and plain structs of those. Decoding never
// constructs anything beyond that set, so a payload from a peer cannot carry
// executable references.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeMsgpack CodecType = 0
	CodecTypeJSON    CodecType = 1
)

var ErrUnknownCodec = errors.New("codec: unknown codec")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=MessagePack, 1=JSON
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}
	return &MsgpackCodec{}
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeMsgpack:
		return "msgpack"
	case CodecTypeJSON:
		return "json"
	default:
		return fmt.Sprintf("codec(%d)", byte(t))
	}
}

// ParseCodecType maps a configuration name to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "msgpack", "messagepack":
		return CodecTypeMsgpack, nil
	case "json":
		return CodecTypeJSON, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
