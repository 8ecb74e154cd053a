package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes messages for a transport.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	Decode(data []byte) (*Message, error)
	Name() string
	// Binary codecs go in binary websocket frames, others in text frames.
	Binary() bool
}

const (
	CodecNameJSON    = "json"
	CodecNameMsgpack = "msgpack"
)

// GetCodec returns the codec called name, JSON for "".
func GetCodec(name string) (Codec, error) {
	switch name {
	case CodecNameJSON, "":
		return JSONCodec{}, nil
	case CodecNameMsgpack:
		return MsgpackCodec{}, nil
	}
	return nil, errors.Errorf("unknown codec %q", name)
}

type JSONCodec struct{}

func (JSONCodec) Encode(m *Message) ([]byte, error) { return json.Marshal(m) }

func (JSONCodec) Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decoding json message")
	}
	return &m, nil
}

func (JSONCodec) Name() string { return CodecNameJSON }
func (JSONCodec) Binary() bool { return false }

type MsgpackCodec struct{}

func (MsgpackCodec) Encode(m *Message) ([]byte, error) { return msgpack.Marshal(m) }

func (MsgpackCodec) Decode(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "decoding msgpack message")
	}
	return &m, nil
}

func (MsgpackCodec) Name() string { return CodecNameMsgpack }
func (MsgpackCodec) Binary() bool { return true }
