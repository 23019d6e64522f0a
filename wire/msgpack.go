package wire

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kilnworks/kiln/types"
)

// msgpackEncoding carries the same logical schema as the JSON encoding in
// msgpack maps. The envelope data field is a binary string instead of a
// JSON string; payload field names match the JSON forms so either side can
// switch encodings without touching message semantics.
type msgpackEncoding struct{}

type msgpackEnvelope struct {
	Type string `msgpack:"type"`
	Data []byte `msgpack:"data"`
}

func (msgpackEncoding) Name() string { return EncodingMsgpack }

func (e msgpackEncoding) EncodeEnvelope(env *types.Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, &ProtocolError{Msg: fmt.Sprintf("cannot encode envelope with unknown kind %q", env.Type)}
	}
	raw, err := msgpack.Marshal(msgpackEnvelope{Type: string(env.Type), Data: env.Data})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

func (e msgpackEncoding) DecodeEnvelope(raw []byte) (*types.Envelope, error) {
	var shell msgpackEnvelope
	if err := msgpack.Unmarshal(raw, &shell); err != nil {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "malformed envelope", Err: err}
	}
	if shell.Type == "" {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "envelope missing type field"}
	}

	kind := types.MessageKind(shell.Type)
	if !kind.Valid() {
		return nil, &ProtocolError{Msg: fmt.Sprintf("unknown message kind %q", shell.Type)}
	}

	return &types.Envelope{Type: kind, Data: shell.Data}, nil
}

func (e msgpackEncoding) EncodeMethod(m *types.Method) ([]byte, error) {
	raw, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode method: %w", err)
	}
	return raw, nil
}

func (e msgpackEncoding) DecodeMethod(data []byte) (*types.Method, error) {
	var m types.Method
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "malformed method payload", Err: err}
	}
	if m.Name == "" {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "method payload missing name field"}
	}
	return &m, nil
}

func (e msgpackEncoding) EncodeReply(r *types.Reply) ([]byte, error) {
	raw, err := msgpack.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return raw, nil
}

func (e msgpackEncoding) DecodeReply(data []byte) (*types.Reply, error) {
	v, err := e.decodeReplyKey(data, "reply payload")
	if err != nil {
		return nil, err
	}
	return &types.Reply{Data: v}, nil
}

func (e msgpackEncoding) EncodeSignal(s *types.Signal) ([]byte, error) {
	raw, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}
	return raw, nil
}

func (e msgpackEncoding) DecodeSignal(data []byte) (*types.Signal, error) {
	v, err := e.decodeReplyKey(data, "signal payload")
	if err != nil {
		return nil, err
	}
	return &types.Signal{Data: v}, nil
}

func (e msgpackEncoding) decodeReplyKey(data []byte, what string) (any, error) {
	var m map[string]any
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "malformed " + what, Err: err}
	}
	v, ok := m["reply"]
	if !ok {
		return nil, &DecodeError{Encoding: e.Name(), Msg: what + " missing reply field"}
	}
	return v, nil
}

func (e msgpackEncoding) EncodeException(exc *types.Exception) ([]byte, error) {
	raw, err := msgpack.Marshal(exc)
	if err != nil {
		return nil, fmt.Errorf("encode exception: %w", err)
	}
	return raw, nil
}

func (e msgpackEncoding) DecodeException(data []byte) (*types.Exception, error) {
	var exc types.Exception
	if err := msgpack.Unmarshal(data, &exc); err != nil {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "malformed exception payload", Err: err}
	}
	if exc.Name == "" {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "exception payload missing name field"}
	}
	return &exc, nil
}
