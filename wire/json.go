package wire

import (
	"encoding/json"
	"fmt"

	"github.com/kilnworks/kiln/types"
)

// jsonEncoding lays each message out as one JSON document. The envelope
// shell is {"type": "<kind>", "data": "<payload document>"} with the payload
// carried as a JSON string, so the shell decodes with a fixed schema before
// any payload bytes are touched.
type jsonEncoding struct{}

// jsonEnvelope is the wire shell. Data nests the payload document as a
// string rather than an object so shell decoding never descends into
// payload structure.
type jsonEnvelope struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func (jsonEncoding) Name() string { return EncodingJSON }

func (e jsonEncoding) EncodeEnvelope(env *types.Envelope) ([]byte, error) {
	if !env.Type.Valid() {
		return nil, &ProtocolError{Msg: fmt.Sprintf("cannot encode envelope with unknown kind %q", env.Type)}
	}
	raw, err := json.Marshal(jsonEnvelope{Type: string(env.Type), Data: string(env.Data)})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return raw, nil
}

func (e jsonEncoding) DecodeEnvelope(raw []byte) (*types.Envelope, error) {
	var shell jsonEnvelope
	if err := json.Unmarshal(raw, &shell); err != nil {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "malformed envelope", Err: err}
	}
	if shell.Type == "" {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "envelope missing type field"}
	}

	kind := types.MessageKind(shell.Type)
	if !kind.Valid() {
		return nil, &ProtocolError{Msg: fmt.Sprintf("unknown message kind %q", shell.Type)}
	}

	return &types.Envelope{Type: kind, Data: []byte(shell.Data)}, nil
}

func (e jsonEncoding) EncodeMethod(m *types.Method) ([]byte, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode method: %w", err)
	}
	return raw, nil
}

func (e jsonEncoding) DecodeMethod(data []byte) (*types.Method, error) {
	var m types.Method
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "malformed method payload", Err: err}
	}
	if m.Name == "" {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "method payload missing name field"}
	}
	return &m, nil
}

func (e jsonEncoding) EncodeReply(r *types.Reply) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	return raw, nil
}

// DecodeReply requires the "reply" key to be present even when the payload
// is null: an empty document is a different statement than an empty result.
func (e jsonEncoding) DecodeReply(data []byte) (*types.Reply, error) {
	v, err := e.decodeReplyKey(data, "reply payload")
	if err != nil {
		return nil, err
	}
	return &types.Reply{Data: v}, nil
}

func (e jsonEncoding) EncodeSignal(s *types.Signal) ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}
	return raw, nil
}

func (e jsonEncoding) DecodeSignal(data []byte) (*types.Signal, error) {
	v, err := e.decodeReplyKey(data, "signal payload")
	if err != nil {
		return nil, err
	}
	return &types.Signal{Data: v}, nil
}

// decodeReplyKey pulls the shared "reply" key both replies and signals ride
// under.
func (e jsonEncoding) decodeReplyKey(data []byte, what string) (any, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "malformed " + what, Err: err}
	}
	raw, ok := m["reply"]
	if !ok {
		return nil, &DecodeError{Encoding: e.Name(), Msg: what + " missing reply field"}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "malformed " + what, Err: err}
	}
	return v, nil
}

func (e jsonEncoding) EncodeException(exc *types.Exception) ([]byte, error) {
	raw, err := json.Marshal(exc)
	if err != nil {
		return nil, fmt.Errorf("encode exception: %w", err)
	}
	return raw, nil
}

func (e jsonEncoding) DecodeException(data []byte) (*types.Exception, error) {
	var exc types.Exception
	if err := json.Unmarshal(data, &exc); err != nil {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "malformed exception payload", Err: err}
	}
	if exc.Name == "" {
		return nil, &DecodeError{Encoding: e.Name(), Msg: "exception payload missing name field"}
	}
	return &exc, nil
}
