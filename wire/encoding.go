package wire

import (
	"fmt"

	"github.com/kilnworks/kiln/types"
)

// Encoding names.
const (
	// EncodingJSON is the reference encoding: one JSON document per
	// message, envelope data carried as a JSON string.
	EncodingJSON = "json"
	// EncodingMsgpack carries the same logical schema as msgpack maps,
	// envelope data carried as a binary field.
	EncodingMsgpack = "msgpack"
)

// Encodings lists the supported encoding names in stable order.
func Encodings() []string {
	return []string{EncodingJSON, EncodingMsgpack}
}

// Encoding serializes protocol values to and from the bytes a Transport
// carries. Every message is self-contained: no state is shared between
// messages, so any single datagram is independently decodable.
//
// Decode methods fail with a *DecodeError for malformed bytes and with a
// *ProtocolError for structurally valid bytes that name an unknown
// message kind.
type Encoding interface {
	// Name is the registry name of this encoding.
	Name() string

	EncodeEnvelope(env *types.Envelope) ([]byte, error)
	DecodeEnvelope(raw []byte) (*types.Envelope, error)

	EncodeMethod(m *types.Method) ([]byte, error)
	DecodeMethod(data []byte) (*types.Method, error)

	EncodeReply(r *types.Reply) ([]byte, error)
	DecodeReply(data []byte) (*types.Reply, error)

	EncodeSignal(s *types.Signal) ([]byte, error)
	DecodeSignal(data []byte) (*types.Signal, error)

	EncodeException(e *types.Exception) ([]byte, error)
	DecodeException(data []byte) (*types.Exception, error)
}

// ByName returns the encoding registered under name.
func ByName(name string) (Encoding, error) {
	switch name {
	case EncodingJSON:
		return jsonEncoding{}, nil
	case EncodingMsgpack:
		return msgpackEncoding{}, nil
	}
	return nil, fmt.Errorf("unknown encoding %q", name)
}

// Pack encodes a typed protocol value and wraps it in an envelope, returning
// the bytes to place on a transport. The message kind is derived from the
// value's type.
func Pack(enc Encoding, v any) ([]byte, error) {
	var (
		kind types.MessageKind
		data []byte
		err  error
	)

	switch msg := v.(type) {
	case *types.Method:
		kind = types.MessageKindMethod
		data, err = enc.EncodeMethod(msg)
	case *types.Reply:
		kind = types.MessageKindReply
		data, err = enc.EncodeReply(msg)
	case *types.Signal:
		kind = types.MessageKindSignal
		data, err = enc.EncodeSignal(msg)
	case *types.Exception:
		kind = types.MessageKindException
		data, err = enc.EncodeException(msg)
	default:
		return nil, &ProtocolError{Msg: fmt.Sprintf("cannot pack %T as a protocol message", v)}
	}
	if err != nil {
		return nil, err
	}

	return enc.EncodeEnvelope(&types.Envelope{Type: kind, Data: data})
}

// Unpack decodes the envelope shell of one wire message. Payload decoding is
// dispatched by the caller on the envelope's Type; an envelope naming an
// unknown kind fails here with a *ProtocolError.
func Unpack(enc Encoding, raw []byte) (*types.Envelope, error) {
	return enc.DecodeEnvelope(raw)
}
