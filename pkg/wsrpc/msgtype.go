package wsrpc

import "encoding/json"

// MessageType binds an operation name to a request/response codec pair.
// Names must be unique within a HandlerTable; lookup is case-insensitive.
// Either codec may represent "no payload" — a Req or Res of struct{} with
// a codec that ignores/produces an empty body.
type MessageType[Req any, Res any] struct {
	Name string

	EncodeRequest func(Req) (json.RawMessage, error)
	DecodeRequest func(json.RawMessage) (Req, error)

	EncodeResponse func(Res) (json.RawMessage, error)
	DecodeResponse func(json.RawMessage) (Res, error)
}

// NewMessageType builds a MessageType using encoding/json for both
// codecs. This is the default "opaque JSON codec" the framework assumes;
// pass a MessageType literal directly instead of this constructor to
// plug in a different serializer per op.
func NewMessageType[Req any, Res any](name string) MessageType[Req, Res] {
	return MessageType[Req, Res]{
		Name:           name,
		EncodeRequest:  jsonEncode[Req],
		DecodeRequest:  jsonDecode[Req],
		EncodeResponse: jsonEncode[Res],
		DecodeResponse: jsonDecode[Res],
	}
}

func jsonEncode[T any](v T) (json.RawMessage, error) {
	return json.Marshal(v)
}

func jsonDecode[T any](body json.RawMessage) (T, error) {
	var v T
	if len(body) == 0 {
		return v, nil
	}
	err := json.Unmarshal(body, &v)
	return v, err
}
