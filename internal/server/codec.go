package server

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of the settlement service. Clients
// select it with grpc.CallContentSubtype(CodecName).
const CodecName = "json"

// jsonCodec carries plain Go structs over gRPC. The query and command
// payloads already have stable JSON shapes shared with the HTTP gateway
// and the NATS command bodies.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
