package supervisor

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype both sides negotiate for the
// DeliveryStream; it routes every message through jsonCodec instead of
// grpc's default protobuf codec.
const codecName = "json"

// jsonCodec implements google.golang.org/grpc/encoding.Codec, letting the
// DeliveryStream carry plain Go structs (Envelope) rather than
// protobuf-generated messages — there is no .proto source for this
// stream in the retrieved teacher pack to generate from.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
