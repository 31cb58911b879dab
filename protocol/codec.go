package protocol

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// jsonCodec implements encoding.Codec by marshalling frames as JSON. It
// registers itself under the name "proto" -- the subtype gRPC selects by
// default when a call sets no explicit content-subtype -- so every
// rpcserver-backed service in this module speaks JSON-over-gRPC without
// requiring generated protobuf bindings. This mirrors the line-delimited
// JSON framing dwarri-gazette/message uses for journal content, applied at
// the gRPC message layer instead of a bufio.Reader.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

func (jsonCodec) Name() string { return "proto" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
