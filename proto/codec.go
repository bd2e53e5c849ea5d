package proto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content-subtype the JSON codec is sent under.
const CodecName = "json"

type jsonCodec struct{}

// Codec returns the codec used for every StatementService message.
func Codec() encoding.Codec {
	return jsonCodec{}
}

// ServerCodecOption forces the JSON codec on a gRPC server.
func ServerCodecOption() grpc.ServerOption {
	return grpc.ForceServerCodec(Codec())
}

// ClientCodecOption forces the JSON codec on every call of a client connection.
func ClientCodecOption() grpc.DialOption {
	return grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec()))
}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json codec marshal %T: %w", v, err)
	}
	return b, nil
}

// Unmarshal keeps numbers as json.Number so parsed statement amounts survive
// the round trip unchanged.
func (jsonCodec) Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("json codec unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string {
	return CodecName
}
