// Package grpcrpc is the real network implementation of the RPC Surface
// (C10), built directly on google.golang.org/grpc. Rather than hand-author
// fragile protoc-generated stubs for a message set this small, it registers
// a custom encoding.Codec (a documented grpc-go extension point) that
// marshals the plain Go structs from the transport package as JSON, and
// builds the grpc.ServiceDesc by hand instead of via protoc.
package grpcrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "datacake-json"

// jsonCodec implements encoding.Codec. grpc-go selects a codec by name per
// call (CallContentSubtype) instead of requiring generated marshalers.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (jsonCodec) Name() string {
	return codecName
}

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
