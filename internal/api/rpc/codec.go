package rpc

import "encoding/json"

// jsonCodec marshals the hand-written message structs with
// encoding/json. It replaces Connect's protobuf JSON codec so the
// handlers and client work without generated message types; requests
// travel as plain application/json.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(message any) ([]byte, error) {
	return json.Marshal(message)
}

func (jsonCodec) Unmarshal(data []byte, message any) error {
	return json.Unmarshal(data, message)
}
