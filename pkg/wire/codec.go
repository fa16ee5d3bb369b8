package wire

import (
	"encoding/json"
	"fmt"
)

// Codec turns envelopes into bytes and back.
type Codec interface {
	ContentType() string
	MarshalRequest(*Request) ([]byte, error)
	UnmarshalRequest([]byte, *Request) error
	MarshalResponse(*Response) ([]byte, error)
	UnmarshalResponse([]byte, *Response) error
}

var (
	_ Codec = JSONCodec{}
	_ Codec = ProtoCodec{}
)

// JSONCodec is the codec used over HTTP. Payloads and bodies are carried as
// base64 strings by encoding/json.
type JSONCodec struct{}

func (JSONCodec) ContentType() string {
	return "application/json"
}

func (JSONCodec) MarshalRequest(req *Request) ([]byte, error) {
	return json.Marshal(req)
}

func (JSONCodec) UnmarshalRequest(buf []byte, req *Request) error {
	if err := json.Unmarshal(buf, req); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}

func (JSONCodec) MarshalResponse(resp *Response) ([]byte, error) {
	return json.Marshal(resp)
}

func (JSONCodec) UnmarshalResponse(buf []byte, resp *Response) error {
	if err := json.Unmarshal(buf, resp); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return nil
}
