package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ProtoCodec encodes envelopes in the protobuf wire format, it is the codec
// used by the QUIC transport. The schema is:
//
//	message Descriptor {
//	  string addr = 1;
//	  string name = 2;
//	  repeated string paths = 3;
//	  int64 last_seen = 4;
//	}
//
//	message Request {
//	  uint32 type = 1;
//	  string correlation_id = 2;
//	  string service_path = 3;
//	  bytes payload = 4;
//	  Descriptor sender = 5;
//	  int64 deadline = 6;
//	}
//
//	message Response {
//	  string correlation_id = 1;
//	  uint32 error = 2;
//	  string error_message = 3;
//	  bytes body = 4;
//	  Descriptor responder = 5;
//	  repeated string summary = 6;
//	  repeated Descriptor cluster = 7;
//	}
//
// Unknown fields are skipped so newer peers can add fields.
type ProtoCodec struct{}

func (ProtoCodec) ContentType() string {
	return "application/x-protobuf"
}

func (ProtoCodec) MarshalRequest(req *Request) ([]byte, error) {
	var b []byte
	b = appendVarint(b, 1, uint64(req.Type))
	b = appendString(b, 2, req.CorrelationID)
	b = appendString(b, 3, req.ServicePath)
	b = appendBytes(b, 4, req.Payload)
	b = appendMessage(b, 5, appendDescriptor(nil, &req.Sender))
	b = appendVarint(b, 6, uint64(req.Deadline))
	return b, nil
}

func (ProtoCodec) UnmarshalRequest(b []byte, req *Request) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeUint8(b, num)
			req.Type = MessageType(v)
			return n, err
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &req.CorrelationID)
		case num == 3 && typ == protowire.BytesType:
			return consumeString(b, &req.ServicePath)
		case num == 4 && typ == protowire.BytesType:
			return consumeBytes(b, &req.Payload)
		case num == 5 && typ == protowire.BytesType:
			return consumeDescriptor(b, &req.Sender)
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			req.Deadline = int64(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func (ProtoCodec) MarshalResponse(resp *Response) ([]byte, error) {
	var b []byte
	b = appendString(b, 1, resp.CorrelationID)
	b = appendVarint(b, 2, uint64(resp.Error))
	b = appendString(b, 3, resp.ErrorMessage)
	b = appendBytes(b, 4, resp.Body)
	b = appendMessage(b, 5, appendDescriptor(nil, &resp.Responder))
	for _, addr := range resp.Summary {
		b = appendString(b, 6, addr)
	}
	for i := range resp.Cluster {
		b = appendMessage(b, 7, appendDescriptor(nil, &resp.Cluster[i]))
	}
	return b, nil
}

func (ProtoCodec) UnmarshalResponse(b []byte, resp *Response) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &resp.CorrelationID)
		case num == 2 && typ == protowire.VarintType:
			v, n, err := consumeUint8(b, num)
			resp.Error = ErrorCode(v)
			return n, err
		case num == 3 && typ == protowire.BytesType:
			return consumeString(b, &resp.ErrorMessage)
		case num == 4 && typ == protowire.BytesType:
			return consumeBytes(b, &resp.Body)
		case num == 5 && typ == protowire.BytesType:
			return consumeDescriptor(b, &resp.Responder)
		case num == 6 && typ == protowire.BytesType:
			var addr string
			n, err := consumeString(b, &addr)
			if err == nil && n >= 0 {
				resp.Summary = append(resp.Summary, addr)
			}
			return n, err
		case num == 7 && typ == protowire.BytesType:
			var desc Descriptor
			n, err := consumeDescriptor(b, &desc)
			if err == nil && n >= 0 {
				resp.Cluster = append(resp.Cluster, desc)
			}
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func appendDescriptor(b []byte, d *Descriptor) []byte {
	b = appendString(b, 1, d.Addr)
	b = appendString(b, 2, d.Name)
	for _, path := range d.Paths {
		// a repeated field must keep empty elements, do not skip them.
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, path)
	}
	b = appendVarint(b, 4, uint64(d.LastSeen))
	return b
}

func consumeDescriptor(b []byte, d *Descriptor) (int, error) {
	inner, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	err := consumeFields(inner, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &d.Addr)
		case num == 2 && typ == protowire.BytesType:
			return consumeString(b, &d.Name)
		case num == 3 && typ == protowire.BytesType:
			var path string
			m, err := consumeString(b, &path)
			if err == nil && m >= 0 {
				d.Paths = append(d.Paths, path)
			}
			return m, err
		case num == 4 && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			d.LastSeen = int64(v)
			return m, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return n, err
}

// consumeFields walks every field of a message, fn returns how many bytes of
// the field value it consumed, or a negative protowire error code.
func consumeFields(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %w", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

// consumeUint8 decodes the varint of an enum field.
func consumeUint8(b []byte, num protowire.Number) (uint8, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 && v > math.MaxUint8 {
		return 0, n, fmt.Errorf("%w: field %d: value %d out of range", ErrMalformed, num, v)
	}
	return uint8(v), n, nil
}

func consumeString(b []byte, out *string) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*out = v
	}
	return n, nil
}

func consumeBytes(b []byte, out *[]byte) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n >= 0 {
		*out = append([]byte(nil), v...)
	}
	return n, nil
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessage(b []byte, num protowire.Number, inner []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, inner)
}

// MarshalDescriptor encodes a standalone descriptor.
func (ProtoCodec) MarshalDescriptor(d *Descriptor) []byte {
	return appendDescriptor(nil, d)
}

func (ProtoCodec) UnmarshalDescriptor(b []byte, d *Descriptor) error {
	n, err := consumeDescriptor(protowire.AppendBytes(nil, b), d)
	if err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("%w: %w", ErrMalformed, protowire.ParseError(n))
	}
	return nil
}
