package envelope

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errorspkg "github.com/drblury/eventflow/internal/runtime/errors"
	"github.com/drblury/eventflow/internal/runtime/jsoncodec"
)

// Content types written to the content_type message header.
const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// Codec turns envelopes into log records and back. Decode failures are
// reported as *errors.DecodeError.
type Codec interface {
	ContentType() string
	Encode(env *Envelope) ([]byte, error)
	Decode(data []byte) (*Envelope, error)
}

// JSONCodec is the default UTF-8 JSON codec.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return ContentTypeJSON }

func (JSONCodec) Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errorspkg.ErrEnvelopeRequired
	}
	return jsoncodec.Marshal(env.toMap())
}

func (JSONCodec) Decode(data []byte) (*Envelope, error) {
	m, err := jsoncodec.UnmarshalObject(data)
	if err != nil {
		return nil, &errorspkg.DecodeError{Cause: err}
	}
	env := &Envelope{}
	if err := env.fromMap(m); err != nil {
		return nil, &errorspkg.DecodeError{Cause: err}
	}
	return env, nil
}

// ProtoCodec encodes envelopes as a google.protobuf.Struct. It carries the
// same keys as the JSON layout, so the two codecs are interchangeable.
type ProtoCodec struct{}

func (ProtoCodec) ContentType() string { return ContentTypeProtobuf }

func (ProtoCodec) Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errorspkg.ErrEnvelopeRequired
	}
	st, err := structpb.NewStruct(env.toMap())
	if err != nil {
		return nil, fmt.Errorf("envelope: build struct: %w", err)
	}
	return proto.Marshal(st)
}

func (ProtoCodec) Decode(data []byte) (*Envelope, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return nil, &errorspkg.DecodeError{Cause: err}
	}
	env := &Envelope{}
	if err := env.fromMap(st.AsMap()); err != nil {
		return nil, &errorspkg.DecodeError{Cause: err}
	}
	return env, nil
}

// CodecByName returns the codec configured as "json" or "protobuf".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "protobuf", "proto":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("envelope: unknown codec %q", name)
	}
}

// CodecForContentType picks the codec for a received record. Records without
// a content type are JSON.
func CodecForContentType(contentType string) (Codec, error) {
	switch contentType {
	case "", ContentTypeJSON:
		return JSONCodec{}, nil
	case ContentTypeProtobuf:
		return ProtoCodec{}, nil
	default:
		return nil, &errorspkg.DecodeError{Cause: fmt.Errorf("unsupported content type %q", contentType)}
	}
}
