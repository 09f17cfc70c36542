package protocol

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/vinayprograms/farmkit/errors"
)

// Codec serializes frames and bodies.
type Codec interface {
	// Name returns the codec name used in configuration.
	Name() string

	// Marshal encodes v.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes data into v.
	Unmarshal(data []byte, v any) error
}

// JSONCodec encodes frames as JSON text.
type JSONCodec struct{}

// Name returns "json".
func (JSONCodec) Name() string { return "json" }

// Marshal encodes v as JSON.
func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes JSON data into v.
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// CBORCodec encodes frames with CBOR core deterministic encoding.
type CBORCodec struct{}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

// Name returns "cbor".
func (CBORCodec) Name() string { return "cbor" }

// Marshal encodes v as CBOR.
func (CBORCodec) Marshal(v any) ([]byte, error) { return cborEnc.Marshal(v) }

// Unmarshal decodes CBOR data into v.
func (CBORCodec) Unmarshal(data []byte, v any) error { return cborDec.Unmarshal(data, v) }

// CodecByName returns the codec for a configured name. Empty means JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, errors.InvalidInput("unknown codec: " + name)
	}
}

// EncodeFrame validates and encodes a frame.
func EncodeFrame(c Codec, f *Frame) ([]byte, error) {
	if err := f.Meta.Validate(); err != nil {
		return nil, errors.InvalidInput(err.Error())
	}
	return c.Marshal(f)
}

// DecodeFrame decodes and validates a frame. Any failure is a DECODE_ERROR.
func DecodeFrame(c Codec, data []byte) (*Frame, error) {
	if len(data) == 0 {
		return nil, errors.Decode(nil, errors.WithMetadata("reason", "empty frame"))
	}
	var f Frame
	if err := c.Unmarshal(data, &f); err != nil {
		return nil, errors.Decode(err, errors.WithMetadata("codec", c.Name()))
	}
	if err := f.Meta.Validate(); err != nil {
		return nil, errors.Decode(err, errors.WithMetadata("codec", c.Name()))
	}
	return &f, nil
}

// EncodeEvent encodes a push event as a notify body.
func EncodeEvent(c Codec, e *Event) ([]byte, error) {
	if e.Type == "" {
		return nil, errors.InvalidInput("event without type")
	}
	return c.Marshal(e)
}

// DecodeEvent decodes the body of a notify frame.
func DecodeEvent(c Codec, body []byte) (*Event, error) {
	var e Event
	if err := c.Unmarshal(body, &e); err != nil {
		return nil, errors.Decode(err, errors.WithMetadata("codec", c.Name()))
	}
	if e.Type == "" {
		return nil, errors.Decode(nil, errors.WithMetadata("reason", "event without type"))
	}
	return &e, nil
}
