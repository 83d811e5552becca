// Package format implements the embedded-format decoders the Consumer
// State's record factory delegates to (spec.md §1 names these as an
// external collaborator whose contract is stated, not designed, here).
// Three formats are wired: raw binary, JSON, and Avro (via goavro), the
// same trio the original kafka-rest proxy supports.
package format

import (
	"encoding/base64"
	"encoding/json"

	"github.com/linkedin/goavro/v2"
	"github.com/pkg/errors"
)

// Name identifies an embedded message format.
type Name string

const (
	Binary Name = "binary"
	JSON   Name = "json"
	Avro   Name = "avro"
)

// Decoded is one decoded field (key or value) plus its rough size
// contribution in bytes, used by the Read Task's size-cap accounting.
type Decoded struct {
	Value     interface{}
	RoughSize int
}

// Decoder turns a raw Kafka key/value byte slice into a client-facing
// representation, per the declared embedded format.
type Decoder interface {
	Decode(raw []byte) (Decoded, error)
}

// NewDecoder returns the Decoder for the given format. schemaJSON is only
// consulted for Avro.
func NewDecoder(name Name, schemaJSON string) (Decoder, error) {
	switch name {
	case Binary, "":
		return binaryDecoder{}, nil
	case JSON:
		return jsonDecoder{}, nil
	case Avro:
		codec, err := goavro.NewCodec(schemaJSON)
		if err != nil {
			return nil, errors.Wrap(err, "failed to parse avro schema")
		}
		return avroDecoder{codec: codec}, nil
	default:
		return nil, errors.Errorf("unknown embedded format: %q", name)
	}
}

// binaryDecoder base64-encodes the raw bytes, matching the original
// kafka-rest binary embedded format's wire representation. nil is preserved
// as nil so the client can distinguish a missing key from an empty one.
type binaryDecoder struct{}

func (binaryDecoder) Decode(raw []byte) (Decoded, error) {
	if raw == nil {
		return Decoded{Value: nil, RoughSize: 0}, nil
	}
	encoded := base64.StdEncoding.EncodeToString(raw)
	return Decoded{Value: encoded, RoughSize: len(raw)}, nil
}

// jsonDecoder parses the raw bytes as a JSON document, re-embedding it as a
// structured value in the response.
type jsonDecoder struct{}

func (jsonDecoder) Decode(raw []byte) (Decoded, error) {
	if raw == nil {
		return Decoded{Value: nil, RoughSize: 0}, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Decoded{}, errors.Wrap(err, "invalid JSON embedded message")
	}
	return Decoded{Value: v, RoughSize: len(raw)}, nil
}

// avroDecoder decodes the raw bytes using a fixed Avro schema and
// re-embeds the decoded record as JSON-able native Go types.
type avroDecoder struct {
	codec *goavro.Codec
}

func (d avroDecoder) Decode(raw []byte) (Decoded, error) {
	if raw == nil {
		return Decoded{Value: nil, RoughSize: 0}, nil
	}
	native, _, err := d.codec.NativeFromBinary(raw)
	if err != nil {
		return Decoded{}, errors.Wrap(err, "invalid avro embedded message")
	}
	// Rough size is the length of the compact JSON re-encoding; the
	// indentation the HTTP response adds is not counted.
	textual, err := d.codec.TextualFromNative(nil, native)
	if err != nil {
		return Decoded{}, errors.Wrap(err, "failed to re-encode avro value as JSON")
	}
	var v interface{}
	if err := json.Unmarshal(textual, &v); err != nil {
		return Decoded{}, errors.Wrap(err, "failed to decode re-encoded avro JSON")
	}
	return Decoded{Value: v, RoughSize: len(textual)}, nil
}
