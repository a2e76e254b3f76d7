package engine

import (
	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Codec encodes inputs and outputs for storage.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// JSONCodec is the default codec.
//
// JSON text holds only valid UTF-8: invalid bytes in a string come back as
// U+FFFD. []byte values are base64 encoded and round-trip exactly. Use
// YAMLCodec, or a []byte output, when strings may carry arbitrary bytes.
type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                       { return "json" }

// YAMLCodec stores values as YAML documents. Strings that are not valid
// UTF-8 are written as !!binary and round-trip exactly.
type YAMLCodec struct{}

func (YAMLCodec) Marshal(v any) ([]byte, error)      { return yaml.Marshal(v) }
func (YAMLCodec) Unmarshal(data []byte, v any) error { return yaml.Unmarshal(data, v) }
func (YAMLCodec) Name() string                       { return "yaml" }
