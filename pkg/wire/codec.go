// Package wire encodes sink documents and names the units they are stored in.
package wire

import (
	"fmt"
	"strings"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
)

// Format names a document encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Codec encodes a document into a structured text payload.
type Codec interface {
	Name() Format
	ContentType() string
	Extension() string
	Encode(doc connector.Document) ([]byte, error)
}

// NewCodec returns a codec by name. JSON is the default.
func NewCodec(format string) (Codec, error) {
	switch Format(strings.ToLower(strings.TrimSpace(format))) {
	case "", FormatJSON:
		return &JSONCodec{}, nil
	case FormatYAML, "yml":
		return &YAMLCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported document format: %s", format)
	}
}
