package wire

import (
	"encoding/json"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
)

// JSONCodec encodes documents as indented JSON.
type JSONCodec struct{}

func (c *JSONCodec) Name() Format {
	return FormatJSON
}

func (c *JSONCodec) ContentType() string {
	return "application/json"
}

func (c *JSONCodec) Extension() string {
	return "json"
}

func (c *JSONCodec) Encode(doc connector.Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}
