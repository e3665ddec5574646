package wire

import (
	"encoding/json"

	"github.com/Sampath005/postgres-to-s3-sync/pkg/connector"
	"gopkg.in/yaml.v3"
)

// YAMLCodec encodes documents as YAML.
type YAMLCodec struct{}

func (c *YAMLCodec) Name() Format {
	return FormatYAML
}

func (c *YAMLCodec) ContentType() string {
	return "application/yaml"
}

func (c *YAMLCodec) Extension() string {
	return "yaml"
}

func (c *YAMLCodec) Encode(doc connector.Document) ([]byte, error) {
	if doc.Data != nil {
		doc.Data = yamlValue(doc.Data).(map[string]any)
	}
	return yaml.Marshal(doc)
}

// yamlValue copies v, turning json.Number leaves into untagged scalars that
// carry the original digits.
func yamlValue(v any) any {
	switch value := v.(type) {
	case json.Number:
		return &yaml.Node{Kind: yaml.ScalarNode, Value: value.String()}
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, item := range value {
			out[key] = yamlValue(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for idx, item := range value {
			out[idx] = yamlValue(item)
		}
		return out
	default:
		return v
	}
}
