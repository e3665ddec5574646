package connector

import (
	"fmt"
	"strings"
)

// NormalizeEndpointType normalizes and validates a sink type.
//
// It is case-insensitive, trims whitespace, and defaults empty values to file.
func NormalizeEndpointType(raw string) (EndpointType, error) {
	kind := EndpointType(strings.ToLower(strings.TrimSpace(raw)))
	if kind == "" {
		return EndpointFile, nil
	}
	switch kind {
	case EndpointFile, EndpointS3, EndpointKafka, EndpointNATS:
		return kind, nil
	default:
		return "", fmt.Errorf("unsupported sink type %q (expected %s, %s, %s or %s)", kind, EndpointFile, EndpointS3, EndpointKafka, EndpointNATS)
	}
}
