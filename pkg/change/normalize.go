package change

import (
	"encoding/json"
	"regexp"
)

var integerPattern = regexp.MustCompile(`^-?(0|[1-9]\d*)$`)

// normalizeValue replaces json.Number leaves that fit an int64 with int64.
// Every other number stays as json.Number so numeric columns keep their exact
// decimal text.
func normalizeValue(value any) any {
	switch v := value.(type) {
	case json.Number:
		return normalizeNumber(v)
	case map[string]any:
		for key, item := range v {
			v[key] = normalizeValue(item)
		}
		return v
	case []any:
		for idx, item := range v {
			v[idx] = normalizeValue(item)
		}
		return v
	default:
		return value
	}
}

func normalizeNumber(n json.Number) any {
	if !integerPattern.MatchString(n.String()) {
		return n
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	return n
}
