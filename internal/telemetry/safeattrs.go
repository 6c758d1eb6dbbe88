package telemetry

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys containing any of these fragments never leave the process.
var denyKeys = []string{
	"text",
	"uin",
	"known_name",
	"person",
	"mention",
	"author",
	"creator",
	"title",
	"content",
	"authorization",
	"api_key",
	"token",
	"email",
	"phone",
}

// SafeAttributes filters out unsafe keys/values and returns OTEL attributes.
func SafeAttributes(values map[string]interface{}) []attribute.KeyValue {
	if len(values) == 0 {
		return nil
	}
	var attrs []attribute.KeyValue
	for k, v := range values {
		if deniedKey(k) {
			continue
		}
		switch val := v.(type) {
		case string:
			if len(val) > 512 {
				continue
			}
			attrs = append(attrs, attribute.String(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case []string:
			attrs = append(attrs, attribute.StringSlice(k, truncateStrings(val, 32)))
		default:
			// unsupported types ignored for safety
		}
	}
	return attrs
}

func deniedKey(k string) bool {
	lk := strings.ToLower(k)
	for _, bad := range denyKeys {
		if strings.Contains(lk, bad) {
			return true
		}
	}
	return false
}

func truncateStrings(in []string, limit int) []string {
	if len(in) <= limit {
		return in
	}
	return in[:limit]
}
