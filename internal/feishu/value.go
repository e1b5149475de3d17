package feishu

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FieldString flattens a bitable cell value into a trimmed string.
//
// Bitable cells arrive in several shapes depending on the column type and
// the API version: bare scalars, rich-text arrays of {text: ...} segments,
// and {value: [...]} wrapper objects. All shape-sniffing lives here so
// callers only ever see a flat string.
func FieldString(v interface{}) string {
	return strings.TrimSpace(flattenValue(v))
}

func flattenValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case json.Number:
		return val.String()
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return flattenValue(float64(val))
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s := flattenValue(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "")
	case map[string]interface{}:
		for _, key := range []string{"value", "values", "elements", "content"} {
			if inner, ok := val[key]; ok {
				if s := flattenValue(inner); s != "" {
					return s
				}
			}
		}
		if text, ok := val["text"]; ok {
			return flattenValue(text)
		}
		if link, ok := val["link"]; ok {
			return flattenValue(link)
		}
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}

// FieldDate normalizes a bitable date cell to a canonical "YYYY-MM-DD"
// string. Date columns arrive as epoch milliseconds (bare number or inside a
// {value:[...]} wrapper) or as already-formatted text; anything that parses
// as a plausible millisecond timestamp is converted in local time, other
// strings pass through trimmed.
func FieldDate(v interface{}) string {
	s := FieldString(v)
	if s == "" {
		return ""
	}
	if ms, ok := parseEpochMillis(s); ok {
		return time.UnixMilli(ms).Format("2006-01-02")
	}
	return s
}

func parseEpochMillis(s string) (int64, bool) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return 0, false
		}
		ms = int64(f)
	}
	// Epoch-millisecond timestamps for any modern date are 12-13 digits;
	// this bound keeps small integers (counts, years) from being mistaken
	// for dates.
	if ms < 1e11 || ms > 1e14 {
		return 0, false
	}
	return ms, true
}
