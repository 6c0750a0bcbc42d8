package appstore

import (
	"fmt"
	"strconv"
)

// stringField reads a document field as a string, tolerating the numeric
// types the plist decoder may hand back.
func stringField(doc map[string]interface{}, key string) string {
	v, ok := doc[key]
	if !ok || v == nil {
		return ""
	}

	switch t := v.(type) {
	case string:
		return t
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// firstString returns the first non-empty value among the given keys.
func firstString(doc map[string]interface{}, keys []string) string {
	for _, key := range keys {
		if v := stringField(doc, key); v != "" {
			return v
		}
	}

	return ""
}

func intField(doc map[string]interface{}, key string) (int64, bool) {
	switch t := doc[key].(type) {
	case int64:
		return t, true
	case uint64:
		return int64(t), true
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	default:
		return 0, false
	}
}
