package redisremote

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Hash field encoding: integers stay plain so HINCRBY works on them, bools
// are the literals true/false, everything else is JSON.
func encodeField(v any) string {
	switch n := v.(type) {
	case string:
		b, _ := json.Marshal(n)
		return string(b)
	case int:
		return strconv.FormatInt(int64(n), 10)
	case int64:
		return strconv.FormatInt(n, 10)
	case bool:
		if n {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(n)
		return string(b)
	}
}

func decodeField(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func decodeFields(raw map[string]string) map[string]any {
	data := make(map[string]any, len(raw))
	for k, v := range raw {
		if k == createdField {
			continue
		}
		data[k] = decodeField(v)
	}
	return data
}

func splitPath(path string) (collection, id string, ok bool) {
	i := strings.LastIndex(path, "/")
	if i <= 0 || i == len(path)-1 {
		return "", "", false
	}
	return path[:i], path[i+1:], true
}

func errBadPath(path string) error {
	return fmt.Errorf("malformed document path %q", path)
}
