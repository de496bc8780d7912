package syncbridge

import (
	"path"
	"strings"
)

// scrubPayload returns a copy of payload with every key whose path
// matches a denylist glob removed. Paths use "/" between nesting levels
// ("credentials/api_key"); globs match either the full path or the bare
// key, so "*token*" catches a token at any depth.
func scrubPayload(payload map[string]interface{}, denylist []string) (map[string]interface{}, int) {
	if len(payload) == 0 || len(denylist) == 0 {
		return payload, 0
	}
	out, removed := scrubLevel(payload, "", denylist)
	return out, removed
}

func scrubLevel(level map[string]interface{}, prefix string, denylist []string) (map[string]interface{}, int) {
	out := make(map[string]interface{}, len(level))
	removed := 0
	for key, value := range level {
		full := key
		if prefix != "" {
			full = prefix + "/" + key
		}
		if matchesDenylist(key, full, denylist) {
			removed++
			continue
		}
		if nested, ok := value.(map[string]interface{}); ok {
			cleaned, n := scrubLevel(nested, full, denylist)
			out[key] = cleaned
			removed += n
			continue
		}
		out[key] = value
	}
	return out, removed
}

func matchesDenylist(key, fullPath string, denylist []string) bool {
	lowerKey := strings.ToLower(key)
	lowerPath := strings.ToLower(fullPath)
	for _, glob := range denylist {
		g := strings.ToLower(glob)
		if ok, _ := path.Match(g, lowerKey); ok {
			return true
		}
		if ok, _ := path.Match(g, lowerPath); ok {
			return true
		}
	}
	return false
}
