package patcher

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DeepMerge overlays src onto dst recursively: nested maps merge key by
// key, everything else is replaced. Neither input is mutated.
func DeepMerge(dst, src map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(dst))
	for k, v := range dst {
		out[k] = v
	}
	for k, sv := range src {
		if dv, ok := out[k]; ok {
			dm, dOK := toStringMap(dv)
			sm, sOK := toStringMap(sv)
			if dOK && sOK {
				out[k] = DeepMerge(dm, sm)
				continue
			}
		}
		out[k] = sv
	}
	return out
}

func toStringMap(v interface{}) (map[string]interface{}, bool) {
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprintf("%v", k)] = val
		}
		return out, true
	}
	return nil, false
}

// MergeYAMLDocument merges updates into the YAML document and renders the
// result.
func MergeYAMLDocument(document []byte, updates map[string]interface{}) ([]byte, error) {
	existing := map[string]interface{}{}
	if len(document) > 0 {
		if err := yaml.Unmarshal(document, &existing); err != nil {
			return nil, fmt.Errorf("failed to parse yaml document: %w", err)
		}
	}
	return yaml.Marshal(DeepMerge(existing, updates))
}

// MergeJSONDocument merges updates into the JSON document and renders the
// result with stable indentation.
func MergeJSONDocument(document []byte, updates map[string]interface{}) ([]byte, error) {
	existing := map[string]interface{}{}
	if len(document) > 0 {
		if err := json.Unmarshal(document, &existing); err != nil {
			return nil, fmt.Errorf("failed to parse json document: %w", err)
		}
	}
	return json.MarshalIndent(DeepMerge(existing, updates), "", "  ")
}

// RenderEnvFile appends or replaces KEY=value pairs in dotenv content,
// keys emitted sorted so output is deterministic.
func RenderEnvFile(content string, updates map[string]string) string {
	lines := strings.Split(content, "\n")
	seen := map[string]bool{}
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key := strings.SplitN(trimmed, "=", 2)[0]
		if v, ok := updates[key]; ok {
			lines[i] = key + "=" + v
			seen[key] = true
		}
	}
	var missing []string
	for key := range updates {
		if !seen[key] {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	for _, key := range missing {
		lines = append(lines, key+"="+updates[key])
	}
	out := strings.Join(lines, "\n")
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out
}
