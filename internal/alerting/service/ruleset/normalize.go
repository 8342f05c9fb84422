package ruleset

import (
	"maps"
	"slices"
	"strings"
)

// DefaultLabelAliases folds the label spellings used by common collectors onto the names
// runbook placeholders refer to.
var DefaultLabelAliases = map[string]string{
	"svc":            "service",
	"app":            "service",
	"hostname":       "host",
	"instance":       "host",
	"container_name": "container",
}

// NormalizeLabels returns a copy of in with lowercase keys made of [a-z0-9_], aliases applied
// and blank values dropped, so every key can be used as a {placeholder} in a runbook step.
// Keys that normalize to nothing are dropped.
func NormalizeLabels(in LabelMap, aliases map[string]string) LabelMap {
	out := make(LabelMap, len(in))
	for rawKey, rawVal := range in {
		key := normalizeKey(rawKey)
		if alias, ok := aliases[key]; ok {
			key = alias
		}
		val := strings.TrimSpace(rawVal)
		if key == "" || val == "" {
			continue
		}
		out[key] = val
	}
	return out
}

func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		case r == '-', r == '.', r == ' ':
			return '_'
		}
		return -1
	}, k)
}

// CanonicalLabelKey renders labels as sorted key=value pairs joined by '|'.
// Equal label sets always render the same; an empty set renders "{}".
func CanonicalLabelKey(labels LabelMap) string {
	if len(labels) == 0 {
		return "{}"
	}
	pairs := make([]string, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		pairs = append(pairs, k+"="+labels[k])
	}
	return strings.Join(pairs, "|")
}
