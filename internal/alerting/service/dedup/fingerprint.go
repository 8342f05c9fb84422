package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/qiniu/opsguard/internal/alerting/model"
)

// maxHostsInKey is the largest host set that still yields a host-scoped group key.
const maxHostsInKey = 3

// Fingerprint identifies repeated occurrences of the same condition.
func Fingerprint(ruleID, hostID, serviceID int64, metric string) string {
	raw := strconv.FormatInt(ruleID, 10) + "|" +
		strconv.FormatInt(hostID, 10) + "|" +
		strconv.FormatInt(serviceID, 10) + "|" +
		metric
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GroupKey builds prefix:severity:scope where scope is "hosts:<sorted ids>" for up to three hosts
// and "rule_based" otherwise.
func GroupKey(ruleName string, severity model.Severity, hostIDs []int64) string {
	scope := "rule_based"
	if len(hostIDs) <= maxHostsInKey {
		ids := append([]int64(nil), hostIDs...)
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = strconv.FormatInt(id, 10)
		}
		scope = "hosts:" + strings.Join(parts, ",")
	}
	return rulePrefix(ruleName) + ":" + strings.ToLower(string(severity)) + ":" + scope
}

func rulePrefix(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	fields := strings.FieldsFunc(name, func(r rune) bool {
		switch r {
		case '_', '-', '.', ' ', ':':
			return true
		}
		return false
	})
	if len(fields) == 0 {
		return "unknown"
	}
	return fields[0]
}

// unionIDs appends ids from add that are not yet in base, keeping order.
func unionIDs(base []int64, add ...int64) []int64 {
	seen := make(map[int64]struct{}, len(base))
	for _, id := range base {
		seen[id] = struct{}{}
	}
	for _, id := range add {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		base = append(base, id)
	}
	return base
}
