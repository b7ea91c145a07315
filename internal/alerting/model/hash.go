package model

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/twmb/murmur3"
)

// CanonicalLabelKey returns a stable string representation of labels for use as a map key.
// It sorts keys and concatenates as key=value pairs separated by '|'.
// This ensures {a=1,b=2} and {b=2,a=1} produce identical keys.
func CanonicalLabelKey(labels map[string]string) string {
	if len(labels) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.Grow(len(keys) * 8)
	for i := 0; i < len(keys); i++ {
		if i > 0 {
			b.WriteByte('|')
		}
		k := keys[i]
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

// SortedKeys returns the keys of m in lexicographic order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func md5Hex(parts ...string) string {
	h := md5.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint identifies a time series by its dimension set.
func Fingerprint(dims map[string]string) string {
	return md5Hex(CanonicalLabelKey(dims))
}

// DedupMD5 is the alerting key of (rule, fingerprint, level).
func DedupMD5(ruleID int64, fingerprint string, level Level) string {
	return md5Hex(strconv.FormatInt(ruleID, 10), fingerprint, strconv.Itoa(int(level)))
}

// EventID identifies an event by its key and the start of its satisfying window.
func EventID(ruleID, itemID int64, fingerprint string, level Level, windowStart int64) string {
	return md5Hex(strconv.FormatInt(ruleID, 10), strconv.FormatInt(itemID, 10), fingerprint,
		strconv.Itoa(int(level)), strconv.FormatInt(windowStart, 10))
}

// ConvergeKey groups firings of a template by the values of the configured fields.
func ConvergeKey(templateID int64, fields []string, values map[string]any) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, strconv.FormatInt(templateID, 10))
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	for _, f := range sorted {
		parts = append(parts, f+"="+stringify(values[f]))
	}
	return md5Hex(parts...)
}

// SnapshotKey is the content hash of a strategy configuration.
func SnapshotKey(s *Strategy) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return md5Hex(string(b)), nil
}

// Shard maps a key onto one of n shards.
func Shard(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(murmur3.StringSum64(key) % uint64(n))
}

// RuleShard maps a rule id onto one of n shards.
func RuleShard(ruleID int64, n int) int {
	return Shard(strconv.FormatInt(ruleID, 10), n)
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []string:
		cp := append([]string(nil), t...)
		sort.Strings(cp)
		return strings.Join(cp, ",")
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// Stringify renders a matcher field value as a string.
func Stringify(v any) string { return stringify(v) }
