package ruleset

import (
	"strings"
)

// DefaultHostAliases maps CMDB attribute names onto dimension names.
var DefaultHostAliases = map[string]string{
	"bk_host_innerip": "ip",
	"bk_target_ip":    "ip",
	"bk_cloud_id":     "bk_target_cloud_id",
	"bk_set_name":     "set",
	"bk_module_name":  "module",
}

// NormalizeLabels returns a new map with keys lowercased, trimmed and aliased,
// values trimmed and empty values removed. The input is not mutated.
func NormalizeLabels(in map[string]string, aliasMap map[string]string) map[string]string {
	if len(in) == 0 {
		return map[string]string{}
	}
	result := make(map[string]string, len(in))
	for rawKey, rawVal := range in {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		if key == "" {
			continue
		}
		if canonical, ok := aliasMap[key]; ok && strings.TrimSpace(canonical) != "" {
			key = strings.ToLower(strings.TrimSpace(canonical))
		}
		val := strings.TrimSpace(rawVal)
		if val == "" {
			continue
		}
		result[key] = val
	}
	return result
}

// HostKey addresses a host in the enrichment cache.
func HostKey(ip string, cloudID string) string {
	if cloudID == "" {
		cloudID = "0"
	}
	return strings.TrimSpace(ip) + "|" + strings.TrimSpace(cloudID)
}
