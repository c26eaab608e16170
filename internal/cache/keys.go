package cache

import (
	"fmt"
	"strings"
)

// ReportPrefix namespaces every cached report so a cycle can drop them together.
const ReportPrefix = "report:"

// ReportKey builds the cache key for a named report and its parameters.
func ReportKey(name string, params ...string) string {
	if len(params) == 0 {
		return ReportPrefix + name
	}
	return ReportPrefix + name + ":" + strings.Join(params, ":")
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("ratelimit:%s", client)
}

// CycleLockKey guards the engine cycle so only one replica runs it at a time.
func CycleLockKey() string {
	return "lock:engine:cycle"
}
