package authapi

import (
	"strings"
)

// maskEmail keeps logs useful without recording full addresses: "jo***@example.com".
func maskEmail(email string) string {
	local, domain, ok := strings.Cut(strings.TrimSpace(email), "@")
	if !ok || local == "" {
		return "***"
	}
	keep := 2
	if len(local) <= keep {
		keep = 1
	}
	return local[:keep] + "***@" + domain
}
