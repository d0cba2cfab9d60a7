package mcpengine

import (
	"sort"
	"strings"
)

const userAgent = "blivetctl/0.1.0"

// requestHeaders returns the headers sent with every HTTP request to the
// engine server. Configured headers override the defaults; names match
// case-insensitively and the configured spelling is kept.
func requestHeaders(configured map[string]string) map[string]string {
	headers := map[string]string{"User-Agent": userAgent}

	names := make([]string, 0, len(configured))
	for name := range configured {
		names = append(names, name)
	}
	// Deterministic winner when the config spells one header two ways.
	sort.Strings(names)

	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		for existing := range headers {
			if strings.EqualFold(existing, trimmed) {
				delete(headers, existing)
			}
		}
		headers[trimmed] = configured[name]
	}
	return headers
}
